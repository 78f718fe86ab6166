package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/crypto/ssh"
)

// DefaultIdentityCacheSize bounds the number of parsed identities kept in memory.
const DefaultIdentityCacheSize = 64

// ErrPassphraseRequired is returned when an encrypted private key is loaded
// without a passphrase.
var ErrPassphraseRequired = errors.New("private key is passphrase protected")

// GenerateKeyPair generates an ED25519 key pair and returns the
// OpenSSH-format public key and PEM-encoded private key. A non-empty
// passphrase encrypts the private key.
func GenerateKeyPair(comment, passphrase string) (publicKey, privateKeyPEM []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	var block *pem.Block
	if passphrase != "" {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, comment, []byte(passphrase))
	} else {
		block, err = ssh.MarshalPrivateKey(priv, comment)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("create ssh public key: %w", err)
	}
	return ssh.MarshalAuthorizedKey(sshPub), pem.EncodeToMemory(block), nil
}

// SaveKeyPair writes name (mode 0600) and name.pub (mode 0644) into dir and
// returns the private key path.
func SaveKeyPair(dir, name string, privateKey, publicKey []byte) (string, error) {
	privPath := filepath.Join(dir, name)
	if err := os.WriteFile(privPath, privateKey, 0600); err != nil {
		return "", fmt.Errorf("write private key: %w", err)
	}
	if err := os.WriteFile(privPath+".pub", publicKey, 0644); err != nil {
		return "", fmt.Errorf("write public key: %w", err)
	}
	return privPath, nil
}

// ParsePrivateKey parses a PEM-encoded private key into an ssh.Signer. The
// passphrase is only used when non-empty; an unprotected key is parsed as is.
func ParsePrivateKey(privateKeyPEM []byte, passphrase string) (ssh.Signer, error) {
	if passphrase != "" {
		signer, err := ssh.ParsePrivateKeyWithPassphrase(privateKeyPEM, []byte(passphrase))
		if err != nil {
			return nil, fmt.Errorf("parse private key with passphrase: %w", err)
		}
		return signer, nil
	}

	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, ErrPassphraseRequired
		}
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return signer, nil
}

// IdentityCache keeps parsed private keys so that every new session does not
// re-read and re-decrypt the same key file. Entries are keyed by path, file
// size and modification time, so a rewritten key file is read again.
type IdentityCache struct {
	cache *lru.Cache[string, ssh.Signer]
}

// NewIdentityCache creates a cache holding up to size identities.
func NewIdentityCache(size int) (*IdentityCache, error) {
	if size <= 0 {
		size = DefaultIdentityCacheSize
	}
	c, err := lru.New[string, ssh.Signer](size)
	if err != nil {
		return nil, fmt.Errorf("create identity cache: %w", err)
	}
	return &IdentityCache{cache: c}, nil
}

// Load returns the signer for the key at path, reading it on a cache miss.
// A nil cache reads the file every time.
func (c *IdentityCache) Load(path, passphrase string) (ssh.Signer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}

	var key string
	if c != nil {
		sum := sha256.Sum256([]byte(passphrase))
		key = path + "\x00" + strconv.FormatInt(info.Size(), 10) + "\x00" +
			strconv.FormatInt(info.ModTime().UnixNano(), 10) + "\x00" + hex.EncodeToString(sum[:8])
		if signer, ok := c.cache.Get(key); ok {
			return signer, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ParsePrivateKey(data, passphrase)
	if err != nil {
		return nil, err
	}
	if c != nil {
		c.cache.Add(key, signer)
	}
	return signer, nil
}

// Len reports the number of cached identities.
func (c *IdentityCache) Len() int {
	if c == nil {
		return 0
	}
	return c.cache.Len()
}

// Purge drops every cached identity.
func (c *IdentityCache) Purge() {
	if c != nil {
		c.cache.Purge()
	}
}
