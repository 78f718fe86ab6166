package sshclient

import (
	"fmt"

	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/claworc/sshpool/internal/logutil"
	"github.com/gluk-w/claworc/sshpool/internal/sshkeys"
)

// DefaultPort is used when a session is opened with port 0.
const DefaultPort = 22

// Context collects the host-independent material sessions are built from:
// a known_hosts database and the identities to offer. A Context is not safe
// for concurrent mutation; build one per session or finish configuring it
// before sharing.
type Context struct {
	knownHosts     ssh.HostKeyCallback
	knownHostsPath string
	identities     []ssh.Signer
	cache          *sshkeys.IdentityCache
}

// NewContext returns an empty Context. Parsed identities are read through
// cache when it is non-nil.
func NewContext(cache *sshkeys.IdentityCache) *Context {
	return &Context{cache: cache}
}

// SetKnownHosts loads the known_hosts file used for strict host key checking.
func (c *Context) SetKnownHosts(path string) error {
	cb, err := sshkeys.LoadKnownHosts(path)
	if err != nil {
		return err
	}
	c.knownHosts = cb
	c.knownHostsPath = path
	return nil
}

// KnownHostsPath returns the loaded known_hosts path, or "".
func (c *Context) KnownHostsPath() string {
	return c.knownHostsPath
}

// AddIdentity registers an unprotected private key.
func (c *Context) AddIdentity(path string) error {
	return c.addIdentity(path, "")
}

// AddIdentityWithPassphrase registers a private key decrypted with passphrase.
func (c *Context) AddIdentityWithPassphrase(path, passphrase string) error {
	if passphrase == "" {
		return fmt.Errorf("add identity %s: empty passphrase", logutil.SanitizeForLog(path))
	}
	return c.addIdentity(path, passphrase)
}

func (c *Context) addIdentity(path, passphrase string) error {
	signer, err := c.cache.Load(path, passphrase)
	if err != nil {
		return fmt.Errorf("add identity %s: %w", logutil.SanitizeForLog(path), err)
	}
	c.identities = append(c.identities, signer)
	return nil
}

// Identities returns the registered signers in registration order.
func (c *Context) Identities() []ssh.Signer {
	out := make([]ssh.Signer, len(c.identities))
	copy(out, c.identities)
	return out
}

// NewSession prepares an unconnected session for user@host:port.
func (c *Context) NewSession(user, host string, port int) (*Session, error) {
	if host == "" {
		return nil, fmt.Errorf("new session: host is empty")
	}
	if port == 0 {
		port = DefaultPort
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("new session: invalid port %d", port)
	}
	return newSession(c, user, host, port), nil
}
