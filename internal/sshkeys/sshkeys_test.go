package sshkeys

import (
	"crypto/ed25519"
	"crypto/rand"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

func TestGenerateKeyPairUnprotected(t *testing.T) {
	pub, priv, err := GenerateKeyPair("test", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(pub), "ssh-ed25519 "))

	signer, err := ParsePrivateKey(priv, "")
	require.NoError(t, err)

	fp, err := GetPublicKeyFingerprint(pub)
	require.NoError(t, err)
	assert.Equal(t, ssh.FingerprintSHA256(signer.PublicKey()), fp)
}

func TestGenerateKeyPairWithPassphrase(t *testing.T) {
	_, priv, err := GenerateKeyPair("test", "s3cret")
	require.NoError(t, err)

	_, err = ParsePrivateKey(priv, "")
	assert.ErrorIs(t, err, ErrPassphraseRequired)

	_, err = ParsePrivateKey(priv, "wrong")
	require.Error(t, err)

	signer, err := ParsePrivateKey(priv, "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", signer.PublicKey().Type())
}

func TestParsePrivateKeyPassphraseOnUnprotectedKey(t *testing.T) {
	_, priv, err := GenerateKeyPair("test", "")
	require.NoError(t, err)

	_, err = ParsePrivateKey(priv, "unexpected")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse private key with passphrase")
}

func TestParsePrivateKeyGarbage(t *testing.T) {
	_, err := ParsePrivateKey([]byte("not a key"), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse private key")
}

func TestSaveKeyPair(t *testing.T) {
	pub, priv, err := GenerateKeyPair("test", "")
	require.NoError(t, err)

	dir := t.TempDir()
	path, err := SaveKeyPair(dir, "id_ed25519", priv, pub)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "id_ed25519"), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	gotPub, err := os.ReadFile(path + ".pub")
	require.NoError(t, err)
	assert.Equal(t, pub, gotPub)
}

func TestGetPublicKeyFingerprintErrors(t *testing.T) {
	_, err := GetPublicKeyFingerprint(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "public key is empty")

	_, err = GetPublicKeyFingerprint([]byte("ssh-ed25519 !!!"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse public key")
}

func writeKey(t *testing.T, dir, passphrase string) string {
	t.Helper()
	pub, priv, err := GenerateKeyPair("test", passphrase)
	require.NoError(t, err)
	path, err := SaveKeyPair(dir, "key", priv, pub)
	require.NoError(t, err)
	return path
}

func TestIdentityCacheHit(t *testing.T) {
	path := writeKey(t, t.TempDir(), "pw")

	c, err := NewIdentityCache(4)
	require.NoError(t, err)

	s1, err := c.Load(path, "pw")
	require.NoError(t, err)
	s2, err := c.Load(path, "pw")
	require.NoError(t, err)

	assert.Same(t, s1, s2)
	assert.Equal(t, 1, c.Len())
}

func TestIdentityCacheSeparatesPassphrases(t *testing.T) {
	path := writeKey(t, t.TempDir(), "pw")

	c, err := NewIdentityCache(4)
	require.NoError(t, err)

	_, err = c.Load(path, "pw")
	require.NoError(t, err)
	_, err = c.Load(path, "other")
	require.Error(t, err)
	assert.Equal(t, 1, c.Len())
}

func TestIdentityCacheReloadsRewrittenFile(t *testing.T) {
	dir := t.TempDir()
	path := writeKey(t, dir, "")

	c, err := NewIdentityCache(4)
	require.NoError(t, err)

	s1, err := c.Load(path, "")
	require.NoError(t, err)

	_, priv, err := GenerateKeyPair("rotated", "")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, priv, 0600))
	future := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(path, future, future))

	s2, err := c.Load(path, "")
	require.NoError(t, err)
	assert.NotEqual(t, s1.PublicKey().Marshal(), s2.PublicKey().Marshal())

	c.Purge()
	assert.Equal(t, 0, c.Len())
}

func TestNilIdentityCacheReadsFile(t *testing.T) {
	path := writeKey(t, t.TempDir(), "")

	var c *IdentityCache
	signer, err := c.Load(path, "")
	require.NoError(t, err)
	assert.NotNil(t, signer)
	assert.Equal(t, 0, c.Len())
}

func TestIdentityCacheMissingFile(t *testing.T) {
	c, err := NewIdentityCache(0)
	require.NoError(t, err)

	_, err = c.Load("/nonexistent/key", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read private key")
}

func hostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	key, err := ssh.NewPublicKey(pub)
	require.NoError(t, err)
	return key
}

func TestLoadKnownHosts(t *testing.T) {
	known := hostKey(t)
	other := hostKey(t)

	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{"127.0.0.1:2222"}, known)
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"), 0644))

	cb, err := LoadKnownHosts(path)
	require.NoError(t, err)

	remote := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2222}
	assert.NoError(t, cb("127.0.0.1:2222", remote, known))

	err = cb("127.0.0.1:2222", remote, other)
	var mismatch *FingerprintMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, ssh.FingerprintSHA256(known), mismatch.Expected)
	assert.Equal(t, ssh.FingerprintSHA256(other), mismatch.Actual)

	unknownRemote := &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2223}
	err = cb("127.0.0.1:2223", unknownRemote, known)
	assert.ErrorIs(t, err, ErrUnknownHost)
}

func TestLoadKnownHostsMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent")
	_, err := LoadKnownHosts(path)
	require.Error(t, err)

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr), "loading must not create the file")
}

func TestRejectUnknownHosts(t *testing.T) {
	err := RejectUnknownHosts("example.com:22", nil, hostKey(t))
	assert.ErrorIs(t, err, ErrUnknownHost)
	assert.Contains(t, err.Error(), "no known_hosts configured")
}

func TestRecordingHostKeyCallback(t *testing.T) {
	key := hostKey(t)
	cb, actual := RecordingHostKeyCallback(ssh.InsecureIgnoreHostKey())

	require.NoError(t, cb("h:22", nil, key))
	assert.Equal(t, ssh.FingerprintSHA256(key), *actual)

	cb, actual = RecordingHostKeyCallback(RejectUnknownHosts)
	require.Error(t, cb("h:22", nil, key))
	assert.Equal(t, ssh.FingerprintSHA256(key), *actual)
}
