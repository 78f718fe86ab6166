package sshclient

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/claworc/sshpool/internal/sshkeys"
	"github.com/gluk-w/claworc/sshpool/internal/sshtest"
)

func connectWithKey(t *testing.T, srv *sshtest.Server, knownHosts string) (*Session, error) {
	t.Helper()
	c := NewContext(nil)
	if knownHosts != "" {
		require.NoError(t, c.SetKnownHosts(knownHosts))
	}
	require.NoError(t, c.AddIdentity(srv.KeyPath))
	s, err := c.NewSession(srv.User, srv.Host, srv.Port)
	require.NoError(t, err)
	return s, s.Connect(context.Background())
}

func TestNewSessionValidation(t *testing.T) {
	c := NewContext(nil)

	_, err := c.NewSession("u", "", 22)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host is empty")

	for _, port := range []int{-1, 65536} {
		_, err := c.NewSession("u", "h", port)
		require.Error(t, err, "port %d", port)
		assert.Contains(t, err.Error(), "invalid port")
	}

	s, err := c.NewSession("u", "example.com", 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, s.Port())
	assert.Equal(t, "example.com:22", s.Addr())
	assert.NotEmpty(t, s.ID())
	assert.False(t, s.IsConnected())
	assert.Nil(t, s.Client())
}

func TestAddIdentityWithEmptyPassphrase(t *testing.T) {
	c := NewContext(nil)
	err := c.AddIdentityWithPassphrase("/some/key", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty passphrase")
	assert.Empty(t, c.Identities())
}

func TestAddIdentityMissingFile(t *testing.T) {
	c := NewContext(nil)
	err := c.AddIdentity("/nonexistent/key")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read private key")
}

func TestConnectWithKnownHosts(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	knownHosts := srv.WriteKnownHosts(t)

	s, err := connectWithKey(t, srv, knownHosts)
	require.NoError(t, err)
	defer s.Disconnect()

	assert.True(t, s.IsConnected())
	assert.NotNil(t, s.Client())
	assert.Equal(t, ssh.FingerprintSHA256(srv.HostKey), s.HostKeyFingerprint())
	assert.False(t, s.ConnectedAt().IsZero())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, s.Ping(ctx))
}

func TestConnectStrictWithoutKnownHostsRejects(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})

	s, err := connectWithKey(t, srv, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, sshkeys.ErrUnknownHost)
	assert.False(t, s.IsConnected())
	assert.Equal(t, 0, srv.Handshakes())
}

func TestConnectWrongKnownHostsRejects(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})

	_, err := connectWithKey(t, srv, srv.WriteWrongKnownHosts(t))
	var mismatch *sshkeys.FingerprintMismatchError
	require.True(t, errors.As(err, &mismatch), "expected mismatch, got %v", err)
	assert.Equal(t, ssh.FingerprintSHA256(srv.HostKey), mismatch.Actual)
}

func TestConnectIgnoringHostKey(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})

	c := NewContext(nil)
	require.NoError(t, c.AddIdentity(srv.KeyPath))
	s, err := c.NewSession(srv.User, srv.Host, srv.Port)
	require.NoError(t, err)
	s.SetConfig(ConfigStrictHostKeyChecking, "no")
	assert.Equal(t, "no", s.Config(ConfigStrictHostKeyChecking))

	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()
	assert.True(t, s.IsConnected())
	assert.Equal(t, ssh.FingerprintSHA256(srv.HostKey), s.HostKeyFingerprint())
}

func TestConnectWithPassword(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "hunter2"})

	c := NewContext(nil)
	s, err := c.NewSession(srv.User, srv.Host, srv.Port)
	require.NoError(t, err)
	s.SetPassword("hunter2")
	s.SetConfig(ConfigStrictHostKeyChecking, "no")

	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()
	assert.True(t, s.IsConnected())
}

func TestConnectWrongPassword(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{Password: "hunter2"})

	c := NewContext(nil)
	s, err := c.NewSession(srv.User, srv.Host, srv.Port)
	require.NoError(t, err)
	s.SetPassword("nope")
	s.SetConfig(ConfigStrictHostKeyChecking, "no")

	err = s.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unable to authenticate")
}

func TestConnectWithEncryptedIdentity(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{ClientKeyPassphrase: "open sesame"})

	c := NewContext(nil)
	require.NoError(t, c.SetKnownHosts(srv.WriteKnownHosts(t)))
	require.NoError(t, c.AddIdentityWithPassphrase(srv.EncryptedKeyPath(), "open sesame"))
	require.Len(t, c.Identities(), 1)

	s, err := c.NewSession(srv.User, srv.Host, srv.Port)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	defer s.Disconnect()
}

func TestConnectTwice(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})

	s, err := connectWithKey(t, srv, srv.WriteKnownHosts(t))
	require.NoError(t, err)
	defer s.Disconnect()

	assert.ErrorIs(t, s.Connect(context.Background()), ErrAlreadyConnected)
}

func TestConnectCancelled(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})

	c := NewContext(nil)
	require.NoError(t, c.AddIdentity(srv.KeyPath))
	s, err := c.NewSession(srv.User, srv.Host, srv.Port)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = s.Connect(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, s.IsConnected())
}

func TestConnectRefused(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	srv.Close()

	c := NewContext(nil)
	s, err := c.NewSession("u", srv.Host, srv.Port)
	require.NoError(t, err)
	err = s.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect to")
}

func TestDisconnectIdempotent(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})

	s, err := connectWithKey(t, srv, srv.WriteKnownHosts(t))
	require.NoError(t, err)

	require.NoError(t, s.Disconnect())
	assert.False(t, s.IsConnected())
	require.NoError(t, s.Disconnect())

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("Done not closed after Disconnect")
	}

	assert.ErrorIs(t, s.Connect(context.Background()), ErrSessionClosed)
	assert.ErrorIs(t, s.Ping(context.Background()), ErrNotConnected)
}

func TestDisconnectNeverConnected(t *testing.T) {
	s, err := NewContext(nil).NewSession("u", "h", 22)
	require.NoError(t, err)
	assert.NoError(t, s.Disconnect())
}

func TestServerDropClearsConnected(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})

	s, err := connectWithKey(t, srv, srv.WriteKnownHosts(t))
	require.NoError(t, err)
	defer s.Disconnect()
	require.True(t, s.IsConnected())

	srv.DropAll()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("transport did not notice the drop")
	}
	assert.False(t, s.IsConnected())
	assert.NoError(t, s.Disconnect())
}

func TestIdentityCacheSharedAcrossContexts(t *testing.T) {
	srv := sshtest.Start(t, sshtest.Options{})
	cache, err := sshkeys.NewIdentityCache(8)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		c := NewContext(cache)
		require.NoError(t, c.AddIdentity(srv.KeyPath))
	}
	assert.Equal(t, 1, cache.Len())
}
