package sshpool

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/gluk-w/claworc/sshpool/internal/logutil"
	"github.com/gluk-w/claworc/sshpool/sshclient"
)

// ConnectionKey identifies one pool partition. It is a comparable value:
// two keys with equal fields share sessions. Empty strings mean "not set"
// and Port 0 means 22.
type ConnectionKey struct {
	Host     string
	Port     int
	Username string
	Password string
	// PrivateKey is the path of a private key file.
	PrivateKey string
	// Passphrase decrypts PrivateKey. Empty means the key is unprotected.
	Passphrase string
	// KnownHosts is the path of a known_hosts file.
	KnownHosts            string
	IgnoreHostKeyChecking bool
}

// EffectivePort returns Port, or 22 when Port is 0.
func (k ConnectionKey) EffectivePort() int {
	if k.Port == 0 {
		return sshclient.DefaultPort
	}
	return k.Port
}

// Address returns host:port.
func (k ConnectionKey) Address() string {
	return net.JoinHostPort(k.Host, strconv.Itoa(k.EffectivePort()))
}

// Validate checks the fields a session cannot be opened without.
func (k ConnectionKey) Validate() error {
	if k.Host == "" {
		return errors.New("host is empty")
	}
	if p := k.EffectivePort(); p < 1 || p > 65535 {
		return fmt.Errorf("invalid port %d", k.Port)
	}
	return nil
}

// String renders the key for logs with secrets masked.
func (k ConnectionKey) String() string {
	s := fmt.Sprintf("%s@%s", k.Username, k.Address())
	if k.Password != "" {
		s += " password=" + logutil.Mask(k.Password)
	}
	if k.PrivateKey != "" {
		s += " key=" + k.PrivateKey
	}
	if k.Passphrase != "" {
		s += " passphrase=" + logutil.Mask(k.Passphrase)
	}
	if k.KnownHosts != "" {
		s += " known_hosts=" + k.KnownHosts
	}
	if k.IgnoreHostKeyChecking {
		s += " strict_host_key_checking=no"
	}
	return logutil.SanitizeForLog(s)
}
