package sshkeys

import (
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/gofrs/flock"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// ErrUnknownHost is returned when strict host key checking is on and the
// remote host has no entry to be verified against.
var ErrUnknownHost = errors.New("host key is unknown")

// FingerprintMismatchError is returned when a host presents a key that does
// not match its known_hosts entry. This may indicate key tampering or a MITM
// attack.
type FingerprintMismatchError struct {
	Host     string
	Expected string
	Actual   string
}

func (e *FingerprintMismatchError) Error() string {
	return fmt.Sprintf("SSH host key fingerprint mismatch for %s: expected %s, got %s (possible key tampering or MITM attack)",
		e.Host, e.Expected, e.Actual)
}

// GetPublicKeyFingerprint calculates the SHA256 fingerprint of an SSH public
// key in authorized_keys format (e.g. "ssh-ed25519 AAAA...").
func GetPublicKeyFingerprint(publicKey []byte) (string, error) {
	if len(publicKey) == 0 {
		return "", fmt.Errorf("get fingerprint: public key is empty")
	}

	parsed, _, _, _, err := ssh.ParseAuthorizedKey(publicKey)
	if err != nil {
		return "", fmt.Errorf("get fingerprint: parse public key: %w", err)
	}

	return ssh.FingerprintSHA256(parsed), nil
}

// LoadKnownHosts reads an OpenSSH known_hosts file into a host key callback.
// The file is read under a shared flock so a concurrent ssh-keyscan or
// ssh-keygen -R never hands us a half-written file. Unknown and mismatched
// keys are reported as ErrUnknownHost and *FingerprintMismatchError.
func LoadKnownHosts(path string) (ssh.HostKeyCallback, error) {
	// flock creates missing files, so check existence first.
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}

	lock := flock.New(path)
	if err := lock.RLock(); err != nil {
		return nil, fmt.Errorf("lock known hosts %s: %w", path, err)
	}
	defer lock.Unlock()

	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := cb(hostname, remote, key)
		var keyErr *knownhosts.KeyError
		if errors.As(err, &keyErr) {
			if len(keyErr.Want) == 0 {
				return fmt.Errorf("%w: %s", ErrUnknownHost, hostname)
			}
			return &FingerprintMismatchError{
				Host:     hostname,
				Expected: ssh.FingerprintSHA256(keyErr.Want[0].Key),
				Actual:   ssh.FingerprintSHA256(key),
			}
		}
		return err
	}, nil
}

// RejectUnknownHosts is the callback used when host key checking is strict
// and no known_hosts file is configured: every host is unknown.
func RejectUnknownHosts(hostname string, _ net.Addr, _ ssh.PublicKey) error {
	return fmt.Errorf("%w: %s (no known_hosts configured)", ErrUnknownHost, hostname)
}

// RecordingHostKeyCallback wraps next and stores the SHA256 fingerprint of
// every key it is shown in *actual, whether or not next accepts it.
func RecordingHostKeyCallback(next ssh.HostKeyCallback) (ssh.HostKeyCallback, *string) {
	var actual string
	cb := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		actual = ssh.FingerprintSHA256(key)
		return next(hostname, remote, key)
	}
	return cb, &actual
}
