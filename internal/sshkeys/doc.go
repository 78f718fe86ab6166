// Package sshkeys loads the key material an SSH session authenticates with
// and verifies hosts against.
//
// # Identities
//
// [ParsePrivateKey] turns a PEM private key into an ssh.Signer. The
// passphrase is applied only when non-empty, so an unprotected key with an
// empty passphrase is parsed as is and an encrypted key without one fails
// with [ErrPassphraseRequired]. [IdentityCache] keeps parsed signers in an
// LRU keyed by path, size and modification time, so that a pool creating
// many sessions for the same key file decrypts it once.
//
// # Host keys
//
// [LoadKnownHosts] reads an OpenSSH known_hosts file (under a shared flock)
// and returns a host key callback whose failures are classified as
// [ErrUnknownHost] or [*FingerprintMismatchError]. [RejectUnknownHosts] is
// the strict-mode callback when no file is configured.
// [RecordingHostKeyCallback] captures the presented fingerprint for logging.
package sshkeys
