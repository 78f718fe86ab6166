// Package crypto seals connection secrets (SSH passwords, key passphrases)
// so they can sit in environment files without being readable in plain text.
package crypto

import (
	"errors"
	"fmt"

	"github.com/fernet/fernet-go"
)

// ErrInvalidToken is returned when a sealed secret cannot be verified with
// any of the configured keys.
var ErrInvalidToken = errors.New("decrypt: invalid token")

// GenerateKey returns a new base64 fernet key.
func GenerateKey() (string, error) {
	var k fernet.Key
	if err := k.Generate(); err != nil {
		return "", fmt.Errorf("generate fernet key: %w", err)
	}
	return k.Encode(), nil
}

// Encrypt seals plaintext with the given base64 fernet key.
func Encrypt(plaintext, key string) (string, error) {
	k, err := fernet.DecodeKey(key)
	if err != nil {
		return "", fmt.Errorf("decode fernet key: %w", err)
	}
	tok, err := fernet.EncryptAndSign([]byte(plaintext), k)
	if err != nil {
		return "", fmt.Errorf("encrypt: %w", err)
	}
	return string(tok), nil
}

// Decrypt opens a token produced by Encrypt. Several keys may be given to
// support rotation; the first one that verifies wins. An empty token
// decrypts to the empty string.
func Decrypt(token string, keys ...string) (string, error) {
	if token == "" {
		return "", nil
	}
	if len(keys) == 0 {
		return "", fmt.Errorf("decrypt: no key configured")
	}
	decoded, err := fernet.DecodeKeys(keys...)
	if err != nil {
		return "", fmt.Errorf("decode fernet key: %w", err)
	}
	msg := fernet.VerifyAndDecrypt([]byte(token), 0, decoded)
	if msg == nil {
		return "", ErrInvalidToken
	}
	return string(msg), nil
}
