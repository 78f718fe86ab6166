package sshpool

import (
	"fmt"

	"github.com/gluk-w/claworc/sshpool/internal/keyedpool"
	"github.com/gluk-w/claworc/sshpool/internal/sshkeys"
)

// Causes wrapped by the pool errors below; match them with errors.Is.
var (
	ErrClosed      = keyedpool.ErrClosed
	ErrExhausted   = keyedpool.ErrExhausted
	ErrWaitTimeout = keyedpool.ErrWaitTimeout
	ErrNotBorrowed = keyedpool.ErrNotBorrowed
	ErrValidation  = keyedpool.ErrValidation

	// ErrUnknownHost is returned when strict host key checking finds no
	// known_hosts entry for the server.
	ErrUnknownHost = sshkeys.ErrUnknownHost
)

// PoolInitError reports that a pool could not be constructed.
type PoolInitError struct {
	Key ConnectionKey
	Err error
}

func (e *PoolInitError) Error() string {
	return fmt.Sprintf("sshpool: initialize pool for %s: %v", e.Key, e.Err)
}

func (e *PoolInitError) Unwrap() error { return e.Err }

// SessionAcquisitionError reports a failed borrow: the connect error, an
// exhausted pool, a wait timeout, a closed pool or a cancelled context.
type SessionAcquisitionError struct {
	Key ConnectionKey
	Err error
}

func (e *SessionAcquisitionError) Error() string {
	return fmt.Sprintf("sshpool: borrow session for %s: %v", e.Key, e.Err)
}

func (e *SessionAcquisitionError) Unwrap() error { return e.Err }

// SessionInvalidationError reports a session the pool could not discard,
// typically one it never handed out.
type SessionInvalidationError struct {
	Key       ConnectionKey
	SessionID string
	Err       error
}

func (e *SessionInvalidationError) Error() string {
	return fmt.Sprintf("sshpool: invalidate session %s for %s: %v", e.SessionID, e.Key, e.Err)
}

func (e *SessionInvalidationError) Unwrap() error { return e.Err }
