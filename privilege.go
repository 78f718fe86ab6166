package sshpool

import (
	"errors"
	"fmt"
	"runtime"
)

// PrivilegedScope grants the permissions pool construction needs. Enter
// acquires them; the returned release gives them back and is called exactly
// once, whether construction succeeds, fails or panics.
type PrivilegedScope interface {
	Enter() (release func() error, err error)
}

// NoPrivilege is the default scope. It does nothing.
var NoPrivilege PrivilegedScope = noPrivilege{}

type noPrivilege struct{}

func (noPrivilege) Enter() (func() error, error) {
	return func() error { return nil }, nil
}

// LockedThreadScope pins the calling goroutine to its OS thread for the
// scope and runs Raise on entry and Drop on release. On Linux credentials
// and capabilities belong to a thread, so hooks such as setresuid or
// capset only affect the protected call when the goroutine cannot migrate.
// If Drop fails the goroutine stays locked, so the raised thread is
// discarded when the goroutine exits instead of being reused.
type LockedThreadScope struct {
	Raise func() error
	Drop  func() error
}

func (s LockedThreadScope) Enter() (func() error, error) {
	runtime.LockOSThread()
	if s.Raise != nil {
		if err := s.Raise(); err != nil {
			runtime.UnlockOSThread()
			return nil, fmt.Errorf("raise privileges: %w", err)
		}
	}
	return func() error {
		if s.Drop != nil {
			if err := s.Drop(); err != nil {
				return fmt.Errorf("drop privileges: %w", err)
			}
		}
		runtime.UnlockOSThread()
		return nil
	}, nil
}

// runPrivileged runs fn inside scope.
func runPrivileged(scope PrivilegedScope, fn func() error) (err error) {
	release, err := scope.Enter()
	if err != nil {
		return err
	}
	defer func() {
		if rerr := release(); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}()
	return fn()
}
