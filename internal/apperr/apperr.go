// Package apperr holds the error taxonomy shared by the workflows: failures
// reported by remote services, failures of the local store, and the two
// security checks of the account transfer handshake.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrIdentityMismatch reports that the requesting identity and the target
	// account resolve to different email addresses.
	ErrIdentityMismatch = errors.New("identity mismatch")
	// ErrValidationExpired reports a validation string that is unknown or
	// already consumed.
	ErrValidationExpired = errors.New("validation expired")
)

// UpstreamError is returned when a remote service fails a call or answers
// with a payload that cannot be used.
type UpstreamError struct {
	Service string
	Op      string
	Status  int
	Err     error
}

func (e *UpstreamError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: status=%d: %v", e.Service, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Service, e.Op, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Upstream wraps err as an UpstreamError. A nil err yields nil.
func Upstream(service, op string, status int, err error) error {
	if err == nil {
		return nil
	}
	return &UpstreamError{Service: service, Op: op, Status: status, Err: err}
}

// PersistenceError is returned when a read or write against the local store fails.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Persistence wraps err as a PersistenceError. A nil err yields nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsUpstream reports whether err carries an UpstreamError.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

// IsPersistence reports whether err carries a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
