package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the devicegate services. Handlers map
// them to HTTP status codes, services match them with errors.Is.
var (
	// ErrAlreadyRegistered is returned when a device identifier is
	// registered a second time. The identifier cannot be reused.
	ErrAlreadyRegistered = errors.New("device already registered")

	// ErrNotFound is returned by admin lookups and revocations for
	// unknown device identifiers.
	ErrNotFound = errors.New("device not found")

	// ErrUnauthorized is returned for every failed credential check.
	// The internal reason (unknown device, inactive device, bad
	// secret) goes to the audit log only, never to the caller.
	ErrUnauthorized = errors.New("invalid credentials")

	// ErrInvalidToken is returned when an externally presented token
	// does not verify.
	ErrInvalidToken = errors.New("invalid token")
)

// ValidationError reports a malformed or incomplete request. The
// caller has to fix the request before retrying.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// Validationf creates a ValidationError with a formatted reason.
func Validationf(format string, a ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, a...)}
}

// PersistenceError reports a failed durable write. The in-memory state
// remains authoritative; the write is retried with the next mutation.
type PersistenceError struct {
	Err error
}

func (e *PersistenceError) Error() string {
	return "persistence failed: " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// UpstreamError reports a failure of the external token service.
type UpstreamError struct {
	Err error
}

func (e *UpstreamError) Error() string {
	return "token service failed: " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error { return e.Err }
