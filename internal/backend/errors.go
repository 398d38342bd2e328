package backend

import (
	"errors"
	"fmt"
)

// NotFoundError is returned when a sandbox id does not exist on a backend.
type NotFoundError struct {
	ID      string
	Backend Type
}

func (e *NotFoundError) Error() string {
	if e.Backend == "" {
		return fmt.Sprintf("sandbox %s not found", e.ID)
	}
	return fmt.Sprintf("sandbox %s not found on %s", e.ID, e.Backend)
}

// IsNotFound reports whether err is a sandbox-not-found error.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// TransportError wraps a wire-level failure talking to a provider API.
// Retryable marks timeouts, connection resets, 5xx, and rate limits; the
// retry layer re-attempts those and surfaces everything else immediately.
type TransportError struct {
	Backend   Type
	Op        string // e.g. "create", "execute", "files.read"
	Status    int    // HTTP status, 0 when the request never completed.
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.Backend, e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is a transient transport failure.
func IsRetryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te) && te.Retryable
}

// StateError marks a handle whose state cannot be recovered in place.
// The lifecycle coordinator reacts by recreating the sandbox.
type StateError struct {
	ID    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("sandbox %s in unrecoverable state %q", e.ID, e.State)
}

// NewTransportError builds a TransportError from an HTTP status, marking
// 429 and 5xx retryable.
func NewTransportError(backend Type, op string, status int, err error) *TransportError {
	return &TransportError{
		Backend:   backend,
		Op:        op,
		Status:    status,
		Retryable: retryableStatus(status),
		Err:       err,
	}
}

// retryableStatus classifies an HTTP status for retry purposes.
func retryableStatus(status int) bool {
	return status == 429 || status >= 500
}
