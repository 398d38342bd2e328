package orchestrator

import (
	"errors"
	"fmt"
)

// AllCredentialsExhaustedError is returned by Create after every configured
// key and backend combination failed. Err carries the last underlying
// failure.
type AllCredentialsExhaustedError struct {
	Attempts int
	Err      error
}

func (e *AllCredentialsExhaustedError) Error() string {
	return fmt.Sprintf("all %d credentials exhausted, last error: %v", e.Attempts, e.Err)
}

func (e *AllCredentialsExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err indicates every credential failed.
func IsExhausted(err error) bool {
	var ee *AllCredentialsExhaustedError
	return errors.As(err, &ee)
}
