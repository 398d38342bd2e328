// Package retry is the single retry-with-backoff combinator used by every
// driver wire call and the command executor. Policies classify errors as
// retryable; everything else surfaces on the first attempt.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy parameterizes Do. The zero value is unusable; use DefaultPolicy
// as a starting point.
type Policy struct {
	MaxAttempts int           // Total attempts including the first.
	BaseDelay   time.Duration // Delay before the second attempt.
	MaxDelay    time.Duration // Upper cap on any single delay.
	Jitter      float64       // Fraction of the delay randomized, 0..1.

	// Retryable decides whether an error is worth another attempt.
	// Nil = nothing is retryable.
	Retryable func(error) bool

	// BeforeAttempt runs before every attempt, including the first. A
	// non-nil return aborts immediately without consuming an attempt;
	// this is where cooperative cancellation hooks in.
	BeforeAttempt func(ctx context.Context) error
}

// DefaultPolicy matches the provider-API retry posture: a handful of
// attempts with exponential backoff and mild jitter.
func DefaultPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Jitter:      0.2,
		Retryable:   retryable,
	}
}

// ExhaustedError wraps the final error after all attempts failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsExhausted reports whether err is a retries-exhausted failure.
func IsExhausted(err error) bool {
	var ex *ExhaustedError
	return errors.As(err, &ex)
}

// Do runs fn under the policy. The last error is returned wrapped in
// ExhaustedError when retries run out; non-retryable errors and
// BeforeAttempt aborts return unwrapped.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for functions that produce a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if p.BeforeAttempt != nil {
			if err := p.BeforeAttempt(ctx); err != nil {
				return zero, err
			}
		}
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if p.Retryable == nil || !p.Retryable(err) {
			return zero, err
		}
		if attempt == attempts {
			break
		}

		if err := sleep(ctx, p.delay(attempt)); err != nil {
			return zero, err
		}
	}

	return zero, &ExhaustedError{Attempts: attempts, Err: lastErr}
}

// delay computes the backoff before attempt n+1 (n is 1-based).
func (p Policy) delay(attempt int) time.Duration {
	d := p.BaseDelay
	if d <= 0 {
		d = 500 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		span := float64(d) * p.Jitter
		d = time.Duration(float64(d) - span/2 + rand.Float64()*span)
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
