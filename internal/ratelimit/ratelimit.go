// Package ratelimit implements a per-credential token bucket rate limiter.
// Thread-safe. No background goroutines, tokens are refilled lazily on each
// Allow call. The orchestrator consults it before each provider API call so
// that one hot credential does not burn through its provider quota while the
// rest of the pool sits idle.
package ratelimit

import (
	"errors"
	"sync"
	"time"

	"github.com/jkaninda/sanduku/internal/config"
)

// ErrRateLimited is returned when a credential has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Limiter is a per-credential token bucket rate limiter.
// Each credential gets an independent bucket; one key cannot exhaust
// another's quota. Key callers by credential prefix, not the raw key,
// so buckets never hold secret material.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64 // tokens per second
	burst   float64 // max bucket capacity
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter with the given configuration.
// If RequestsPerMinute is 0, Allow always succeeds (unlimited).
func NewLimiter(cfg config.RateLimitConfig) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1 // safety floor
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
	}
}

// Allow checks whether the credential has tokens remaining.
// Consumes one token on success. Returns ErrRateLimited if the bucket is empty.
func (l *Limiter) Allow(credential string) error {
	// Unlimited mode.
	if l.rate <= 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[credential]
	if !ok {
		// First request: start with a full bucket.
		b = &bucket{tokens: l.burst, lastFill: now}
		l.buckets[credential] = b
	}

	// Refill tokens based on elapsed time.
	elapsed := now.Sub(b.lastFill).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	// Try to consume one token.
	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Reset drops the bucket for a credential, restoring a full burst on its
// next request. Called when the pool rotates a key out and back in.
func (l *Limiter) Reset(credential string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, credential)
}
