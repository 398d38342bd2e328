// Package cancel implements cooperative, poll-based run cancellation.
// Cancellation is observed at defined checkpoints, before retry attempts
// and before state-mutating actions, rather than by forcibly interrupting
// execution mid-flight.
package cancel

import (
	"errors"
	"sync"
)

// ErrCancelled is returned the instant a checkpoint observes that the run
// was stopped. It short-circuits retries and skips side-effect commits.
var ErrCancelled = errors.New("run cancelled")

// Registry tracks cancelled run ids. Process-wide, shared by the gateway
// (which flips runs to cancelled) and the executor/coordinator (which poll).
type Registry struct {
	mu        sync.RWMutex
	cancelled map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{cancelled: make(map[string]struct{})}
}

// Cancel marks a run as cancelled. Idempotent.
func (r *Registry) Cancel(runID string) {
	if runID == "" {
		return
	}
	r.mu.Lock()
	r.cancelled[runID] = struct{}{}
	r.mu.Unlock()
}

// IsCancelled reports whether the run was cancelled.
func (r *Registry) IsCancelled(runID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.cancelled[runID]
	return ok
}

// Clear forgets a finished run so the map does not grow unbounded.
func (r *Registry) Clear(runID string) {
	r.mu.Lock()
	delete(r.cancelled, runID)
	r.mu.Unlock()
}

// Token returns a checkpoint token bound to one run. The zero Token never
// reports cancellation, so call sites need no nil checks.
func (r *Registry) Token(runID string) Token {
	return Token{reg: r, runID: runID}
}

// Token is passed down every call chain that must honor cancellation.
type Token struct {
	reg   *Registry
	runID string
}

// IsCancelled reports whether the bound run was cancelled.
func (t Token) IsCancelled() bool {
	return t.reg != nil && t.reg.IsCancelled(t.runID)
}

// Check returns ErrCancelled when the bound run was cancelled, nil otherwise.
func (t Token) Check() error {
	if t.IsCancelled() {
		return ErrCancelled
	}
	return nil
}

// RunID returns the bound run identifier, "" for the zero token.
func (t Token) RunID() string { return t.runID }
