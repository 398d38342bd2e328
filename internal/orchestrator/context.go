package orchestrator

import (
	"sync"

	"github.com/jkaninda/sanduku/internal/backend"
)

// Session tracks the single active sandbox for one agent turn. At most one
// handle is active at a time; activating a new one implicitly replaces the
// old, which guarantees a session never spans two backends simultaneously.
type Session struct {
	mu     sync.Mutex
	id     string
	handle backend.Handle
	local  bool
}

// NewSession creates an empty session. Local sessions route execution to
// the host instead of a remote sandbox.
func NewSession(local bool) *Session {
	return &Session{local: local}
}

// Activate binds a handle as the session's active sandbox.
func (s *Session) Activate(h backend.Handle) {
	s.mu.Lock()
	s.handle = h
	if h != nil {
		s.id = h.ID()
	}
	s.mu.Unlock()
}

// Active returns the current handle, nil when none is bound.
func (s *Session) Active() backend.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

// SandboxID returns the last bound sandbox id. It survives Reset so a
// caller can attempt reuse across turns.
func (s *Session) SandboxID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Local reports whether this session executes on the host.
func (s *Session) Local() bool { return s.local }

// Reset drops the active handle, keeping the sandbox id for later reuse.
func (s *Session) Reset() {
	s.mu.Lock()
	s.handle = nil
	s.mu.Unlock()
}
