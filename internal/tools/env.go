package tools

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/jkaninda/sanduku/internal/backend"
	"github.com/jkaninda/sanduku/internal/executor"
	"github.com/jkaninda/sanduku/internal/orchestrator"
)

// Env is the execution environment shared by all sandbox-routed tools: the
// session holding the active handle, and the executor that wraps command
// runs with retry and cancellation.
type Env struct {
	Session *orchestrator.Session
	Exec    *executor.Executor
	Logger  *slog.Logger
}

// NewEnv builds a tool environment.
func NewEnv(session *orchestrator.Session, exec *executor.Executor, logger *slog.Logger) *Env {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Env{Session: session, Exec: exec, Logger: logger}
}

// handle returns the session's active sandbox or an error when none is bound.
func (e *Env) handle() (backend.Handle, error) {
	h := e.Session.Active()
	if h == nil {
		return nil, fmt.Errorf("no active sandbox for this session")
	}
	return h, nil
}
