// Package executor wraps command execution with destination routing,
// baseline environment injection, timeout enforcement, transient-error
// retry, and cooperative cancellation.
package executor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jkaninda/sanduku/internal/backend"
	"github.com/jkaninda/sanduku/internal/cancel"
	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/retry"
)

// baselineEnv is merged under caller-supplied env for every command, so
// package managers and git never hang waiting for a prompt.
var baselineEnv = map[string]string{
	"DEBIAN_FRONTEND":     "noninteractive",
	"CI":                  "true",
	"GIT_TERMINAL_PROMPT": "0",
	"PIP_NO_INPUT":        "1",
}

// Options describe one command run.
type Options struct {
	Command string
	Workdir string
	Env     map[string]string // Merged over the baseline; caller wins.
	Timeout time.Duration     // Zero = configured default.
	RunID   string            // Cancellation key; empty disables checks.
}

// Executor routes commands to a sandbox handle and retries transient
// transport failures.
type Executor struct {
	registry       *cancel.Registry
	logger         *slog.Logger
	defaultTimeout time.Duration
	policy         retry.Policy
}

// New creates an executor with the configured retry posture.
func New(registry *cancel.Registry, cfg config.ExecutorConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	policy := retry.Policy{
		MaxAttempts: cfg.Attempts(),
		BaseDelay:   cfg.BaseDelay(),
		MaxDelay:    cfg.MaxDelay(),
		Jitter:      0.2,
		Retryable:   backend.IsRetryable,
	}
	return &Executor{
		registry:       registry,
		logger:         logger,
		defaultTimeout: cfg.DefaultTimeout(),
		policy:         policy,
	}
}

// Execute runs one command against dest. The destination is whatever handle
// the session routed here: a remote sandbox, or a local-driver handle when
// the session is flagged local. The options shape is identical either way.
// Transient transport errors are retried with backoff; before every attempt
// the run's cancellation flag is polled, and a cancelled run aborts with
// cancel.ErrCancelled without consuming further attempts.
func (e *Executor) Execute(ctx context.Context, dest backend.Handle, opts Options) (*backend.ExecuteResult, error) {
	if dest == nil {
		return nil, fmt.Errorf("no execution destination: session has no active sandbox")
	}
	if opts.Command == "" {
		return nil, fmt.Errorf("empty command")
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = e.defaultTimeout
	}

	execOpts := backend.ExecuteOptions{
		Command: opts.Command,
		Workdir: opts.Workdir,
		Env:     mergeEnv(opts.Env),
		Timeout: timeout,
	}

	token := e.token(opts.RunID)
	policy := e.policy
	policy.BeforeAttempt = func(context.Context) error { return token.Check() }

	start := time.Now()
	result, err := retry.DoValue(ctx, policy, func(ctx context.Context) (*backend.ExecuteResult, error) {
		return dest.Execute(ctx, execOpts)
	})
	if err != nil {
		if err == cancel.ErrCancelled {
			e.logger.Info("execution cancelled",
				slog.String("run_id", opts.RunID),
				slog.String("sandbox_id", dest.ID()),
			)
			return nil, err
		}
		e.logger.Error("execution failed",
			slog.String("sandbox_id", dest.ID()),
			slog.String("backend", string(dest.Backend())),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()),
		)
		return nil, err
	}

	e.logger.Debug("execution completed",
		slog.String("sandbox_id", dest.ID()),
		slog.Int("exit_code", result.ExitCode),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

func (e *Executor) token(runID string) cancel.Token {
	if e.registry == nil || runID == "" {
		return cancel.Token{}
	}
	return e.registry.Token(runID)
}

// mergeEnv layers caller env over the baseline.
func mergeEnv(extra map[string]string) map[string]string {
	merged := make(map[string]string, len(baselineEnv)+len(extra))
	for k, v := range baselineEnv {
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}
	return merged
}
