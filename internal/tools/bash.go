package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/sanduku/internal/executor"
)

// BashTool executes shell commands inside the session's sandbox.
type BashTool struct {
	env *Env
}

// NewBashTool creates the bash tool.
func NewBashTool(env *Env) *BashTool {
	return &BashTool{env: env}
}

func (t *BashTool) Name() string { return "bash" }
func (t *BashTool) Description() string {
	return "Execute a shell command in the active sandbox"
}

func (t *BashTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":     map[string]any{"type": "string", "description": "The shell command to execute"},
			"timeout":     map[string]any{"type": "string", "description": "Duration string (e.g. '10s', '5m'), overrides the default timeout"},
			"working_dir": map[string]any{"type": "string", "description": "Working directory override"},
		},
		"required": []string{"command"},
	}
}

func (t *BashTool) Validate(params map[string]any) error {
	if _, err := requireString(params, "command"); err != nil {
		return err
	}
	if timeout := optionalString(params, "timeout"); timeout != "" {
		if _, err := time.ParseDuration(timeout); err != nil {
			return fmt.Errorf("invalid timeout %q: %w", timeout, err)
		}
	}
	return nil
}

func (t *BashTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	command, err := requireString(params, "command")
	if err != nil {
		return nil, err
	}

	opts := executor.Options{
		Command: command,
		Workdir: optionalString(params, "working_dir"),
		RunID:   RunIDFromContext(ctx),
	}
	if timeout := optionalString(params, "timeout"); timeout != "" {
		d, err := time.ParseDuration(timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid timeout %q: %w", timeout, err)
		}
		opts.Timeout = d
	}

	h, err := t.env.handle()
	if err != nil {
		return nil, err
	}

	t.env.Logger.InfoContext(ctx, "bash tool executing",
		slog.String("command", command),
		slog.String("sandbox_id", h.ID()),
	)

	result, err := t.env.Exec.Execute(ctx, h, opts)
	if err != nil {
		return nil, fmt.Errorf("sandbox execution: %w", err)
	}

	return &Result{
		Output:  TruncateOutput(result.Combined(), MaxOutputBytes),
		Success: result.ExitCode == 0,
		Metadata: map[string]any{
			"exit_code":   result.ExitCode,
			"duration_ms": result.Duration.Milliseconds(),
		},
	}, nil
}
