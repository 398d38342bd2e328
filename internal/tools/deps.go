package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/sanduku/internal/executor"
)

// installTimeout is generous: dependency installs routinely take minutes.
const installTimeout = 10 * time.Minute

// detectInstall probes for well-known manifests and runs the matching
// installer. Evaluated inside the sandbox so detection reflects the actual
// checkout, not any caller assumption.
const detectInstall = `
if [ -f package-lock.json ]; then npm ci
elif [ -f package.json ]; then npm install
elif [ -f yarn.lock ]; then yarn install --frozen-lockfile
elif [ -f requirements.txt ]; then pip install -r requirements.txt
elif [ -f pyproject.toml ]; then pip install -e .
elif [ -f go.mod ]; then go mod download
elif [ -f Cargo.toml ]; then cargo fetch
elif [ -f Gemfile ]; then bundle install
else echo "no dependency manifest found" >&2; exit 1
fi`

// DepsTool installs project dependencies in the checkout directory. Listed
// in the serial partition: concurrent installers are the classic cause of
// sandbox OOM kills.
type DepsTool struct {
	env *Env
}

// NewDepsTool creates the install_dependencies tool.
func NewDepsTool(env *Env) *DepsTool {
	return &DepsTool{env: env}
}

func (t *DepsTool) Name() string { return "install_dependencies" }
func (t *DepsTool) Description() string {
	return "Install project dependencies by detecting the package manifest in the working directory"
}

func (t *DepsTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"working_dir": map[string]any{"type": "string", "description": "Directory containing the package manifest"},
			"command":     map[string]any{"type": "string", "description": "Explicit install command, overrides auto-detection"},
		},
		"required": []string{"working_dir"},
	}
}

func (t *DepsTool) Validate(params map[string]any) error {
	_, err := requireString(params, "working_dir")
	return err
}

func (t *DepsTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	dir, err := requireString(params, "working_dir")
	if err != nil {
		return nil, err
	}

	command := optionalString(params, "command")
	if command == "" {
		command = strings.TrimSpace(detectInstall)
	}

	h, err := t.env.handle()
	if err != nil {
		return nil, err
	}

	t.env.Logger.InfoContext(ctx, "installing dependencies",
		slog.String("working_dir", dir),
		slog.String("sandbox_id", h.ID()),
	)

	result, err := t.env.Exec.Execute(ctx, h, executor.Options{
		Command: command,
		Workdir: dir,
		Timeout: installTimeout,
		RunID:   RunIDFromContext(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("dependency install: %w", err)
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
