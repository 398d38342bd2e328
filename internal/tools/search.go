package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/jkaninda/sanduku/internal/executor"
)

// SearchTool greps the sandbox filesystem for a pattern.
type SearchTool struct {
	env *Env
}

func NewSearchTool(env *Env) *SearchTool { return &SearchTool{env: env} }

func (t *SearchTool) Name() string { return "search" }
func (t *SearchTool) Description() string {
	return "Search file contents in the sandbox for a regular expression"
}

func (t *SearchTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "description": "Extended regular expression to search for"},
			"path":    map[string]any{"type": "string", "description": "Directory to search. Default: current directory"},
			"glob":    map[string]any{"type": "string", "description": "Filename glob filter, e.g. '*.go'"},
		},
		"required": []string{"pattern"},
	}
}

func (t *SearchTool) Validate(params map[string]any) error {
	_, err := requireString(params, "pattern")
	return err
}

func (t *SearchTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	pattern, err := requireString(params, "pattern")
	if err != nil {
		return nil, err
	}
	path := optionalString(params, "path")
	if path == "" {
		path = "."
	}

	cmd := fmt.Sprintf("grep -rnE %s %s", shellQuote(pattern), shellQuote(path))
	if glob := optionalString(params, "glob"); glob != "" {
		cmd += " --include=" + shellQuote(glob)
	}
	// grep exits 1 on no matches; report that as an empty success.
	cmd += " | head -500; true"

	h, err := t.env.handle()
	if err != nil {
		return nil, err
	}

	result, err := t.env.Exec.Execute(ctx, h, executor.Options{
		Command: cmd,
		RunID:   RunIDFromContext(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("searching %s: %w", path, err)
	}

	output := strings.TrimRight(result.Stdout, "\n")
	return &Result{
		Output:   TruncateOutput(output, MaxOutputBytes),
		Success:  true,
		Metadata: map[string]any{"pattern": pattern, "path": path},
	}, nil
}

// shellQuote single-quotes s for safe interpolation into sh -c command lines.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
