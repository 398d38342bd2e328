package tools

import (
	"context"
	"fmt"

	"github.com/jkaninda/sanduku/internal/executor"
)

// ReadFileTool reads a file from the active sandbox.
type ReadFileTool struct {
	env *Env
}

func NewReadFileTool(env *Env) *ReadFileTool { return &ReadFileTool{env: env} }

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read a file from the sandbox filesystem" }

func (t *ReadFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Absolute path of the file to read"},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Validate(params map[string]any) error {
	_, err := requireString(params, "path")
	return err
}

func (t *ReadFileTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	path, err := requireString(params, "path")
	if err != nil {
		return nil, err
	}
	h, err := t.env.handle()
	if err != nil {
		return nil, err
	}

	content, err := h.ReadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return &Result{
		Output:   TruncateOutput(content, MaxOutputBytes),
		Success:  true,
		Metadata: map[string]any{"path": path, "bytes": len(content)},
	}, nil
}

// WriteFileTool writes a file into the active sandbox.
type WriteFileTool struct {
	env *Env
}

func NewWriteFileTool(env *Env) *WriteFileTool { return &WriteFileTool{env: env} }

func (t *WriteFileTool) Name() string        { return "write_file" }
func (t *WriteFileTool) Description() string { return "Write content to a file in the sandbox filesystem" }

func (t *WriteFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Absolute path of the file to write"},
			"content": map[string]any{"type": "string", "description": "Full file content"},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Validate(params map[string]any) error {
	if _, err := requireString(params, "path"); err != nil {
		return err
	}
	if _, ok := params["content"].(string); !ok {
		return fmt.Errorf("parameter %q must be a string", "content")
	}
	return nil
}

func (t *WriteFileTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	path, err := requireString(params, "path")
	if err != nil {
		return nil, err
	}
	content, _ := params["content"].(string)

	h, err := t.env.handle()
	if err != nil {
		return nil, err
	}
	if err := h.WriteFile(ctx, path, content); err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}
	return &Result{
		Output:   fmt.Sprintf("wrote %d bytes to %s", len(content), path),
		Success:  true,
		Metadata: map[string]any{"path": path, "bytes": len(content)},
	}, nil
}

// ListDirTool lists a directory in the active sandbox.
type ListDirTool struct {
	env *Env
}

func NewListDirTool(env *Env) *ListDirTool { return &ListDirTool{env: env} }

func (t *ListDirTool) Name() string        { return "list_dir" }
func (t *ListDirTool) Description() string { return "List the contents of a sandbox directory" }

func (t *ListDirTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Directory to list"},
		},
		"required": []string{"path"},
	}
}

func (t *ListDirTool) Validate(params map[string]any) error {
	_, err := requireString(params, "path")
	return err
}

func (t *ListDirTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	path, err := requireString(params, "path")
	if err != nil {
		return nil, err
	}
	h, err := t.env.handle()
	if err != nil {
		return nil, err
	}

	result, err := t.env.Exec.Execute(ctx, h, executor.Options{
		Command: fmt.Sprintf("ls -1Ap %s", shellQuote(path)),
		RunID:   RunIDFromContext(ctx),
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", path, err)
	}
	return &Result{
		Output:   TruncateOutput(result.Combined(), MaxOutputBytes),
		Success:  result.ExitCode == 0,
		Metadata: map[string]any{"path": path},
	}, nil
}

// DeleteFileTool removes a file or directory from the active sandbox.
type DeleteFileTool struct {
	env *Env
}

func NewDeleteFileTool(env *Env) *DeleteFileTool { return &DeleteFileTool{env: env} }

func (t *DeleteFileTool) Name() string        { return "delete_file" }
func (t *DeleteFileTool) Description() string { return "Delete a file or directory from the sandbox filesystem" }

func (t *DeleteFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Path to delete, recursively for directories"},
		},
		"required": []string{"path"},
	}
}

func (t *DeleteFileTool) Validate(params map[string]any) error {
	path, err := requireString(params, "path")
	if err != nil {
		return err
	}
	if path == "/" {
		return fmt.Errorf("refusing to delete %q", path)
	}
	return nil
}

func (t *DeleteFileTool) Execute(ctx context.Context, params map[string]any) (*Result, error) {
	if err := t.Validate(params); err != nil {
		return nil, err
	}
	path, _ := params["path"].(string)

	h, err := t.env.handle()
	if err != nil {
		return nil, err
	}
	if err := h.Remove(ctx, path); err != nil {
		return nil, fmt.Errorf("deleting %s: %w", path, err)
	}
	return &Result{
		Output:   "deleted " + path,
		Success:  true,
		Metadata: map[string]any{"path": path},
	}, nil
}
