// Package local implements the passthrough backend: sandboxes are plain
// directories on the host and commands run as child processes. It exists for
// development and tests; it is never probed by sandbox identity.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/backend"
)

const (
	// maxOutputBytes caps stdout/stderr to prevent OOM from chatty commands.
	maxOutputBytes = 1 << 20 // 1 MB

	defaultTimeout = 2 * time.Minute
)

// Driver is the local filesystem backend.
type Driver struct {
	root   string
	logger *slog.Logger

	mu        sync.Mutex
	sandboxes map[string]*Handle
}

// New creates a local driver rooted at dir. Sandboxes are subdirectories.
func New(dir string, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Driver{
		root:      dir,
		logger:    logger,
		sandboxes: make(map[string]*Handle),
	}
}

func (d *Driver) Backend() backend.Type { return backend.TypeLocal }

// Create makes a fresh sandbox directory.
func (d *Driver) Create(ctx context.Context, opts backend.ResolvedOptions) (backend.Handle, error) {
	if opts.Backend != backend.TypeLocal {
		return nil, fmt.Errorf("local driver given %s options", opts.Backend)
	}

	id := "local-" + uuid.NewString()[:8]
	dir := filepath.Join(d.root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sandbox dir: %w", err)
	}

	h := &Handle{
		id:        id,
		dir:       dir,
		env:       opts.Generic.EnvVars,
		metadata:  opts.Generic.Metadata,
		createdAt: time.Now(),
		state:     backend.StateStarted,
		logger:    d.logger,
	}

	d.mu.Lock()
	d.sandboxes[id] = h
	d.mu.Unlock()

	d.logger.Info("local sandbox created",
		slog.String("sandbox_id", id),
		slog.String("dir", dir),
	)
	return h, nil
}

// Get returns a previously created sandbox.
func (d *Driver) Get(_ context.Context, id string) (backend.Handle, error) {
	d.mu.Lock()
	h, ok := d.sandboxes[id]
	d.mu.Unlock()
	if !ok {
		return nil, &backend.NotFoundError{ID: id, Backend: backend.TypeLocal}
	}
	return h, nil
}

// Stop marks the sandbox stopped. The directory is kept.
func (d *Driver) Stop(_ context.Context, id string) error {
	d.mu.Lock()
	h, ok := d.sandboxes[id]
	d.mu.Unlock()
	if !ok {
		return &backend.NotFoundError{ID: id, Backend: backend.TypeLocal}
	}
	h.setState(backend.StateStopped)
	return nil
}

// Delete removes the sandbox directory and forgets the handle.
func (d *Driver) Delete(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	h, ok := d.sandboxes[id]
	delete(d.sandboxes, id)
	d.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := os.RemoveAll(h.dir); err != nil {
		return true, fmt.Errorf("removing sandbox dir: %w", err)
	}
	return true, nil
}

// List returns all known sandboxes, oldest first.
func (d *Driver) List(_ context.Context) ([]backend.Info, error) {
	d.mu.Lock()
	infos := make([]backend.Info, 0, len(d.sandboxes))
	for _, h := range d.sandboxes {
		infos = append(infos, backend.Info{
			ID:        h.id,
			Backend:   backend.TypeLocal,
			State:     h.State(),
			CreatedAt: h.createdAt,
			Metadata:  h.metadata,
		})
	}
	d.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	return infos, nil
}

// Handle is a local sandbox backed by one directory.
type Handle struct {
	id        string
	dir       string
	env       map[string]string
	metadata  map[string]string
	createdAt time.Time
	logger    *slog.Logger

	mu    sync.Mutex
	state backend.State
}

func (h *Handle) ID() string            { return h.id }
func (h *Handle) Backend() backend.Type { return backend.TypeLocal }

func (h *Handle) State() backend.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) setState(s backend.State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// Execute runs a shell command as a child process rooted at the sandbox dir.
// The child gets its own process group so the whole tree dies on timeout.
func (h *Handle) Execute(ctx context.Context, opts backend.ExecuteOptions) (*backend.ExecuteResult, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("empty command")
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", opts.Command)
	cmd.Dir = h.resolve(opts.Workdir)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
	cmd.Env = h.buildEnv(opts.Env)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxOutputBytes}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	if runErr != nil {
		if ctx.Err() != nil {
			return nil, &backend.TransportError{
				Backend:   backend.TypeLocal,
				Op:        "execute",
				Retryable: false,
				Err:       fmt.Errorf("execution timed out after %s", timeout),
			}
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, fmt.Errorf("execution failed: %w", runErr)
		}
	}

	h.logger.Debug("local execution completed",
		slog.String("sandbox_id", h.id),
		slog.Int("exit_code", exitCode),
		slog.Duration("duration", duration),
	)

	return &backend.ExecuteResult{
		ExitCode: exitCode,
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Duration: duration,
	}, nil
}

func (h *Handle) ReadFile(_ context.Context, path string) (string, error) {
	data, err := os.ReadFile(h.resolve(path))
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(data), nil
}

func (h *Handle) WriteFile(_ context.Context, path, content string) error {
	full := h.resolve(path)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("creating parent dir for %s: %w", path, err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

func (h *Handle) Exists(_ context.Context, path string) (bool, error) {
	_, err := os.Stat(h.resolve(path))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func (h *Handle) Mkdir(_ context.Context, path string) error {
	return os.MkdirAll(h.resolve(path), 0o755)
}

func (h *Handle) Remove(_ context.Context, path string) error {
	return os.RemoveAll(h.resolve(path))
}

func (h *Handle) Start(_ context.Context) error {
	h.setState(backend.StateStarted)
	return nil
}

func (h *Handle) Stop(_ context.Context) error {
	h.setState(backend.StateStopped)
	return nil
}

// ExtendTimeout is a no-op: local sandboxes have no provider-side deadline.
func (h *Handle) ExtendTimeout(_ context.Context, _ time.Duration) error { return nil }

func (h *Handle) Git() *backend.GitRunner { return backend.NewGitRunner(h) }

// resolve maps a sandbox-relative path onto the host filesystem. Absolute
// paths are used as given so commands can reach shared toolchains.
func (h *Handle) resolve(path string) string {
	if path == "" {
		return h.dir
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(h.dir, path)
}

// buildEnv layers sandbox env and per-call env over a minimal base. The
// parent process environment is never inherited.
func (h *Handle) buildEnv(extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + h.dir,
		"TMPDIR=" + os.TempDir(),
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range h.env {
		env = append(env, k+"="+v)
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}

// limitedWriter stops writing after a byte limit. Excess data is discarded.
type limitedWriter struct {
	w         io.Writer
	remaining int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
	}
	n, err := lw.w.Write(p)
	lw.remaining -= n
	return n, err
}
