// Package daytona implements the Daytona sandbox backend. Lifecycle goes
// through the sandbox REST API; command execution and file access go through
// the per-sandbox toolbox API on the same host.
package daytona

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/sanduku/internal/backend"
	"github.com/jkaninda/sanduku/internal/retry"
)

const (
	httpTimeout        = 60 * time.Second
	defaultExecTimeout = 2 * time.Minute

	// maxOutputBytes caps captured command output.
	maxOutputBytes = 1 << 20 // 1 MB
)

// Config configures the Daytona driver.
type Config struct {
	APIKey string // Required.
	APIURL string // Default: "https://app.daytona.io/api".
}

// Driver talks to one Daytona organization with one API key.
type Driver struct {
	apiKey     string
	apiURL     string
	httpClient *http.Client
	wire       retry.Policy
	logger     *slog.Logger
}

// wirePolicy bounds retries on individual API calls. Transient statuses and
// connection failures get a few quick attempts here so a single blip never
// surfaces to the rotation or lifecycle layers above.
func wirePolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   300 * time.Millisecond,
		MaxDelay:    3 * time.Second,
		Jitter:      0.2,
		Retryable:   backend.IsRetryable,
	}
}

// New creates a Daytona driver.
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("daytona: API key is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://app.daytona.io/api"
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Driver{
		apiKey:     cfg.APIKey,
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		httpClient: &http.Client{Timeout: httpTimeout},
		wire:       wirePolicy(),
		logger:     logger,
	}, nil
}

func (d *Driver) Backend() backend.Type { return backend.TypeDaytona }

type createSandboxRequest struct {
	Snapshot           string            `json:"snapshot,omitempty"`
	User               string            `json:"user,omitempty"`
	Env                map[string]string `json:"env,omitempty"`
	Labels             map[string]string `json:"labels,omitempty"`
	AutoStopInterval   int               `json:"autoStopInterval,omitempty"`   // minutes
	AutoDeleteInterval int               `json:"autoDeleteInterval,omitempty"` // minutes
}

type sandboxInfo struct {
	ID        string            `json:"id"`
	State     string            `json:"state"`
	Snapshot  string            `json:"snapshot"`
	Labels    map[string]string `json:"labels,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// mapState normalizes Daytona lifecycle states.
func mapState(s string) backend.State {
	switch s {
	case "started":
		return backend.StateStarted
	case "stopped":
		return backend.StateStopped
	case "archived":
		return backend.StateArchived
	case "creating", "starting", "restoring", "pending_build", "building_snapshot":
		return backend.StateCreating
	}
	return backend.StateUnknown
}

// Create provisions a new sandbox from a snapshot.
func (d *Driver) Create(ctx context.Context, opts backend.ResolvedOptions) (backend.Handle, error) {
	if opts.Backend != backend.TypeDaytona || opts.Daytona == nil {
		return nil, fmt.Errorf("daytona driver given %s options", opts.Backend)
	}

	req := createSandboxRequest{
		Snapshot: opts.Daytona.Snapshot,
		User:     opts.Daytona.User,
		Env:      opts.Generic.EnvVars,
		Labels:   opts.Generic.Metadata,
	}
	if opts.Daytona.AutoStopMinutes > 0 {
		req.AutoStopInterval = opts.Daytona.AutoStopMinutes
	}
	if opts.Generic.AutoDelete > 0 {
		req.AutoDeleteInterval = int(opts.Generic.AutoDelete / time.Minute)
	}

	var info sandboxInfo
	if err := d.doJSON(ctx, http.MethodPost, "/sandbox", req, &info); err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}

	d.logger.Info("daytona sandbox created",
		slog.String("sandbox_id", info.ID),
		slog.String("snapshot", opts.Daytona.Snapshot),
		slog.String("state", info.State),
	)

	h := d.handle(info.ID, mapState(info.State))
	if h.State() != backend.StateStarted {
		if err := d.waitStarted(ctx, h); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// waitStarted polls until the sandbox leaves Creating.
func (d *Driver) waitStarted(ctx context.Context, h *Handle) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			var info sandboxInfo
			if err := d.doJSON(ctx, http.MethodGet, "/sandbox/"+url.PathEscape(h.id), nil, &info); err != nil {
				return fmt.Errorf("polling sandbox %s: %w", h.id, err)
			}
			switch state := mapState(info.State); state {
			case backend.StateStarted:
				h.setState(state)
				return nil
			case backend.StateCreating:
				continue
			default:
				return &backend.StateError{ID: h.id, State: state}
			}
		}
	}
}

// Get fetches an existing sandbox by id.
func (d *Driver) Get(ctx context.Context, id string) (backend.Handle, error) {
	var info sandboxInfo
	if err := d.doJSON(ctx, http.MethodGet, "/sandbox/"+url.PathEscape(id), nil, &info); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, &backend.NotFoundError{ID: id, Backend: backend.TypeDaytona}
		}
		return nil, fmt.Errorf("fetching sandbox %s: %w", id, err)
	}
	return d.handle(info.ID, mapState(info.State)), nil
}

// Stop stops the sandbox, keeping its filesystem.
func (d *Driver) Stop(ctx context.Context, id string) error {
	err := d.doJSON(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(id)+"/stop", nil, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return &backend.NotFoundError{ID: id, Backend: backend.TypeDaytona}
		}
		return fmt.Errorf("stopping sandbox %s: %w", id, err)
	}
	return nil
}

// Delete destroys the sandbox. A 404 means it was already gone.
func (d *Driver) Delete(ctx context.Context, id string) (bool, error) {
	err := d.doJSON(ctx, http.MethodDelete, "/sandbox/"+url.PathEscape(id), nil, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("deleting sandbox %s: %w", id, err)
	}
	return true, nil
}

// List returns all sandboxes visible to this API key.
func (d *Driver) List(ctx context.Context) ([]backend.Info, error) {
	var infos []sandboxInfo
	if err := d.doJSON(ctx, http.MethodGet, "/sandbox", nil, &infos); err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}

	out := make([]backend.Info, 0, len(infos))
	for _, s := range infos {
		out = append(out, backend.Info{
			ID:        s.ID,
			Backend:   backend.TypeDaytona,
			State:     mapState(s.State),
			CreatedAt: s.CreatedAt,
			Metadata:  s.Labels,
		})
	}
	return out, nil
}

func (d *Driver) handle(id string, state backend.State) *Handle {
	return &Handle{driver: d, id: id, state: state}
}

// apiError is a non-2xx API response.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("daytona api status %d: %s", e.Status, e.Body)
}

func isStatus(err error, status int) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == status
}

// doJSON makes a JSON request against the Daytona API, retrying transient
// failures under the driver's wire policy.
func (d *Driver) doJSON(ctx context.Context, method, path string, body, out any) error {
	return retry.Do(ctx, d.wire, func(ctx context.Context) error {
		return d.doJSONOnce(ctx, method, path, body, out)
	})
}

func (d *Driver) doJSONOnce(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, d.apiURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return &backend.TransportError{
			Backend: backend.TypeDaytona, Op: method + " " + path, Retryable: true, Err: err,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return backend.NewTransportError(backend.TypeDaytona, method+" "+path, resp.StatusCode,
			&apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))})
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// Handle is a live Daytona sandbox reference.
type Handle struct {
	driver *Driver
	id     string

	mu    sync.Mutex
	state backend.State
}

func (h *Handle) ID() string            { return h.id }
func (h *Handle) Backend() backend.Type { return backend.TypeDaytona }

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

func (h *Handle) toolboxPath(suffix string) string {
	return "/toolbox/" + url.PathEscape(h.id) + "/toolbox" + suffix
}

type execRequest struct {
	Command string            `json:"command"`
	Cwd     string            `json:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty"`
	Timeout int               `json:"timeout,omitempty"` // seconds
}

type execResponse struct {
	ExitCode int    `json:"exitCode"`
	Result   string `json:"result"`
}

// Execute runs a shell command via the toolbox process API. Daytona returns
// combined output in a single field; it is surfaced as stdout.
func (h *Handle) Execute(ctx context.Context, opts backend.ExecuteOptions) (*backend.ExecuteResult, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("empty command")
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout+10*time.Second)
	defer cancel()

	req := execRequest{
		Command: opts.Command,
		Cwd:     opts.Workdir,
		Env:     opts.Env,
		Timeout: int(timeout / time.Second),
	}

	start := time.Now()
	var resp execResponse
	if err := h.driver.doJSON(ctx, http.MethodPost, h.toolboxPath("/process/execute"), req, &resp); err != nil {
		return nil, fmt.Errorf("executing in sandbox %s: %w", h.id, err)
	}

	out := resp.Result
	if len(out) > maxOutputBytes {
		out = out[:maxOutputBytes]
	}

	return &backend.ExecuteResult{
		ExitCode: resp.ExitCode,
		Stdout:   out,
		Duration: time.Since(start),
	}, nil
}

// ReadFile downloads file content via the toolbox files API.
func (h *Handle) ReadFile(ctx context.Context, path string) (string, error) {
	return retry.DoValue(ctx, h.driver.wire, func(ctx context.Context) (string, error) {
		return h.readFileOnce(ctx, path)
	})
}

func (h *Handle) readFileOnce(ctx context.Context, path string) (string, error) {
	u := h.driver.apiURL + h.toolboxPath("/files/download") + "?path=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.driver.apiKey)

	resp, err := h.driver.httpClient.Do(req)
	if err != nil {
		return "", &backend.TransportError{
			Backend: backend.TypeDaytona, Op: "read_file", Retryable: true, Err: err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", backend.NewTransportError(backend.TypeDaytona, "read_file", resp.StatusCode,
			fmt.Errorf("reading %s: %s", path, strings.TrimSpace(string(body))))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	return string(data), nil
}

// WriteFile uploads file content via the toolbox files API.
func (h *Handle) WriteFile(ctx context.Context, path, content string) error {
	return retry.Do(ctx, h.driver.wire, func(ctx context.Context) error {
		return h.writeFileOnce(ctx, path, content)
	})
}

func (h *Handle) writeFileOnce(ctx context.Context, path, content string) error {
	u := h.driver.apiURL + h.toolboxPath("/files/upload") + "?path=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(content))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+h.driver.apiKey)
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := h.driver.httpClient.Do(req)
	if err != nil {
		return &backend.TransportError{
			Backend: backend.TypeDaytona, Op: "write_file", Retryable: true, Err: err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return backend.NewTransportError(backend.TypeDaytona, "write_file", resp.StatusCode,
			fmt.Errorf("writing %s: %s", path, strings.TrimSpace(string(body))))
	}
	return nil
}

// Exists checks path presence via the toolbox file-info endpoint.
func (h *Handle) Exists(ctx context.Context, path string) (bool, error) {
	err := h.driver.doJSON(ctx, http.MethodGet,
		h.toolboxPath("/files/info")+"?path="+url.QueryEscape(path), nil, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("checking %s: %w", path, err)
	}
	return true, nil
}

func (h *Handle) Mkdir(ctx context.Context, path string) error {
	p := h.toolboxPath("/files/folder") + "?path=" + url.QueryEscape(path) + "&mode=0755"
	if err := h.driver.doJSON(ctx, http.MethodPost, p, nil, nil); err != nil {
		return fmt.Errorf("creating folder %s: %w", path, err)
	}
	return nil
}

func (h *Handle) Remove(ctx context.Context, path string) error {
	p := h.toolboxPath("/files") + "?path=" + url.QueryEscape(path) + "&recursive=true"
	if err := h.driver.doJSON(ctx, http.MethodDelete, p, nil, nil); err != nil {
		return fmt.Errorf("removing %s: %w", path, err)
	}
	return nil
}

// Start brings a stopped or archived sandbox back up.
func (h *Handle) Start(ctx context.Context) error {
	err := h.driver.doJSON(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(h.id)+"/start", nil, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return &backend.NotFoundError{ID: h.id, Backend: backend.TypeDaytona}
		}
		return fmt.Errorf("starting sandbox %s: %w", h.id, err)
	}
	if err := h.driver.waitStarted(ctx, h); err != nil {
		return err
	}
	return nil
}

func (h *Handle) Stop(ctx context.Context) error {
	if err := h.driver.Stop(ctx, h.id); err != nil {
		return err
	}
	h.setState(backend.StateStopped)
	return nil
}

// ExtendTimeout resets the auto-stop interval so the sandbox lives at least
// another d.
func (h *Handle) ExtendTimeout(ctx context.Context, d time.Duration) error {
	minutes := int(d / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	body := map[string]int{"interval": minutes}
	err := h.driver.doJSON(ctx, http.MethodPost, "/sandbox/"+url.PathEscape(h.id)+"/autostop", body, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return &backend.NotFoundError{ID: h.id, Backend: backend.TypeDaytona}
		}
		return fmt.Errorf("extending auto-stop for %s: %w", h.id, err)
	}
	return nil
}

func (h *Handle) Git() *backend.GitRunner { return backend.NewGitRunner(h) }
