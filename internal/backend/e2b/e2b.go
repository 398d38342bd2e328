// Package e2b implements the E2B sandbox backend. The control plane
// (https://api.{domain}) handles sandbox lifecycle; each sandbox exposes a
// data-plane API (envd) on a per-sandbox hostname for files and command
// execution.
package e2b

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/sanduku/internal/backend"
	"github.com/jkaninda/sanduku/internal/retry"
)

const (
	// envdPort is the data-plane API port inside every sandbox.
	envdPort = 49983

	httpTimeout = 60 * time.Second

	defaultExecTimeout = 2 * time.Minute

	// maxOutputBytes caps captured stdout/stderr per command.
	maxOutputBytes = 1 << 20 // 1 MB
)

// Config configures the E2B driver.
type Config struct {
	APIKey string // Required.
	Domain string // Default: "e2b.app".
	APIURL string // Default: "https://api.{Domain}".
}

// Driver talks to the E2B control plane with one API key.
type Driver struct {
	apiKey     string
	domain     string
	apiURL     string
	httpClient *http.Client
	wire       retry.Policy
	logger     *slog.Logger
}

// wirePolicy bounds retries on individual control-plane and envd calls.
// Transient statuses and connection failures get a few quick attempts here
// so a single blip never surfaces to the rotation or lifecycle layers above.
func wirePolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   300 * time.Millisecond,
		MaxDelay:    3 * time.Second,
		Jitter:      0.2,
		Retryable:   backend.IsRetryable,
	}
}

// New creates an E2B driver.
func New(cfg Config, logger *slog.Logger) (*Driver, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("e2b: API key is required")
	}
	if cfg.Domain == "" {
		cfg.Domain = "e2b.app"
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api." + cfg.Domain
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Driver{
		apiKey:     cfg.APIKey,
		domain:     cfg.Domain,
		apiURL:     strings.TrimRight(cfg.APIURL, "/"),
		httpClient: &http.Client{Timeout: httpTimeout},
		wire:       wirePolicy(),
		logger:     logger,
	}, nil
}

func (d *Driver) Backend() backend.Type { return backend.TypeE2B }

type createSandboxRequest struct {
	TemplateID string            `json:"templateID"`
	Timeout    int               `json:"timeout"` // seconds
	Metadata   map[string]string `json:"metadata,omitempty"`
	EnvVars    map[string]string `json:"envVars,omitempty"`
}

type sandboxResponse struct {
	SandboxID       string `json:"sandboxID"`
	EnvdAccessToken string `json:"envdAccessToken"`
	Domain          string `json:"domain,omitempty"`
}

type listedSandbox struct {
	SandboxID  string            `json:"sandboxID"`
	TemplateID string            `json:"templateID"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	StartedAt  time.Time         `json:"startedAt"`
	State      string            `json:"state"` // "running" or "paused"
}

// Create provisions a new sandbox and connects to its data plane.
func (d *Driver) Create(ctx context.Context, opts backend.ResolvedOptions) (backend.Handle, error) {
	if opts.Backend != backend.TypeE2B || opts.E2B == nil {
		return nil, fmt.Errorf("e2b driver given %s options", opts.Backend)
	}

	req := createSandboxRequest{
		TemplateID: opts.E2B.TemplateID,
		Timeout:    opts.E2B.TimeoutSeconds,
		Metadata:   opts.Generic.Metadata,
		EnvVars:    opts.Generic.EnvVars,
	}

	var resp sandboxResponse
	if err := d.controlPlane(ctx, http.MethodPost, "/sandboxes", req, &resp); err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}

	d.logger.Info("e2b sandbox created",
		slog.String("sandbox_id", resp.SandboxID),
		slog.String("template", opts.E2B.TemplateID),
		slog.Int("timeout_sec", opts.E2B.TimeoutSeconds),
	)

	return d.newHandle(&resp, opts.Generic.EnvVars, backend.StateStarted), nil
}

// Get fetches an existing sandbox. A running sandbox is connected to
// immediately; a paused one comes back Stopped and needs Start.
func (d *Driver) Get(ctx context.Context, id string) (backend.Handle, error) {
	var listed listedSandbox
	if err := d.controlPlane(ctx, http.MethodGet, "/sandboxes/"+url.PathEscape(id), nil, &listed); err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, &backend.NotFoundError{ID: id, Backend: backend.TypeE2B}
		}
		return nil, fmt.Errorf("fetching sandbox %s: %w", id, err)
	}

	if listed.State == "paused" {
		return d.newHandle(&sandboxResponse{SandboxID: id}, nil, backend.StateStopped), nil
	}

	// Running: connect to refresh the data-plane token.
	resp, err := d.connect(ctx, id)
	if err != nil {
		return nil, err
	}
	return d.newHandle(resp, nil, backend.StateStarted), nil
}

// Stop pauses the sandbox.
func (d *Driver) Stop(ctx context.Context, id string) error {
	err := d.controlPlane(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(id)+"/pause", nil, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return &backend.NotFoundError{ID: id, Backend: backend.TypeE2B}
		}
		return fmt.Errorf("pausing sandbox %s: %w", id, err)
	}
	return nil
}

// Delete kills the sandbox. A 404 means it was already gone.
func (d *Driver) Delete(ctx context.Context, id string) (bool, error) {
	err := d.controlPlane(ctx, http.MethodDelete, "/sandboxes/"+url.PathEscape(id), nil, nil)
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
	var listed []listedSandbox
	if err := d.controlPlane(ctx, http.MethodGet, "/v2/sandboxes", nil, &listed); err != nil {
		return nil, fmt.Errorf("listing sandboxes: %w", err)
	}

	infos := make([]backend.Info, 0, len(listed))
	for _, s := range listed {
		state := backend.StateStarted
		if s.State == "paused" {
			state = backend.StateStopped
		}
		infos = append(infos, backend.Info{
			ID:        s.SandboxID,
			Backend:   backend.TypeE2B,
			State:     state,
			CreatedAt: s.StartedAt,
			Metadata:  s.Metadata,
		})
	}
	return infos, nil
}

// connect resumes a sandbox and returns a fresh data-plane token.
func (d *Driver) connect(ctx context.Context, id string) (*sandboxResponse, error) {
	var resp sandboxResponse
	err := d.controlPlane(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(id)+"/connect",
		map[string]int{"timeout": 3600}, &resp)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return nil, &backend.NotFoundError{ID: id, Backend: backend.TypeE2B}
		}
		return nil, fmt.Errorf("connecting to sandbox %s: %w", id, err)
	}
	if resp.SandboxID == "" {
		resp.SandboxID = id
	}
	return &resp, nil
}

func (d *Driver) newHandle(resp *sandboxResponse, env map[string]string, state backend.State) *Handle {
	domain := resp.Domain
	if domain == "" {
		domain = d.domain
	}
	return &Handle{
		driver:      d,
		id:          resp.SandboxID,
		domain:      domain,
		accessToken: resp.EnvdAccessToken,
		env:         env,
		state:       state,
	}
}

// apiError is a non-2xx control-plane or data-plane response.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("e2b api status %d: %s", e.Status, e.Body)
}

func isStatus(err error, status int) bool {
	var ae *apiError
	return errors.As(err, &ae) && ae.Status == status
}

// controlPlane makes a JSON request against the E2B control plane, retrying
// transient failures under the driver's wire policy.
func (d *Driver) controlPlane(ctx context.Context, method, path string, body, out any) error {
	return retry.Do(ctx, d.wire, func(ctx context.Context) error {
		return d.controlPlaneOnce(ctx, method, path, body, out)
	})
}

func (d *Driver) controlPlaneOnce(ctx context.Context, method, path string, body, out any) error {
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
	req.Header.Set("X-API-Key", d.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return &backend.TransportError{
			Backend: backend.TypeE2B, Op: method + " " + path, Retryable: true, Err: err,
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return backend.NewTransportError(backend.TypeE2B, method+" "+path, resp.StatusCode,
			&apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(respBody))})
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// Handle is a live E2B sandbox reference.
type Handle struct {
	driver      *Driver
	id          string
	domain      string
	accessToken string
	env         map[string]string

	mu    sync.Mutex
	state backend.State
}

func (h *Handle) ID() string            { return h.id }
func (h *Handle) Backend() backend.Type { return backend.TypeE2B }

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

func (h *Handle) envdBaseURL() string {
	return fmt.Sprintf("https://%d-%s.%s", envdPort, h.id, h.domain)
}

type commandRunRequest struct {
	Cmd  string   `json:"cmd"`
	Args []string `json:"args"`
}

type commandRunResponse struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Execute runs a shell command via the envd commands API.
func (h *Handle) Execute(ctx context.Context, opts backend.ExecuteOptions) (*backend.ExecuteResult, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("empty command")
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultExecTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	script := h.buildScript(opts)
	reqBody, err := json.Marshal(commandRunRequest{
		Cmd:  "/bin/bash",
		Args: []string{"-l", "-c", script},
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling command: %w", err)
	}

	start := time.Now()
	result, err := retry.DoValue(ctx, h.driver.wire, func(ctx context.Context) (commandRunResponse, error) {
		return h.runCommand(ctx, reqBody)
	})
	if err != nil {
		return nil, err
	}

	stdout := result.Stdout
	if len(stdout) > maxOutputBytes {
		stdout = stdout[:maxOutputBytes]
	}
	stderr := result.Stderr
	if len(stderr) > maxOutputBytes {
		stderr = stderr[:maxOutputBytes]
	}

	return &backend.ExecuteResult{
		ExitCode: result.ExitCode,
		Stdout:   stdout,
		Stderr:   stderr,
		Duration: time.Since(start),
	}, nil
}

// runCommand makes one envd commands/run call.
func (h *Handle) runCommand(ctx context.Context, reqBody []byte) (commandRunResponse, error) {
	var result commandRunResponse

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.envdBaseURL()+"/commands/run", bytes.NewReader(reqBody))
	if err != nil {
		return result, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Access-Token", h.accessToken)

	resp, err := h.driver.httpClient.Do(req)
	if err != nil {
		return result, &backend.TransportError{
			Backend: backend.TypeE2B, Op: "execute", Retryable: true, Err: err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return result, backend.NewTransportError(backend.TypeE2B, "execute", resp.StatusCode,
			fmt.Errorf("envd commands/run: %s", strings.TrimSpace(string(body))))
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return result, fmt.Errorf("decoding command result: %w", err)
	}
	return result, nil
}

// buildScript prefixes the command with cwd and env setup. Values go through
// single-quote escaping so they are never interpreted by the shell.
func (h *Handle) buildScript(opts backend.ExecuteOptions) string {
	var sb strings.Builder
	for k, v := range h.env {
		fmt.Fprintf(&sb, "export %s=%s\n", k, shellQuote(v))
	}
	for k, v := range opts.Env {
		fmt.Fprintf(&sb, "export %s=%s\n", k, shellQuote(v))
	}
	if opts.Workdir != "" {
		fmt.Fprintf(&sb, "cd %s || exit 127\n", shellQuote(opts.Workdir))
	}
	sb.WriteString(opts.Command)
	return sb.String()
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ReadFile fetches file content via the envd files API.
func (h *Handle) ReadFile(ctx context.Context, path string) (string, error) {
	return retry.DoValue(ctx, h.driver.wire, func(ctx context.Context) (string, error) {
		return h.readFileOnce(ctx, path)
	})
}

func (h *Handle) readFileOnce(ctx context.Context, path string) (string, error) {
	u := h.envdBaseURL() + "/files?path=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("X-Access-Token", h.accessToken)

	resp, err := h.driver.httpClient.Do(req)
	if err != nil {
		return "", &backend.TransportError{
			Backend: backend.TypeE2B, Op: "read_file", Retryable: true, Err: err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", backend.NewTransportError(backend.TypeE2B, "read_file", resp.StatusCode,
			fmt.Errorf("reading %s: %s", path, strings.TrimSpace(string(body))))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}
	return string(data), nil
}

// WriteFile uploads file content via the envd files API (multipart form).
func (h *Handle) WriteFile(ctx context.Context, path, content string) error {
	return retry.Do(ctx, h.driver.wire, func(ctx context.Context) error {
		return h.writeFileOnce(ctx, path, content)
	})
}

func (h *Handle) writeFileOnce(ctx context.Context, path, content string) error {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", path)
	if err != nil {
		return fmt.Errorf("creating form file: %w", err)
	}
	if _, err := io.WriteString(part, content); err != nil {
		return fmt.Errorf("writing form content: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing multipart writer: %w", err)
	}

	u := h.envdBaseURL() + "/files?path=" + url.QueryEscape(path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, &buf)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("X-Access-Token", h.accessToken)

	resp, err := h.driver.httpClient.Do(req)
	if err != nil {
		return &backend.TransportError{
			Backend: backend.TypeE2B, Op: "write_file", Retryable: true, Err: err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return backend.NewTransportError(backend.TypeE2B, "write_file", resp.StatusCode,
			fmt.Errorf("writing %s: %s", path, strings.TrimSpace(string(body))))
	}
	return nil
}

// Exists checks path presence with a test command.
func (h *Handle) Exists(ctx context.Context, path string) (bool, error) {
	res, err := h.Execute(ctx, backend.ExecuteOptions{
		Command: "test -e " + shellQuote(path),
	})
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

func (h *Handle) Mkdir(ctx context.Context, path string) error {
	res, err := h.Execute(ctx, backend.ExecuteOptions{
		Command: "mkdir -p " + shellQuote(path),
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("mkdir %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	return nil
}

func (h *Handle) Remove(ctx context.Context, path string) error {
	res, err := h.Execute(ctx, backend.ExecuteOptions{
		Command: "rm -rf " + shellQuote(path),
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("rm %s: %s", path, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Start resumes a paused sandbox and refreshes the data-plane token.
func (h *Handle) Start(ctx context.Context) error {
	resp, err := h.driver.connect(ctx, h.id)
	if err != nil {
		return err
	}
	h.mu.Lock()
	if resp.EnvdAccessToken != "" {
		h.accessToken = resp.EnvdAccessToken
	}
	if resp.Domain != "" {
		h.domain = resp.Domain
	}
	h.state = backend.StateStarted
	h.mu.Unlock()
	return nil
}

// Stop pauses the sandbox.
func (h *Handle) Stop(ctx context.Context) error {
	if err := h.driver.Stop(ctx, h.id); err != nil {
		return err
	}
	h.setState(backend.StateStopped)
	return nil
}

// ExtendTimeout pushes the provider-side kill deadline out by d.
func (h *Handle) ExtendTimeout(ctx context.Context, d time.Duration) error {
	body := map[string]int{"timeout": int(d / time.Second)}
	err := h.driver.controlPlane(ctx, http.MethodPost, "/sandboxes/"+url.PathEscape(h.id)+"/timeout", body, nil)
	if err != nil {
		if isStatus(err, http.StatusNotFound) {
			return &backend.NotFoundError{ID: h.id, Backend: backend.TypeE2B}
		}
		return fmt.Errorf("extending timeout for %s: %w", h.id, err)
	}
	return nil
}

func (h *Handle) Git() *backend.GitRunner { return backend.NewGitRunner(h) }
