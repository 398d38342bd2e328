package httpapi

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/audit"
	"github.com/jkaninda/sanduku/internal/backend"
	"github.com/jkaninda/sanduku/internal/executor"
	"github.com/jkaninda/sanduku/internal/gateway/events"
	"github.com/jkaninda/sanduku/internal/lifecycle"
	"github.com/jkaninda/sanduku/internal/orchestrator"
	"github.com/jkaninda/sanduku/internal/scheduler"
)

// --- Batch execution ---

// BatchRequest is the JSON body for POST /v1/batch.
type BatchRequest struct {
	RunID       string                 `json:"run_id,omitempty"` // Empty = generated.
	Invocations []scheduler.Invocation `json:"invocations"`
}

// BatchResponse is the JSON response for POST /v1/batch.
type BatchResponse struct {
	RunID       string              `json:"run_id"`
	Outcomes    []scheduler.Outcome `json:"outcomes"`
	SideEffects map[string]any      `json:"side_effects,omitempty"`
}

func (g *Gateway) handleBatch(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return err
	}

	var req BatchRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if len(req.Invocations) == 0 {
		return c.AbortBadRequest("invocations must not be empty")
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.New().String()
	}
	correlationID := newCorrelationID()

	g.logger.Info("http batch",
		slog.String("caller_id", c.GetString("callerID")),
		slog.String("run_id", runID),
		slog.String("correlation_id", correlationID),
		slog.Int("invocations", len(req.Invocations)),
	)

	if g.hub != nil {
		g.hub.Publish(events.TypeBatchStarted, runID, map[string]any{
			"invocations": len(req.Invocations),
		})
	}
	if g.config.Metrics != nil {
		g.config.Metrics.BatchSize.Observe(float64(len(req.Invocations)))
	}

	result := g.sched.RunBatch(c.Context(), runID, req.Invocations)

	if g.hub != nil {
		for _, out := range result.Outcomes {
			g.hub.Publish(events.TypeOutcome, runID, out)
		}
		g.hub.Publish(events.TypeBatchFinished, runID, map[string]any{
			"outcomes": len(result.Outcomes),
		})
	}

	// The run is finished; forget any cancellation mark.
	g.cancels.Clear(runID)

	return c.OK(BatchResponse{
		RunID:       runID,
		Outcomes:    result.Outcomes,
		SideEffects: result.SideEffects,
	})
}

func (g *Gateway) handleRunCancel(c *okapi.Context) error {
	runID := c.Param("id")
	if runID == "" {
		return c.AbortBadRequest("run id is required")
	}

	g.cancels.Cancel(runID)
	g.logger.Info("run cancelled",
		slog.String("caller_id", c.GetString("callerID")),
		slog.String("run_id", runID),
	)

	if g.hub != nil {
		g.hub.Publish(events.TypeRunCancelled, runID, nil)
	}

	return c.OK(map[string]string{"status": "cancelled", "run_id": runID})
}

// --- Session acquisition ---

// RepoBody identifies the repository to prepare in a fresh sandbox.
type RepoBody struct {
	URL        string `json:"url"`
	BaseBranch string `json:"base_branch,omitempty"`
	Branch     string `json:"branch,omitempty"`
	Commit     string `json:"commit,omitempty"`
	Dir        string `json:"dir,omitempty"`
}

// AcquireRequest is the JSON body for POST /v1/sessions/acquire.
type AcquireRequest struct {
	SessionID string   `json:"session_id,omitempty"` // Prior sandbox ID, empty = always create.
	RunID     string   `json:"run_id,omitempty"`
	Repo      RepoBody `json:"repo"`
}

// AcquireResponse is the JSON response for POST /v1/sessions/acquire.
type AcquireResponse struct {
	SandboxID             string `json:"sandbox_id"`
	Backend               string `json:"backend"`
	Reused                bool   `json:"reused"`
	DependenciesInstalled *bool  `json:"dependencies_installed"` // null = unknown (reused sandbox).
}

func (g *Gateway) handleAcquire(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return err
	}

	var req AcquireRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Repo.URL == "" {
		return c.AbortBadRequest("repo.url is required")
	}

	repo := lifecycle.Repo{
		URL:        req.Repo.URL,
		BaseBranch: req.Repo.BaseBranch,
		Branch:     req.Repo.Branch,
		Commit:     req.Repo.Commit,
		Dir:        req.Repo.Dir,
	}

	acquired, err := g.coordinator.GetOrRecreate(c.Context(), req.SessionID, repo, req.RunID)
	if err != nil {
		g.logger.Error("sandbox acquisition failed",
			slog.String("session_id", req.SessionID),
			slog.String("error", err.Error()),
		)
		if lifecycle.IsRepositorySetup(err) {
			return c.JSON(http.StatusBadGateway, ErrorBody{Error: "repository setup failed"})
		}
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: "sandbox acquisition failed"})
	}

	g.session.Activate(acquired.Handle)

	if g.config.Metrics != nil {
		outcome := "created"
		if acquired.Reused {
			outcome = "reused"
		}
		g.config.Metrics.SandboxAcquiredTotal.WithLabelValues(outcome).Inc()
	}
	if g.hub != nil {
		g.hub.Publish(events.TypeSandboxReady, req.RunID, map[string]any{
			"sandbox_id": acquired.Handle.ID(),
			"reused":     acquired.Reused,
		})
	}

	return c.OK(AcquireResponse{
		SandboxID:             acquired.Handle.ID(),
		Backend:               string(acquired.Handle.Backend()),
		Reused:                acquired.Reused,
		DependenciesInstalled: acquired.DependenciesInstalled,
	})
}

// --- Sandbox lifecycle ---

// SandboxCreateRequest is the JSON body for POST /v1/sandboxes.
type SandboxCreateRequest struct {
	Template          string            `json:"template,omitempty"`
	User              string            `json:"user,omitempty"`
	EnvVars           map[string]string `json:"env_vars,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	LifetimeSeconds   int               `json:"lifetime_seconds,omitempty"`
	AutoDeleteSeconds int               `json:"auto_delete_seconds,omitempty"`
}

// SandboxResponse describes one sandbox.
type SandboxResponse struct {
	ID        string            `json:"id"`
	Backend   string            `json:"backend"`
	State     string            `json:"state"`
	CreatedAt *time.Time        `json:"created_at,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (g *Gateway) handleSandboxCreate(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return err
	}

	var req SandboxCreateRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	opts := backend.CreateOptions{
		Template: req.Template,
		User:     req.User,
		EnvVars:  req.EnvVars,
		Metadata: req.Metadata,
	}
	if req.LifetimeSeconds > 0 {
		opts.Lifetime = time.Duration(req.LifetimeSeconds) * time.Second
	}
	if req.AutoDeleteSeconds > 0 {
		opts.AutoDelete = time.Duration(req.AutoDeleteSeconds) * time.Second
	}

	h, err := g.orch.Create(c.Context(), opts)
	if err != nil {
		g.logger.Error("sandbox creation failed", slog.String("error", err.Error()))
		if orchestrator.IsExhausted(err) {
			return c.JSON(http.StatusBadGateway, ErrorBody{Error: "all credentials exhausted"})
		}
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: "sandbox creation failed"})
	}

	return c.JSON(http.StatusCreated, SandboxResponse{
		ID:      h.ID(),
		Backend: string(h.Backend()),
		State:   string(h.State()),
	})
}

func (g *Gateway) handleSandboxList(c *okapi.Context) error {
	infos, err := g.orch.List(c.Context())
	if err != nil {
		g.logger.Error("sandbox listing failed", slog.String("error", err.Error()))
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: "listing failed"})
	}

	resp := make([]SandboxResponse, len(infos))
	for i, info := range infos {
		resp[i] = infoResponse(info)
	}
	return c.OK(resp)
}

func (g *Gateway) handleSandboxGet(c *okapi.Context) error {
	id := c.Param("id")

	h, err := g.orch.Get(c.Context(), id)
	if err != nil {
		if backend.IsNotFound(err) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "sandbox not found"})
		}
		g.logger.Error("sandbox lookup failed",
			slog.String("sandbox_id", id),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: "lookup failed"})
	}

	return c.OK(SandboxResponse{
		ID:      h.ID(),
		Backend: string(h.Backend()),
		State:   string(h.State()),
	})
}

func (g *Gateway) handleSandboxStop(c *okapi.Context) error {
	id := c.Param("id")

	if err := g.orch.Stop(c.Context(), id); err != nil {
		if backend.IsNotFound(err) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "sandbox not found"})
		}
		g.logger.Error("sandbox stop failed",
			slog.String("sandbox_id", id),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: "stop failed"})
	}

	return c.OK(map[string]string{"status": "stopped", "id": id})
}

// DeleteResponse is the JSON response for DELETE /v1/sandboxes/{id}.
type DeleteResponse struct {
	ID      string `json:"id"`
	Existed bool   `json:"existed"`
}

func (g *Gateway) handleSandboxDelete(c *okapi.Context) error {
	id := c.Param("id")

	existed, err := g.orch.Delete(c.Context(), id)
	if err != nil {
		g.logger.Error("sandbox delete failed",
			slog.String("sandbox_id", id),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: "delete failed"})
	}

	return c.OK(DeleteResponse{ID: id, Existed: existed})
}

// --- Command execution ---

// ExecRequest is the JSON body for POST /v1/sandboxes/{id}/exec.
type ExecRequest struct {
	Command        string            `json:"command"`
	Workdir        string            `json:"workdir,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	RunID          string            `json:"run_id,omitempty"`
}

// ExecResponse is the JSON response for POST /v1/sandboxes/{id}/exec.
type ExecResponse struct {
	ExitCode   int    `json:"exit_code"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	DurationMs int64  `json:"duration_ms"`
}

func (g *Gateway) handleExec(c *okapi.Context) error {
	if err := g.rateLimit(c); err != nil {
		return err
	}

	id := c.Param("id")

	var req ExecRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.Command == "" {
		return c.AbortBadRequest("command is required")
	}

	h, err := g.orch.Get(c.Context(), id)
	if err != nil {
		if backend.IsNotFound(err) {
			return c.JSON(http.StatusNotFound, ErrorBody{Error: "sandbox not found"})
		}
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: "lookup failed"})
	}

	opts := executor.Options{
		Command: req.Command,
		Workdir: req.Workdir,
		Env:     req.Env,
		RunID:   req.RunID,
	}
	if req.TimeoutSeconds > 0 {
		opts.Timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	result, err := g.exec.Execute(c.Context(), h, opts)
	if err != nil {
		g.logger.Error("command execution failed",
			slog.String("sandbox_id", id),
			slog.String("error", err.Error()),
		)
		return c.JSON(http.StatusBadGateway, ErrorBody{Error: "execution failed"})
	}

	resp := ExecResponse{
		ExitCode:   result.ExitCode,
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		DurationMs: result.Duration.Milliseconds(),
	}

	if g.audits != nil {
		rec := &audit.Record{
			RunID:      req.RunID,
			SandboxID:  id,
			Backend:    string(h.Backend()),
			Tool:       "exec",
			Command:    req.Command,
			ExitCode:   result.ExitCode,
			Success:    result.ExitCode == 0,
			DurationMs: resp.DurationMs,
		}
		if err := g.audits.Append(c.Context(), rec); err != nil {
			g.logger.Warn("audit append failed", slog.String("error", err.Error()))
		}
	}

	return c.OK(resp)
}

// --- Stats ---

// ProviderStatsResponse is one backend's rotation snapshot.
type ProviderStatsResponse struct {
	Backend  string `json:"backend"`
	KeyCount int    `json:"key_count"`
	Cursor   int    `json:"cursor"`
	Selected int    `json:"selected"`
}

func (g *Gateway) handleStats(c *okapi.Context) error {
	stats := g.orch.Stats()
	resp := make([]ProviderStatsResponse, len(stats))
	for i, s := range stats {
		resp[i] = ProviderStatsResponse{
			Backend:  string(s.Backend),
			KeyCount: s.KeyCount,
			Cursor:   s.Cursor,
			Selected: s.Selected,
		}
	}
	return c.OK(resp)
}

// --- Audit ---

func (g *Gateway) handleAuditQuery(c *okapi.Context) error {
	q := c.Request().URL.Query()
	filter := audit.Filter{
		RunID:     q.Get("run_id"),
		SessionID: q.Get("session_id"),
		Backend:   q.Get("backend"),
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}

	records, err := g.audits.Query(c.Context(), filter)
	if err != nil {
		g.logger.Error("audit query failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("audit query failed")
	}
	return c.OK(records)
}

func infoResponse(info backend.Info) SandboxResponse {
	resp := SandboxResponse{
		ID:       info.ID,
		Backend:  string(info.Backend),
		State:    string(info.State),
		Metadata: info.Metadata,
	}
	if !info.CreatedAt.IsZero() {
		t := info.CreatedAt
		resp.CreatedAt = &t
	}
	return resp
}
