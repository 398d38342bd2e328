// Package httpapi implements the agent-facing HTTP API for Sanduku.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - Per-caller rate limiting via token bucket
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/sanduku/internal/audit"
	"github.com/jkaninda/sanduku/internal/cancel"
	"github.com/jkaninda/sanduku/internal/executor"
	"github.com/jkaninda/sanduku/internal/gateway/events"
	"github.com/jkaninda/sanduku/internal/lifecycle"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/orchestrator"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/scheduler"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string            // e.g. ":8080"
	EnableDocs     bool              // Serve OpenAPI docs.
	APIKeys        map[string]string // API key -> caller ID mapping.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability.
	MetricsRegistry *prometheus.Registry            // Custom registry for /metrics. Nil = no endpoint.
	MetricsPath     string                          // Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // For /readyz.
	Metrics         *observability.MetricsCollector // Collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// Gateway is the agent-facing HTTP API.
type Gateway struct {
	config      Config
	orch        *orchestrator.Orchestrator
	coordinator *lifecycle.Coordinator
	sched       *scheduler.Scheduler
	exec        *executor.Executor
	session     *orchestrator.Session
	cancels     *cancel.Registry
	limiter     *ratelimit.Limiter
	audits      *audit.Store // nil = audit endpoint disabled.
	hub         *events.Hub  // nil = event streaming disabled.
	logger      *slog.Logger
	server      *http.Server
	okapi       *okapi.Okapi
	group       *okapi.Group
}

// NewGateway creates an HTTP API gateway.
func NewGateway(
	cfg Config,
	orch *orchestrator.Orchestrator,
	coordinator *lifecycle.Coordinator,
	sched *scheduler.Scheduler,
	exec *executor.Executor,
	session *orchestrator.Session,
	cancels *cancel.Registry,
	limiter *ratelimit.Limiter,
	logger *slog.Logger,
) *Gateway {
	return &Gateway{
		config:      cfg,
		orch:        orch,
		coordinator: coordinator,
		sched:       sched,
		exec:        exec,
		session:     session,
		cancels:     cancels,
		limiter:     limiter,
		logger:      logger,
		okapi:       okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithAudit attaches the execution audit log, enabling GET /v1/audit.
func (g *Gateway) WithAudit(store *audit.Store) *Gateway {
	g.audits = store
	return g
}

// WithEvents attaches a run-event hub, mounting the WebSocket endpoint.
func (g *Gateway) WithEvents(hub *events.Hub) *Gateway {
	g.hub = hub
	return g
}

// WithOpenAPIDocs enables the interactive API documentation.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Sanduku",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is
// canceled.
func (g *Gateway) Start(ctx context.Context) error {
	middlewares := []okapi.Middleware{g.authenticate}
	if g.config.Metrics != nil || g.config.Tracer != nil {
		middlewares = append(middlewares,
			observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer))
	}

	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", middlewares...)

	// Batch execution.
	g.group.Post("/batch", g.handleBatch,
		okapi.DocSummary("Run a batch of tool invocations"),
		okapi.DocTags("Runs"),
		okapi.DocRequestBody(BatchRequest{}),
		okapi.DocResponse(BatchResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)
	g.group.Post("/runs/{id}/cancel", g.handleRunCancel,
		okapi.DocSummary("Cancel a run at its next checkpoint"),
		okapi.DocTags("Runs"),
		okapi.DocPathParam("id", "string", "Run ID"),
		okapi.DocResponse(map[string]string{}),
	)

	// Session acquisition.
	g.group.Post("/sessions/acquire", g.handleAcquire,
		okapi.DocSummary("Get or recreate the session's sandbox"),
		okapi.DocTags("Sessions"),
		okapi.DocRequestBody(AcquireRequest{}),
		okapi.DocResponse(AcquireResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)

	// Sandbox lifecycle.
	g.group.Post("/sandboxes", g.handleSandboxCreate,
		okapi.DocSummary("Create a sandbox, rotating credentials on failure"),
		okapi.DocTags("Sandboxes"),
		okapi.DocRequestBody(SandboxCreateRequest{}),
		okapi.DocResponse(http.StatusCreated, SandboxResponse{}),
		okapi.DocResponse(http.StatusBadGateway, ErrorBody{}),
	)
	g.group.Get("/sandboxes", g.handleSandboxList,
		okapi.DocSummary("List sandboxes across all credentials"),
		okapi.DocTags("Sandboxes"),
		okapi.DocResponse([]SandboxResponse{}),
	)
	g.group.Get("/sandboxes/{id}", g.handleSandboxGet,
		okapi.DocSummary("Look up a sandbox by ID"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(SandboxResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/sandboxes/{id}/stop", g.handleSandboxStop,
		okapi.DocSummary("Stop a sandbox"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(map[string]string{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Delete("/sandboxes/{id}", g.handleSandboxDelete,
		okapi.DocSummary("Delete a sandbox on every backend that knows it"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocResponse(DeleteResponse{}),
	)
	g.group.Post("/sandboxes/{id}/exec", g.handleExec,
		okapi.DocSummary("Run a command in a sandbox with retry"),
		okapi.DocTags("Sandboxes"),
		okapi.DocPathParam("id", "string", "Sandbox ID"),
		okapi.DocRequestBody(ExecRequest{}),
		okapi.DocResponse(ExecResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)

	// Rotation stats.
	g.group.Get("/stats", g.handleStats,
		okapi.DocSummary("Credential rotation statistics"),
		okapi.DocTags("Stats"),
		okapi.DocResponse([]ProviderStatsResponse{}),
	)

	// Execution audit log.
	if g.audits != nil {
		g.group.Get("/audit", g.handleAuditQuery,
			okapi.DocSummary("Query the execution audit log"),
			okapi.DocTags("Audit"),
			okapi.DocResponse([]audit.Record{}),
		)
	}

	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	// WebSocket run-event stream.
	if g.hub != nil {
		g.okapi.HandleStd("GET", "/v1/events", g.hub.Handler().ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// --- Shared handlers ---

// HealthResponse is the JSON response for health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleLiveness is the Kubernetes liveness probe.
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped caller ID in the
// request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		callerID := ""
		for key, id := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				callerID = id
			}
		}
		if callerID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("callerID", callerID)
		return next(c)
	}
}

// rateLimit enforces the per-caller token bucket, if configured.
func (g *Gateway) rateLimit(c *okapi.Context) error {
	if g.limiter == nil {
		return nil
	}
	if err := g.limiter.Allow(c.GetString("callerID")); err != nil {
		return c.AbortTooManyRequests("rate limit exceeded")
	}
	return nil
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
