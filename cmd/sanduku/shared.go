package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/sanduku/internal/audit"
	"github.com/jkaninda/sanduku/internal/backend"
	"github.com/jkaninda/sanduku/internal/backend/daytona"
	"github.com/jkaninda/sanduku/internal/backend/e2b"
	"github.com/jkaninda/sanduku/internal/backend/local"
	"github.com/jkaninda/sanduku/internal/cancel"
	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/credentials"
	"github.com/jkaninda/sanduku/internal/executor"
	"github.com/jkaninda/sanduku/internal/lifecycle"
	"github.com/jkaninda/sanduku/internal/observability"
	"github.com/jkaninda/sanduku/internal/orchestrator"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	"github.com/jkaninda/sanduku/internal/scheduler"
	"github.com/jkaninda/sanduku/internal/tools"
	mcptools "github.com/jkaninda/sanduku/internal/tools/mcp"
)

// sharedComponents holds the subsystems that server and CLI modes both
// need. Built once by initShared, torn down by Cleanup.
type sharedComponents struct {
	Config *config.Config
	Logger *slog.Logger

	Obs         *observability.Observability // nil = observability disabled.
	Orch        *orchestrator.Orchestrator
	Session     *orchestrator.Session
	Cancels     *cancel.Registry
	Exec        *executor.Executor
	Coordinator *lifecycle.Coordinator
	ToolReg     *tools.Registry
	Sched       *scheduler.Scheduler
	Audits      *audit.Store // nil = audit log disabled.

	cleanups []func()
}

// Cleanup runs all deferred teardown functions in reverse order.
func (sc *sharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *sharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// initShared builds everything both `serve` and the sandbox/batch
// subcommands depend on. Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*sharedComponents, error) {
	sc := &sharedComponents{
		Config: cfg,
		Logger: logger,
	}

	workspaceDir := cfg.WorkspaceDir()
	if err := os.MkdirAll(workspaceDir, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace %s: %w", workspaceDir, err)
	}
	logger.Debug("workspace initialized", slog.String("root", workspaceDir))

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancelFn := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelFn()
			obs.Shutdown(shutdownCtx)
		}
	})
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
			slog.Bool("anomaly", obs.Anomaly != nil),
		)
	}

	// Credential pool and driver factory.
	mode := cfg.Backends.SelectionMode()
	keys, order := cfg.Backends.KeyPool()
	if mode == config.ModeLocal {
		keys = map[backend.Type][]string{backend.TypeLocal: {"local"}}
		order = []backend.Type{backend.TypeLocal}
	}
	if mode == config.ModeSingle && len(order) > 1 {
		order = order[:1]
	}

	rotator := credentials.NewRotator(credentials.NewPool(keys, order))
	factory := newDriverFactory(cfg, workspaceDir, obs, logger)

	sc.Orch = orchestrator.New(rotator, cfg.Backends.Defaults(), factory, logger).
		WithLimiter(ratelimit.NewLimiter(cfg.RateLimit))
	sc.Session = orchestrator.NewSession(mode == config.ModeLocal)
	sc.Cancels = cancel.NewRegistry()
	sc.Exec = executor.New(sc.Cancels, cfg.Executor, logger)
	sc.Coordinator = lifecycle.New(sc.Orch, sc.Cancels, lifecycle.Config{}, logger)

	logger.Debug("backends configured",
		slog.String("mode", string(mode)),
		slog.Int("backends", len(order)),
		slog.Int("keys", rotator.Total()),
	)

	// Tool registry.
	env := tools.NewEnv(sc.Session, sc.Exec, logger)
	reg := tools.NewRegistry()
	reg.Register(tools.NewBashTool(env))
	reg.Register(tools.NewDepsTool(env))
	reg.Register(tools.NewReadFileTool(env))
	reg.Register(tools.NewWriteFileTool(env))
	reg.Register(tools.NewListDirTool(env))
	reg.Register(tools.NewDeleteFileTool(env))
	reg.Register(tools.NewSearchTool(env))

	if cfg.Database != nil && cfg.Database.DSN != "" {
		dbTool := tools.NewDatabaseTool(*cfg.Database, logger)
		reg.Register(dbTool)
		sc.addCleanup(func() {
			if err := dbTool.Close(); err != nil {
				logger.Error("closing database tool", slog.String("error", err.Error()))
			}
		})
	}

	// External MCP tool servers.
	if len(cfg.MCPServers) > 0 {
		bridge := mcptools.NewBridge(logger)
		mcpCtx, mcpCancel := context.WithTimeout(context.Background(), 30*time.Second)
		for _, serverCfg := range cfg.MCPServers {
			discovered, mcpErr := bridge.ConnectAndDiscover(mcpCtx, serverCfg)
			if mcpErr != nil {
				logger.Error("mcp server failed, skipping",
					slog.String("server", serverCfg.Name),
					slog.String("error", mcpErr.Error()),
				)
				continue
			}
			for _, t := range discovered {
				reg.Register(t)
			}
		}
		mcpCancel()
		sc.addCleanup(bridge.Close)
	}
	sc.ToolReg = reg
	logger.Debug("tools registered", slog.Any("tools", reg.List()))

	sc.Sched = scheduler.New(reg, cfg.Scheduler, logger)

	// Execution audit log.
	if cfg.Audit != nil {
		store, err := audit.Open(*cfg.Audit, workspaceDir, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("opening audit log: %w", err)
		}
		sc.Audits = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing audit log", slog.String("error", err.Error()))
			}
		})
		logger.Debug("audit log initialized", slog.String("driver", store.Driver()))
	}

	return sc, nil
}

// newDriverFactory returns the per-credential driver constructor the
// orchestrator uses. Drivers are wrapped with instrumentation when
// metrics are enabled.
func newDriverFactory(cfg *config.Config, workspaceDir string, obs *observability.Observability, logger *slog.Logger) orchestrator.DriverFactory {
	return func(t backend.Type, apiKey string) (backend.Driver, error) {
		var (
			driver backend.Driver
			err    error
		)
		switch t {
		case backend.TypeDaytona:
			driver, err = daytona.New(daytona.Config{
				APIKey: apiKey,
				APIURL: cfg.Backends.Daytona.BaseURL(),
			}, logger)
		case backend.TypeE2B:
			driver, err = e2b.New(e2b.Config{
				APIKey: apiKey,
				Domain: cfg.Backends.E2B.APIDomain(),
			}, logger)
		case backend.TypeLocal:
			driver = local.New(workspaceDir, logger)
		default:
			return nil, fmt.Errorf("unknown backend type %q", t)
		}
		if err != nil {
			return nil, err
		}
		if obs != nil && obs.Metrics != nil {
			driver = observability.NewInstrumentedDriver(driver, obs.Metrics, obs.Tracer, obs.Anomaly)
		}
		return driver, nil
	}
}

// newLogger builds the process-wide structured logger.
func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}
