package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/gateway/events"
	"github.com/jkaninda/sanduku/internal/gateway/httpapi"
	"github.com/jkaninda/sanduku/internal/janitor"
	"github.com/jkaninda/sanduku/internal/ratelimit"
	goutils "github.com/jkaninda/go-utils"
)

var (
	serveConfigPath string
	servePort       string
	serveDocs       bool
	serveDebug      bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `sanduku --config path` and `sanduku serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
		cmd.Flags().BoolVar(&serveDocs, "docs", false, "serve interactive OpenAPI docs")
		cmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug logging")
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	logger := newLogger(serveDebug)

	cfg, err := config.Load(goutils.Env("SANDUKU_CONFIG", serveConfigPath))
	if err != nil {
		return err
	}
	if cfg.Gateway == nil {
		cfg.Gateway = &config.GatewayConfig{}
	}
	if servePort != "" {
		cfg.Gateway.ListenAddr = servePort
	}

	logger.Info("starting server", slog.String("config", serveConfigPath))

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background sandbox reaping.
	if cfg.Janitor != nil && cfg.Janitor.Enabled {
		jan, err := janitor.New(sc.Orch, sc.Audits, cfg.Janitor, janitor.Config{
			MaxAge:       cfg.Backends.Lifetime(),
			StoppedAfter: cfg.Backends.AutoDelete(),
		}, logger)
		if err != nil {
			return fmt.Errorf("initializing janitor: %w", err)
		}
		cancelJanitor := jan.Start(ctx)
		defer cancelJanitor()
	}

	// Run-event streaming over WebSocket.
	var hub *events.Hub
	if cfg.Gateway.EnableEvents {
		token := os.Getenv("SANDUKU_EVENTS_TOKEN")
		if token == "" {
			logger.Warn("events enabled but SANDUKU_EVENTS_TOKEN unset, event streaming disabled")
		} else {
			hub = events.NewHub(token, logger)
			logger.Debug("event hub initialized")
		}
	}

	// API key -> caller id mapping from config plus env override.
	apiKeys := cfg.Gateway.APIKeys
	if apiKeys == nil {
		apiKeys = make(map[string]string)
	}
	if envKeys := os.Getenv("SANDUKU_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				apiKeys[parts[0]] = parts[1]
			}
		}
	}

	httpCfg := httpapi.Config{
		ListenAddr:     cfg.Gateway.Addr(),
		EnableDocs:     serveDocs,
		APIKeys:        apiKeys,
		MaxRequestSize: cfg.Gateway.MaxRequestSize,
	}
	if sc.Obs != nil {
		httpCfg.Metrics = sc.Obs.Metrics
		httpCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Health != nil {
			sc.Obs.Health.AddCheck("credentials", sc.Orch.Ready)
			if sc.Audits != nil {
				sc.Obs.Health.AddCheck("audit_store", sc.Audits.Ping)
			}
		}
		if sc.Obs.Metrics != nil {
			httpCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			httpCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	limiter := ratelimit.NewLimiter(cfg.RateLimit)

	gw := httpapi.NewGateway(
		httpCfg,
		sc.Orch,
		sc.Coordinator,
		sc.Sched,
		sc.Exec,
		sc.Session,
		sc.Cancels,
		limiter,
		logger,
	)
	if sc.Audits != nil {
		gw.WithAudit(sc.Audits)
	}
	if hub != nil {
		gw.WithEvents(hub)
	}
	if serveDocs {
		gw.WithOpenAPIDocs()
	}

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("server exited with error", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	return gw.Stop(shutdownCtx)
}
