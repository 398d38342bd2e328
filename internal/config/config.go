// Package config handles loading and validating Sanduku configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/sanduku/internal/backend"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Sanduku.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"` // Local workspace root. Default: ~/.sanduku/workspace. Override: SANDUKU_WORKSPACE.
	Backends      BackendsConfig       `json:"backends" yaml:"backends"`
	Executor      ExecutorConfig       `json:"executor" yaml:"executor"`
	Scheduler     SchedulerConfig      `json:"scheduler" yaml:"scheduler"`
	RateLimit     RateLimitConfig      `json:"rate_limit" yaml:"rate_limit"`
	Audit         *AuditConfig         `json:"audit,omitempty" yaml:"audit,omitempty"`                 // nil = audit log disabled
	Janitor       *JanitorConfig       `json:"janitor,omitempty" yaml:"janitor,omitempty"`             // nil = no background reaping
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Gateway       *GatewayConfig       `json:"gateway,omitempty" yaml:"gateway,omitempty"`             // nil = gateway disabled (library/CLI use)
	MCPServers    []MCPServerConfig    `json:"mcp_servers,omitempty" yaml:"mcp_servers,omitempty"`     // External MCP tool servers to bridge.
	Database      *DatabaseConfig      `json:"database,omitempty" yaml:"database,omitempty"`           // nil = database_read tool disabled.
}

// Mode is the backend selection mode.
type Mode string

const (
	ModeSingle Mode = "single" // First configured backend only.
	ModeMulti  Mode = "multi"  // Rotate across all configured backends.
	ModeLocal  Mode = "local"  // Local passthrough, no remote provider.
)

// BackendsConfig selects and configures sandbox providers.
type BackendsConfig struct {
	Mode    Mode           `json:"mode" yaml:"mode"` // "single", "multi" (default), or "local".
	Daytona *DaytonaConfig `json:"daytona,omitempty" yaml:"daytona,omitempty"`
	E2B     *E2BConfig     `json:"e2b,omitempty" yaml:"e2b,omitempty"`

	LifetimeMinutes   int `json:"lifetime_minutes" yaml:"lifetime_minutes"`       // Default sandbox lifetime. Default: 60.
	AutoDeleteMinutes int `json:"auto_delete_minutes" yaml:"auto_delete_minutes"` // Stopped-sandbox retention. Default: 30. -1 = never.
}

// SelectionMode returns the backend mode, defaulting to multi.
func (b BackendsConfig) SelectionMode() Mode {
	if b.Mode != "" {
		return b.Mode
	}
	return ModeMulti
}

// Lifetime returns the default sandbox lifetime.
func (b BackendsConfig) Lifetime() time.Duration {
	if b.LifetimeMinutes > 0 {
		return time.Duration(b.LifetimeMinutes) * time.Minute
	}
	return time.Hour
}

// AutoDelete returns the stopped-sandbox retention window. Zero = never.
func (b BackendsConfig) AutoDelete() time.Duration {
	switch {
	case b.AutoDeleteMinutes > 0:
		return time.Duration(b.AutoDeleteMinutes) * time.Minute
	case b.AutoDeleteMinutes < 0:
		return 0
	}
	return 30 * time.Minute
}

// KeyPool parses the configured comma-separated credential lists into the
// per-backend key map, preserving backend declaration order.
func (b BackendsConfig) KeyPool() (map[backend.Type][]string, []backend.Type) {
	keys := make(map[backend.Type][]string)
	var order []backend.Type

	if b.Daytona != nil {
		keys[backend.TypeDaytona] = splitKeys(envOr("SANDUKU_DAYTONA_API_KEYS", b.Daytona.APIKeys))
		order = append(order, backend.TypeDaytona)
	}
	if b.E2B != nil {
		keys[backend.TypeE2B] = splitKeys(envOr("SANDUKU_E2B_API_KEYS", b.E2B.APIKeys))
		order = append(order, backend.TypeE2B)
	}
	return keys, order
}

// Defaults returns the per-backend creation defaults.
func (b BackendsConfig) Defaults() backend.Defaults {
	d := backend.Defaults{
		Lifetime:   b.Lifetime(),
		AutoDelete: b.AutoDelete(),
	}
	if b.Daytona != nil {
		d.DaytonaSnapshot = b.Daytona.Snapshot
		d.DaytonaUser = b.Daytona.DefaultUser()
	}
	if b.E2B != nil {
		d.E2BTemplate = b.E2B.DefaultTemplate()
	}
	return d
}

// DaytonaConfig configures the Daytona provider.
type DaytonaConfig struct {
	APIURL   string `json:"api_url" yaml:"api_url"`   // Default: https://app.daytona.io/api.
	APIKeys  string `json:"api_keys" yaml:"api_keys"` // Comma-separated. Override: SANDUKU_DAYTONA_API_KEYS.
	Snapshot string `json:"snapshot" yaml:"snapshot"` // Default sandbox snapshot.
	User     string `json:"user" yaml:"user"`         // Default OS user. Default: "daytona".
}

// BaseURL returns the Daytona API URL with the default applied.
func (d *DaytonaConfig) BaseURL() string {
	if d != nil && d.APIURL != "" {
		return strings.TrimRight(d.APIURL, "/")
	}
	return "https://app.daytona.io/api"
}

// DefaultUser returns the OS user with the default applied.
func (d *DaytonaConfig) DefaultUser() string {
	if d != nil && d.User != "" {
		return d.User
	}
	return "daytona"
}

// E2BConfig configures the E2B provider.
type E2BConfig struct {
	Domain   string `json:"domain" yaml:"domain"`     // Default: e2b.app.
	APIKeys  string `json:"api_keys" yaml:"api_keys"` // Comma-separated. Override: SANDUKU_E2B_API_KEYS.
	Template string `json:"template" yaml:"template"` // Default template id. Default: "base".
}

// APIDomain returns the E2B domain with the default applied.
func (e *E2BConfig) APIDomain() string {
	if e != nil && e.Domain != "" {
		return e.Domain
	}
	return "e2b.app"
}

// DefaultTemplate returns the template id with the default applied.
func (e *E2BConfig) DefaultTemplate() string {
	if e != nil && e.Template != "" {
		return e.Template
	}
	return "base"
}

// ExecutorConfig configures command execution behavior.
type ExecutorConfig struct {
	DefaultTimeoutS int `json:"default_timeout_s" yaml:"default_timeout_s"` // Per-command. Default: 120.
	MaxAttempts     int `json:"max_attempts" yaml:"max_attempts"`           // Transient-retry bound. Default: 4.
	BaseDelayMs     int `json:"base_delay_ms" yaml:"base_delay_ms"`         // First backoff. Default: 500.
	MaxDelayMs      int `json:"max_delay_ms" yaml:"max_delay_ms"`           // Backoff cap. Default: 8000.
}

func (e ExecutorConfig) DefaultTimeout() time.Duration {
	if e.DefaultTimeoutS > 0 {
		return time.Duration(e.DefaultTimeoutS) * time.Second
	}
	return 2 * time.Minute
}

func (e ExecutorConfig) Attempts() int {
	if e.MaxAttempts > 0 {
		return e.MaxAttempts
	}
	return 4
}

func (e ExecutorConfig) BaseDelay() time.Duration {
	if e.BaseDelayMs > 0 {
		return time.Duration(e.BaseDelayMs) * time.Millisecond
	}
	return 500 * time.Millisecond
}

func (e ExecutorConfig) MaxDelay() time.Duration {
	if e.MaxDelayMs > 0 {
		return time.Duration(e.MaxDelayMs) * time.Millisecond
	}
	return 8 * time.Second
}

// SchedulerConfig configures tool batch execution.
type SchedulerConfig struct {
	// SerialTools overrides the built-in serial tool set. Empty = default
	// ("bash", "install_dependencies").
	SerialTools []string `json:"serial_tools,omitempty" yaml:"serial_tools,omitempty"`

	// PlaceholderCredential keeps compatibility with downstream consumers
	// that reject batches whose first parallel operation carries no
	// credential: when true, a synthetic one is attached. Off by default.
	PlaceholderCredential bool `json:"placeholder_credential" yaml:"placeholder_credential"`
}

// RateLimitConfig configures per-credential API rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"` // Per key. 0 = unlimited.
	BurstSize         int `json:"burst_size" yaml:"burst_size"`                   // 0 = RequestsPerMinute.
}

// AuditConfig configures the execution audit log.
type AuditConfig struct {
	Driver   string `json:"driver" yaml:"driver"`                           // "sqlite" (default) or "postgres".
	Path     string `json:"path,omitempty" yaml:"path,omitempty"`           // SQLite file. Default: derived from workspace.
	DSN      string `json:"dsn,omitempty" yaml:"dsn,omitempty"`             // Postgres DSN. Override: SANDUKU_AUDIT_DSN.
	MaxConns int    `json:"max_conns,omitempty" yaml:"max_conns,omitempty"` // Postgres pool size. Default: 10.
}

// StorageDriver returns the configured driver, defaulting to sqlite.
func (a *AuditConfig) StorageDriver() string {
	if a != nil && a.Driver != "" {
		return a.Driver
	}
	return "sqlite"
}

// JanitorConfig configures the expired-sandbox reaper.
type JanitorConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"` // Cron expression. Default: every 5 minutes.
}

// CronSchedule returns the cron expression with the default applied.
func (j *JanitorConfig) CronSchedule() string {
	if j != nil && j.Schedule != "" {
		return j.Schedule
	}
	return "*/5 * * * *"
}

// ObservabilityConfig configures metrics, tracing, and backend-failure
// anomaly detection. When nil, all features are disabled.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "sanduku"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// AnomalyConfig configures backend failure-rate anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failures
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// GatewayConfig configures the agent-facing HTTP API.
type GatewayConfig struct {
	ListenAddr     string            `json:"listen_addr" yaml:"listen_addr"`           // Default: ":8080".
	APIKeys        map[string]string `json:"api_keys" yaml:"api_keys"`                 // API key -> caller id.
	MaxRequestSize int64             `json:"max_request_size" yaml:"max_request_size"` // Bytes. 0 = 1 MB.
	EnableEvents   bool              `json:"enable_events" yaml:"enable_events"`       // WebSocket run-event streaming.
}

// Addr returns the listen address with the default applied.
func (g *GatewayConfig) Addr() string {
	if g != nil && g.ListenAddr != "" {
		return g.ListenAddr
	}
	return ":8080"
}

// DatabaseConfig configures the read-only SQL query tool. The DSN points
// at the agent's project database, never at the audit store.
type DatabaseConfig struct {
	DSN            string `json:"dsn" yaml:"dsn"`
	MaxRows        int    `json:"max_rows,omitempty" yaml:"max_rows,omitempty"`               // Default: 1000.
	TimeoutSeconds int    `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"` // Default: 30.
}

// RowLimit returns the per-query row cap.
func (d DatabaseConfig) RowLimit() int {
	if d.MaxRows > 0 {
		return d.MaxRows
	}
	return 1000
}

// QueryTimeout returns the per-query deadline.
func (d DatabaseConfig) QueryTimeout() time.Duration {
	if d.TimeoutSeconds > 0 {
		return time.Duration(d.TimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// MCPServerConfig points at one external MCP tool server to bridge.
type MCPServerConfig struct {
	Name    string            `json:"name" yaml:"name"`
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`         // Streamable HTTP endpoint.
	Command string            `json:"command,omitempty" yaml:"command,omitempty"` // Stdio transport command.
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "sanduku.yaml"
	}
	return filepath.Join(home, ".sanduku", "config.yaml")
}

// Load reads, env-overrides, and validates a config file. A missing file
// yields a usable default config (local mode).
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// No file: local-only defaults.
		cfg.Backends.Mode = ModeLocal
	default:
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Backends.SelectionMode() {
	case ModeSingle, ModeMulti:
		keys, _ := c.Backends.KeyPool()
		total := 0
		for _, ks := range keys {
			total += len(ks)
		}
		if total == 0 {
			return fmt.Errorf("backends.mode %q requires at least one configured API key", c.Backends.SelectionMode())
		}
	case ModeLocal:
		// No credentials needed.
	default:
		return fmt.Errorf("unknown backends.mode %q", c.Backends.Mode)
	}

	if a := c.Audit; a != nil {
		switch a.StorageDriver() {
		case "sqlite", "postgres":
		default:
			return fmt.Errorf("unknown audit.driver %q", a.Driver)
		}
		if a.StorageDriver() == "postgres" && envOr("SANDUKU_AUDIT_DSN", a.DSN) == "" {
			return fmt.Errorf("audit.driver postgres requires a DSN")
		}
	}

	return nil
}

// WorkspaceDir returns the local workspace root with defaults applied.
func (c *Config) WorkspaceDir() string {
	if v := os.Getenv("SANDUKU_WORKSPACE"); v != "" {
		return v
	}
	if c.Workspace != "" {
		return c.Workspace
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "sanduku-workspace")
	}
	return filepath.Join(home, ".sanduku", "workspace")
}

func applyEnvOverrides(c *Config) {
	if v := os.Getenv("SANDUKU_BACKEND_MODE"); v != "" {
		c.Backends.Mode = Mode(v)
	}
	if v := os.Getenv("SANDUKU_DAYTONA_API_KEYS"); v != "" && c.Backends.Daytona == nil {
		c.Backends.Daytona = &DaytonaConfig{APIKeys: v}
	}
	if v := os.Getenv("SANDUKU_E2B_API_KEYS"); v != "" && c.Backends.E2B == nil {
		c.Backends.E2B = &E2BConfig{APIKeys: v}
	}
	if a := c.Audit; a != nil {
		if v := os.Getenv("SANDUKU_AUDIT_DSN"); v != "" {
			a.DSN = v
		}
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitKeys(s string) []string {
	var out []string
	for _, k := range strings.Split(s, ",") {
		k = strings.TrimSpace(k)
		if k != "" {
			out = append(out, k)
		}
	}
	return out
}
