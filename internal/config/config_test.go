package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/backend"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_MissingFileDefaultsToLocal(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := cfg.Backends.SelectionMode(); got != ModeLocal {
		t.Errorf("SelectionMode() = %q, want %q", got, ModeLocal)
	}
}

func TestLoad_MultiRequiresKeys(t *testing.T) {
	path := writeConfig(t, `
backends:
  mode: multi
  daytona:
    api_keys: ""
`)
	if _, err := Load(path); err == nil {
		t.Fatal("Load() with no keys should fail validation")
	}
}

func TestLoad_KeyPoolOrderAndSplit(t *testing.T) {
	path := writeConfig(t, `
backends:
  mode: multi
  daytona:
    api_keys: "dk-1, dk-2"
  e2b:
    api_keys: "ek-1"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	keys, order := cfg.Backends.KeyPool()
	if len(order) != 2 || order[0] != backend.TypeDaytona || order[1] != backend.TypeE2B {
		t.Errorf("order = %v, want [daytona e2b]", order)
	}
	if got := keys[backend.TypeDaytona]; len(got) != 2 || got[0] != "dk-1" || got[1] != "dk-2" {
		t.Errorf("daytona keys = %v", got)
	}
	if got := keys[backend.TypeE2B]; len(got) != 1 || got[0] != "ek-1" {
		t.Errorf("e2b keys = %v", got)
	}
}

func TestLoad_EnvOverridesKeys(t *testing.T) {
	t.Setenv("SANDUKU_E2B_API_KEYS", "env-key")
	path := writeConfig(t, `
backends:
  mode: single
  e2b:
    api_keys: "file-key"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	keys, _ := cfg.Backends.KeyPool()
	if got := keys[backend.TypeE2B]; len(got) != 1 || got[0] != "env-key" {
		t.Errorf("e2b keys = %v, want [env-key]", got)
	}
}

func TestLoad_EnvProvisionsMissingBackend(t *testing.T) {
	t.Setenv("SANDUKU_DAYTONA_API_KEYS", "dk-env")
	t.Setenv("SANDUKU_BACKEND_MODE", "single")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	keys, order := cfg.Backends.KeyPool()
	if len(order) != 1 || order[0] != backend.TypeDaytona {
		t.Errorf("order = %v, want [daytona]", order)
	}
	if got := keys[backend.TypeDaytona]; len(got) != 1 || got[0] != "dk-env" {
		t.Errorf("daytona keys = %v", got)
	}
}

func TestExecutorConfig_Defaults(t *testing.T) {
	var e ExecutorConfig
	if got := e.DefaultTimeout(); got != 2*time.Minute {
		t.Errorf("DefaultTimeout() = %v", got)
	}
	if got := e.Attempts(); got != 4 {
		t.Errorf("Attempts() = %d", got)
	}
	if got := e.BaseDelay(); got != 500*time.Millisecond {
		t.Errorf("BaseDelay() = %v", got)
	}
	if got := e.MaxDelay(); got != 8*time.Second {
		t.Errorf("MaxDelay() = %v", got)
	}
}

func TestBackendsConfig_LifetimeDefaults(t *testing.T) {
	var b BackendsConfig
	if got := b.Lifetime(); got != time.Hour {
		t.Errorf("Lifetime() = %v, want 1h", got)
	}
	if got := b.AutoDelete(); got != 30*time.Minute {
		t.Errorf("AutoDelete() = %v, want 30m", got)
	}
	b.AutoDeleteMinutes = -1
	if got := b.AutoDelete(); got != 0 {
		t.Errorf("AutoDelete() with -1 = %v, want 0", got)
	}
}

func TestValidate_AuditDriver(t *testing.T) {
	cfg := &Config{
		Backends: BackendsConfig{Mode: ModeLocal},
		Audit:    &AuditConfig{Driver: "mysql"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should reject unknown audit driver")
	}
	cfg.Audit.Driver = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatal("Validate() should require DSN for postgres")
	}
	cfg.Audit.DSN = "postgres://localhost/sanduku"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}
