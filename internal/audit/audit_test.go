package audit

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/config"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(config.AuditConfig{}, t.TempDir(), logger)
	if err != nil {
		t.Fatalf("opening sqlite store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_DefaultsToSQLite(t *testing.T) {
	s := openTestStore(t)
	if s.Driver() != DriverSQLite {
		t.Errorf("driver = %q, want sqlite", s.Driver())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("ping: %v", err)
	}
}

func TestOpen_PostgresRequiresDSN(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := Open(config.AuditConfig{Driver: "postgres"}, t.TempDir(), logger)
	if err == nil || !strings.Contains(err.Error(), "DSN") {
		t.Errorf("expected DSN error, got %v", err)
	}
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err := Open(config.AuditConfig{Driver: "mysql"}, t.TempDir(), logger)
	if err == nil || !strings.Contains(err.Error(), "unknown audit driver") {
		t.Errorf("expected unknown driver error, got %v", err)
	}
}

func TestAppendAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	records := []*Record{
		{RunID: "run-1", SessionID: "sess-a", Backend: "e2b", Tool: "bash", Command: "ls", ExitCode: 0, Success: true},
		{RunID: "run-1", SessionID: "sess-a", Backend: "e2b", Tool: "bash", Command: "make test", ExitCode: 2, Success: false, Error: "exit status 2"},
		{RunID: "run-2", SessionID: "sess-b", Backend: "daytona", Tool: "install_dependencies", Command: "npm ci", ExitCode: 0, Success: true},
	}
	for _, rec := range records {
		if err := s.Append(ctx, rec); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	byRun, err := s.Query(ctx, Filter{RunID: "run-1"})
	if err != nil {
		t.Fatalf("query by run: %v", err)
	}
	if len(byRun) != 2 {
		t.Errorf("run-1 records = %d, want 2", len(byRun))
	}

	byBackend, err := s.Query(ctx, Filter{Backend: "daytona"})
	if err != nil {
		t.Fatalf("query by backend: %v", err)
	}
	if len(byBackend) != 1 || byBackend[0].Tool != "install_dependencies" {
		t.Errorf("daytona records = %+v, want single install_dependencies", byBackend)
	}

	limited, err := s.Query(ctx, Filter{Limit: 1})
	if err != nil {
		t.Fatalf("query with limit: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited records = %d, want 1", len(limited))
	}
}

func TestAppend_TruncatesOversizedCommand(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := &Record{RunID: "run-1", Command: strings.Repeat("x", maxCommandBytes*2)}
	if err := s.Append(ctx, rec); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.Query(ctx, Filter{RunID: "run-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 1 || len(got[0].Command) != maxCommandBytes {
		t.Errorf("stored command length = %d, want %d", len(got[0].Command), maxCommandBytes)
	}
}

func TestPruneBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := &Record{RunID: "old", CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	fresh := &Record{RunID: "fresh"}
	if err := s.Append(ctx, old); err != nil {
		t.Fatalf("append old: %v", err)
	}
	if err := s.Append(ctx, fresh); err != nil {
		t.Fatalf("append fresh: %v", err)
	}

	pruned, err := s.PruneBefore(ctx, time.Now().UTC().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}

	remaining, err := s.Query(ctx, Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(remaining) != 1 || remaining[0].RunID != "fresh" {
		t.Errorf("remaining = %+v, want only fresh", remaining)
	}
}
