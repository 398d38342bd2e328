package e2b

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/backend"
)

func newTestDriver(t *testing.T, handler http.Handler) *Driver {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	d, err := New(Config{APIKey: "test-key", APIURL: srv.URL}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	d.wire.BaseDelay = time.Millisecond
	d.wire.MaxDelay = time.Millisecond
	return d
}

func TestNew_RequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}, nil); err == nil {
		t.Fatal("New() without API key should fail")
	}
}

func TestDriver_Create(t *testing.T) {
	var gotReq createSandboxRequest
	d := newTestDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sandboxes" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("X-API-Key"); got != "test-key" {
			t.Errorf("X-API-Key = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(sandboxResponse{
			SandboxID:       "iabc123def456ghi789j",
			EnvdAccessToken: "tok",
		})
	}))

	opts := backend.Resolve(backend.TypeE2B, backend.CreateOptions{
		Template: "python-dev",
		Lifetime: 30 * time.Minute,
	}, backend.Defaults{})

	h, err := d.Create(context.Background(), opts)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if h.ID() != "iabc123def456ghi789j" {
		t.Errorf("ID() = %q", h.ID())
	}
	if h.Backend() != backend.TypeE2B {
		t.Errorf("Backend() = %v", h.Backend())
	}
	if h.State() != backend.StateStarted {
		t.Errorf("State() = %v", h.State())
	}
	if gotReq.TemplateID != "python-dev" {
		t.Errorf("TemplateID = %q", gotReq.TemplateID)
	}
	if gotReq.Timeout != 1800 {
		t.Errorf("Timeout = %d, want 1800", gotReq.Timeout)
	}
}

func TestDriver_CreateRejectsWrongBackendOptions(t *testing.T) {
	d := newTestDriver(t, http.NotFoundHandler())
	opts := backend.Resolve(backend.TypeDaytona, backend.CreateOptions{}, backend.Defaults{})
	if _, err := d.Create(context.Background(), opts); err == nil {
		t.Fatal("Create() with daytona options should fail")
	}
}

func TestDriver_GetNotFound(t *testing.T) {
	d := newTestDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	_, err := d.Get(context.Background(), "missing")
	if !backend.IsNotFound(err) {
		t.Errorf("Get() error = %v, want not-found", err)
	}
}

func TestDriver_GetPausedComesBackStopped(t *testing.T) {
	d := newTestDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(listedSandbox{SandboxID: "sb1", State: "paused"})
	}))
	h, err := d.Get(context.Background(), "sb1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if h.State() != backend.StateStopped {
		t.Errorf("State() = %v, want stopped", h.State())
	}
}

func TestDriver_GetRunningConnects(t *testing.T) {
	d := newTestDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(listedSandbox{SandboxID: "sb1", State: "running"})
		case strings.HasSuffix(r.URL.Path, "/connect"):
			json.NewEncoder(w).Encode(sandboxResponse{SandboxID: "sb1", EnvdAccessToken: "fresh"})
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))
	h, err := d.Get(context.Background(), "sb1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if h.State() != backend.StateStarted {
		t.Errorf("State() = %v, want started", h.State())
	}
	if eh := h.(*Handle); eh.accessToken != "fresh" {
		t.Errorf("accessToken = %q, want fresh", eh.accessToken)
	}
}

func TestDriver_Delete(t *testing.T) {
	t.Run("existing", func(t *testing.T) {
		d := newTestDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodDelete {
				t.Errorf("method = %s", r.Method)
			}
			w.WriteHeader(http.StatusNoContent)
		}))
		existed, err := d.Delete(context.Background(), "sb1")
		if err != nil || !existed {
			t.Errorf("Delete() = (%v, %v), want (true, nil)", existed, err)
		}
	})
	t.Run("already gone", func(t *testing.T) {
		d := newTestDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "gone", http.StatusNotFound)
		}))
		existed, err := d.Delete(context.Background(), "sb1")
		if err != nil || existed {
			t.Errorf("Delete() = (%v, %v), want (false, nil)", existed, err)
		}
	})
}

func TestDriver_List(t *testing.T) {
	d := newTestDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/sandboxes" {
			t.Errorf("path = %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode([]listedSandbox{
			{SandboxID: "a", State: "running"},
			{SandboxID: "b", State: "paused"},
		})
	}))
	infos, err := d.List(context.Background())
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("List() len = %d", len(infos))
	}
	if infos[0].State != backend.StateStarted || infos[1].State != backend.StateStopped {
		t.Errorf("states = %v, %v", infos[0].State, infos[1].State)
	}
}

func TestDriver_ServerErrorIsRetryable(t *testing.T) {
	d := newTestDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	opts := backend.Resolve(backend.TypeE2B, backend.CreateOptions{}, backend.Defaults{E2BTemplate: "base"})
	_, err := d.Create(context.Background(), opts)
	if err == nil {
		t.Fatal("Create() should fail")
	}
	if !backend.IsRetryable(err) {
		t.Errorf("error %v should be retryable", err)
	}
}

func TestDriver_GetRetriesTransientStatus(t *testing.T) {
	var calls int32
	d := newTestDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "overloaded", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(listedSandbox{SandboxID: "abc123def456ghi7", State: "paused"})
	}))

	h, err := d.Get(context.Background(), "abc123def456ghi7")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if h.State() != backend.StateStopped {
		t.Errorf("State() = %v", h.State())
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("wire calls = %d, want 2", got)
	}
}

func TestDriver_DeleteDoesNotRetryNotFound(t *testing.T) {
	var calls int32
	d := newTestDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "gone", http.StatusNotFound)
	}))

	existed, err := d.Delete(context.Background(), "abc123def456ghi7")
	if err != nil || existed {
		t.Fatalf("Delete() = (%v, %v), want (false, nil)", existed, err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("wire calls = %d, want 1", got)
	}
}

func TestDriver_ClientErrorIsNotRetryable(t *testing.T) {
	d := newTestDriver(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad template", http.StatusBadRequest)
	}))
	opts := backend.Resolve(backend.TypeE2B, backend.CreateOptions{}, backend.Defaults{E2BTemplate: "base"})
	_, err := d.Create(context.Background(), opts)
	if err == nil {
		t.Fatal("Create() should fail")
	}
	if backend.IsRetryable(err) {
		t.Errorf("error %v should not be retryable", err)
	}
}

func TestHandle_BuildScript(t *testing.T) {
	h := &Handle{env: map[string]string{"CI": "true"}}
	script := h.buildScript(backend.ExecuteOptions{
		Command: "make test",
		Workdir: "/repo",
		Env:     map[string]string{"NAME": "it's"},
	})
	if !strings.Contains(script, "export CI='true'") {
		t.Errorf("missing sandbox env: %q", script)
	}
	if !strings.Contains(script, `export NAME='it'\''s'`) {
		t.Errorf("env value not quoted: %q", script)
	}
	if !strings.Contains(script, "cd '/repo' || exit 127") {
		t.Errorf("missing cd: %q", script)
	}
	if !strings.HasSuffix(script, "make test") {
		t.Errorf("command not last: %q", script)
	}
}
