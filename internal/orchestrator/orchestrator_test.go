package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/backend"
	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/credentials"
	"github.com/jkaninda/sanduku/internal/ratelimit"
)

// fakeHandle satisfies backend.Handle for orchestrator tests.
type fakeHandle struct {
	id      string
	backing backend.Type
	state   backend.State
}

func (h *fakeHandle) ID() string            { return h.id }
func (h *fakeHandle) Backend() backend.Type { return h.backing }
func (h *fakeHandle) State() backend.State  { return h.state }
func (h *fakeHandle) Execute(context.Context, backend.ExecuteOptions) (*backend.ExecuteResult, error) {
	return &backend.ExecuteResult{}, nil
}
func (h *fakeHandle) ReadFile(context.Context, string) (string, error)  { return "", nil }
func (h *fakeHandle) WriteFile(context.Context, string, string) error   { return nil }
func (h *fakeHandle) Exists(context.Context, string) (bool, error)      { return false, nil }
func (h *fakeHandle) Mkdir(context.Context, string) error               { return nil }
func (h *fakeHandle) Remove(context.Context, string) error              { return nil }
func (h *fakeHandle) Start(context.Context) error                       { return nil }
func (h *fakeHandle) Stop(context.Context) error                        { return nil }
func (h *fakeHandle) ExtendTimeout(context.Context, time.Duration) error { return nil }
func (h *fakeHandle) Git() *backend.GitRunner                           { return backend.NewGitRunner(h) }

// fakeDriver simulates one backend bound to one key.
type fakeDriver struct {
	backing   backend.Type
	key       string
	createErr error
	sandboxes map[string]backend.State
	creates   atomic.Int32
	gets      []string
}

func (d *fakeDriver) Backend() backend.Type { return d.backing }

func (d *fakeDriver) Create(_ context.Context, opts backend.ResolvedOptions) (backend.Handle, error) {
	d.creates.Add(1)
	if d.createErr != nil {
		return nil, d.createErr
	}
	if opts.Backend != d.backing {
		return nil, fmt.Errorf("wrong options backend %s", opts.Backend)
	}
	id := fmt.Sprintf("%s-sandbox-%d", d.backing, d.creates.Load())
	return &fakeHandle{id: id, backing: d.backing, state: backend.StateStarted}, nil
}

func (d *fakeDriver) Get(_ context.Context, id string) (backend.Handle, error) {
	d.gets = append(d.gets, id)
	state, ok := d.sandboxes[id]
	if !ok {
		return nil, &backend.NotFoundError{ID: id, Backend: d.backing}
	}
	return &fakeHandle{id: id, backing: d.backing, state: state}, nil
}

func (d *fakeDriver) Stop(_ context.Context, id string) error {
	if _, ok := d.sandboxes[id]; !ok {
		return &backend.NotFoundError{ID: id, Backend: d.backing}
	}
	d.sandboxes[id] = backend.StateStopped
	return nil
}

func (d *fakeDriver) Delete(_ context.Context, id string) (bool, error) {
	if _, ok := d.sandboxes[id]; !ok {
		return false, nil
	}
	delete(d.sandboxes, id)
	return true, nil
}

func (d *fakeDriver) List(context.Context) ([]backend.Info, error) {
	var infos []backend.Info
	for id, state := range d.sandboxes {
		infos = append(infos, backend.Info{ID: id, Backend: d.backing, State: state})
	}
	return infos, nil
}

type fixture struct {
	orch    *Orchestrator
	drivers map[string]*fakeDriver // key → driver
	factory atomic.Int32
}

func newFixture(t *testing.T, keys map[backend.Type][]string, order []backend.Type) *fixture {
	t.Helper()
	f := &fixture{drivers: make(map[string]*fakeDriver)}

	pool := credentials.NewPool(keys, order)
	rotator := credentials.NewRotator(pool)

	factory := func(bt backend.Type, key string) (backend.Driver, error) {
		f.factory.Add(1)
		d := &fakeDriver{backing: bt, key: key, sandboxes: make(map[string]backend.State)}
		f.drivers[string(bt)+"/"+key] = d
		return d, nil
	}
	f.orch = New(rotator, backend.Defaults{DaytonaSnapshot: "snap", E2BTemplate: "base"}, factory, nil)
	return f
}

func TestOrchestrator_CreateFirstKeySucceeds(t *testing.T) {
	f := newFixture(t, map[backend.Type][]string{
		backend.TypeE2B: {"ek-1"},
	}, []backend.Type{backend.TypeE2B})

	h, err := f.orch.Create(context.Background(), backend.CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if h.Backend() != backend.TypeE2B {
		t.Errorf("Backend() = %v", h.Backend())
	}
}

func TestOrchestrator_CreateRotatesPastFailures(t *testing.T) {
	f := newFixture(t, map[backend.Type][]string{
		backend.TypeDaytona: {"dk-1"},
		backend.TypeE2B:     {"ek-1", "ek-2"},
	}, []backend.Type{backend.TypeDaytona, backend.TypeE2B})

	// Pre-build the e2b/ek-1 driver as failing: construct it by creating once,
	// then mark it broken. Simpler: swap the factory behavior per key.
	f.orch.factory = func(bt backend.Type, key string) (backend.Driver, error) {
		d := &fakeDriver{backing: bt, key: key, sandboxes: make(map[string]backend.State)}
		if key == "ek-1" {
			d.createErr = errors.New("quota exceeded")
		}
		f.drivers[string(bt)+"/"+key] = d
		return d, nil
	}

	// Schedule for 1 daytona + 2 e2b keys is [e2b, daytona, e2b]; ek-1 fails,
	// so the create lands on daytona/dk-1 on the second attempt.
	h, err := f.orch.Create(context.Background(), backend.CreateOptions{})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if h.Backend() != backend.TypeDaytona {
		t.Errorf("Backend() = %v, want daytona", h.Backend())
	}
	if got := f.drivers["e2b/ek-1"].creates.Load(); got != 1 {
		t.Errorf("failing key attempts = %d, want 1", got)
	}
}

func TestOrchestrator_CreateExhausted(t *testing.T) {
	f := newFixture(t, map[backend.Type][]string{
		backend.TypeE2B: {"ek-1", "ek-2"},
	}, []backend.Type{backend.TypeE2B})

	wantErr := errors.New("everything is down")
	f.orch.factory = func(bt backend.Type, key string) (backend.Driver, error) {
		return &fakeDriver{backing: bt, key: key, createErr: wantErr, sandboxes: map[string]backend.State{}}, nil
	}

	_, err := f.orch.Create(context.Background(), backend.CreateOptions{})
	if !IsExhausted(err) {
		t.Fatalf("Create() error = %v, want exhausted", err)
	}
	var ee *AllCredentialsExhaustedError
	errors.As(err, &ee)
	if ee.Attempts != 2 {
		t.Errorf("Attempts = %d, want 2", ee.Attempts)
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("exhausted error does not carry last cause: %v", err)
	}
}

func TestOrchestrator_CreateDrainedBucketExhaustsCredential(t *testing.T) {
	f := newFixture(t, map[backend.Type][]string{
		backend.TypeDaytona: {"dtn_only_key_1234"},
	}, []backend.Type{backend.TypeDaytona})
	f.orch.WithLimiter(ratelimit.NewLimiter(config.RateLimitConfig{
		RequestsPerMinute: 1,
		BurstSize:         1,
	}))

	if _, err := f.orch.Create(context.Background(), backend.CreateOptions{}); err != nil {
		t.Fatalf("first Create() error = %v", err)
	}

	_, err := f.orch.Create(context.Background(), backend.CreateOptions{})
	if !IsExhausted(err) {
		t.Fatalf("second Create() error = %v, want exhausted", err)
	}
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Errorf("error %v should wrap ErrRateLimited", err)
	}
	for _, d := range f.drivers {
		if got := d.creates.Load(); got != 1 {
			t.Errorf("driver creates = %d, want 1", got)
		}
	}
}

func TestOrchestrator_GetDrainedBucketSkipsWireCall(t *testing.T) {
	f := newFixture(t, map[backend.Type][]string{
		backend.TypeDaytona: {"dtn_only_key_1234"},
	}, []backend.Type{backend.TypeDaytona})
	f.orch.WithLimiter(ratelimit.NewLimiter(config.RateLimitConfig{
		RequestsPerMinute: 1,
		BurstSize:         1,
	}))

	if _, err := f.orch.Get(context.Background(), "missing"); !backend.IsNotFound(err) {
		t.Fatalf("first Get() error = %v, want not found", err)
	}

	_, err := f.orch.Get(context.Background(), "missing")
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Fatalf("second Get() error = %v, want rate limited", err)
	}
	for _, d := range f.drivers {
		if got := len(d.gets); got != 1 {
			t.Errorf("driver gets = %d, want 1", got)
		}
	}
}

func TestOrchestrator_Ready(t *testing.T) {
	f := newFixture(t, map[backend.Type][]string{
		backend.TypeDaytona: {"dtn_only_key_1234"},
	}, []backend.Type{backend.TypeDaytona})
	if err := f.orch.Ready(context.Background()); err != nil {
		t.Errorf("Ready() with keys = %v", err)
	}

	empty := newFixture(t, map[backend.Type][]string{}, nil)
	if err := empty.orch.Ready(context.Background()); !errors.Is(err, credentials.ErrNoCredentials) {
		t.Errorf("Ready() without keys = %v, want ErrNoCredentials", err)
	}
}

func TestOrchestrator_DriverCachePerKeyPrefix(t *testing.T) {
	f := newFixture(t, map[backend.Type][]string{
		backend.TypeE2B: {"ek-aaaaaaaa-1"},
	}, []backend.Type{backend.TypeE2B})

	for i := 0; i < 3; i++ {
		if _, err := f.orch.Create(context.Background(), backend.CreateOptions{}); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}
	if got := f.factory.Load(); got != 1 {
		t.Errorf("factory calls = %d, want 1 (cached)", got)
	}
}

func TestOrchestrator_GetProbesShapeHintFirst(t *testing.T) {
	f := newFixture(t, map[backend.Type][]string{
		backend.TypeDaytona: {"dk-1"},
		backend.TypeE2B:     {"ek-1"},
	}, []backend.Type{backend.TypeDaytona, backend.TypeE2B})

	// UUID-shaped id lives on daytona.
	id := "9f2c1a7e-0000-1111-2222-333344445555"
	// Warm the caches so both drivers exist.
	if _, err := f.orch.Get(context.Background(), id); !backend.IsNotFound(err) {
		t.Fatalf("Get() on empty fleet = %v, want not-found", err)
	}
	f.drivers["daytona/dk-1"].sandboxes[id] = backend.StateStopped

	h, err := f.orch.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if h.Backend() != backend.TypeDaytona {
		t.Errorf("Backend() = %v", h.Backend())
	}
	// The daytona driver must have been probed before e2b ever was.
	if got := len(f.drivers["e2b/ek-1"].gets); got != 1 {
		t.Errorf("e2b probes = %d, want 1 (only the first, missing lookup)", got)
	}
}

func TestOrchestrator_DeleteProbesAllBackends(t *testing.T) {
	f := newFixture(t, map[backend.Type][]string{
		backend.TypeDaytona: {"dk-1"},
		backend.TypeE2B:     {"ek-1"},
	}, []backend.Type{backend.TypeDaytona, backend.TypeE2B})

	id := "iabc123def456ghi789j"
	// Warm caches.
	if _, err := f.orch.Delete(context.Background(), id); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	f.drivers["e2b/ek-1"].sandboxes[id] = backend.StateStarted

	existed, err := f.orch.Delete(context.Background(), id)
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if !existed {
		t.Error("Delete() existed = false, want true")
	}

	existed, err = f.orch.Delete(context.Background(), id)
	if err != nil || existed {
		t.Errorf("Delete() again = (%v, %v), want (false, nil)", existed, err)
	}
}

func TestIDShapeHint(t *testing.T) {
	cases := []struct {
		id   string
		want backend.Type
	}{
		{"9f2c1a7e-0000-1111-2222-333344445555", backend.TypeDaytona},
		{"iabc123def456ghi789j", backend.TypeE2B},
		{"short", ""},
	}
	for _, tc := range cases {
		if got := idShapeHint(tc.id); got != tc.want {
			t.Errorf("idShapeHint(%q) = %q, want %q", tc.id, got, tc.want)
		}
	}
}

func TestSession_ActivateAndReset(t *testing.T) {
	s := NewSession(false)
	if s.Active() != nil || s.SandboxID() != "" {
		t.Fatal("fresh session should be empty")
	}

	h := &fakeHandle{id: "sb1", backing: backend.TypeE2B}
	s.Activate(h)
	if s.Active() == nil || s.SandboxID() != "sb1" {
		t.Errorf("after Activate: handle=%v id=%q", s.Active(), s.SandboxID())
	}

	s.Reset()
	if s.Active() != nil {
		t.Error("Reset should drop the handle")
	}
	if s.SandboxID() != "sb1" {
		t.Error("Reset should keep the sandbox id for reuse")
	}
}
