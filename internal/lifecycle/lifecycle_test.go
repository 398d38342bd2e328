package lifecycle

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/backend"
	"github.com/jkaninda/sanduku/internal/cancel"
)

// fakeHandle records executed commands; git operations go through Execute.
type fakeHandle struct {
	id        string
	state     backend.State
	startErr  error
	started   bool
	commands  []string
	failMatch string // Commands containing this substring exit 1.
	existing  map[string]bool
}

func (h *fakeHandle) ID() string            { return h.id }
func (h *fakeHandle) Backend() backend.Type { return backend.TypeE2B }
func (h *fakeHandle) State() backend.State  { return h.state }

func (h *fakeHandle) Execute(_ context.Context, opts backend.ExecuteOptions) (*backend.ExecuteResult, error) {
	h.commands = append(h.commands, opts.Command)
	if h.failMatch != "" && strings.Contains(opts.Command, h.failMatch) {
		return &backend.ExecuteResult{ExitCode: 1, Stderr: "fatal: could not read from remote"}, nil
	}
	return &backend.ExecuteResult{ExitCode: 0}, nil
}

func (h *fakeHandle) ReadFile(context.Context, string) (string, error) { return "", nil }
func (h *fakeHandle) WriteFile(context.Context, string, string) error  { return nil }
func (h *fakeHandle) Exists(_ context.Context, path string) (bool, error) {
	return h.existing[path], nil
}
func (h *fakeHandle) Mkdir(context.Context, string) error  { return nil }
func (h *fakeHandle) Remove(context.Context, string) error { return nil }

func (h *fakeHandle) Start(context.Context) error {
	if h.startErr != nil {
		return h.startErr
	}
	h.started = true
	h.state = backend.StateStarted
	return nil
}

func (h *fakeHandle) Stop(context.Context) error                         { return nil }
func (h *fakeHandle) ExtendTimeout(context.Context, time.Duration) error { return nil }
func (h *fakeHandle) Git() *backend.GitRunner                            { return backend.NewGitRunner(h) }

type fakeProvider struct {
	existing  *fakeHandle // Returned by Get when id matches.
	created   []*fakeHandle
	createErr error
}

func (p *fakeProvider) Get(_ context.Context, id string) (backend.Handle, error) {
	if p.existing != nil && p.existing.id == id {
		return p.existing, nil
	}
	return nil, &backend.NotFoundError{ID: id}
}

func (p *fakeProvider) Create(context.Context, backend.CreateOptions) (backend.Handle, error) {
	if p.createErr != nil {
		return nil, p.createErr
	}
	h := &fakeHandle{id: "fresh-sandbox", state: backend.StateStarted}
	p.created = append(p.created, h)
	return h, nil
}

var testRepo = Repo{
	URL:        "https://github.com/jkaninda/sanduku.git",
	BaseBranch: "main",
	Branch:     "feature/turn-1",
}

func TestGetOrRecreate_ReuseStarted(t *testing.T) {
	h := &fakeHandle{id: "sb1", state: backend.StateStarted}
	p := &fakeProvider{existing: h}
	c := New(p, nil, Config{}, nil)

	acq, err := c.GetOrRecreate(context.Background(), "sb1", testRepo, "")
	if err != nil {
		t.Fatalf("GetOrRecreate() error = %v", err)
	}
	if !acq.Reused {
		t.Error("Reused = false, want true")
	}
	if acq.DependenciesInstalled != nil {
		t.Error("DependenciesInstalled should be nil on reuse")
	}
	if len(h.commands) != 0 {
		t.Errorf("reuse should not re-clone, ran: %v", h.commands)
	}
	if len(p.created) != 0 {
		t.Error("reuse should not create")
	}
}

func TestGetOrRecreate_RestartsStopped(t *testing.T) {
	h := &fakeHandle{id: "sb1", state: backend.StateStopped}
	p := &fakeProvider{existing: h}
	c := New(p, nil, Config{}, nil)

	// Twice in a row: both acquisitions yield a Started handle, no re-clone.
	for i := 0; i < 2; i++ {
		acq, err := c.GetOrRecreate(context.Background(), "sb1", testRepo, "")
		if err != nil {
			t.Fatalf("GetOrRecreate() #%d error = %v", i+1, err)
		}
		if acq.Handle.State() != backend.StateStarted {
			t.Errorf("#%d State() = %v, want started", i+1, acq.Handle.State())
		}
	}
	if !h.started {
		t.Error("stopped sandbox should have been started")
	}
	if len(h.commands) != 0 {
		t.Errorf("restart should not clone, ran: %v", h.commands)
	}
}

func TestGetOrRecreate_UnrecoverableStateRecreates(t *testing.T) {
	h := &fakeHandle{id: "sb1", state: backend.StateUnknown}
	p := &fakeProvider{existing: h}
	c := New(p, nil, Config{}, nil)

	acq, err := c.GetOrRecreate(context.Background(), "sb1", testRepo, "")
	if err != nil {
		t.Fatalf("GetOrRecreate() error = %v", err)
	}
	if acq.Reused {
		t.Error("Reused = true, want recreation")
	}
	if acq.DependenciesInstalled == nil || *acq.DependenciesInstalled {
		t.Error("fresh sandbox must report dependencies not installed")
	}
	if len(p.created) != 1 {
		t.Fatalf("creates = %d, want 1", len(p.created))
	}
	fresh := p.created[0]
	if len(fresh.commands) == 0 || !strings.Contains(fresh.commands[0], "git clone") {
		t.Errorf("fresh sandbox should be cloned into, ran: %v", fresh.commands)
	}
}

func TestGetOrRecreate_LookupMissRecreates(t *testing.T) {
	p := &fakeProvider{}
	c := New(p, nil, Config{}, nil)

	acq, err := c.GetOrRecreate(context.Background(), "gone", testRepo, "")
	if err != nil {
		t.Fatalf("GetOrRecreate() error = %v", err)
	}
	if acq.Handle.ID() != "fresh-sandbox" {
		t.Errorf("Handle.ID() = %s", acq.Handle.ID())
	}
}

func TestGetOrRecreate_NoSessionIDCreates(t *testing.T) {
	p := &fakeProvider{}
	c := New(p, nil, Config{}, nil)

	if _, err := c.GetOrRecreate(context.Background(), "", testRepo, ""); err != nil {
		t.Fatalf("GetOrRecreate() error = %v", err)
	}
	if len(p.created) != 1 {
		t.Errorf("creates = %d, want 1", len(p.created))
	}
}

func TestGetOrRecreate_CloneFailureIsFatal(t *testing.T) {
	// Every created handle fails clones.
	c := New(providerFunc(func(context.Context) (backend.Handle, error) {
		return &fakeHandle{id: "fresh", state: backend.StateStarted, failMatch: "git clone"}, nil
	}), nil, Config{}, nil)

	_, err := c.GetOrRecreate(context.Background(), "", testRepo, "")
	if !IsRepositorySetup(err) {
		t.Fatalf("GetOrRecreate() error = %v, want RepositorySetupError", err)
	}
}

// providerFunc adapts a create function to Provider for failure-path tests.
type providerFunc func(ctx context.Context) (backend.Handle, error)

func (f providerFunc) Create(ctx context.Context, _ backend.CreateOptions) (backend.Handle, error) {
	return f(ctx)
}

func (f providerFunc) Get(_ context.Context, id string) (backend.Handle, error) {
	return nil, &backend.NotFoundError{ID: id}
}

func TestGetOrRecreate_CreateRetriesBounded(t *testing.T) {
	calls := 0
	c := New(providerFunc(func(context.Context) (backend.Handle, error) {
		calls++
		return nil, errors.New("provider down")
	}), nil, Config{CreateAttempts: 3}, nil)

	_, err := c.GetOrRecreate(context.Background(), "", testRepo, "")
	if err == nil {
		t.Fatal("GetOrRecreate() should fail")
	}
	if calls != 3 {
		t.Errorf("create attempts = %d, want 3", calls)
	}
}

func TestGetOrRecreate_CancelledRunAborts(t *testing.T) {
	reg := cancel.NewRegistry()
	reg.Cancel("run-9")

	calls := 0
	c := New(providerFunc(func(context.Context) (backend.Handle, error) {
		calls++
		return &fakeHandle{id: "x", state: backend.StateStarted}, nil
	}), reg, Config{}, nil)

	_, err := c.GetOrRecreate(context.Background(), "", testRepo, "run-9")
	if !errors.Is(err, cancel.ErrCancelled) {
		t.Fatalf("GetOrRecreate() error = %v, want ErrCancelled", err)
	}
	if calls != 0 {
		t.Errorf("cancelled run should never create, calls = %d", calls)
	}
}

func TestEnsureAuxRepo_Idempotent(t *testing.T) {
	aux := &Repo{URL: "https://github.com/jkaninda/reference-docs.git", BaseBranch: "main"}

	t.Run("absent clones", func(t *testing.T) {
		h := &fakeHandle{id: "sb1", state: backend.StateStarted, existing: map[string]bool{}}
		p := &fakeProvider{existing: h}
		c := New(p, nil, Config{AuxRepo: aux}, nil)

		if _, err := c.GetOrRecreate(context.Background(), "sb1", testRepo, ""); err != nil {
			t.Fatalf("GetOrRecreate() error = %v", err)
		}
		if len(h.commands) != 1 || !strings.Contains(h.commands[0], "reference-docs") {
			t.Errorf("aux repo not cloned, ran: %v", h.commands)
		}
	})

	t.Run("present skips", func(t *testing.T) {
		h := &fakeHandle{
			id: "sb1", state: backend.StateStarted,
			existing: map[string]bool{"/home/user/reference-docs/.git": true},
		}
		p := &fakeProvider{existing: h}
		c := New(p, nil, Config{AuxRepo: aux}, nil)

		if _, err := c.GetOrRecreate(context.Background(), "sb1", testRepo, ""); err != nil {
			t.Fatalf("GetOrRecreate() error = %v", err)
		}
		if len(h.commands) != 0 {
			t.Errorf("existing aux repo should not be re-cloned, ran: %v", h.commands)
		}
	})
}

func TestRepo_CheckoutDir(t *testing.T) {
	cases := []struct {
		repo Repo
		want string
	}{
		{Repo{URL: "https://github.com/jkaninda/sanduku.git"}, "/home/user/sanduku"},
		{Repo{URL: "git@github.com:a/b.git", Dir: "/work/b"}, "/work/b"},
		{Repo{URL: ""}, "/home/user/repo"},
	}
	for _, tc := range cases {
		if got := tc.repo.CheckoutDir(); got != tc.want {
			t.Errorf("CheckoutDir(%q) = %q, want %q", tc.repo.URL, got, tc.want)
		}
	}
}
