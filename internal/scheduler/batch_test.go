package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/tools"
)

// fakeTool is a scriptable tool that records execution ordering.
type fakeTool struct {
	name        string
	validateErr error
	execErr     error
	panicMsg    string
	sideEffects map[string]any
	delay       time.Duration

	mu      sync.Mutex
	running int32
	maxSeen int32
	calls   []string // run IDs observed
}

func (f *fakeTool) Name() string                { return f.name }
func (f *fakeTool) Description() string         { return "fake" }
func (f *fakeTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }

func (f *fakeTool) Validate(params map[string]any) error { return f.validateErr }

func (f *fakeTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	cur := atomic.AddInt32(&f.running, 1)
	defer atomic.AddInt32(&f.running, -1)
	for {
		prev := atomic.LoadInt32(&f.maxSeen)
		if cur <= prev || atomic.CompareAndSwapInt32(&f.maxSeen, prev, cur) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.calls = append(f.calls, tools.RunIDFromContext(ctx))
	f.mu.Unlock()

	if f.panicMsg != "" {
		panic(f.panicMsg)
	}
	if f.execErr != nil {
		return nil, f.execErr
	}
	out := "done:" + f.name
	if v, ok := params["echo"].(string); ok {
		out = v
	}
	res := &tools.Result{Output: out, Success: true}
	if f.sideEffects != nil {
		res.Metadata = map[string]any{"side_effects": f.sideEffects}
	}
	return res, nil
}

func newScheduler(t *testing.T, cfg config.SchedulerConfig, fakes ...*fakeTool) (*Scheduler, *tools.Registry) {
	t.Helper()
	reg := tools.NewRegistry()
	for _, f := range fakes {
		reg.Register(f)
	}
	return New(reg, cfg, nil), reg
}

func TestRunBatch_PreservesOrder(t *testing.T) {
	bash := &fakeTool{name: "bash"}
	read := &fakeTool{name: "read_file"}
	s, _ := newScheduler(t, config.SchedulerConfig{}, bash, read)

	batch := []Invocation{
		{ID: "a", Tool: "read_file", Params: map[string]any{"echo": "first"}},
		{ID: "b", Tool: "bash", Params: map[string]any{"echo": "second"}},
		{ID: "c", Tool: "read_file", Params: map[string]any{"echo": "third"}},
	}
	res := s.RunBatch(context.Background(), "run-1", batch)

	if len(res.Outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(res.Outcomes))
	}
	for i, want := range []string{"a", "b", "c"} {
		if res.Outcomes[i].ID != want {
			t.Errorf("outcome %d: ID = %q, want %q", i, res.Outcomes[i].ID, want)
		}
	}
	if res.Outcomes[1].Result.Output != "second" {
		t.Errorf("serial outcome out of place: %q", res.Outcomes[1].Result.Output)
	}
}

func TestRunBatch_SerialToolsNeverOverlap(t *testing.T) {
	bash := &fakeTool{name: "bash", delay: 20 * time.Millisecond}
	s, _ := newScheduler(t, config.SchedulerConfig{}, bash)

	var batch []Invocation
	for i := 0; i < 4; i++ {
		batch = append(batch, Invocation{ID: string(rune('a' + i)), Tool: "bash", Params: map[string]any{}})
	}
	s.RunBatch(context.Background(), "run-1", batch)

	if got := atomic.LoadInt32(&bash.maxSeen); got != 1 {
		t.Errorf("serial tool max concurrency = %d, want 1", got)
	}
}

func TestRunBatch_ParallelToolsOverlap(t *testing.T) {
	read := &fakeTool{name: "read_file", delay: 30 * time.Millisecond}
	s, _ := newScheduler(t, config.SchedulerConfig{}, read)

	var batch []Invocation
	for i := 0; i < 4; i++ {
		batch = append(batch, Invocation{ID: string(rune('a' + i)), Tool: "read_file", Params: map[string]any{}})
	}
	s.RunBatch(context.Background(), "run-1", batch)

	if got := atomic.LoadInt32(&read.maxSeen); got < 2 {
		t.Errorf("parallel tool max concurrency = %d, want at least 2", got)
	}
}

func TestRunBatch_SerialSetConfigurable(t *testing.T) {
	read := &fakeTool{name: "read_file", delay: 20 * time.Millisecond}
	cfg := config.SchedulerConfig{SerialTools: []string{"read_file"}}
	s, _ := newScheduler(t, cfg, read)

	var batch []Invocation
	for i := 0; i < 3; i++ {
		batch = append(batch, Invocation{ID: string(rune('a' + i)), Tool: "read_file", Params: map[string]any{}})
	}
	s.RunBatch(context.Background(), "run-1", batch)

	if got := atomic.LoadInt32(&read.maxSeen); got != 1 {
		t.Errorf("configured serial tool max concurrency = %d, want 1", got)
	}
}

func TestRunBatch_FailuresAreIsolated(t *testing.T) {
	good := &fakeTool{name: "read_file"}
	bad := &fakeTool{name: "write_file", execErr: errors.New("disk full")}
	invalid := &fakeTool{name: "search", validateErr: errors.New("bad pattern")}
	boom := &fakeTool{name: "list_dir", panicMsg: "nil map write"}
	s, _ := newScheduler(t, config.SchedulerConfig{}, good, bad, invalid, boom)

	batch := []Invocation{
		{ID: "1", Tool: "read_file", Params: map[string]any{}},
		{ID: "2", Tool: "write_file", Params: map[string]any{}},
		{ID: "3", Tool: "search", Params: map[string]any{}},
		{ID: "4", Tool: "list_dir", Params: map[string]any{}},
		{ID: "5", Tool: "no_such_tool", Params: map[string]any{}},
	}
	res := s.RunBatch(context.Background(), "run-1", batch)

	if res.Outcomes[0].Status != StatusOK {
		t.Errorf("healthy tool: status = %s, want ok", res.Outcomes[0].Status)
	}
	checks := []struct {
		idx  int
		want string
	}{
		{1, "disk full"},
		{2, "bad pattern"},
		{3, "panicked"},
		{4, "unknown tool"},
	}
	for _, c := range checks {
		out := res.Outcomes[c.idx]
		if out.Status != StatusError {
			t.Errorf("outcome %s: status = %s, want error", out.ID, out.Status)
		}
		if !strings.Contains(out.Error, c.want) {
			t.Errorf("outcome %s: error %q does not mention %q", out.ID, out.Error, c.want)
		}
	}
}

func TestRunBatch_SideEffectsMergeLastWriterWins(t *testing.T) {
	first := &fakeTool{name: "read_file", sideEffects: map[string]any{"doc": "v1", "count": 1}}
	second := &fakeTool{name: "write_file", sideEffects: map[string]any{"doc": "v2"}}
	s, _ := newScheduler(t, config.SchedulerConfig{}, first, second)

	batch := []Invocation{
		{ID: "a", Tool: "read_file", Params: map[string]any{}},
		{ID: "b", Tool: "write_file", Params: map[string]any{}},
	}
	res := s.RunBatch(context.Background(), "run-1", batch)

	if got := res.SideEffects["doc"]; got != "v2" {
		t.Errorf("side effect doc = %v, want v2 (later outcome wins)", got)
	}
	if got := res.SideEffects["count"]; got != 1 {
		t.Errorf("side effect count = %v, want 1", got)
	}
}

func TestRunBatch_PlaceholderCredential(t *testing.T) {
	read := &fakeTool{name: "read_file"}

	t.Run("disabled by default", func(t *testing.T) {
		s, _ := newScheduler(t, config.SchedulerConfig{}, read)
		batch := []Invocation{
			{ID: "a", Tool: "read_file", Params: map[string]any{}},
			{ID: "b", Tool: "read_file", Params: map[string]any{}},
		}
		res := s.RunBatch(context.Background(), "run-1", batch)
		for _, out := range res.Outcomes {
			if out.Credential != "" {
				t.Errorf("outcome %s: unexpected credential %q", out.ID, out.Credential)
			}
		}
	})

	t.Run("enabled attaches to first parallel only", func(t *testing.T) {
		cfg := config.SchedulerConfig{PlaceholderCredential: true}
		s, _ := newScheduler(t, cfg, read)
		batch := []Invocation{
			{ID: "a", Tool: "read_file", Params: map[string]any{}},
			{ID: "b", Tool: "read_file", Params: map[string]any{}},
		}
		res := s.RunBatch(context.Background(), "run-1", batch)
		if !strings.HasPrefix(res.Outcomes[0].Credential, "placeholder-") {
			t.Errorf("first parallel outcome credential = %q, want placeholder", res.Outcomes[0].Credential)
		}
		if res.Outcomes[1].Credential != "" {
			t.Errorf("second outcome credential = %q, want empty", res.Outcomes[1].Credential)
		}
	})

	t.Run("real credential suppresses placeholder", func(t *testing.T) {
		cfg := config.SchedulerConfig{PlaceholderCredential: true}
		s, _ := newScheduler(t, cfg, read)
		batch := []Invocation{
			{ID: "a", Tool: "read_file", Params: map[string]any{}},
			{ID: "b", Tool: "read_file", Params: map[string]any{}, Credential: "real-key"},
		}
		res := s.RunBatch(context.Background(), "run-1", batch)
		if res.Outcomes[0].Credential != "" {
			t.Errorf("placeholder attached despite real credential in batch: %q", res.Outcomes[0].Credential)
		}
		if res.Outcomes[1].Credential != "real-key" {
			t.Errorf("real credential lost: %q", res.Outcomes[1].Credential)
		}
	})
}

func TestRunBatch_RunIDReachesTools(t *testing.T) {
	read := &fakeTool{name: "read_file"}
	s, _ := newScheduler(t, config.SchedulerConfig{}, read)

	s.RunBatch(context.Background(), "run-42", []Invocation{
		{ID: "a", Tool: "read_file", Params: map[string]any{}},
	})

	read.mu.Lock()
	defer read.mu.Unlock()
	if len(read.calls) != 1 || read.calls[0] != "run-42" {
		t.Errorf("run IDs observed = %v, want [run-42]", read.calls)
	}
}

func TestRunBatch_Empty(t *testing.T) {
	s, _ := newScheduler(t, config.SchedulerConfig{})
	res := s.RunBatch(context.Background(), "run-1", nil)
	if len(res.Outcomes) != 0 {
		t.Errorf("expected no outcomes, got %d", len(res.Outcomes))
	}
	if len(res.SideEffects) != 0 {
		t.Errorf("expected no side effects, got %v", res.SideEffects)
	}
}
