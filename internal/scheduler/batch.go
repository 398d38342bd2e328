// Package scheduler runs tool invocation batches in two partitions: a small
// fixed set of resource-heavy tools executes strictly one at a time, the
// rest fan out concurrently. Outcomes always come back in request order.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/sanduku/internal/config"
	"github.com/jkaninda/sanduku/internal/tools"
)

// defaultSerialTools are serialized because running them concurrently has
// historically OOM-killed resource-constrained sandboxes.
var defaultSerialTools = []string{"bash", "install_dependencies"}

// Status classifies an outcome.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Invocation is one requested tool call within a batch.
type Invocation struct {
	ID         string         `json:"id"` // Caller-assigned, echoed in the outcome.
	Tool       string         `json:"tool"`
	Params     map[string]any `json:"params"`
	Credential string         `json:"credential,omitempty"` // Opaque passthrough for downstream consumers.
}

// Outcome is the result of one invocation, in the original batch position.
type Outcome struct {
	ID         string        `json:"id"`
	Tool       string        `json:"tool"`
	Status     Status        `json:"status"`
	Result     *tools.Result `json:"result,omitempty"`
	Error      string        `json:"error,omitempty"`
	Credential string        `json:"credential,omitempty"`
	Duration   time.Duration `json:"duration_ms"`
}

// BatchResult pairs ordered outcomes with the merged side-effect map.
type BatchResult struct {
	Outcomes []Outcome

	// SideEffects accumulates per-invocation updates (a document cache,
	// typically) last-writer-wins per key, left to right over the
	// reassembled order.
	SideEffects map[string]any
}

// Scheduler partitions and runs tool batches.
type Scheduler struct {
	registry    *tools.Registry
	serial      map[string]bool
	placeholder bool
	logger      *slog.Logger
}

// New creates a scheduler. SerialTools from configuration override the
// built-in set.
func New(registry *tools.Registry, cfg config.SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	names := cfg.SerialTools
	if len(names) == 0 {
		names = defaultSerialTools
	}
	serial := make(map[string]bool, len(names))
	for _, n := range names {
		serial[n] = true
	}
	return &Scheduler{
		registry:    registry,
		serial:      serial,
		placeholder: cfg.PlaceholderCredential,
		logger:      logger,
	}
}

// RunBatch executes a batch and returns outcomes in request order. A single
// invocation's failure is converted into a status:error outcome and never
// aborts its siblings.
func (s *Scheduler) RunBatch(ctx context.Context, runID string, invocations []Invocation) *BatchResult {
	ctx = tools.ContextWithRunID(ctx, runID)
	outcomes := make([]Outcome, len(invocations))

	var serialIdx, parallelIdx []int
	for i, inv := range invocations {
		if s.serial[inv.Tool] {
			serialIdx = append(serialIdx, i)
		} else {
			parallelIdx = append(parallelIdx, i)
		}
	}

	s.applyPlaceholder(invocations, parallelIdx)

	s.logger.Info("running tool batch",
		slog.String("run_id", runID),
		slog.Int("total", len(invocations)),
		slog.Int("serial", len(serialIdx)),
		slog.Int("parallel", len(parallelIdx)),
	)

	// Serial partition: strictly one at a time, each awaited fully.
	for _, i := range serialIdx {
		outcomes[i] = s.runOne(ctx, invocations[i])
	}

	// Parallel partition: fan out bounded only by invocation count, fan in
	// by writing each result into its original slot.
	var wg sync.WaitGroup
	for _, i := range parallelIdx {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = s.runOne(ctx, invocations[i])
		}(i)
	}
	wg.Wait()

	return &BatchResult{
		Outcomes:    outcomes,
		SideEffects: mergeSideEffects(outcomes),
	}
}

// runOne executes a single invocation, converting every failure mode
// (unknown tool, schema mismatch, tool error, panic) into an error outcome.
func (s *Scheduler) runOne(ctx context.Context, inv Invocation) (out Outcome) {
	out = Outcome{ID: inv.ID, Tool: inv.Tool, Credential: inv.Credential}
	start := time.Now()
	defer func() {
		out.Duration = time.Since(start)
		if r := recover(); r != nil {
			s.logger.Error("tool panicked",
				slog.String("tool", inv.Tool),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			out.Status = StatusError
			out.Result = nil
			out.Error = fmt.Sprintf("tool %s panicked: %v", inv.Tool, r)
		}
	}()

	tool := s.registry.Get(inv.Tool)
	if tool == nil {
		out.Status = StatusError
		out.Error = fmt.Sprintf("unknown tool %q", inv.Tool)
		return out
	}

	if err := tool.Validate(inv.Params); err != nil {
		out.Status = StatusError
		out.Error = fmt.Sprintf("invalid parameters for %s: %v", inv.Tool, err)
		return out
	}

	result, err := tool.Execute(ctx, inv.Params)
	if err != nil {
		out.Status = StatusError
		out.Error = err.Error()
		return out
	}

	out.Status = StatusOK
	out.Result = result
	return out
}

// applyPlaceholder attaches a synthetic credential to the first parallel
// invocation when a batch groups several and none carries a real one. Kept
// behind configuration for one downstream consumer's validation quirk; off
// by default.
func (s *Scheduler) applyPlaceholder(invocations []Invocation, parallelIdx []int) {
	if !s.placeholder || len(parallelIdx) < 2 {
		return
	}
	for _, i := range parallelIdx {
		if invocations[i].Credential != "" {
			return
		}
	}
	invocations[parallelIdx[0]].Credential = "placeholder-" + uuid.NewString()[:8]
}

// mergeSideEffects folds Metadata["side_effects"] maps over the ordered
// outcomes, last writer wins per key.
func mergeSideEffects(outcomes []Outcome) map[string]any {
	merged := make(map[string]any)
	for _, out := range outcomes {
		if out.Result == nil {
			continue
		}
		updates, ok := out.Result.Metadata["side_effects"].(map[string]any)
		if !ok {
			continue
		}
		for k, v := range updates {
			merged[k] = v
		}
	}
	return merged
}
