// Package janitor reaps expired sandboxes on a cron schedule. Providers
// enforce their own kill deadlines, but stopped sandboxes linger and count
// against per-key quotas; the janitor deletes what the providers keep.
package janitor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/sanduku/internal/audit"
	"github.com/jkaninda/sanduku/internal/backend"
	"github.com/jkaninda/sanduku/internal/config"
)

// auditRetention is how long execution audit records are kept.
const auditRetention = 30 * 24 * time.Hour

// Fleet is the sandbox surface the janitor sweeps. The orchestrator
// satisfies it.
type Fleet interface {
	List(ctx context.Context) ([]backend.Info, error)
	Delete(ctx context.Context, id string) (bool, error)
}

// Config holds the reaping policy.
type Config struct {
	// MaxAge deletes any sandbox older than this regardless of state.
	// Zero = never delete by age.
	MaxAge time.Duration

	// StoppedAfter deletes stopped or archived sandboxes older than this.
	// Zero = never delete stopped sandboxes.
	StoppedAfter time.Duration

	// Schedule is a standard five-field cron expression.
	Schedule string
}

// Janitor periodically deletes expired sandboxes and prunes old audit rows.
type Janitor struct {
	fleet    Fleet
	audits   *audit.Store // Optional.
	cfg      Config
	schedule cron.Schedule
	logger   *slog.Logger

	now func() time.Time // Test seam.
}

// New creates a janitor from the reaping policy and validates its schedule.
func New(fleet Fleet, audits *audit.Store, jcfg *config.JanitorConfig, cfg Config, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Schedule == "" {
		cfg.Schedule = jcfg.CronSchedule()
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid janitor schedule %q: %w", cfg.Schedule, err)
	}

	return &Janitor{
		fleet:    fleet,
		audits:   audits,
		cfg:      cfg,
		schedule: schedule,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Start begins the sweep loop. Returns a cancel function.
func (j *Janitor) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		j.logger.InfoContext(ctx, "janitor started",
			slog.String("schedule", j.cfg.Schedule),
			slog.Duration("max_age", j.cfg.MaxAge),
			slog.Duration("stopped_after", j.cfg.StoppedAfter),
		)

		for {
			next := j.schedule.Next(j.now())
			timer := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				timer.Stop()
				j.logger.Info("janitor stopped")
				return
			case <-timer.C:
				j.Sweep(ctx)
			}
		}
	}()

	return cancel
}

// Sweep runs one reaping pass: list every reachable sandbox, delete the
// expired ones, then prune old audit records. Exported so operators can
// trigger it on demand.
func (j *Janitor) Sweep(ctx context.Context) {
	start := j.now()

	infos, err := j.fleet.List(ctx)
	if err != nil {
		j.logger.ErrorContext(ctx, "janitor sweep failed to list sandboxes",
			slog.String("error", err.Error()),
		)
		return
	}

	var deleted, failed int
	for _, info := range infos {
		if !j.expired(info, start) {
			continue
		}
		existed, err := j.fleet.Delete(ctx, info.ID)
		if err != nil {
			failed++
			j.logger.WarnContext(ctx, "janitor delete failed",
				slog.String("sandbox_id", info.ID),
				slog.String("backend", string(info.Backend)),
				slog.String("error", err.Error()),
			)
			continue
		}
		if existed {
			deleted++
			j.logger.InfoContext(ctx, "expired sandbox deleted",
				slog.String("sandbox_id", info.ID),
				slog.String("backend", string(info.Backend)),
				slog.String("state", string(info.State)),
				slog.Duration("age", start.Sub(info.CreatedAt)),
			)
		}
	}

	if j.audits != nil {
		pruned, err := j.audits.PruneBefore(ctx, start.Add(-auditRetention))
		if err != nil {
			j.logger.WarnContext(ctx, "audit prune failed", slog.String("error", err.Error()))
		} else if pruned > 0 {
			j.logger.InfoContext(ctx, "audit records pruned", slog.Int64("count", pruned))
		}
	}

	j.logger.InfoContext(ctx, "janitor sweep complete",
		slog.Int("scanned", len(infos)),
		slog.Int("deleted", deleted),
		slog.Int("failed", failed),
		slog.Duration("took", j.now().Sub(start)),
	)
}

// expired applies the reaping policy to one sandbox.
func (j *Janitor) expired(info backend.Info, now time.Time) bool {
	if info.CreatedAt.IsZero() {
		return false
	}
	age := now.Sub(info.CreatedAt)

	if j.cfg.MaxAge > 0 && age > j.cfg.MaxAge {
		return true
	}
	if j.cfg.StoppedAfter > 0 && age > j.cfg.StoppedAfter {
		switch info.State {
		case backend.StateStopped, backend.StateArchived:
			return true
		}
	}
	return false
}
