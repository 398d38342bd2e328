// Package orchestrator composes the configured backend drivers and the
// credential rotator behind one driver-shaped facade. Creation walks the
// rotation schedule until a key succeeds; lookup and deletion probe every
// backend because a sandbox id alone does not reveal its origin.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/jkaninda/sanduku/internal/backend"
	"github.com/jkaninda/sanduku/internal/credentials"
	"github.com/jkaninda/sanduku/internal/ratelimit"
)

// DriverFactory builds a driver bound to one credential. The orchestrator
// caches the result per (backend, key prefix).
type DriverFactory func(t backend.Type, apiKey string) (backend.Driver, error)

type driverKey struct {
	backend backend.Type
	prefix  string
}

// Orchestrator is the multi-backend facade.
type Orchestrator struct {
	rotator  *credentials.Rotator
	defaults backend.Defaults
	factory  DriverFactory
	limiter  *ratelimit.Limiter
	logger   *slog.Logger

	mu      sync.RWMutex
	drivers map[driverKey]backend.Driver
}

// New creates an orchestrator over the given rotator and driver factory.
func New(rotator *credentials.Rotator, defaults backend.Defaults, factory DriverFactory, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Orchestrator{
		rotator:  rotator,
		defaults: defaults,
		factory:  factory,
		logger:   logger,
		drivers:  make(map[driverKey]backend.Driver),
	}
}

// WithLimiter installs a per-credential rate limiter, consulted before every
// provider API dispatch. Keys are bucketed by prefix so one hot credential
// cannot burn through its quota while the rest of the pool idles.
func (o *Orchestrator) WithLimiter(l *ratelimit.Limiter) *Orchestrator {
	o.limiter = l
	return o
}

// allow consumes a token from the credential's bucket. A nil limiter means
// unlimited.
func (o *Orchestrator) allow(entry credentials.KeyEntry) error {
	if o.limiter == nil {
		return nil
	}
	if err := o.limiter.Allow(entry.Prefix()); err != nil {
		return fmt.Errorf("%s key %s: %w", entry.Backend, entry.Prefix(), err)
	}
	return nil
}

// Create tries keys in rotation order until one backend accepts, bounded by
// the total key count so every credential gets exactly one chance.
func (o *Orchestrator) Create(ctx context.Context, opts backend.CreateOptions) (backend.Handle, error) {
	attempts := o.rotator.Total()
	if attempts == 0 {
		return nil, credentials.ErrNoCredentials
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		entry, err := o.rotator.Next()
		if err != nil {
			return nil, err
		}

		drv, err := o.driver(entry)
		if err != nil {
			o.logger.Warn("driver construction failed",
				slog.String("backend", string(entry.Backend)),
				slog.String("key_prefix", entry.Prefix()),
				slog.String("error", err.Error()),
			)
			lastErr = err
			continue
		}

		if err := o.allow(entry); err != nil {
			o.logger.Warn("credential rate limited, rotating to next",
				slog.String("backend", string(entry.Backend)),
				slog.String("key_prefix", entry.Prefix()),
			)
			lastErr = err
			continue
		}

		resolved := backend.Resolve(entry.Backend, opts, o.defaults)
		h, err := drv.Create(ctx, resolved)
		if err != nil {
			o.logger.Warn("sandbox create failed, rotating to next credential",
				slog.String("backend", string(entry.Backend)),
				slog.String("key_prefix", entry.Prefix()),
				slog.Int("attempt", i+1),
				slog.Int("attempts", attempts),
				slog.String("error", err.Error()),
			)
			lastErr = err
			continue
		}

		o.logger.Info("sandbox created",
			slog.String("sandbox_id", h.ID()),
			slog.String("backend", string(entry.Backend)),
			slog.String("key_prefix", entry.Prefix()),
			slog.Int("attempt", i+1),
		)
		return h, nil
	}

	return nil, &AllCredentialsExhaustedError{Attempts: attempts, Err: lastErr}
}

// Get probes the configured backends for id, most likely origin first.
func (o *Orchestrator) Get(ctx context.Context, id string) (backend.Handle, error) {
	var lastErr error
	for _, entry := range o.probeEntries(id) {
		drv, err := o.driver(entry)
		if err != nil {
			lastErr = err
			continue
		}
		if err := o.allow(entry); err != nil {
			lastErr = err
			continue
		}
		h, err := drv.Get(ctx, id)
		if err != nil {
			if backend.IsNotFound(err) {
				continue
			}
			lastErr = err
			continue
		}
		return h, nil
	}
	if lastErr != nil {
		return nil, fmt.Errorf("looking up sandbox %s: %w", id, lastErr)
	}
	return nil, &backend.NotFoundError{ID: id}
}

// Stop probes for id and stops it wherever it lives.
func (o *Orchestrator) Stop(ctx context.Context, id string) error {
	var lastErr error
	for _, entry := range o.probeEntries(id) {
		drv, err := o.driver(entry)
		if err != nil {
			lastErr = err
			continue
		}
		if err := o.allow(entry); err != nil {
			lastErr = err
			continue
		}
		err = drv.Stop(ctx, id)
		if err == nil {
			return nil
		}
		if backend.IsNotFound(err) {
			continue
		}
		lastErr = err
	}
	if lastErr != nil {
		return fmt.Errorf("stopping sandbox %s: %w", id, lastErr)
	}
	return &backend.NotFoundError{ID: id}
}

// Delete probes all backends and reports whether the sandbox existed
// anywhere. Probing continues past a hit so a duplicated id cannot survive
// on another backend.
func (o *Orchestrator) Delete(ctx context.Context, id string) (bool, error) {
	existed := false
	var lastErr error
	for _, entry := range o.probeEntries(id) {
		drv, err := o.driver(entry)
		if err != nil {
			lastErr = err
			continue
		}
		if err := o.allow(entry); err != nil {
			lastErr = err
			continue
		}
		found, err := drv.Delete(ctx, id)
		if err != nil {
			lastErr = err
			continue
		}
		existed = existed || found
	}
	if !existed && lastErr != nil {
		return false, fmt.Errorf("deleting sandbox %s: %w", id, lastErr)
	}
	return existed, nil
}

// List unions sandbox listings across every backend and credential,
// deduplicated by id.
func (o *Orchestrator) List(ctx context.Context) ([]backend.Info, error) {
	seen := make(map[string]bool)
	var out []backend.Info
	var lastErr error

	for _, entry := range o.allEntries() {
		drv, err := o.driver(entry)
		if err != nil {
			lastErr = err
			continue
		}
		if err := o.allow(entry); err != nil {
			lastErr = err
			continue
		}
		infos, err := drv.List(ctx)
		if err != nil {
			o.logger.Warn("listing failed",
				slog.String("backend", string(entry.Backend)),
				slog.String("key_prefix", entry.Prefix()),
				slog.String("error", err.Error()),
			)
			lastErr = err
			continue
		}
		for _, info := range infos {
			if seen[info.ID] {
				continue
			}
			seen[info.ID] = true
			out = append(out, info)
		}
	}

	if out == nil && lastErr != nil {
		return nil, lastErr
	}
	return out, nil
}

// Ready reports whether the orchestrator can dispatch work. It fails when
// the credential pool is empty; readiness endpoints surface this without
// spending a provider API call.
func (o *Orchestrator) Ready(context.Context) error {
	if o.rotator.Total() == 0 {
		return credentials.ErrNoCredentials
	}
	return nil
}

// Stats exposes the rotator's per-backend snapshot.
func (o *Orchestrator) Stats() []credentials.ProviderStats {
	return o.rotator.Stats()
}

// driver returns the cached driver for a credential, constructing it on
// first use. The cache is append-only.
func (o *Orchestrator) driver(entry credentials.KeyEntry) (backend.Driver, error) {
	k := driverKey{backend: entry.Backend, prefix: entry.Prefix()}

	o.mu.RLock()
	drv, ok := o.drivers[k]
	o.mu.RUnlock()
	if ok {
		return drv, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if drv, ok := o.drivers[k]; ok {
		return drv, nil
	}

	drv, err := o.factory(entry.Backend, entry.Key)
	if err != nil {
		return nil, fmt.Errorf("constructing %s driver: %w", entry.Backend, err)
	}
	o.drivers[k] = drv
	return drv, nil
}

// probeEntries lists every configured credential, ordered so the backend
// whose id shape matches is tried first. Daytona ids are UUIDs; E2B ids are
// dashless lowercase tokens.
func (o *Orchestrator) probeEntries(id string) []credentials.KeyEntry {
	entries := o.allEntries()
	hint := idShapeHint(id)
	if hint == "" {
		return entries
	}

	ordered := make([]credentials.KeyEntry, 0, len(entries))
	for _, e := range entries {
		if e.Backend == hint {
			ordered = append(ordered, e)
		}
	}
	for _, e := range entries {
		if e.Backend != hint {
			ordered = append(ordered, e)
		}
	}
	return ordered
}

func (o *Orchestrator) allEntries() []credentials.KeyEntry {
	var entries []credentials.KeyEntry
	for _, t := range o.rotator.Backends() {
		for i := 0; ; i++ {
			entry, ok := o.rotator.KeyAt(t, i)
			if !ok {
				break
			}
			entries = append(entries, entry)
		}
	}
	return entries
}

// idShapeHint guesses the origin backend from the id format. Empty means no
// guess; the probe then runs in declaration order.
func idShapeHint(id string) backend.Type {
	if len(id) == 36 && strings.Count(id, "-") == 4 {
		return backend.TypeDaytona
	}
	if len(id) >= 16 && !strings.Contains(id, "-") {
		return backend.TypeE2B
	}
	return ""
}
