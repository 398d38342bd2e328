// Package lifecycle implements get-or-recreate sandbox acquisition: reuse a
// previously issued sandbox when its state allows, otherwise build a fresh
// one and replay repository setup idempotently.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/jkaninda/sanduku/internal/backend"
	"github.com/jkaninda/sanduku/internal/cancel"
	"github.com/jkaninda/sanduku/internal/retry"
)

// Provider is the slice of the orchestrator the coordinator needs.
type Provider interface {
	Create(ctx context.Context, opts backend.CreateOptions) (backend.Handle, error)
	Get(ctx context.Context, id string) (backend.Handle, error)
}

// Repo identifies the repository a sandbox is prepared with.
type Repo struct {
	URL        string
	BaseBranch string
	Branch     string // Feature branch to create. Empty = stay on base.
	Commit     string // Exact commit to check out, forces unshallow.
	Dir        string // Checkout directory. Empty = /home/user/<repo-name>.
}

// CheckoutDir returns the target directory, deriving it from the URL when
// unset.
func (r Repo) CheckoutDir() string {
	if r.Dir != "" {
		return r.Dir
	}
	name := strings.TrimSuffix(path.Base(r.URL), ".git")
	if name == "" || name == "." || name == "/" {
		name = "repo"
	}
	return "/home/user/" + name
}

// Acquired is the result of GetOrRecreate.
type Acquired struct {
	Handle backend.Handle

	// DependenciesInstalled is nil when the sandbox was reused (unknown,
	// the caller decides whether to trust prior installs) and points at
	// false when the sandbox is fresh and needs a full install.
	DependenciesInstalled *bool

	Reused bool
}

// RepositorySetupError marks a clone failure on a freshly created sandbox.
// It is fatal for the turn; there is no further fallback.
type RepositorySetupError struct {
	SandboxID string
	Repo      string
	Err       error
}

func (e *RepositorySetupError) Error() string {
	return fmt.Sprintf("repository setup failed in sandbox %s (%s): %v", e.SandboxID, e.Repo, e.Err)
}

func (e *RepositorySetupError) Unwrap() error { return e.Err }

// IsRepositorySetup reports whether err is a fatal repository setup failure.
func IsRepositorySetup(err error) bool {
	var re *RepositorySetupError
	return errors.As(err, &re)
}

// Coordinator acquires sandboxes for agent turns.
type Coordinator struct {
	provider   Provider
	registry   *cancel.Registry
	createOpts backend.CreateOptions
	auxRepo    *Repo // Optional reference repository cloned alongside the target.
	logger     *slog.Logger
	policy     retry.Policy
}

// Config parameterizes the coordinator.
type Config struct {
	CreateOptions  backend.CreateOptions
	AuxRepo        *Repo
	CreateAttempts int // Bounded retries for fresh creation. Default: 2.
}

// New creates a coordinator.
func New(provider Provider, registry *cancel.Registry, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	attempts := cfg.CreateAttempts
	if attempts <= 0 {
		attempts = 2
	}
	return &Coordinator{
		provider:   provider,
		registry:   registry,
		createOpts: cfg.CreateOptions,
		auxRepo:    cfg.AuxRepo,
		logger:     logger,
		policy: retry.Policy{
			MaxAttempts: attempts,
			BaseDelay:   retry.DefaultPolicy(nil).BaseDelay,
			MaxDelay:    retry.DefaultPolicy(nil).MaxDelay,
			Jitter:      0.2,
			Retryable:   func(error) bool { return true },
		},
	}
}

// GetOrRecreate returns a Started sandbox prepared with repo. A usable
// previous sandbox is reused; anything else falls through to recreation.
// Calling twice with a known-stopped session id yields a Started handle both
// times without re-cloning the repository.
func (c *Coordinator) GetOrRecreate(ctx context.Context, sessionID string, repo Repo, runID string) (*Acquired, error) {
	token := c.token(runID)
	if err := token.Check(); err != nil {
		return nil, err
	}

	if sessionID != "" {
		if acq, ok := c.tryReuse(ctx, sessionID, repo); ok {
			return acq, nil
		}
	}

	return c.recreate(ctx, repo, token)
}

// tryReuse attempts steps 1 through 3: fetch, recover state, verify setup.
func (c *Coordinator) tryReuse(ctx context.Context, sessionID string, repo Repo) (*Acquired, bool) {
	h, err := c.provider.Get(ctx, sessionID)
	if err != nil {
		c.logger.Info("sandbox lookup failed, recreating",
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	switch state := h.State(); state {
	case backend.StateStarted:
		// Ready as-is.
	case backend.StateStopped, backend.StateArchived:
		if err := h.Start(ctx); err != nil {
			c.logger.Warn("sandbox restart failed, recreating",
				slog.String("sandbox_id", h.ID()),
				slog.String("state", string(state)),
				slog.String("error", err.Error()),
			)
			return nil, false
		}
	default:
		c.logger.Warn("sandbox in unrecoverable state, recreating",
			slog.String("sandbox_id", h.ID()),
			slog.String("state", string(state)),
		)
		return nil, false
	}

	if err := c.ensureAuxRepo(ctx, h); err != nil {
		c.logger.Warn("auxiliary repository setup failed on reuse, recreating",
			slog.String("sandbox_id", h.ID()),
			slog.String("error", err.Error()),
		)
		return nil, false
	}

	c.logger.Info("sandbox reused",
		slog.String("sandbox_id", h.ID()),
		slog.String("backend", string(h.Backend())),
		slog.String("repo", repo.URL),
	)
	return &Acquired{Handle: h, DependenciesInstalled: nil, Reused: true}, true
}

// recreate is step 4: fresh sandbox, clone, auxiliary setup.
func (c *Coordinator) recreate(ctx context.Context, repo Repo, token cancel.Token) (*Acquired, error) {
	policy := c.policy
	policy.BeforeAttempt = func(context.Context) error { return token.Check() }

	h, err := retry.DoValue(ctx, policy, func(ctx context.Context) (backend.Handle, error) {
		return c.provider.Create(ctx, c.createOpts)
	})
	if err != nil {
		return nil, fmt.Errorf("creating sandbox: %w", err)
	}

	if err := token.Check(); err != nil {
		return nil, err
	}

	if err := h.Git().Clone(ctx, backend.CloneOptions{
		URL:        repo.URL,
		Dir:        repo.CheckoutDir(),
		BaseBranch: repo.BaseBranch,
		Branch:     repo.Branch,
		Commit:     repo.Commit,
	}); err != nil {
		return nil, &RepositorySetupError{SandboxID: h.ID(), Repo: repo.URL, Err: err}
	}

	if err := c.ensureAuxRepo(ctx, h); err != nil {
		return nil, &RepositorySetupError{SandboxID: h.ID(), Repo: c.auxRepo.URL, Err: err}
	}

	c.logger.Info("sandbox recreated",
		slog.String("sandbox_id", h.ID()),
		slog.String("backend", string(h.Backend())),
		slog.String("repo", repo.URL),
		slog.String("branch", repo.Branch),
	)

	fresh := false
	return &Acquired{Handle: h, DependenciesInstalled: &fresh}, nil
}

// ensureAuxRepo clones the auxiliary repository if absent. Idempotent: a
// prior checkout is left untouched, so repeated acquisition never duplicates
// the clone.
func (c *Coordinator) ensureAuxRepo(ctx context.Context, h backend.Handle) error {
	if c.auxRepo == nil {
		return nil
	}

	dir := c.auxRepo.CheckoutDir()
	exists, err := h.Exists(ctx, dir+"/.git")
	if err != nil {
		return fmt.Errorf("checking auxiliary repo: %w", err)
	}
	if exists {
		return nil
	}

	return h.Git().Clone(ctx, backend.CloneOptions{
		URL:        c.auxRepo.URL,
		Dir:        dir,
		BaseBranch: c.auxRepo.BaseBranch,
	})
}

func (c *Coordinator) token(runID string) cancel.Token {
	if c.registry == nil || runID == "" {
		return cancel.Token{}
	}
	return c.registry.Token(runID)
}
