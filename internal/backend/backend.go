// Package backend defines the provider-agnostic sandbox lifecycle contract.
// A backend is a concrete provider (Daytona, E2B, or a local passthrough)
// that can create ephemeral execution environments and run commands in them.
// All provider-specific wire details are confined to the driver subpackages.
package backend

import (
	"context"
	"time"
)

// Type identifies a sandbox provider.
type Type string

const (
	TypeDaytona Type = "daytona"
	TypeE2B     Type = "e2b"
	TypeLocal   Type = "local"
)

// AllTypes lists the known remote-capable backends in probe order.
// Local is excluded: local sandboxes are never probed by identity.
var AllTypes = []Type{TypeDaytona, TypeE2B}

// State is the normalized lifecycle state across providers.
type State string

const (
	StateCreating State = "creating"
	StateStarted  State = "started"
	StateStopped  State = "stopped"
	StateArchived State = "archived"
	StateUnknown  State = "unknown"
)

// Recoverable reports whether a sandbox in this state can be brought back
// to Started without recreation.
func (s State) Recoverable() bool {
	switch s {
	case StateStarted, StateStopped, StateArchived:
		return true
	}
	return false
}

// CreateOptions are the provider-neutral sandbox creation parameters.
// Immutable once passed to a driver; provider defaults are applied by
// Resolve before any driver sees them.
type CreateOptions struct {
	// Template is the image/snapshot identifier. Empty = backend default.
	Template string

	// User is the OS user commands run as. Empty = backend default.
	User string

	// EnvVars are injected into every command run in the sandbox.
	EnvVars map[string]string

	// Metadata is attached to the sandbox for listing/attribution.
	Metadata map[string]string

	// Lifetime is the maximum sandbox age before the provider kills it.
	// Zero = provider default.
	Lifetime time.Duration

	// AutoDelete is how long a stopped sandbox lingers before the janitor
	// deletes it. Zero = never auto-delete.
	AutoDelete time.Duration
}

// ExecuteOptions describe one command execution inside a sandbox.
type ExecuteOptions struct {
	Command string            // Shell command line, run via sh -c.
	Workdir string            // Working directory. Empty = sandbox default.
	Env     map[string]string // Extra environment, merged over sandbox env.
	Timeout time.Duration     // Wall-clock limit. Zero = driver default.
}

// ExecuteResult is the outcome of a command that actually ran.
// A non-zero exit code is data, not an error: drivers only return an error
// for transport failures or when the process never ran.
type ExecuteResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Combined returns stdout followed by stderr, newline-separated.
func (r *ExecuteResult) Combined() string {
	if r.Stderr == "" {
		return r.Stdout
	}
	if r.Stdout == "" {
		return r.Stderr
	}
	return r.Stdout + "\n" + r.Stderr
}

// Info is a sandbox listing entry.
type Info struct {
	ID        string
	Backend   Type
	State     State
	CreatedAt time.Time
	Metadata  map[string]string
}

// Handle is a live reference to one sandbox. A handle is owned by exactly
// one coordinator for the duration of an agent turn; mutating methods
// return fresh values and never share state with the caller.
type Handle interface {
	ID() string
	Backend() Type

	// State returns the last observed lifecycle state. Start and Stop
	// refresh it; it is a snapshot, not a live query.
	State() State

	// Execute runs a shell command. Non-zero exit is returned in the
	// result; an error means the command never completed.
	Execute(ctx context.Context, opts ExecuteOptions) (*ExecuteResult, error)

	ReadFile(ctx context.Context, path string) (string, error)
	WriteFile(ctx context.Context, path, content string) error
	Exists(ctx context.Context, path string) (bool, error)
	Mkdir(ctx context.Context, path string) error
	Remove(ctx context.Context, path string) error

	Start(ctx context.Context) error
	Stop(ctx context.Context) error

	// ExtendTimeout pushes the provider-side kill deadline out by d.
	ExtendTimeout(ctx context.Context, d time.Duration) error

	// Git returns a runner for git operations inside this sandbox.
	Git() *GitRunner
}

// Driver is the per-provider lifecycle contract. One driver instance is
// bound to one credential; the orchestrator caches instances per
// (backend, key) pair.
type Driver interface {
	Backend() Type
	Create(ctx context.Context, opts ResolvedOptions) (Handle, error)
	Get(ctx context.Context, id string) (Handle, error)
	Stop(ctx context.Context, id string) error
	// Delete reports whether the sandbox existed.
	Delete(ctx context.Context, id string) (bool, error)
	List(ctx context.Context) ([]Info, error)
}
