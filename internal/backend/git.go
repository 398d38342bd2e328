package backend

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// gitTimeout bounds individual git invocations; clones of large repos get
// a longer leash than metadata operations.
const (
	gitTimeout      = 60 * time.Second
	gitCloneTimeout = 5 * time.Minute
)

// GitRunner executes git operations by shelling out inside a sandbox.
// Backends are not required to offer native git support; everything here
// is plain command execution through the handle.
type GitRunner struct {
	handle Handle
}

// NewGitRunner returns a runner bound to the given handle. Drivers call
// this from their Git() method; it is exported for tests with fake handles.
func NewGitRunner(h Handle) *GitRunner {
	return &GitRunner{handle: h}
}

// CloneOptions describe a repository checkout.
type CloneOptions struct {
	URL        string // Clone URL, credentials already embedded if needed.
	Dir        string // Target directory inside the sandbox.
	BaseBranch string // Branch to fetch shallowly first.
	Branch     string // Feature branch to create/check out. Empty = stay on base.
	Commit     string // Exact commit to check out. Forces an unshallow fetch.
}

// Clone fetches the base branch shallowly, creates the feature branch, and
// only then (if an exact commit is required) unshallows and checks it out.
// The ordering is deliberate: a local base-branch ref must exist before any
// later diffing, even on backends with no git awareness of their own.
func (g *GitRunner) Clone(ctx context.Context, opts CloneOptions) error {
	if opts.URL == "" || opts.Dir == "" {
		return fmt.Errorf("git clone: url and dir are required")
	}

	clone := "git clone --depth 1 --single-branch"
	if opts.BaseBranch != "" {
		clone += fmt.Sprintf(" --branch %s", shellQuote(opts.BaseBranch))
	}
	clone += fmt.Sprintf(" %s %s", shellQuote(opts.URL), shellQuote(opts.Dir))

	if err := g.runTimeout(ctx, "", clone, gitCloneTimeout); err != nil {
		return err
	}

	if opts.Branch != "" && opts.Branch != opts.BaseBranch {
		checkout := fmt.Sprintf("git checkout -B %s", shellQuote(opts.Branch))
		if err := g.run(ctx, opts.Dir, checkout); err != nil {
			return err
		}
	}

	if opts.Commit != "" {
		if err := g.runTimeout(ctx, opts.Dir, "git fetch --unshallow origin", gitCloneTimeout); err != nil {
			return err
		}
		if err := g.run(ctx, opts.Dir, fmt.Sprintf("git checkout %s", shellQuote(opts.Commit))); err != nil {
			return err
		}
	}

	return nil
}

// Add stages the given paths ("." for everything).
func (g *GitRunner) Add(ctx context.Context, dir string, paths ...string) error {
	if len(paths) == 0 {
		paths = []string{"."}
	}
	quoted := make([]string, len(paths))
	for i, p := range paths {
		quoted[i] = shellQuote(p)
	}
	return g.run(ctx, dir, "git add "+strings.Join(quoted, " "))
}

// Commit records staged changes with the given author identity.
func (g *GitRunner) Commit(ctx context.Context, dir, message, authorName, authorEmail string) error {
	cmd := fmt.Sprintf("git -c user.name=%s -c user.email=%s commit -m %s",
		shellQuote(authorName), shellQuote(authorEmail), shellQuote(message))
	return g.run(ctx, dir, cmd)
}

// Push publishes the given branch to origin.
func (g *GitRunner) Push(ctx context.Context, dir, branch string) error {
	return g.runTimeout(ctx, dir, fmt.Sprintf("git push -u origin %s", shellQuote(branch)), gitCloneTimeout)
}

// Pull fast-forwards the current branch from origin.
func (g *GitRunner) Pull(ctx context.Context, dir string) error {
	return g.runTimeout(ctx, dir, "git pull --ff-only", gitCloneTimeout)
}

// CreateBranch creates and checks out a branch at the current HEAD.
func (g *GitRunner) CreateBranch(ctx context.Context, dir, branch string) error {
	return g.run(ctx, dir, fmt.Sprintf("git checkout -B %s", shellQuote(branch)))
}

// Status returns porcelain status output for the working tree.
func (g *GitRunner) Status(ctx context.Context, dir string) (string, error) {
	res, err := g.handle.Execute(ctx, ExecuteOptions{
		Command: "git status --porcelain",
		Workdir: dir,
		Timeout: gitTimeout,
		Env:     gitEnv(),
	})
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", &GitError{Op: "status", Dir: dir, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res.Stdout, nil
}

func (g *GitRunner) run(ctx context.Context, dir, cmd string) error {
	return g.runTimeout(ctx, dir, cmd, gitTimeout)
}

func (g *GitRunner) runTimeout(ctx context.Context, dir, cmd string, timeout time.Duration) error {
	res, err := g.handle.Execute(ctx, ExecuteOptions{
		Command: cmd,
		Workdir: dir,
		Timeout: timeout,
		Env:     gitEnv(),
	})
	if err != nil {
		return fmt.Errorf("git: %w", err)
	}
	if res.ExitCode != 0 {
		return &GitError{Op: firstWordAfterGit(cmd), Dir: dir, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return nil
}

// GitError is a git command that ran and failed. Unlike raw command
// execution, a non-zero git exit is an error for callers: half-performed
// git state is never useful data.
type GitError struct {
	Op       string
	Dir      string
	ExitCode int
	Stderr   string
}

func (e *GitError) Error() string {
	return fmt.Sprintf("git %s failed (exit %d): %s", e.Op, e.ExitCode, strings.TrimSpace(e.Stderr))
}

// gitEnv disables every interactive credential path git knows about.
func gitEnv() map[string]string {
	return map[string]string{
		"GIT_TERMINAL_PROMPT": "0",
		"GIT_ASKPASS":         "/bin/true",
	}
}

// shellQuote single-quotes s for safe interpolation into sh -c command lines.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func firstWordAfterGit(cmd string) string {
	fields := strings.Fields(cmd)
	for i, f := range fields {
		if f == "git" && i+1 < len(fields) {
			// Skip -c key=value config pairs.
			for j := i + 1; j < len(fields); j++ {
				if fields[j] == "-c" {
					j++
					continue
				}
				if strings.HasPrefix(fields[j], "-") {
					continue
				}
				return fields[j]
			}
		}
	}
	return cmd
}
