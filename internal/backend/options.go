package backend

import "time"

// Defaults are the per-backend creation defaults from configuration.
// The orchestrator applies them when rewriting generic options, so callers
// never carry backend-specific knowledge.
type Defaults struct {
	DaytonaSnapshot string        // Default Daytona snapshot name.
	DaytonaUser     string        // Default Daytona OS user.
	E2BTemplate     string        // Default E2B template id.
	Lifetime        time.Duration // Default sandbox lifetime.
	AutoDelete      time.Duration // Default auto-delete window for stopped sandboxes.
}

// ResolvedOptions is the tagged per-backend create payload. Exactly one of
// the variant pointers is set, matching Backend. Drivers reject a payload
// tagged for another backend instead of guessing.
type ResolvedOptions struct {
	Backend Type
	Generic CreateOptions // Post-rewrite generic options (env, metadata, lifetime).

	Daytona *DaytonaOptions
	E2B     *E2BOptions
	Local   *LocalOptions
}

// DaytonaOptions is the Daytona-shaped create variant.
type DaytonaOptions struct {
	Snapshot        string
	User            string
	AutoStopMinutes int // Provider-side idle stop. 0 = provider default.
}

// E2BOptions is the E2B-shaped create variant.
type E2BOptions struct {
	TemplateID     string
	TimeoutSeconds int // Sandbox lifetime in seconds.
}

// LocalOptions is the local passthrough variant.
type LocalOptions struct {
	WorkspaceRoot string // Base directory for per-sandbox workspaces.
}

// Resolve rewrites generic create options into the backend-shaped variant,
// filling provider defaults for anything the caller left generic. The
// caller's template/user only survive when it targets this backend's
// vocabulary; otherwise the configured default wins, so one backend's
// identifiers never leak into another's API.
func Resolve(t Type, generic CreateOptions, def Defaults) ResolvedOptions {
	if generic.Lifetime == 0 {
		generic.Lifetime = def.Lifetime
	}
	if generic.AutoDelete == 0 {
		generic.AutoDelete = def.AutoDelete
	}

	out := ResolvedOptions{Backend: t, Generic: generic}

	switch t {
	case TypeDaytona:
		opts := &DaytonaOptions{Snapshot: generic.Template, User: generic.User}
		if opts.Snapshot == "" {
			opts.Snapshot = def.DaytonaSnapshot
		}
		if opts.User == "" {
			opts.User = def.DaytonaUser
		}
		if generic.AutoDelete > 0 {
			opts.AutoStopMinutes = int(generic.AutoDelete / time.Minute)
		}
		out.Daytona = opts

	case TypeE2B:
		opts := &E2BOptions{TemplateID: generic.Template}
		if opts.TemplateID == "" {
			opts.TemplateID = def.E2BTemplate
		}
		if generic.Lifetime > 0 {
			opts.TimeoutSeconds = int(generic.Lifetime / time.Second)
		}
		out.E2B = opts

	case TypeLocal:
		out.Local = &LocalOptions{}
	}

	return out
}
