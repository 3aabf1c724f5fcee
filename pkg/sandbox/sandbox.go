// Package sandbox defines the Runtime interface for Drydock's per-session
// execution environments. A sandbox is an ephemeral, isolated environment
// hosting one conversation's working files and running processes; its
// lifecycle (idle reclaim, max age) is enforced by the platform, not here.
package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no live sandbox exists for a name or id.
// A reclaimed sandbox is indistinguishable from one that never existed.
var ErrNotFound = errors.New("sandbox not found")

// ErrAlreadyExists is returned by Create when another sandbox already holds
// the requested name. Callers treat this as a normal concurrent-creation
// outcome, not a failure.
var ErrAlreadyExists = errors.New("sandbox already exists")

// CreateOptions configures a new sandbox.
type CreateOptions struct {
	Name        string        // unique name; creation fails with ErrAlreadyExists on collision
	Image       string        // sandbox image name
	Workdir     string        // initial working directory
	Env         []string      // additional environment variables ("KEY=value")
	IdleTimeout time.Duration // reclaimed by the platform after this much inactivity
	MaxLifetime time.Duration // hard ceiling on sandbox age
}

// Handle is an opaque reference to a live sandbox.
type Handle struct {
	ID   string // platform resource id, also used as the sandbox's proxy credential
	Name string
}

// LineScanner provides line-by-line reading of process output.
type LineScanner interface {
	Scan() bool
	Text() string
	Err() error
}

// Process is one command running inside a sandbox. Stdout streams live via
// the scanner; stderr is spooled in the background and its lines become
// available once Wait returns.
type Process interface {
	Stdout() LineScanner
	StderrLines() []string
	Wait() (exitCode int, err error)
}

// Runtime manages sandbox lifecycle on the external compute platform.
type Runtime interface {
	// Create starts a new sandbox with the given name. Name creation is
	// exclusive: exactly one concurrent creator wins, the rest receive
	// ErrAlreadyExists.
	Create(ctx context.Context, opts CreateOptions) (*Handle, error)

	// FromName resolves a live sandbox by name. Returns ErrNotFound if the
	// sandbox is absent or no longer running.
	FromName(ctx context.Context, name string) (*Handle, error)

	// FromID resolves a live sandbox by id. Returns ErrNotFound if the
	// sandbox is absent or no longer running.
	FromID(ctx context.Context, id string) (*Handle, error)

	// IsRunning reports whether the sandbox is still live.
	IsRunning(ctx context.Context, id string) bool

	// Exec runs a command inside a running sandbox with streaming output.
	Exec(ctx context.Context, id string, argv []string) (Process, error)

	// ExecCollect runs a command inside a sandbox and returns its combined
	// output. A nonzero exit is reported as an error.
	ExecCollect(ctx context.Context, id string, argv []string) (string, error)

	// Stop terminates and removes a sandbox.
	Stop(ctx context.Context, id string) error
}
