// Package exec provides the process execution collaborator: a small
// abstraction over running external commands so callers (the git gateway,
// tests) never touch os/exec directly and can swap in a fake.
package exec

import (
	"context"
	"time"
)

// Executor runs external commands.
type Executor interface {
	// Run executes a command with the given options. A non-zero exit is not
	// an error at this layer; callers check Result.ExitCode.
	Run(ctx context.Context, cmd []string, opts *Opts) (Result, error)

	// Name returns the executor name for logging.
	Name() string
}

// Opts contains options for command execution.
type Opts struct {
	// Env contains extra environment variables (KEY=VALUE format),
	// appended to the current process environment.
	Env []string

	// Timeout is the maximum duration for command execution. Zero means no
	// timeout beyond the caller's context.
	Timeout time.Duration

	// WorkDir is the working directory for the command. Must exist.
	WorkDir string
}

// Result contains the result of command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// DefaultOpts returns execution options with a conservative timeout.
func DefaultOpts() *Opts {
	return &Opts{Timeout: 30 * time.Second}
}
