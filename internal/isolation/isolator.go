// Package isolation wraps local step processes so that a timeout or
// cancellation reliably terminates them.
package isolation

import (
	"context"
	"os/exec"
	"time"
)

// Limits bounds a local step process.
type Limits struct {
	// Timeout kills the process after the given duration. Zero means no limit.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Caps describes what an isolator enforces beyond the timeout.
type Caps struct {
	KillsProcessGroup bool `json:"kills_process_group"`
}

// Isolator wraps a command before it is started.
// The returned cleanup must always be called after the process completes,
// and the caller must run the returned *exec.Cmd, not the original.
type Isolator interface {
	Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error)
	Capabilities() Caps
}

// waitDelay bounds how long Wait blocks on pipe drain after a kill.
const waitDelay = 5 * time.Second

func clone(ctx context.Context, cmd *exec.Cmd) *exec.Cmd {
	// exec.Cmd.Cancel is only honored for cmds created via exec.CommandContext.
	wrapped := exec.CommandContext(ctx, cmd.Path, cmd.Args[1:]...)
	wrapped.Args = cmd.Args
	wrapped.Dir = cmd.Dir
	wrapped.Env = cmd.Env
	wrapped.Stdin = cmd.Stdin
	wrapped.Stdout = cmd.Stdout
	wrapped.Stderr = cmd.Stderr
	wrapped.WaitDelay = waitDelay
	return wrapped
}

func withTimeout(ctx context.Context, limits Limits) (context.Context, func()) {
	if limits.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, limits.Timeout)
}
