//go:build unix

package isolation

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"syscall"
)

var _ Isolator = (*ProcessGroupIsolator)(nil)

// ProcessGroupIsolator starts the step in its own process group and kills the
// whole group on timeout, so helpers a step script spawned do not outlive it.
type ProcessGroupIsolator struct{}

func (p *ProcessGroupIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	execCtx, cancel := withTimeout(ctx, limits)
	wrapped := clone(execCtx, cmd)
	wrapped.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	wrapped.Cancel = func() error {
		if wrapped.Process == nil {
			return nil
		}
		err := syscall.Kill(-wrapped.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	return wrapped, cancel, nil
}

func (p *ProcessGroupIsolator) Capabilities() Caps {
	return Caps{KillsProcessGroup: true}
}

// NewIsolator returns the platform-appropriate Isolator.
func NewIsolator() Isolator {
	return &ProcessGroupIsolator{}
}
