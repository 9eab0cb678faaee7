package isolation

import (
	"context"
	"os/exec"
)

var _ Isolator = (*FallbackIsolator)(nil)

// FallbackIsolator only enforces the timeout; the direct child is killed on
// expiry, grandchildren are left alone.
type FallbackIsolator struct{}

// NewFallbackIsolator creates a FallbackIsolator.
func NewFallbackIsolator() *FallbackIsolator {
	return &FallbackIsolator{}
}

func (f *FallbackIsolator) Wrap(ctx context.Context, cmd *exec.Cmd, limits Limits) (*exec.Cmd, func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	execCtx, cancel := withTimeout(ctx, limits)
	wrapped := clone(execCtx, cmd)
	wrapped.Cancel = func() error {
		if wrapped.Process != nil {
			return wrapped.Process.Kill()
		}
		return nil
	}
	return wrapped, cancel, nil
}

func (f *FallbackIsolator) Capabilities() Caps {
	return Caps{}
}
