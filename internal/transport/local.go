package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"time"

	"github.com/rendis/clusterrun/internal/isolation"
	"github.com/rendis/clusterrun/internal/logging"
)

const defaultMaxOutputSize = 10 * 1024 * 1024

// LocalConfig configures LocalRunner.
type LocalConfig struct {
	Isolator      isolation.Isolator
	Timeout       time.Duration
	MaxOutputSize int64
}

// LocalRunner invokes step commands directly on the controlling node.
type LocalRunner struct {
	cfg    LocalConfig
	logger *slog.Logger
}

// NewLocalRunner creates a LocalRunner.
func NewLocalRunner(cfg LocalConfig, logger *slog.Logger) *LocalRunner {
	if cfg.Isolator == nil {
		cfg.Isolator = isolation.NewIsolator()
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalRunner{cfg: cfg, logger: logger}
}

// Run executes cmd through /bin/sh. A nonzero exit is reported through
// ExitCode; Err is set only when the process could not run or was killed.
func (r *LocalRunner) Run(ctx context.Context, cmd string) Outcome {
	c := exec.Command("/bin/sh", "-c", cmd)
	wrapped, cleanup, err := r.cfg.Isolator.Wrap(ctx, c, isolation.Limits{Timeout: r.cfg.Timeout})
	if err != nil {
		return Outcome{Err: fmt.Errorf("local: %w", err)}
	}
	defer cleanup()

	var stdout, stderr bytes.Buffer
	outW := &limitedWriter{w: &stdout, limit: r.cfg.MaxOutputSize}
	errW := &limitedWriter{w: &stderr, limit: r.cfg.MaxOutputSize}
	wrapped.Stdout = outW
	wrapped.Stderr = errW

	logger := logging.LogWith(ctx, r.logger)
	logger.Debug("local exec", "command", cmd)
	start := time.Now()
	runErr := wrapped.Run()
	for stream, lw := range map[string]*limitedWriter{"stdout": outW, "stderr": errW} {
		if lw.dropped > 0 {
			logger.Warn("local output truncated", "stream", stream, "limit", lw.limit, "dropped_bytes", lw.dropped)
		}
	}
	out := Outcome{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr == nil {
		return out
	}

	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		out.Err = fmt.Errorf("local: %w", runErr)
		return out
	}
	out.ExitCode = exitErr.ExitCode()
	if out.ExitCode < 0 {
		out.Err = fmt.Errorf("local: killed after %s", time.Since(start).Round(time.Millisecond))
	}
	return out
}

// limitedWriter discards bytes beyond limit but always reports the full
// length consumed so the child never blocks on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
	dropped int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		lw.dropped += int64(total)
		return total, nil
	}
	if int64(len(p)) > remaining {
		lw.dropped += int64(len(p)) - remaining
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}
