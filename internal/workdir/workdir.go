// Package workdir creates the per-run working directory, mirrors it to every
// remote host and removes it again on every exit path.
package workdir

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/clusterrun/internal/logging"
	"github.com/rendis/clusterrun/internal/transport"
	"github.com/rendis/clusterrun/pkg/schema"
)

const namePrefix = "clusterrun-tmp-"

// Manager owns workdir creation and cleanup for runs.
type Manager struct {
	tmpDir    string
	utilsDir  string
	transport transport.Transport
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a Manager rooted at tmpDir. utilsDir holds step-support
// files copied into every workdir; it may be empty or missing.
func NewManager(tmpDir, utilsDir string, t transport.Transport, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{tmpDir: tmpDir, utilsDir: utilsDir, transport: t, logger: logger, now: time.Now}
}

// Workdir is one run's working directory, local and mirrored on hosts.
type Workdir struct {
	Path  string
	Hosts []string

	mgr     *Manager
	created bool
}

// NewPath generates a unique workdir path from a timestamp and a random value.
func (m *Manager) NewPath() string {
	return filepath.Join(m.tmpDir, fmt.Sprintf("%s%d-%s", namePrefix, m.now().UnixNano(), uuid.NewString()))
}

// Prepare creates the workdir, fills it with the workflow tree and the
// utilities, and distributes it to hosts. The returned Workdir must be
// cleaned up even when Prepare fails; it is nil only if nothing was created.
func (m *Manager) Prepare(ctx context.Context, scriptDir string, hosts []string) (*Workdir, error) {
	wd := &Workdir{Path: m.NewPath(), Hosts: append([]string(nil), hosts...), mgr: m}

	if err := os.MkdirAll(m.tmpDir, 0o755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeSetup, "failed to create %s", m.tmpDir).WithCause(err)
	}
	if err := CopyTree(scriptDir, wd.Path); err != nil {
		wd.created = true
		return wd, schema.NewErrorf(schema.ErrCodeSetup, "failed to copy %s", scriptDir).WithCause(err)
	}
	wd.created = true

	if m.utilsDir != "" {
		err := CopyTree(m.utilsDir, wd.Path)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return wd, schema.NewErrorf(schema.ErrCodeSetup, "failed to copy utilities from %s", m.utilsDir).WithCause(err)
		}
	}

	if len(hosts) == 0 {
		return wd, nil
	}
	logger := logging.LogWith(ctx, m.logger)
	results := m.transport.Call(ctx, hosts, "mkdir -p "+transport.Quote(wd.Path))
	if err := m.check(logger, results, "failed to create working folders"); err != nil {
		return wd, err
	}
	results = m.transport.Copy(ctx, hosts, wd.Path, wd.Path)
	if err := m.check(logger, results, "failed when copying script data"); err != nil {
		return wd, err
	}
	return wd, nil
}

func (m *Manager) check(logger *slog.Logger, results map[string]transport.Outcome, msg string) error {
	failed := transport.Failures(results)
	if len(failed) == 0 {
		return nil
	}
	for _, h := range failed {
		logger.Error(msg, "host", h, "error", results[h].Message())
	}
	return schema.NewError(schema.ErrCodeSetup, msg).WithDetails(map[string]any{"hosts": failed})
}

// Cleanup removes the workdir from every host (best effort, failures are
// warnings) and then removes the local tree. Safe to call on a nil Workdir
// and more than once.
func (w *Workdir) Cleanup(ctx context.Context) {
	if w == nil || !w.created {
		return
	}
	logger := logging.LogWith(ctx, w.mgr.logger)
	if len(w.Hosts) > 0 && w.mgr.transport != nil {
		results := w.mgr.transport.Call(ctx, w.Hosts, "rm -rf "+transport.Quote(w.Path))
		for _, h := range transport.Failures(results) {
			logger.Warn("cleanup failed", "host", h, "path", w.Path, "error", results[h].Message())
		}
	}
	if err := os.RemoveAll(w.Path); err != nil {
		logger.Warn("cleanup failed", "path", w.Path, "error", err)
	}
	w.created = false
}

// CopyTree copies the contents of src into dst, creating dst. Regular files
// keep their permission bits; symlinks are recreated.
func CopyTree(src, dst string) error {
	st, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("%s is not a directory", src)
	}
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(link, target)
		case info.Mode().IsRegular():
			return copyFile(p, target, info.Mode().Perm())
		}
		return nil
	})
}

func copyFile(src, dst string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
