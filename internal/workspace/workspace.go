// Package workspace hands out one private scratch directory per render job.
//
// Directories are named job-<uuid> under a common root, created with mode
// 0700 and never reused. Release removes the directory and may be called any
// number of times.
package workspace

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"texrender/internal/pkg/errors"
	"texrender/internal/pkg/logger"
)

const dirPrefix = "job-"

// Manager allocates workspaces under Root.
type Manager struct {
	root  string
	log   *logger.Logger
	newID func() string
}

// NewManager returns a Manager rooted at root. The root is created if missing.
func NewManager(root string, log *logger.Logger) (*Manager, error) {
	if root == "" {
		return nil, errors.Validation("workspace root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errors.Wrap(err, "workspace.new", "resolve root")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "workspace.new", "create root")
	}
	return &Manager{
		root:  abs,
		log:   log.WithComponent("workspace"),
		newID: uuid.NewString,
	}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string { return m.root }

// Workspace is a scratch directory owned by exactly one job.
type Workspace struct {
	ID   string
	Path string

	once sync.Once
	err  error
	log  *logger.Logger
}

// Acquire creates a fresh workspace. A name collision is retried once with a
// new ID; any other failure is reported as CodeUnavailable.
func (m *Manager) Acquire(ctx context.Context) (*Workspace, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeTimeout, "workspace.acquire", "context done before allocation")
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		id := m.newID()
		path := filepath.Join(m.root, dirPrefix+id)

		err := os.Mkdir(path, 0o700)
		if err == nil {
			m.log.Debug("workspace acquired", "path", path)
			return &Workspace{ID: id, Path: path, log: m.log}, nil
		}
		lastErr = err
		if !errors.Is(err, fs.ErrExist) {
			break
		}
		m.log.Warn("workspace name collision, retrying", "path", path)
	}

	return nil, errors.WrapWithCode(lastErr, errors.CodeUnavailable, "workspace.acquire", "cannot allocate workspace").
		WithField("kind", "ResourceUnavailable")
}

// Release removes the workspace and everything in it. Only the first call
// does any work; later calls return the first result.
func (w *Workspace) Release() error {
	if w == nil {
		return nil
	}
	w.once.Do(func() {
		if err := os.RemoveAll(w.Path); err != nil {
			w.err = errors.Wrap(err, "workspace.release", "remove workspace")
			if w.log != nil {
				w.log.Error("workspace release failed", "path", w.Path, "error", err.Error())
			}
			return
		}
		if w.log != nil {
			w.log.Debug("workspace released", "path", w.Path)
		}
	})
	return w.err
}

// File returns the path of name inside the workspace.
func (w *Workspace) File(name string) string {
	return filepath.Join(w.Path, name)
}

// Size returns the total size in bytes of regular files in the workspace.
func (w *Workspace) Size() (int64, error) {
	return dirSize(w.Path)
}

// Ready reports whether the root exists and is a directory. It never writes.
func (m *Manager) Ready() error {
	info, err := os.Stat(m.root)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "workspace.ready", "workspace root unavailable")
	}
	if !info.IsDir() {
		return errors.New(errors.CodeUnavailable, "workspace root is not a directory")
	}
	return nil
}

// Sweep removes job directories older than olderThan, left behind by a
// process that died mid-job. Only names this package allocates (job-<uuid>)
// are touched. It returns the number removed.
func (m *Manager) Sweep(olderThan time.Duration) (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return 0, errors.Wrap(err, "workspace.sweep", "read root")
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if !e.IsDir() || !isJobDir(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(m.root, e.Name())
		if err := os.RemoveAll(path); err != nil {
			m.log.Warn("sweep failed to remove workspace", "path", path, "error", err.Error())
			continue
		}
		removed++
	}

	if removed > 0 {
		m.log.Info("swept stale workspaces", "removed", removed)
	}
	return removed, nil
}

func isJobDir(name string) bool {
	id, ok := strings.CutPrefix(name, dirPrefix)
	return ok && uuid.Validate(id) == nil
}

func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total, err
}
