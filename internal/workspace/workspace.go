package workspace

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"
	"github.com/openmined/deskbridge/internal/utils"
)

const (
	logsDir  = "logs"
	lockFile = "deskbridge.lock"
)

var ErrWorkspaceLocked = errors.New("workspace locked by another process")

// Workspace is the on-disk layout of one bridge instance: a state dir for
// logs, journal and lock, and the sync root whose files are bridged.
type Workspace struct {
	StateDir string
	LogsDir  string
	SyncRoot string

	flock *flock.Flock
}

func NewWorkspace(stateDir, syncRoot string) (*Workspace, error) {
	state, err := utils.ResolvePath(stateDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", stateDir, err)
	}
	root, err := utils.ResolvePath(syncRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", syncRoot, err)
	}

	return &Workspace{
		StateDir: state,
		LogsDir:  filepath.Join(state, logsDir),
		SyncRoot: root,
		flock:    flock.New(filepath.Join(state, lockFile)),
	}, nil
}

// Lock takes the single-instance lock without blocking.
func (w *Workspace) Lock() error {
	if err := utils.EnsureDir(w.StateDir); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", w.StateDir, err)
	}

	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}
	return nil
}

func (w *Workspace) Unlock() error {
	// only the holder removes the lock file
	if !w.flock.Locked() {
		return nil
	}
	if err := w.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock workspace: %w", err)
	}
	return os.Remove(w.flock.Path())
}

func (w *Workspace) LockPath() string {
	return w.flock.Path()
}

// Setup locks the workspace and creates its directories.
func (w *Workspace) Setup() error {
	if err := w.Lock(); err != nil {
		return err
	}

	for _, dir := range []string{w.LogsDir, w.SyncRoot} {
		if err := utils.EnsureDir(dir); err != nil {
			_ = w.Unlock()
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	slog.Info("workspace", "state", w.StateDir, "root", w.SyncRoot)
	return nil
}

// Projects returns the roots to watch. Configured names are used as given;
// with none configured every visible top-level directory of the sync root
// is a project.
func (w *Workspace) Projects(names []string) *Projects {
	return &Projects{root: w.SyncRoot, names: names}
}

// Projects resolves project roots relative to the sync root.
type Projects struct {
	root  string
	names []string
}

func (p *Projects) Roots() ([]string, error) {
	if len(p.names) > 0 {
		roots := make([]string, 0, len(p.names))
		for _, name := range p.names {
			rel, err := p.rel(name)
			if err != nil {
				return nil, err
			}
			roots = append(roots, rel)
		}
		return roots, nil
	}

	entries, err := os.ReadDir(p.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var roots []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		roots = append(roots, e.Name())
	}
	sort.Strings(roots)
	return roots, nil
}

func (p *Projects) rel(name string) (string, error) {
	if filepath.IsAbs(name) {
		return utils.RelSlash(p.root, name)
	}
	return utils.RelSlash(p.root, filepath.Join(p.root, name))
}

// NormPath cleans a path, turns backslashes into slashes and trims leading slashes.
func NormPath(path string) string {
	path = filepath.Clean(path)
	path = strings.ReplaceAll(path, "\\", "/")
	path = strings.TrimLeft(path, "/")
	return path
}
