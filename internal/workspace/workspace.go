// Package workspace manages the runbox runtime directory structure.
// All runtime state (repository clones, artifact cache, build outputs,
// audit log, history database) is consolidated under a single workspace
// root, making runbox portable.
//
// Default workspace: ~/.runbox/workspace (configurable via config or RUNBOX_WORKSPACE env var).
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Default workspace location relative to user home directory.
const defaultRelativePath = ".runbox/workspace"

// Workspace manages all runbox runtime directories and derived paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory and creates the root directory
// with appropriate permissions if it does not exist.
func New(root string) (*Workspace, error) {
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}

	w := &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}

	if err := w.ensureDir(resolved, 0750); err != nil {
		return nil, fmt.Errorf("creating workspace root: %w", err)
	}

	return w, nil
}

// Default creates a Workspace at ~/.runbox/workspace.
func Default() (*Workspace, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("determining home directory: %w", err)
	}
	return New(filepath.Join(home, defaultRelativePath))
}

// --- Top-level directory accessors ---

// ReposDir returns <root>/repos/. Per-repository clone directories.
func (w *Workspace) ReposDir() string {
	return w.dir("repos")
}

// CacheDir returns <root>/cache/. Artifact cache entries.
func (w *Workspace) CacheDir() string {
	return w.dir("cache")
}

// BinDir returns <root>/bin/. Shared binary output directory.
func (w *Workspace) BinDir() string {
	return w.dir("bin")
}

// LibDir returns <root>/lib/. Shared library output directory.
func (w *Workspace) LibDir() string {
	return w.dir("lib")
}

// IncludeDir returns <root>/include/. Shared headers directory.
func (w *Workspace) IncludeDir() string {
	return w.dir("include")
}

// LogsDir returns <root>/logs/. Application log files.
func (w *Workspace) LogsDir() string {
	return w.dir("logs")
}

// --- Derived paths ---

// AuditLogPath returns <root>/logs/audit.jsonl.
func (w *Workspace) AuditLogPath() string {
	return filepath.Join(w.LogsDir(), "audit.jsonl")
}

// HistoryDBPath returns <root>/history.db.
func (w *Workspace) HistoryDBPath() string {
	return filepath.Join(w.Root, "history.db")
}

// ConfigPath returns <root>/config.yaml.
func (w *Workspace) ConfigPath() string {
	return filepath.Join(w.Root, "config.yaml")
}

// PolicyPath returns <root>/policy.yaml.
func (w *Workspace) PolicyPath() string {
	return filepath.Join(w.Root, "policy.yaml")
}

// --- Repository-scoped paths ---

// RepoDir returns <root>/repos/<name>/ for the given repository locator.
func (w *Workspace) RepoDir(locator string) string {
	p := filepath.Join(w.ReposDir(), sanitizeName(locator))
	_ = w.ensureDir(p, 0750)
	return p
}

// --- Cleanup ---

// CleanRepos removes all cloned repositories.
func (w *Workspace) CleanRepos() error {
	dir := filepath.Join(w.Root, "repos")
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reading repos dir: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(dir, entry.Name())); err != nil {
			return fmt.Errorf("removing repo %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// EnsureAll creates all standard workspace directories.
// Call this on first startup.
func (w *Workspace) EnsureAll() error {
	dirs := []string{
		w.ReposDir(),
		w.CacheDir(),
		w.BinDir(),
		w.LibDir(),
		w.IncludeDir(),
		w.LogsDir(),
	}
	for _, d := range dirs {
		if err := w.ensureDir(d, 0750); err != nil {
			return err
		}
	}
	return nil
}

// --- Internal helpers ---

// dir returns an absolute path under the workspace root and ensures the directory exists.
func (w *Workspace) dir(name string) string {
	p := filepath.Join(w.Root, name)
	_ = w.ensureDir(p, 0750)
	return p
}

// ensureDir creates a directory if it doesn't already exist.
// Uses a cache to avoid redundant stat/mkdir calls.
func (w *Workspace) ensureDir(path string, perm os.FileMode) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.created[path] {
		return nil
	}

	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("creating directory %s: %w", path, err)
	}
	w.created[path] = true
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// sanitizeName replaces path separator characters to prevent directory traversal.
func sanitizeName(name string) string {
	name = strings.ReplaceAll(name, "://", "_")
	name = strings.ReplaceAll(name, "/", "_")
	name = strings.ReplaceAll(name, "\\", "_")
	name = strings.ReplaceAll(name, "..", "_")
	name = strings.ReplaceAll(name, ":", "_")
	if name == "" {
		name = "_"
	}
	return name
}
