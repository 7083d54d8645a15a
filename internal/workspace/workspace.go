// Package workspace manages the yas home directory layout.
// All persistent state (HTTP cache, run history) lives under a single root,
// so pointing YAS_HOME elsewhere relocates everything.
//
// Directories are created on first use, never up front: a run with caching
// and history disabled leaves nothing on disk.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DirName is the directory created under the per-user data home.
const DirName = "yas.tools"

const (
	cacheDirName = "http-cache"
	databaseName = "yas.db"
)

// Workspace resolves yas runtime paths.
type Workspace struct {
	Root string

	mu      sync.Mutex
	created map[string]bool // tracks which directories have been ensured
}

// New creates a Workspace rooted at the given path.
// It resolves ~ to the user's home directory. Nothing is created on disk.
func New(root string) (*Workspace, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("workspace root is empty")
	}
	resolved, err := resolvePath(root)
	if err != nil {
		return nil, fmt.Errorf("resolving workspace root %q: %w", root, err)
	}
	return &Workspace{
		Root:    resolved,
		created: make(map[string]bool),
	}, nil
}

// CacheDir returns <root>/http-cache/. The directory is owned by the cache
// backend, which creates it on its first write.
func (w *Workspace) CacheDir() string {
	return filepath.Join(w.Root, cacheDirName)
}

// DatabasePath returns <root>/yas.db and ensures the root exists.
func (w *Workspace) DatabasePath() (string, error) {
	if err := w.ensureDir(w.Root, 0750); err != nil {
		return "", err
	}
	return filepath.Join(w.Root, databaseName), nil
}

// CleanCache removes the HTTP cache directory and everything in it.
func (w *Workspace) CleanCache() error {
	dir := w.CacheDir()
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing cache dir %s: %w", dir, err)
	}
	return nil
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
