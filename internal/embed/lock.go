package embed

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// BuildLock provides cross-process file locking around index builds.
// Several service instances sharing a cache directory must not rebuild
// the TF-IDF or HNSW caches concurrently.
type BuildLock struct {
	path  string
	flock *flock.Flock
}

// NewBuildLock creates a lock file at <dir>/.build.lock.
func NewBuildLock(dir string) *BuildLock {
	lockPath := filepath.Join(dir, ".build.lock")
	return &BuildLock{path: lockPath, flock: flock.New(lockPath)}
}

// Lock acquires an exclusive lock, blocking until available.
func (l *BuildLock) Lock() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	if err := l.flock.Lock(); err != nil {
		return fmt.Errorf("failed to acquire build lock: %w", err)
	}
	return nil
}

// Unlock releases the lock.
func (l *BuildLock) Unlock() error {
	return l.flock.Unlock()
}
