package sync

import (
	"fmt"
	"os"
	"path/filepath"
	gosync "sync"

	"github.com/gofrs/flock"
)

// RunLock is an exclusive, non-blocking lock shared by every frame-sync process on the host
type RunLock struct {
	mu   gosync.Mutex
	file *flock.Flock
}

// NewRunLock creates a lock backed by the file at path
func NewRunLock(path string) *RunLock {
	return &RunLock{file: flock.New(path)}
}

// TryLock acquires the lock without waiting. It returns false when the lock is held,
// by this process or another.
func (l *RunLock) TryLock() (bool, error) {
	if !l.mu.TryLock() {
		return false, nil
	}
	if err := os.MkdirAll(filepath.Dir(l.file.Path()), 0o750); err != nil {
		l.mu.Unlock()
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}
	locked, err := l.file.TryLock()
	if err != nil || !locked {
		l.mu.Unlock()
		if err != nil {
			return false, fmt.Errorf("failed to acquire run lock: %w", err)
		}
		return false, nil
	}
	return true, nil
}

// Unlock releases a lock obtained by TryLock
func (l *RunLock) Unlock() error {
	defer l.mu.Unlock()
	return l.file.Unlock()
}
