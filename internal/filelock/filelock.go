// Package filelock provides cross-process locking and atomic file writes.
// The orchestrator uses it to hold an exclusive run lock on the workspace
// (two concurrent runs would interleave checkpoint writes) and to write
// generated test files without readers ever seeing partial content.
package filelock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// RunLock is an advisory cross-process lock guarding a workspace directory.
type RunLock struct {
	flock *flock.Flock
	path  string
}

// NewRunLock creates a lock whose lock file lives inside dir.
func NewRunLock(dir string) *RunLock {
	path := filepath.Join(dir, ".testforge.lock")
	return &RunLock{flock: flock.New(path), path: path}
}

// TryAcquire attempts to take the lock without blocking. Returns false when
// another orchestrator instance already holds it.
func (l *RunLock) TryAcquire() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}
	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("acquire run lock %s: %w", l.path, err)
	}
	return acquired, nil
}

// Release releases the run lock.
func (l *RunLock) Release() error {
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("release run lock %s: %w", l.path, err)
	}
	return nil
}

// Path returns the lock file location, for diagnostics.
func (l *RunLock) Path() string {
	return l.path
}

// AtomicWrite writes data to path via a temp file in the same directory and
// an atomic rename, so an interrupted write never leaves a truncated file
// behind. The parent directory is created if missing.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, 0644); err != nil {
		return fmt.Errorf("set permissions: %w", err)
	}

	// Rename is atomic within a filesystem; the temp file lives next to the
	// target for that reason.
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename temp file to %s: %w", path, err)
	}

	tempFile = nil
	return nil
}
