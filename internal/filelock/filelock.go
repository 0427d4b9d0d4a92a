// Package filelock provides file locking and atomic write operations for safe
// concurrent file access across multiple goroutines and processes.
package filelock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrLockTimeout is returned by LockWithTimeout when the deadline elapses
// before the lock could be acquired.
var ErrLockTimeout = errors.New("filelock: timed out waiting for lock")

// LockMetrics describes the outcome of a single lock acquisition attempt,
// reported to an optional monitor for observability.
type LockMetrics struct {
	Attempts int
	Waited   time.Duration
	TimedOut bool
}

// FileLock wraps a flock file lock for coordinating access to files.
type FileLock struct {
	flock *flock.Flock
	path  string

	mu      sync.Mutex
	metrics LockMetrics
	monitor func(path string, metrics LockMetrics)
}

// NewFileLock creates a new file lock for the given path.
// The lock file will be created at the specified path.
func NewFileLock(path string) *FileLock {
	return &FileLock{
		flock: flock.New(path),
		path:  path,
	}
}

// SetMonitor registers a callback invoked after every Lock/LockWithTimeout
// attempt with the metrics for that attempt. Pass nil to disable.
func (fl *FileLock) SetMonitor(fn func(path string, metrics LockMetrics)) {
	fl.mu.Lock()
	fl.monitor = fn
	fl.mu.Unlock()
}

// LastMetrics returns the metrics recorded by the most recent lock attempt.
func (fl *FileLock) LastMetrics() LockMetrics {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.metrics
}

func (fl *FileLock) record(m LockMetrics) {
	fl.mu.Lock()
	fl.metrics = m
	monitor := fl.monitor
	fl.mu.Unlock()
	if monitor != nil {
		monitor(fl.path, m)
	}
}

// Lock acquires an exclusive lock on the file, blocking until the lock is available.
// Returns an error if the lock cannot be acquired.
func (fl *FileLock) Lock() error {
	err := fl.flock.Lock()
	fl.record(LockMetrics{Attempts: 1})
	if err != nil {
		return fmt.Errorf("failed to acquire lock on %s: %w", fl.path, err)
	}
	return nil
}

// TryLock attempts to acquire an exclusive lock on the file without blocking.
// Returns true if the lock was acquired, false if the lock is held by another process.
// Returns an error if the lock operation fails.
func (fl *FileLock) TryLock() (bool, error) {
	acquired, err := fl.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to try lock on %s: %w", fl.path, err)
	}
	return acquired, nil
}

// LockWithTimeout polls TryLock with a short backoff until it succeeds or
// timeout elapses, at which point it returns ErrLockTimeout. Used by the
// plan store, where a caller would rather fail fast than block forever
// behind a stuck writer.
func (fl *FileLock) LockWithTimeout(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	const backoff = 20 * time.Millisecond

	attempts := 0
	start := time.Now()
	for {
		attempts++
		acquired, err := fl.TryLock()
		if err != nil {
			fl.record(LockMetrics{Attempts: attempts, Waited: time.Since(start)})
			return err
		}
		if acquired {
			fl.record(LockMetrics{Attempts: attempts, Waited: time.Since(start)})
			return nil
		}
		if time.Now().After(deadline) {
			fl.record(LockMetrics{Attempts: attempts, Waited: time.Since(start), TimedOut: true})
			return fmt.Errorf("%w: %s", ErrLockTimeout, fl.path)
		}
		time.Sleep(backoff)
	}
}

// Unlock releases the lock.
// Returns an error if the unlock operation fails.
func (fl *FileLock) Unlock() error {
	err := fl.flock.Unlock()
	if err != nil {
		return fmt.Errorf("failed to release lock on %s: %w", fl.path, err)
	}
	return nil
}

// AtomicWrite writes data to a file atomically using a temp file and rename strategy.
// This ensures that readers never see partial writes, even if the write is interrupted.
//
// The process:
// 1. Create a temporary file in the same directory as the target
// 2. Write content to the temporary file
// 3. Rename the temporary file to the target path (atomic operation)
//
// If the operation fails at any point, the original file (if it exists) remains unchanged.
func AtomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, 0644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}

	tempFile = nil
	return nil
}
