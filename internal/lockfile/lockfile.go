// Package lockfile guards single-instance processes such as the
// mirror daemon: only one holder per lock path at a time.
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

// Lock is a held file lock. Release it with Unlock.
type Lock struct {
	path string
	file *os.File
}

// Acquire takes the lock at path, creating parent directories as
// needed. It fails immediately (no blocking) when another process
// holds the lock.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}

	file, err := acquire(path)
	if err != nil {
		return nil, err
	}

	// Record the holder pid for diagnostics; the lock itself does not
	// depend on it.
	_ = file.Truncate(0)
	_, _ = file.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)

	return &Lock{path: path, file: file}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string { return l.path }

// Unlock releases the lock. Idempotent.
func (l *Lock) Unlock() error {
	if l.file == nil {
		return nil
	}
	err := release(l.path, l.file)
	l.file = nil
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
