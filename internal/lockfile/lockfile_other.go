//go:build !unix

package lockfile

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
)

// acquire falls back to O_EXCL creation where flock is unavailable.
// Unlike the flock variant, a crashed holder leaves a stale file that
// must be removed by hand.
func acquire(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("lock %s is held by another process (remove the file if stale)", path)
		}
		return nil, fmt.Errorf("failed to create lock file: %w", err)
	}
	return file, nil
}

func release(path string, file *os.File) error {
	if err := file.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
