//go:build unix

package filelock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// osFileLock wraps an advisory BSD/Linux flock(2) on a sidecar "<path>.lock"
// file, giving cross-process exclusion to match CBForest's platform file
// lock on Database::File. It only ever locks/unlocks the whole file.
type osFileLock struct {
	fd int
}

func newOSFileLock(path string) (*osFileLock, error) {
	fd, err := unix.Open(path+".lock", unix.O_CREAT|unix.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("could not open lock file for %s: %w", path, err)
	}

	return &osFileLock{fd: fd}, nil
}

func (l *osFileLock) lock() error {
	if err := unix.Flock(l.fd, unix.LOCK_EX); err != nil {
		return fmt.Errorf("could not acquire file lock: %w", err)
	}

	return nil
}

func (l *osFileLock) unlock() error {
	if err := unix.Flock(l.fd, unix.LOCK_UN); err != nil {
		return fmt.Errorf("could not release file lock: %w", err)
	}

	return nil
}

func (l *osFileLock) close() error {
	return os.NewFile(uintptr(l.fd), "").Close()
}
