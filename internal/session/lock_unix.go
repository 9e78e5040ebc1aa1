//go:build unix

package session

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// flockLock is a flock(2) lock on a file. Locks belong to the open file
// description, so two handles in one process exclude each other too.
type flockLock struct {
	path string
	f    *os.File
}

func newFileLock(path string) Locker {
	return &flockLock{path: path}
}

func (l *flockLock) TryLock() (bool, error) {
	if l.f != nil {
		return false, fmt.Errorf("lock %s already held by this handle", l.path)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("flock %s: %w", l.path, err)
	}
	l.f = f
	return true, nil
}

func (l *flockLock) Unlock() error {
	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close()
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return f.Close()
}
