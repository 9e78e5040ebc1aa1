//go:build !unix

package session

import (
	"errors"
	"fmt"
	"os"
)

// exclLock marks ownership by exclusively creating a sibling file. A crashed
// holder leaves the file behind; remove it by hand to resume.
type exclLock struct {
	path string
	held bool
}

func newFileLock(path string) Locker {
	return &exclLock{path: path + ".held"}
}

func (l *exclLock) TryLock() (bool, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create lock file: %w", err)
	}
	f.Close()
	l.held = true
	return true, nil
}

func (l *exclLock) Unlock() error {
	if !l.held {
		return nil
	}
	l.held = false
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}
