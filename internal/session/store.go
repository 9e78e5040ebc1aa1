package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/config"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/tunnelerr"
)

// Store manages session directories under one root.
type Store struct {
	root       string
	archiveDir string
	now        func() time.Time
}

// NewStore creates the root directory if needed.
func NewStore(cfg config.SessionConfig) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("session directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create session directory %s: %w", cfg.Dir, err)
	}
	if cfg.ArchiveDir != "" {
		if err := os.MkdirAll(cfg.ArchiveDir, 0755); err != nil {
			return nil, fmt.Errorf("create archive directory %s: %w", cfg.ArchiveDir, err)
		}
	}
	return &Store{root: cfg.Dir, archiveDir: cfg.ArchiveDir, now: time.Now}, nil
}

func (s *Store) dir(id string) string { return filepath.Join(s.root, id) }

// Create starts a new session from st and returns it locked. A session id
// is generated when st has none.
func (s *Store) Create(st State) (*Handle, error) {
	if st.SessionID == "" {
		st.SessionID = uuid.NewString()
	}
	dir := s.dir(st.SessionID)
	if err := os.Mkdir(dir, 0755); err != nil {
		return nil, fmt.Errorf("create session %s: %w", st.SessionID, err)
	}

	lock := newFileLock(filepath.Join(dir, lockFile))
	if ok, err := lock.TryLock(); err != nil {
		return nil, err
	} else if !ok {
		return nil, &tunnelerr.SessionLockedError{SessionID: st.SessionID}
	}

	now := s.now().UTC()
	st.Status = StatusCreated
	st.CreatedAt = now
	st.UpdatedAt = now
	if st.FinishedBlockIDs == nil {
		st.FinishedBlockIDs = []uint64{}
	}

	h := newHandle(s, dir, lock, st)
	if err := os.WriteFile(filepath.Join(dir, badRecordsFile), nil, 0644); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("create bad record file: %w", err)
	}
	if err := h.persist(); err != nil {
		lock.Unlock()
		return nil, err
	}
	return h, nil
}

// Open locks an existing session for resuming.
func (s *Store) Open(id string) (*Handle, error) {
	dir := s.dir(id)
	if _, err := os.Stat(filepath.Join(dir, stateFile)); err != nil {
		if os.IsNotExist(err) {
			return nil, &tunnelerr.NotFoundError{Kind: "session", Name: id}
		}
		return nil, fmt.Errorf("stat session %s: %w", id, err)
	}

	lock := newFileLock(filepath.Join(dir, lockFile))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &tunnelerr.SessionLockedError{SessionID: id}
	}

	st, err := s.Load(id)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	return newHandle(s, dir, lock, *st), nil
}

// Load reads a session's state without locking it.
func (s *Store) Load(id string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(s.dir(id), stateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &tunnelerr.NotFoundError{Kind: "session", Name: id}
		}
		return nil, fmt.Errorf("read session file: %w", err)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse session file: %w", err)
	}
	return &st, nil
}

// List returns all sessions, newest first. Directories without a readable
// state file are skipped.
func (s *Store) List() ([]State, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read session directory: %w", err)
	}

	var out []State
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		st, err := s.Load(e.Name())
		if err != nil {
			continue
		}
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// InUse reports whether another handle holds the session lock.
func (s *Store) InUse(id string) (bool, error) {
	lock := newFileLock(filepath.Join(s.dir(id), lockFile))
	ok, err := lock.TryLock()
	if err != nil {
		return false, err
	}
	if ok {
		return false, lock.Unlock()
	}
	return true, nil
}

// Delete removes a session that is not in use.
func (s *Store) Delete(id string) error {
	dir := s.dir(id)
	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return &tunnelerr.NotFoundError{Kind: "session", Name: id}
		}
		return fmt.Errorf("stat session %s: %w", id, err)
	}

	lock := newFileLock(filepath.Join(dir, lockFile))
	ok, err := lock.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return &tunnelerr.SessionLockedError{SessionID: id}
	}
	defer lock.Unlock()

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove session %s: %w", id, err)
	}
	return nil
}

// Purge deletes sessions last updated more than olderThan ago and returns
// their ids. Sessions in use are left alone.
func (s *Store) Purge(olderThan time.Duration) ([]string, error) {
	states, err := s.List()
	if err != nil {
		return nil, err
	}

	cutoff := s.now().Add(-olderThan)
	var removed []string
	for _, st := range states {
		if !st.UpdatedAt.Before(cutoff) {
			continue
		}
		err := s.Delete(st.SessionID)
		var locked *tunnelerr.SessionLockedError
		if errors.As(err, &locked) {
			continue
		}
		if err != nil {
			return removed, err
		}
		removed = append(removed, st.SessionID)
	}
	return removed, nil
}

// writeFileAtomic writes data to a temp file and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
