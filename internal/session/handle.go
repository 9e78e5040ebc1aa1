package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Handle is an open, locked session. All methods are safe for concurrent use.
type Handle struct {
	mu       sync.Mutex
	store    *Store
	dir      string
	lock     Locker
	state    State
	finished map[uint64]struct{}
	closed   bool
}

func newHandle(s *Store, dir string, lock Locker, st State) *Handle {
	h := &Handle{
		store:    s,
		dir:      dir,
		lock:     lock,
		state:    st,
		finished: make(map[uint64]struct{}, len(st.FinishedBlockIDs)),
	}
	for _, id := range st.FinishedBlockIDs {
		h.finished[id] = struct{}{}
	}
	return h
}

// ID returns the session id.
func (h *Handle) ID() string { return h.state.SessionID }

// Snapshot returns a copy of the current state.
func (h *Handle) Snapshot() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.state
	st.FinishedBlockIDs = append([]uint64(nil), h.state.FinishedBlockIDs...)
	return st
}

// IsFinished reports whether the unit with this sequence number is done.
func (h *Handle) IsFinished(seq uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.finished[seq]
	return ok
}

// MarkFinished records a completed unit and the records it moved, and
// persists the state before returning.
func (h *Handle) MarkFinished(seq uint64, records int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.finished[seq]; ok {
		return nil
	}
	h.finished[seq] = struct{}{}
	h.state.FinishedBlockIDs = append(h.state.FinishedBlockIDs, seq)
	h.state.RecordCount += records
	return h.persist()
}

// BadRecordCount returns the bad records counted so far.
func (h *Handle) BadRecordCount() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.BadRecordCount
}

// AddBadRecords adds count to the session total and appends samples to the
// bad record file.
func (h *Handle) AddBadRecords(count int64, samples []string) error {
	if count == 0 && len(samples) == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(samples) > 0 {
		f, err := os.OpenFile(filepath.Join(h.dir, badRecordsFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("open bad record file: %w", err)
		}
		w := bufio.NewWriter(f)
		for _, s := range samples {
			w.WriteString(lineEscaper.Replace(s))
			w.WriteByte('\n')
		}
		if err := w.Flush(); err != nil {
			f.Close()
			return fmt.Errorf("write bad record file: %w", err)
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("close bad record file: %w", err)
		}
	}

	h.state.BadRecordCount += count
	return h.persist()
}

// BadRecords returns the sampled bad records in the order they were added.
func (h *Handle) BadRecords() ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return readBadRecords(h.dir)
}

// SetStatus records a status change. cause, when set, is kept as the
// session error.
func (h *Handle) SetStatus(status Status, cause error) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.Status = status
	if cause != nil {
		h.state.Error = cause.Error()
	} else if status != StatusFailed {
		h.state.Error = ""
	}
	return h.persist()
}

// Complete marks the session closed, archives it when an archive directory
// is configured, and removes its directory.
func (h *Handle) Complete() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}

	h.state.Status = StatusClosed
	h.state.Error = ""
	h.state.UpdatedAt = h.store.now().UTC()

	if h.store.archiveDir != "" {
		bad, err := readBadRecords(h.dir)
		if err != nil {
			return err
		}
		if err := writeArchive(h.store.archiveDir, &Archive{State: h.state, BadRecords: bad}); err != nil {
			return err
		}
	}

	if err := os.RemoveAll(h.dir); err != nil {
		return fmt.Errorf("remove session %s: %w", h.state.SessionID, err)
	}
	h.closed = true
	return h.lock.Unlock()
}

// Close releases the lock and leaves the state on disk for a later resume.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return h.lock.Unlock()
}

// persist must be called with mu held.
func (h *Handle) persist() error {
	h.state.UpdatedAt = h.store.now().UTC()
	data, err := json.MarshalIndent(h.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session state: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(h.dir, stateFile), data); err != nil {
		return fmt.Errorf("save session state: %w", err)
	}
	return nil
}

var (
	lineEscaper   = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`)
	lineUnescaper = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\r`, "\r")
)

func readBadRecords(dir string) ([]string, error) {
	data, err := os.ReadFile(filepath.Join(dir, badRecordsFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read bad record file: %w", err)
	}
	var out []string
	for _, line := range strings.Split(string(data), "\n") {
		if line == "" {
			continue
		}
		out = append(out, lineUnescaper.Replace(line))
	}
	return out, nil
}
