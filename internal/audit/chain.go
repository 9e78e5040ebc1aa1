package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrChainMoved means another writer advanced the table's chain between
// linking an event and accepting it.
var ErrChainMoved = errors.New("audit chain advanced by another writer")

const headsFile = "chain-heads.json"

// Head is the newest accepted event of one table's chain.
type Head struct {
	Seq       uint64    `json:"seq"`
	Hash      string    `json:"hash"`
	SessionID string    `json:"session_id"`
	Partition string    `json:"partition"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Heads is the persisted set of chain heads, one per table. Every operation
// re-reads the file so commits from other processes are seen.
type Heads struct {
	mu    sync.Mutex
	path  string
	heads map[string]Head
}

// OpenHeads loads the heads persisted under dir.
func OpenHeads(dir string) (*Heads, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	h := &Heads{path: filepath.Join(dir, headsFile)}
	if err := h.reload(); err != nil {
		return nil, err
	}
	return h, nil
}

// Get returns the head of table's chain, false when nothing was accepted yet.
func (h *Heads) Get(table string) (Head, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reload(); err != nil {
		return Head{}, false, err
	}
	head, ok := h.heads[table]
	return head, ok, nil
}

// Link sets evt's seq and previous hash from the current head of its table.
func (h *Heads) Link(evt *Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reload(); err != nil {
		return err
	}
	head := h.heads[evt.ChainKey()]
	evt.Chain.Seq = head.Seq + 1
	evt.Chain.PrevEventHash = head.Hash
	return nil
}

// Advance makes the linked and hashed evt the head of its table.
func (h *Heads) Advance(evt *Event, at time.Time) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.reload(); err != nil {
		return err
	}
	key := evt.ChainKey()
	cur := h.heads[key]
	if cur.Hash != evt.Chain.PrevEventHash || cur.Seq+1 != evt.Chain.Seq {
		return fmt.Errorf("%w: %s is at seq %d, event expects %d", ErrChainMoved, key, cur.Seq, evt.Chain.Seq-1)
	}
	h.heads[key] = Head{
		Seq:       evt.Chain.Seq,
		Hash:      evt.Chain.EventHash,
		SessionID: evt.Commit.SessionID,
		Partition: evt.Commit.Partition,
		UpdatedAt: at.UTC(),
	}
	return h.save()
}

func (h *Heads) reload() error {
	heads := make(map[string]Head)
	data, err := os.ReadFile(h.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("read chain heads: %w", err)
	default:
		if err := json.Unmarshal(data, &heads); err != nil {
			return fmt.Errorf("parse chain heads: %w", err)
		}
	}
	h.heads = heads
	return nil
}

func (h *Heads) save() error {
	data, err := json.MarshalIndent(h.heads, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(h.path, data)
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
