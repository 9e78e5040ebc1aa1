// Package audit keeps a tamper-evident log of table commits. Each event
// carries the hash of the previous event for the same table, so a rewritten
// or dropped event breaks the chain.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

const (
	eventVersion    = "1.0"
	eventTypeCommit = "table_commit"
)

// Event is one committed upload session.
type Event struct {
	Version   string    `json:"version"`
	EventType string    `json:"event_type"`
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`

	Commit   CommitInfo   `json:"commit"`
	Files    []FileInfo   `json:"files"`
	Producer ProducerInfo `json:"producer"`
	Chain    ChainInfo    `json:"chain"`
}

// CommitInfo identifies what was committed.
type CommitInfo struct {
	Table       string    `json:"table"`
	Partition   string    `json:"partition"`
	SessionID   string    `json:"session_id"`
	CommittedAt time.Time `json:"committed_at"`
}

// FileInfo describes one data file published by the commit.
type FileInfo struct {
	BlockSeq uint64 `json:"block_seq"`
	URI      string `json:"uri"`
	Checksum string `json:"checksum"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo identifies the software that produced the data.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	GitSHA  string `json:"git_sha"`
}

// ChainInfo places an event in its table's chain. Seq starts at 1 and the
// first event has no previous hash.
type ChainInfo struct {
	Seq           uint64 `json:"seq"`
	PrevEventHash string `json:"prev_event_hash"`
	EventHash     string `json:"event_hash"`
}

// ChainKey returns the chain an event belongs to. Every table has its own.
func (e *Event) ChainKey() string {
	return e.Commit.Table
}

// Hash returns the sha256 of the event's JSON form with its own hash blanked.
// The commit, files, producer, seq and previous hash are all covered.
func (e *Event) Hash() (string, error) {
	cp := *e
	cp.Chain.EventHash = ""

	canonical, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
