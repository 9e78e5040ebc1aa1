// Package session persists transfer session state on local disk so a failed
// or interrupted transfer can be resumed.
//
// Each session owns one directory under the store root:
//
//	<root>/<session-id>/session.json     state, rewritten atomically
//	<root>/<session-id>/bad_records.txt  sampled bad records, one per line
//	<root>/<session-id>/lock             advisory lock held while in use
package session

import (
	"time"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/config"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusCreated Status = "created"
	StatusRunning Status = "running"
	StatusClosed  Status = "closed"
	StatusFailed  Status = "failed"
)

// Direction says which way records flow.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// State is the persisted form of a session.
type State struct {
	SessionID        string          `json:"sessionId"`
	Status           Status          `json:"status"`
	Direction        Direction       `json:"direction"`
	Table            string          `json:"table"`
	Partition        string          `json:"partition,omitempty"`
	Path             string          `json:"path"`
	Config           config.Transfer `json:"config"`
	FinishedBlockIDs []uint64        `json:"finishedBlockIds"`
	BadRecordCount   int64           `json:"badRecordCount"`
	RecordCount      int64           `json:"recordCount"`
	Error            string          `json:"error,omitempty"`
	CreatedAt        time.Time       `json:"createdAt"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

const (
	stateFile      = "session.json"
	badRecordsFile = "bad_records.txt"
	lockFile       = "lock"
)
