package transfer

import (
	"errors"
	"sync"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/config"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/session"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/tunnelerr"
)

// errBadRecordLimit stops an attempt once its bad records would push the
// session past the limit.
var errBadRecordLimit = errors.New("bad record limit reached")

// badBatch holds the bad records of one attempt at one unit. It is merged
// into the session only when the attempt ends the unit.
type badBatch struct {
	count   int64
	samples []string
}

// badRecords applies the bad record policy for a session.
type badRecords struct {
	h          *session.Handle
	discard    bool
	limit      int64
	maxSamples int

	mu     sync.Mutex
	stored int // samples already in the session
}

func newBadRecords(h *session.Handle, cfg config.Transfer) (*badRecords, error) {
	existing, err := h.BadRecords()
	if err != nil {
		return nil, err
	}
	return &badRecords{
		h:          h,
		discard:    cfg.DiscardBadRecords,
		limit:      cfg.MaxBadRecords,
		maxSamples: cfg.BadRecordSamples,
		stored:     len(existing),
	}, nil
}

// reject handles a record that failed conversion. It returns nil when the
// record is discarded, and an error when the unit has to stop.
func (b *badRecords) reject(batch *badBatch, raw []byte, cause error) error {
	if !b.discard || !tunnelerr.IsDataQuality(cause) {
		return cause
	}
	batch.count++
	if b.h.BadRecordCount()+batch.count > b.limit {
		return errBadRecordLimit
	}

	b.mu.Lock()
	room := b.stored+len(batch.samples) < b.maxSamples
	b.mu.Unlock()
	if room {
		batch.samples = append(batch.samples, string(raw))
	}
	return nil
}

// merge adds the batch of a finished unit to the session. A batch that would
// take the session past the limit is not persisted, so a resume that reads
// the unit again does not count its records twice.
func (b *badRecords) merge(batch *badBatch) error {
	if batch == nil || batch.count == 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.h.BadRecordCount()+batch.count > b.limit {
		return b.limitError(batch)
	}
	samples := batch.samples
	if room := b.maxSamples - b.stored; len(samples) > room {
		samples = samples[:max(room, 0)]
	}
	if err := b.h.AddBadRecords(batch.count, samples); err != nil {
		return err
	}
	b.stored += len(samples)
	return nil
}

// overLimit reports a unit whose attempt stopped on the limit.
func (b *badRecords) overLimit(batch *badBatch) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limitError(batch)
}

// limitError counts batch on top of the session without persisting it.
// It must be called with mu held.
func (b *badRecords) limitError(batch *badBatch) error {
	samples, err := b.h.BadRecords()
	if err != nil {
		return err
	}
	extra := batch.samples
	if room := b.maxSamples - len(samples); len(extra) > room {
		extra = extra[:max(room, 0)]
	}
	return &tunnelerr.BadRecordLimitExceededError{
		Limit:   b.limit,
		Count:   b.h.BadRecordCount() + batch.count,
		Samples: append(samples, extra...),
	}
}
