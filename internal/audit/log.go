package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/config"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/logging"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/tablestore"
)

const eventsDir = "events"

var _ tablestore.CommitRecorder = (*Log)(nil)

// Log records table commits as chained events. Every event is written under
// the audit directory. When an endpoint is configured it is also POSTed there
// and the chain only advances once the endpoint accepts it.
type Log struct {
	dir      string
	endpoint string
	producer ProducerInfo
	client   *http.Client
	heads    *Heads
	log      *slog.Logger

	attempts int
	delay    time.Duration
	now      func() time.Time

	mu sync.Mutex // one event in flight so each sees the previous head
}

// New opens the audit log in cfg.Dir.
func New(cfg config.AuditConfig, producer ProducerInfo) (*Log, error) {
	heads, err := OpenHeads(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, eventsDir), 0755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	return &Log{
		dir:      cfg.Dir,
		endpoint: cfg.Endpoint,
		producer: producer,
		client:   &http.Client{Timeout: 30 * time.Second},
		heads:    heads,
		log:      logging.Component("audit"),
		attempts: 3,
		delay:    time.Second,
		now:      time.Now,
	}, nil
}

// RecordCommit emits the event for one commit.
func (l *Log) RecordCommit(ctx context.Context, rec tablestore.CommitRecord) error {
	evt := &Event{
		Version:   eventVersion,
		EventType: eventTypeCommit,
		EventID:   uuid.NewString(),
		Commit: CommitInfo{
			Table:       rec.Table,
			Partition:   rec.Partition,
			SessionID:   rec.SessionID,
			CommittedAt: rec.CommittedAt.UTC(),
		},
		Files:    make([]FileInfo, len(rec.Files)),
		Producer: l.producer,
	}
	for i, f := range rec.Files {
		evt.Files[i] = FileInfo{BlockSeq: f.BlockSeq, URI: f.URI, Checksum: f.Checksum, ByteSize: f.Size}
	}
	return l.Emit(ctx, evt)
}

// Emit links evt to its chain, saves it and sends it to the endpoint.
func (l *Log) Emit(ctx context.Context, evt *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.heads.Link(evt); err != nil {
		return fmt.Errorf("link audit event: %w", err)
	}
	evt.Timestamp = l.now().UTC()
	hash, err := evt.Hash()
	if err != nil {
		return err
	}
	evt.Chain.EventHash = hash

	log := l.log.With("table", evt.ChainKey(), "seq", evt.Chain.Seq, "session_id", evt.Commit.SessionID, "event_id", evt.EventID)
	log.Debug("emitting audit event", "prev_hash", evt.Chain.PrevEventHash, "event_hash", hash)

	path, err := l.save(evt)
	if err != nil {
		if l.endpoint == "" {
			return fmt.Errorf("save audit event: %w", err)
		}
		log.Warn("failed to save audit event, posting anyway", "error", err)
	}

	if l.endpoint != "" {
		if err := l.postWithRetry(ctx, log, evt); err != nil {
			return fmt.Errorf("post audit event: %w", err)
		}
	}

	if err := l.heads.Advance(evt, evt.Timestamp); err != nil {
		return fmt.Errorf("update chain head: %w", err)
	}
	log.Info("audit event recorded", "path", path, "files", len(evt.Files))
	return nil
}

func (l *Log) save(evt *Event) (string, error) {
	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}
	name := fmt.Sprintf("%s_%s.json", evt.Commit.Table, evt.EventID)
	path := filepath.Join(l.dir, eventsDir, name)
	return path, writeAtomic(path, data)
}

func (l *Log) postWithRetry(ctx context.Context, log *slog.Logger, evt *Event) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.delay
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		return l.post(ctx, evt)
	}
	notify := func(err error, next time.Duration) {
		log.Warn("audit post failed, retrying",
			"attempt", attempt,
			"max_attempts", l.attempts,
			"retry_in", next,
			"error", err,
		)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(l.attempts-1)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("after %d attempts: %w", attempt, err)
	}
	return nil
}

func (l *Log) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal event: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("http %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	// the endpoint rejected the event itself; resending will not help
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}
