// Package transfer runs upload and download sessions between local delimited
// files and the table store.
//
// A session is cut into units: byte-range blocks of the input on upload, and
// resolved partitions on download. A fixed pool of workers pulls units from
// a shared queue. Every finished unit is recorded in the session state before
// the worker moves on, so an interrupted session can be resumed and only the
// missing units run again.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/block"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/config"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/convert"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/logging"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/metrics"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/partition"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/session"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/tunnelerr"
)

// Engine starts and resumes transfer sessions.
type Engine struct {
	sessions *session.Store
	meta     partition.Metadata
	remote   Remote
	log      *slog.Logger
}

// NewEngine creates an engine. meta supplies schemas and partitions; remote
// opens the channels records flow through.
func NewEngine(sessions *session.Store, meta partition.Metadata, remote Remote) *Engine {
	return &Engine{
		sessions: sessions,
		meta:     meta,
		remote:   remote,
		log:      logging.Component("transfer"),
	}
}

// Request describes a new session.
type Request struct {
	Table string
	// Partition is the target partition on upload and a filter on download.
	Partition partition.Spec
	// Path is the input file or directory on upload, and the output file or
	// directory on download.
	Path   string
	Config config.Transfer
}

// Result summarizes a session run. It is returned alongside a failure too,
// so the caller can report the bad record samples and the session id to
// resume.
type Result struct {
	SessionID  string
	Direction  session.Direction
	Units      int
	Skipped    int
	Records    int64
	BadRecords int64
	Samples    []string
}

// unit is one block on upload or one partition on download.
type unit struct {
	seq  uint64
	size uint64
	blk  block.Block
	spec partition.Spec
	out  string
}

type plan struct {
	direction session.Direction
	table     string
	cfg       config.Transfer
	ch        Channel
	conv      *convert.Converter
	units     []unit
}

// Upload splits req.Path into blocks and writes them into req.Partition of
// req.Table. The data becomes visible only when every block has finished.
func (e *Engine) Upload(ctx context.Context, req Request) (*Result, error) {
	if err := req.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transfer options: %w", err)
	}
	id := uuid.NewString()
	p, err := e.planUpload(ctx, req, id)
	if err != nil {
		return nil, err
	}
	h, err := e.sessions.Create(session.State{
		SessionID: id,
		Direction: session.Upload,
		Table:     req.Table,
		Partition: req.Partition.String(),
		Path:      req.Path,
		Config:    req.Config,
	})
	if err != nil {
		return nil, err
	}
	return e.run(ctx, h, p)
}

// Download writes every partition of req.Table matching req.Partition into
// req.Path. A single partition goes to req.Path itself; several partitions
// go to one file each under the req.Path directory.
func (e *Engine) Download(ctx context.Context, req Request) (*Result, error) {
	if err := req.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transfer options: %w", err)
	}
	p, err := e.planDownload(ctx, req)
	if err != nil {
		return nil, err
	}
	h, err := e.sessions.Create(session.State{
		Direction: session.Download,
		Table:     req.Table,
		Partition: req.Partition.String(),
		Path:      req.Path,
		Config:    req.Config,
	})
	if err != nil {
		return nil, err
	}
	return e.run(ctx, h, p)
}

// Resume continues a failed or interrupted session with the options it was
// started with. Units already finished are skipped.
func (e *Engine) Resume(ctx context.Context, sessionID string) (*Result, error) {
	h, err := e.sessions.Open(sessionID)
	if err != nil {
		return nil, err
	}
	st := h.Snapshot()

	p, err := e.planResume(ctx, st)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("resume session %s: %w", sessionID, err)
	}

	e.log.Info("resuming session",
		"session_id", sessionID,
		"direction", st.Direction,
		"table", st.Table,
		"finished", len(st.FinishedBlockIDs),
		"units", len(p.units),
	)
	return e.run(ctx, h, p)
}

func (e *Engine) planResume(ctx context.Context, st session.State) (*plan, error) {
	if st.Status == session.StatusClosed {
		return nil, errors.New("session is already closed")
	}
	spec, err := partition.ParseSpec(st.Partition)
	if err != nil {
		return nil, err
	}
	req := Request{Table: st.Table, Partition: spec, Path: st.Path, Config: st.Config}
	if err := req.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid stored transfer options: %w", err)
	}

	switch st.Direction {
	case session.Upload:
		return e.planUpload(ctx, req, st.SessionID)
	case session.Download:
		return e.planDownload(ctx, req)
	default:
		return nil, fmt.Errorf("unknown direction %q", st.Direction)
	}
}

func (e *Engine) planUpload(ctx context.Context, req Request, sessionID string) (*plan, error) {
	ts, err := e.meta.Schema(ctx, req.Table)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	conv, err := convert.New(ts, req.Config)
	if err != nil {
		return nil, err
	}
	blocks, err := block.Split(req.Path, req.Config.BlockSize)
	if err != nil {
		return nil, err
	}
	ch, err := e.remote.OpenUpload(ctx, req.Table, req.Partition, sessionID)
	if err != nil {
		return nil, fmt.Errorf("open upload channel: %w", err)
	}
	if ch.IsScanOnly() {
		return nil, fmt.Errorf("channel for %s is scan-only", req.Table)
	}

	units := make([]unit, len(blocks))
	for i, b := range blocks {
		units[i] = unit{seq: b.Seq, size: b.Length, blk: b}
	}
	return &plan{
		direction: session.Upload,
		table:     req.Table,
		cfg:       req.Config,
		ch:        ch,
		conv:      conv,
		units:     units,
	}, nil
}

func (e *Engine) planDownload(ctx context.Context, req Request) (*plan, error) {
	ts, err := e.meta.Schema(ctx, req.Table)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}
	conv, err := convert.New(ts, req.Config)
	if err != nil {
		return nil, err
	}
	specs, err := partition.Resolve(ctx, e.meta, req.Table, req.Partition)
	if err != nil {
		return nil, err
	}
	ch, err := e.remote.OpenDownload(ctx, req.Table)
	if err != nil {
		return nil, fmt.Errorf("open download channel: %w", err)
	}

	units := make([]unit, len(specs))
	for i, spec := range specs {
		units[i] = unit{seq: uint64(i + 1), spec: spec, out: outputPath(req.Path, spec, len(specs))}
	}
	return &plan{
		direction: session.Download,
		table:     req.Table,
		cfg:       req.Config,
		ch:        ch,
		conv:      conv,
		units:     units,
	}, nil
}

// outputPath names the file a downloaded partition is written to.
func outputPath(path string, spec partition.Spec, total int) string {
	if total == 1 {
		return path
	}
	return filepath.Join(path, spec.FileName()+".txt")
}

// run drives an open session to completion or failure. h is released in
// either case.
func (e *Engine) run(ctx context.Context, h *session.Handle, p *plan) (*Result, error) {
	log := logging.SessionLogger(h.ID(), string(p.direction), p.table)
	start := time.Now()

	res := &Result{SessionID: h.ID(), Direction: p.direction, Units: len(p.units)}
	if err := h.SetStatus(session.StatusRunning, nil); err != nil {
		h.Close()
		return res, err
	}
	if m := metrics.Get(); m != nil {
		m.IncSessions(string(p.direction), string(session.StatusRunning))
	}

	bad, err := newBadRecords(h, p.cfg)
	if err != nil {
		return e.fail(log, h, res, err)
	}

	labels := metrics.Labels{Direction: string(p.direction), Table: p.table}
	var pending []unit
	for _, u := range p.units {
		if h.IsFinished(u.seq) {
			res.Skipped++
			if m := metrics.Get(); m != nil {
				m.IncBlocksSkipped(labels)
			}
			continue
		}
		pending = append(pending, u)
	}

	log.Info("starting transfer",
		"path", h.Snapshot().Path,
		"units", len(p.units),
		"pending", len(pending),
		"threads", p.cfg.Threads,
	)

	w := &worker{plan: p, handle: h, bad: bad, labels: labels}
	if err := dispatch(ctx, log, p.cfg.Threads, pending, w.process); err != nil {
		return e.fail(log, h, res, err)
	}
	if err := p.ch.Commit(ctx); err != nil {
		return e.fail(log, h, res, fmt.Errorf("commit: %w", err))
	}

	fillResult(h, res)
	if err := h.Complete(); err != nil {
		h.Close()
		return res, fmt.Errorf("complete session: %w", err)
	}
	if m := metrics.Get(); m != nil {
		m.IncSessions(string(p.direction), string(session.StatusClosed))
	}
	log.Info("transfer complete",
		"records", res.Records,
		"bad_records", res.BadRecords,
		"skipped", res.Skipped,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res, nil
}

// fail keeps the session on disk with status failed so it can be resumed.
func (e *Engine) fail(log *slog.Logger, h *session.Handle, res *Result, cause error) (*Result, error) {
	if err := h.SetStatus(session.StatusFailed, cause); err != nil {
		log.Error("failed to save session status", "error", err)
	}
	fillResult(h, res)
	// the unit that crossed the limit is only counted in the error
	var limit *tunnelerr.BadRecordLimitExceededError
	if errors.As(cause, &limit) {
		res.BadRecords = limit.Count
		res.Samples = limit.Samples
	}
	if err := h.Close(); err != nil {
		log.Warn("failed to release session lock", "error", err)
	}
	if m := metrics.Get(); m != nil {
		m.IncSessions(string(res.Direction), string(session.StatusFailed))
	}
	log.Error("transfer failed",
		"error", cause,
		"records", res.Records,
		"bad_records", res.BadRecords,
	)
	return res, cause
}

func fillResult(h *session.Handle, res *Result) {
	st := h.Snapshot()
	res.Records = st.RecordCount
	res.BadRecords = st.BadRecordCount
	if samples, err := h.BadRecords(); err == nil {
		res.Samples = samples
	}
}
