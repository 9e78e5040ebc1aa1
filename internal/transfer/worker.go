package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/logging"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/metrics"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/session"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/textio"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/tunnelerr"
)

// dispatch runs fn over units on a fixed pool of workers sharing one queue.
// The first error cancels the rest; workers stop pulling new units once the
// context is done.
func dispatch(ctx context.Context, log *slog.Logger, threads int, units []unit, fn func(context.Context, *slog.Logger, unit) error) error {
	if len(units) == 0 {
		return nil
	}
	queue := make(chan unit, len(units))
	for _, u := range units {
		queue <- u
	}
	close(queue)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < min(threads, len(units)); i++ {
		wlog := logging.WorkerLogger(log, i)
		g.Go(func() error {
			for u := range queue {
				if err := gctx.Err(); err != nil {
					return err
				}
				if m := metrics.Get(); m != nil {
					m.SetQueueDepth(float64(len(queue)))
				}
				if err := fn(gctx, wlog, u); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

type worker struct {
	plan   *plan
	handle *session.Handle
	bad    *badRecords
	labels metrics.Labels
}

// process moves one unit, retrying transient failures, and records it as
// finished before returning.
func (w *worker) process(ctx context.Context, log *slog.Logger, u unit) error {
	var attempt func(context.Context, *badBatch) (int64, error)
	if w.plan.direction == session.Upload {
		log = logging.BlockLogger(log, u.seq, u.blk.Path, u.blk.Start, u.blk.Length)
		attempt = func(ctx context.Context, batch *badBatch) (int64, error) {
			return w.uploadBlock(ctx, u, batch)
		}
	} else {
		log = log.With("unit", u.seq, "partition", u.spec.String(), "file", u.out)
		attempt = func(ctx context.Context, batch *badBatch) (int64, error) {
			return w.downloadPartition(ctx, u, batch)
		}
	}

	m := metrics.Get()
	if m != nil {
		m.AddInFlightBlocks(1)
		defer m.AddInFlightBlocks(-1)
	}
	log.Debug("processing unit")
	start := time.Now()

	var (
		records int64
		batch   *badBatch
	)
	err := w.retry(ctx, log, func() error {
		// bad records of a failed attempt are dropped with it
		batch = &badBatch{}
		var err error
		records, err = attempt(ctx, batch)
		return err
	})
	if errors.Is(err, errBadRecordLimit) {
		err = w.bad.overLimit(batch)
	} else if err == nil {
		err = w.bad.merge(batch)
	}
	if err != nil {
		if m != nil {
			m.IncBlocksFailed(w.labels)
		}
		return fmt.Errorf("unit %d: %w", u.seq, err)
	}

	if err := w.handle.MarkFinished(u.seq, records); err != nil {
		return err
	}

	elapsed := time.Since(start)
	if m != nil {
		m.IncBlocksProcessed(w.labels)
		m.ObserveBlockDuration(w.labels, elapsed.Seconds())
		m.AddRecords(w.labels, float64(records))
		m.AddBadRecords(w.labels, float64(batch.count))
		m.AddBytes(w.labels, float64(u.size))
	}
	log.Info("unit finished",
		"records", records,
		"bad_records", batch.count,
		"duration_ms", elapsed.Milliseconds(),
	)
	return nil
}

// retry runs op until it succeeds, fails with a non-transient error, or has
// used up the configured attempts at a fixed delay.
func (w *worker) retry(ctx context.Context, log *slog.Logger, op func() error) error {
	cfg := w.plan.cfg
	attempts := 0
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.RetryDelay), uint64(cfg.RetryAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(func() error {
		attempts++
		err := op()
		if err == nil || tunnelerr.IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, b, func(err error, next time.Duration) {
		log.Warn("unit attempt failed, retrying",
			"attempt", attempts,
			"next_in", next,
			"error", err,
		)
		if m := metrics.Get(); m != nil {
			m.IncRetryAttempts(w.labels)
		}
	})
	if err != nil && tunnelerr.IsTransient(err) {
		return fmt.Errorf("failed after %d attempts: %w", attempts, err)
	}
	return err
}

// uploadBlock reads the records owned by one block and writes them through
// a fresh block writer. A failed attempt never leaves a published block.
func (w *worker) uploadBlock(ctx context.Context, u unit, batch *badBatch) (int64, error) {
	p := w.plan
	r, err := textio.Open(u.blk, textio.OptionsFrom(p.cfg))
	if err != nil {
		return 0, &tunnelerr.TransientIOError{Op: "open block", Err: err}
	}
	defer r.Close()

	bw, err := p.ch.OpenWriter(ctx, u.seq)
	if err != nil {
		return 0, err
	}
	closed := false
	defer func() {
		if !closed {
			discard(bw)
		}
	}()

	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		fields, err := r.ReadTextRecord()
		if err != nil {
			if errors.Is(err, textio.ErrRecordTooLarge) {
				return n, err
			}
			return n, &tunnelerr.TransientIOError{Op: "read block", Err: err}
		}
		if fields == nil {
			break
		}

		rec, err := p.conv.Parse(fields)
		if err != nil {
			if err := w.bad.reject(batch, r.LastRaw(), err); err != nil {
				return n, fmt.Errorf("%s offset %d: %w", u.blk.Path, r.Offset(), err)
			}
			continue
		}
		if err := bw.Write(rec); err != nil {
			return n, err
		}
		n++
	}

	closed = true
	if err := bw.Close(); err != nil {
		return n, err
	}
	return n, nil
}

// downloadPartition scans one partition into its output file. The file is
// written under a temporary name and renamed into place at the end.
func (w *worker) downloadPartition(ctx context.Context, u unit, batch *badBatch) (int64, error) {
	p := w.plan
	fw, err := textio.CreateFile(u.out, textio.OptionsFrom(p.cfg))
	if err != nil {
		return 0, &tunnelerr.TransientIOError{Op: "create output", Err: err}
	}
	committed := false
	defer func() {
		if !committed {
			fw.Abort()
		}
	}()

	if p.cfg.Header {
		header, err := p.conv.Header()
		if err != nil {
			return 0, err
		}
		if err := fw.WriteRecord(header); err != nil {
			return 0, &tunnelerr.TransientIOError{Op: "write output", Err: err}
		}
	}

	rr, err := p.ch.OpenReader(ctx, u.spec)
	if err != nil {
		return 0, err
	}
	defer rr.Close()

	var n int64
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		rec, ok := rr.Next()
		if !ok {
			break
		}
		fields, err := p.conv.Format(rec)
		if err != nil {
			if err := w.bad.reject(batch, []byte(fmt.Sprint(rec.Values)), err); err != nil {
				return n, fmt.Errorf("record %d: %w", n+1, err)
			}
			continue
		}
		if err := fw.WriteRecord(fields); err != nil {
			return n, &tunnelerr.TransientIOError{Op: "write output", Err: err}
		}
		n++
	}
	if err := rr.Err(); err != nil {
		return n, err
	}

	committed = true
	if err := fw.Commit(); err != nil {
		return n, &tunnelerr.TransientIOError{Op: "commit output", Err: err}
	}
	return n, nil
}

// discard drops a partial block, closing it when the writer cannot abort.
func discard(w RecordWriter) {
	if a, ok := w.(aborter); ok {
		a.Abort()
		return
	}
	w.Close()
}
