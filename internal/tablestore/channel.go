package tablestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/parquet-go/parquet-go"
	"gocloud.dev/blob"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/partition"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/schema"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/transfer"
)

const (
	parquetContentType = "application/vnd.apache.parquet"
	readBatchSize      = 256
)

// Channel moves records of one table through the store. An upload channel
// stages one parquet file per block; a download channel only scans.
type Channel struct {
	store     *Store
	table     *schema.TableSchema
	spec      partition.Spec
	sessionID string
	codec     *rowCodec
	scanOnly  bool
}

var (
	_ transfer.Channel = (*Channel)(nil)
	_ transfer.Remote  = (*Store)(nil)
)

// UploadChannel opens a channel writing into one partition of table. A
// partitioned table needs a value for every partition key.
func (s *Store) UploadChannel(ctx context.Context, table string, spec partition.Spec, sessionID string) (*Channel, error) {
	ts, err := s.Schema(ctx, table)
	if err != nil {
		return nil, err
	}
	target, err := uploadTarget(ts, spec)
	if err != nil {
		return nil, err
	}
	codec, err := newRowCodec(ts)
	if err != nil {
		return nil, err
	}
	return &Channel{store: s, table: ts, spec: target, sessionID: sessionID, codec: codec}, nil
}

// DownloadChannel opens a scan-only channel over table.
func (s *Store) DownloadChannel(ctx context.Context, table string) (*Channel, error) {
	ts, err := s.Schema(ctx, table)
	if err != nil {
		return nil, err
	}
	codec, err := newRowCodec(ts)
	if err != nil {
		return nil, err
	}
	return &Channel{store: s, table: ts, codec: codec, scanOnly: true}, nil
}

// OpenUpload implements transfer.Remote.
func (s *Store) OpenUpload(ctx context.Context, table string, spec partition.Spec, sessionID string) (transfer.Channel, error) {
	ch, err := s.UploadChannel(ctx, table, spec, sessionID)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// OpenDownload implements transfer.Remote.
func (s *Store) OpenDownload(ctx context.Context, table string) (transfer.Channel, error) {
	ch, err := s.DownloadChannel(ctx, table)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// uploadTarget checks spec names exactly the partition keys of ts and puts
// it in key order.
func uploadTarget(ts *schema.TableSchema, spec partition.Spec) (partition.Spec, error) {
	if !ts.IsPartitioned() {
		if len(spec) > 0 {
			return nil, fmt.Errorf("table %s is not partitioned, got partition %s", ts.Name, spec)
		}
		return nil, nil
	}
	for _, kv := range spec {
		if !ts.HasPartitionKey(kv.Key) {
			return nil, fmt.Errorf("unknown partition key %q for table %s", kv.Key, ts.Name)
		}
	}
	target := make(partition.Spec, 0, len(ts.PartitionKeys))
	for _, k := range ts.PartitionKeys {
		v, ok := spec.Get(k)
		if !ok {
			return nil, fmt.Errorf("upload to %s needs a value for partition key %s", ts.Name, k)
		}
		target = append(target, partition.KV{Key: k, Value: v})
	}
	return target, nil
}

// Schema returns the table schema.
func (c *Channel) Schema() *schema.TableSchema { return c.table }

func (c *Channel) IsScanOnly() bool { return c.scanOnly }

// OpenWriter stages a new parquet file for the block, replacing any
// earlier attempt at the same block.
func (c *Channel) OpenWriter(ctx context.Context, blockSeq uint64) (transfer.RecordWriter, error) {
	if c.scanOnly {
		return nil, errors.New("channel is scan-only")
	}
	key := c.store.stagingKey(c.table.Name, c.sessionID, blockSeq)

	wctx, cancel := context.WithCancel(ctx)
	bw, err := c.store.bucket.NewWriter(wctx, key, &blob.WriterOptions{ContentType: parquetContentType})
	if err != nil {
		cancel()
		return nil, c.store.ioErr("open_writer", err)
	}
	return &blockWriter{
		key:    key,
		store:  c.store,
		codec:  c.codec,
		blob:   bw,
		pw:     parquet.NewWriter(bw, c.codec.schema, parquet.Compression(&parquet.Zstd)),
		cancel: cancel,
	}, nil
}

// OpenReader scans the committed files of one partition in key order.
func (c *Channel) OpenReader(ctx context.Context, spec partition.Spec) (transfer.RecordReader, error) {
	prefix := c.store.dataPrefix(c.table.Name, spec)
	keys, err := c.store.list(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, k := range keys {
		// files of nested partitions belong to their own spec
		if strings.HasSuffix(k, parquetExt) && !strings.Contains(strings.TrimPrefix(k, prefix), "/") {
			files = append(files, k)
		}
	}
	return &partitionReader{ctx: ctx, store: c.store, codec: c.codec, keys: files}, nil
}

// Commit publishes the staged blocks of the session into the target
// partition and deletes the staging files. Running it again after a crash
// publishes the same keys.
func (c *Channel) Commit(ctx context.Context) error {
	if c.scanOnly {
		return nil
	}
	staged, err := c.store.list(ctx, c.store.stagingPrefix(c.table.Name, c.sessionID))
	if err != nil {
		return err
	}
	sort.Strings(staged)

	var files []CommittedFile
	for _, src := range staged {
		seq, err := parseBlockSeq(src)
		if err != nil {
			return err
		}
		dst := c.store.dataKey(c.table.Name, c.spec, c.sessionID, seq)
		size, sum, err := c.store.copyObject(ctx, src, dst)
		if err != nil {
			return c.store.ioErr("commit", err)
		}
		files = append(files, CommittedFile{
			BlockSeq: seq,
			Key:      dst,
			URI:      c.store.URI(dst),
			Size:     size,
			Checksum: sum,
		})
	}

	if len(c.spec) > 0 {
		marker := c.store.dataPrefix(c.table.Name, c.spec) + partitionMarker
		if err := c.store.bucket.WriteAll(ctx, marker, nil, nil); err != nil {
			return c.store.ioErr("commit", err)
		}
	}

	for _, src := range staged {
		if err := c.store.bucket.Delete(ctx, src); err != nil {
			c.store.log.Warn("failed to delete staged block", "key", src, "error", err)
		}
	}

	c.store.log.Info("committed session",
		"table", c.table.Name,
		"partition", c.spec.String(),
		"session_id", c.sessionID,
		"files", len(files),
	)

	rec := CommitRecord{
		Table:       c.table.Name,
		Partition:   c.spec.Path(),
		SessionID:   c.sessionID,
		Files:       files,
		CommittedAt: c.store.now().UTC(),
	}
	for _, r := range c.store.recorders {
		if err := r.RecordCommit(ctx, rec); err != nil {
			return fmt.Errorf("record commit: %w", err)
		}
	}
	return nil
}

func parseBlockSeq(key string) (uint64, error) {
	var seq uint64
	if _, err := fmt.Sscanf(path.Base(key), "block-%d.parquet", &seq); err != nil {
		return 0, fmt.Errorf("unexpected staged file %s: %w", key, err)
	}
	return seq, nil
}

type blockWriter struct {
	key    string
	store  *Store
	codec  *rowCodec
	blob   *blob.Writer
	pw     *parquet.Writer
	cancel context.CancelFunc
	done   bool
}

func (w *blockWriter) Write(rec *schema.Record) error {
	row, err := w.codec.encode(rec)
	if err != nil {
		return err
	}
	if _, err := w.pw.WriteRows([]parquet.Row{row}); err != nil {
		return w.store.ioErr("write", err)
	}
	return nil
}

func (w *blockWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	defer w.cancel()

	if err := w.pw.Close(); err != nil {
		w.cancel()
		w.blob.Close()
		return w.store.ioErr("write", err)
	}
	if err := w.blob.Close(); err != nil {
		return w.store.ioErr("write", err)
	}
	return nil
}

// Abort drops the staged file without publishing a partial block.
func (w *blockWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	// a canceled context makes the blob writer discard its data
	w.cancel()
	w.blob.Close()
	return nil
}

type partitionReader struct {
	ctx   context.Context
	store *Store
	codec *rowCodec
	keys  []string

	next    int // next key to open
	groups  []parquet.RowGroup
	group   int
	rows    parquet.Rows
	buf     []parquet.Row
	pending []*schema.Record
	err     error
}

func (r *partitionReader) Next() (*schema.Record, bool) {
	for {
		if r.err != nil {
			return nil, false
		}
		if len(r.pending) > 0 {
			rec := r.pending[0]
			r.pending = r.pending[1:]
			return rec, true
		}
		switch {
		case r.rows != nil:
			r.readBatch()
		case r.group < len(r.groups):
			r.rows = r.groups[r.group].Rows()
			r.group++
		case r.next < len(r.keys):
			r.openFile(r.keys[r.next])
			r.next++
		default:
			return nil, false
		}
	}
}

func (r *partitionReader) readBatch() {
	if r.buf == nil {
		r.buf = make([]parquet.Row, readBatchSize)
	}
	n, err := r.rows.ReadRows(r.buf)
	// decode before the rows are closed; values point into page buffers
	for _, row := range r.buf[:n] {
		rec, derr := r.codec.decode(row)
		if derr != nil {
			r.err = derr
			return
		}
		r.pending = append(r.pending, rec)
	}
	if err != nil {
		r.rows.Close()
		r.rows = nil
		if err != io.EOF {
			r.err = r.store.ioErr("read", err)
		}
	}
}

func (r *partitionReader) openFile(key string) {
	data, err := r.store.bucket.ReadAll(r.ctx, key)
	if err != nil {
		r.err = r.store.ioErr("read", err)
		return
	}
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		r.err = fmt.Errorf("open parquet %s: %w", key, err)
		return
	}
	r.groups = f.RowGroups()
	r.group = 0
}

func (r *partitionReader) Err() error { return r.err }

func (r *partitionReader) Close() error {
	if r.rows != nil {
		err := r.rows.Close()
		r.rows = nil
		return err
	}
	return nil
}
