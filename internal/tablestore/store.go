// Package tablestore keeps tables as parquet files in a blob bucket.
//
// Layout under the configured prefix:
//
//	<table>/_schema.json
//	<table>/_staging/<session>/block-<seq>.parquet
//	<table>/data/<k=v/...>/<session>-<seq>.parquet
//
// Blocks are staged per session and published by Commit, so an uncommitted
// session leaves no visible data.
package tablestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/logging"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/metrics"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/partition"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/schema"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/tunnelerr"
)

const (
	schemaFile      = "_schema.json"
	partitionMarker = "_partition"
	stagingDir      = "_staging"
	dataDir         = "data"
	parquetExt      = ".parquet"
)

// CommittedFile describes one published block file.
type CommittedFile struct {
	BlockSeq uint64
	Key      string
	URI      string
	Size     int64
	Checksum string
}

// CommitRecord is the lineage of one committed upload session.
type CommitRecord struct {
	Table       string
	Partition   string
	SessionID   string
	Files       []CommittedFile
	CommittedAt time.Time
}

// CommitRecorder receives lineage for every successful commit.
type CommitRecorder interface {
	RecordCommit(ctx context.Context, rec CommitRecord) error
}

// Options configures a Store.
type Options struct {
	Backend string // used in metrics labels
	Prefix  string // "tables/" (path prefix within the bucket)
	URIBase string // canonical URI of the bucket root, e.g. "gs://bucket/"
}

// Store is a table catalog and record channel backed by a blob bucket.
type Store struct {
	bucket    *blob.Bucket
	opts      Options
	recorders []CommitRecorder
	log       *slog.Logger
	now       func() time.Time
}

// New wraps an open bucket. The store owns the bucket and closes it.
func New(bucket *blob.Bucket, opts Options) *Store {
	return &Store{
		bucket: bucket,
		opts:   opts,
		log:    logging.Component("tablestore"),
		now:    time.Now,
	}
}

// AddRecorder registers a recorder called, in registration order, after
// each commit.
func (s *Store) AddRecorder(r CommitRecorder) { s.recorders = append(s.recorders, r) }

// URI returns the canonical URI for the given key.
func (s *Store) URI(key string) string { return s.opts.URIBase + key }

// Close releases the bucket connection.
func (s *Store) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

func (s *Store) tableDir(table string) string { return s.opts.Prefix + table + "/" }

func (s *Store) schemaKey(table string) string { return s.tableDir(table) + schemaFile }

func (s *Store) stagingPrefix(table, sessionID string) string {
	return s.tableDir(table) + stagingDir + "/" + sessionID + "/"
}

func (s *Store) stagingKey(table, sessionID string, seq uint64) string {
	return fmt.Sprintf("%sblock-%010d%s", s.stagingPrefix(table, sessionID), seq, parquetExt)
}

func (s *Store) dataPrefix(table string, spec partition.Spec) string {
	p := s.tableDir(table) + dataDir + "/"
	if len(spec) > 0 {
		p += spec.Path() + "/"
	}
	return p
}

func (s *Store) dataKey(table string, spec partition.Spec, sessionID string, seq uint64) string {
	return fmt.Sprintf("%s%s-%010d%s", s.dataPrefix(table, spec), sessionID, seq, parquetExt)
}

// CreateTable stores the schema of a new table. With ifNotExists an
// existing table is left untouched.
func (s *Store) CreateTable(ctx context.Context, ts *schema.TableSchema, ifNotExists bool) error {
	if err := ts.Validate(); err != nil {
		return err
	}
	for _, k := range ts.PartitionKeys {
		if k == "" || strings.ContainsAny(k, "/=") {
			return fmt.Errorf("invalid partition key %q", k)
		}
	}

	key := s.schemaKey(ts.Name)
	exists, err := s.bucket.Exists(ctx, key)
	if err != nil {
		return s.ioErr("exists", err)
	}
	if exists {
		if ifNotExists {
			return nil
		}
		return fmt.Errorf("table %s already exists", ts.Name)
	}

	data, err := json.MarshalIndent(ts, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}
	if err := s.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "application/json"}); err != nil {
		return s.ioErr("write_schema", err)
	}
	s.log.Info("created table", "table", ts.Name, "columns", ts.Len(), "partition_keys", ts.PartitionKeys)
	return nil
}

// Schema loads a table schema.
func (s *Store) Schema(ctx context.Context, table string) (*schema.TableSchema, error) {
	data, err := s.bucket.ReadAll(ctx, s.schemaKey(table))
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, &tunnelerr.NotFoundError{Kind: "table", Name: table}
		}
		return nil, s.ioErr("read_schema", err)
	}
	var ts schema.TableSchema
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("parse schema of %s: %w", table, err)
	}
	return &ts, nil
}

// ListPartitions returns the partitions of table in key order.
func (s *Store) ListPartitions(ctx context.Context, table string) ([]partition.Spec, error) {
	prefix := s.dataPrefix(table, nil)
	keys, err := s.list(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var (
		out  []partition.Spec
		seen = make(map[string]bool)
	)
	for _, key := range keys {
		dir := path.Dir(strings.TrimPrefix(key, prefix))
		if dir == "." || seen[dir] {
			continue
		}
		seen[dir] = true
		spec, err := partition.ParsePath(dir)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", table, err)
		}
		out = append(out, spec)
	}
	return out, nil
}

// list returns all keys with the given prefix.
func (s *Store) list(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := s.bucket.List(&blob.ListOptions{Prefix: prefix})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, s.ioErr("list", err)
		}
		if obj.IsDir {
			continue
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// copyObject copies an object within the bucket and returns the size and
// checksum of what was copied.
func (s *Store) copyObject(ctx context.Context, srcKey, dstKey string) (int64, string, error) {
	r, err := s.bucket.NewReader(ctx, srcKey, nil)
	if err != nil {
		return 0, "", fmt.Errorf("open source %s: %w", srcKey, err)
	}
	defer r.Close()

	w, err := s.bucket.NewWriter(ctx, dstKey, &blob.WriterOptions{ContentType: parquetContentType})
	if err != nil {
		return 0, "", fmt.Errorf("create destination %s: %w", dstKey, err)
	}

	h := newChecksum()
	n, err := io.Copy(w, io.TeeReader(r, h))
	if err != nil {
		w.Close()
		return 0, "", fmt.Errorf("copy to %s: %w", dstKey, err)
	}
	if err := w.Close(); err != nil {
		return 0, "", fmt.Errorf("close %s: %w", dstKey, err)
	}
	return n, formatChecksum(h), nil
}

// ioErr classifies a bucket failure. Anything but cancellation is retryable.
func (s *Store) ioErr(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		gcerrors.Code(err) == gcerrors.Canceled {
		return err
	}
	if m := metrics.Get(); m != nil {
		m.IncStorageErrors(s.opts.Backend, op)
	}
	return &tunnelerr.TransientIOError{Op: op, Err: err}
}
