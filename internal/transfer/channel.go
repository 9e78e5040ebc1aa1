package transfer

import (
	"context"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/partition"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/schema"
)

// RecordWriter receives the records of one block, in order.
type RecordWriter interface {
	Write(rec *schema.Record) error
	Close() error
}

// RecordReader is a forward-only scan over one partition.
type RecordReader interface {
	// Next returns the next record, or false at the end or on error.
	Next() (*schema.Record, bool)
	Err() error
	Close() error
}

// Channel is the remote side of a transfer. Writers opened for the same
// block sequence replace each other, which makes block retries idempotent.
type Channel interface {
	OpenWriter(ctx context.Context, blockSeq uint64) (RecordWriter, error)
	OpenReader(ctx context.Context, spec partition.Spec) (RecordReader, error)
	// Commit publishes everything written through the channel.
	Commit(ctx context.Context) error
	IsScanOnly() bool
}

// aborter is implemented by writers that can discard a partial block
// instead of publishing it.
type aborter interface {
	Abort() error
}

// Remote opens channels onto the table store.
type Remote interface {
	OpenUpload(ctx context.Context, table string, spec partition.Spec, sessionID string) (Channel, error)
	OpenDownload(ctx context.Context, table string) (Channel, error)
}
