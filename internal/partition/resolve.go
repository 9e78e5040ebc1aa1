package partition

import (
	"context"
	"fmt"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/schema"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/tunnelerr"
)

// Metadata is the read side of the remote table catalog.
type Metadata interface {
	Schema(ctx context.Context, table string) (*schema.TableSchema, error)
	ListPartitions(ctx context.Context, table string) ([]Spec, error)
}

// Resolve returns the concrete partitions of table selected by filter, in
// the order the metadata service lists them. A non-partitioned table
// resolves to a single empty spec.
func Resolve(ctx context.Context, meta Metadata, table string, filter Spec) ([]Spec, error) {
	s, err := meta.Schema(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("load schema: %w", err)
	}

	if !s.IsPartitioned() {
		if len(filter) > 0 {
			return nil, fmt.Errorf("table %s is not partitioned, got partition %s", table, filter)
		}
		return []Spec{nil}, nil
	}

	for _, kv := range filter {
		if !s.HasPartitionKey(kv.Key) {
			return nil, fmt.Errorf("unknown partition key %q for table %s (partition keys: %v)", kv.Key, table, s.PartitionKeys)
		}
	}

	all, err := meta.ListPartitions(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("list partitions: %w", err)
	}

	var out []Spec
	for _, p := range all {
		if p.Matches(filter) {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		name := table
		if len(filter) > 0 {
			name += " " + filter.String()
		}
		return nil, &tunnelerr.NotFoundError{Kind: "partition", Name: name}
	}
	return out, nil
}
