package catalog

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/config"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/partition"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/schema"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/tablestore"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/tunnelerr"
)

func testSchema(name string) *schema.TableSchema {
	return &schema.TableSchema{
		Name: name,
		Columns: []schema.Column{
			{Name: "id", Type: schema.Scalar(schema.KindBigInt)},
			{Name: "tags", Type: schema.MustParseType("ARRAY<STRING>")},
		},
		PartitionKeys: []string{"ds"},
	}
}

func TestSchemaHashStable(t *testing.T) {
	a, err := SchemaHash(testSchema("t"))
	require.NoError(t, err)
	b, err := SchemaHash(testSchema("t"))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other := testSchema("t")
	other.Columns[0].Type = schema.Scalar(schema.KindInt)
	c, err := SchemaHash(other)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

// Set TUNNEL_TEST_POSTGRES_DSN to run against a real database.
func TestCatalogRoundTrip(t *testing.T) {
	dsn := os.Getenv("TUNNEL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TUNNEL_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	cat, err := Open(ctx, config.CatalogConfig{PostgresDSN: dsn, Namespace: "test_" + uuid.NewString()})
	require.NoError(t, err)
	defer cat.Close()

	_, err = cat.Schema(ctx, "events")
	assert.True(t, tunnelerr.IsNotFound(err))

	ts := testSchema("events")
	_, err = cat.EnsureTable(ctx, ts)
	require.NoError(t, err)

	got, err := cat.Schema(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, ts, got)

	session := uuid.NewString()
	for _, ds := range []string{"d2", "d1", "d2"} {
		require.NoError(t, cat.RecordCommit(ctx, tablestore.CommitRecord{
			Table:     "events",
			Partition: "ds=" + ds,
			SessionID: session,
			Files: []tablestore.CommittedFile{
				{BlockSeq: 1, Key: "events/data/ds=" + ds + "/a.parquet", Size: 10, Checksum: "sha256:x"},
			},
			CommittedAt: time.Now(),
		}))
	}

	parts, err := cat.ListPartitions(ctx, "events")
	require.NoError(t, err)
	assert.Equal(t, []partition.Spec{
		{{Key: "ds", Value: "d2"}},
		{{Key: "ds", Value: "d1"}},
	}, parts)

	files, err := cat.SessionFiles(ctx, session)
	require.NoError(t, err)
	assert.Len(t, files, 2)
}
