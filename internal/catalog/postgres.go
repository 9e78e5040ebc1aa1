// Package catalog mirrors table schemas, partitions and commit lineage into
// PostgreSQL.
package catalog

import (
	"context"
	"crypto/sha256"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/config"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/logging"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/partition"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/schema"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/tablestore"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/tunnelerr"
)

//go:embed schema.sql
var schemaSQL string

// Catalog implements partition.Metadata and tablestore.CommitRecorder.
type Catalog struct {
	pool      *pgxpool.Pool
	namespace string
	log       *slog.Logger

	mu         sync.RWMutex
	tableCache map[string]int64 // table name -> id
}

var (
	_ partition.Metadata        = (*Catalog)(nil)
	_ tablestore.CommitRecorder = (*Catalog)(nil)
)

// Open connects to PostgreSQL and creates the catalog tables if needed.
func Open(ctx context.Context, cfg config.CatalogConfig) (*Catalog, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	// Configure connection pool
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	namespace := cfg.Namespace
	if namespace == "" {
		namespace = "default"
	}

	c := &Catalog{
		pool:       pool,
		namespace:  namespace,
		log:        logging.Component("catalog"),
		tableCache: make(map[string]int64),
	}
	c.log.Info("connected to PostgreSQL catalog", "namespace", namespace)
	return c, nil
}

// SchemaHash returns a stable fingerprint of a table schema.
func SchemaHash(ts *schema.TableSchema) (string, error) {
	data, err := json.Marshal(ts)
	if err != nil {
		return "", fmt.Errorf("marshal schema: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// EnsureTable registers a table schema, or refreshes an existing entry.
func (c *Catalog) EnsureTable(ctx context.Context, ts *schema.TableSchema) (int64, error) {
	data, err := json.Marshal(ts)
	if err != nil {
		return 0, fmt.Errorf("marshal schema: %w", err)
	}
	hash, err := SchemaHash(ts)
	if err != nil {
		return 0, err
	}

	query := `
		INSERT INTO _tunnel_tables (namespace, name, schema_json, schema_hash)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (namespace, name)
		DO UPDATE SET schema_json = EXCLUDED.schema_json,
		              schema_hash = EXCLUDED.schema_hash,
		              updated_at = NOW()
		RETURNING id
	`

	var id int64
	if err := c.pool.QueryRow(ctx, query, c.namespace, ts.Name, data, hash).Scan(&id); err != nil {
		return 0, fmt.Errorf("ensure table: %w", err)
	}

	c.mu.Lock()
	c.tableCache[ts.Name] = id
	c.mu.Unlock()
	return id, nil
}

func (c *Catalog) tableID(ctx context.Context, table string) (int64, error) {
	c.mu.RLock()
	if id, ok := c.tableCache[table]; ok {
		c.mu.RUnlock()
		return id, nil
	}
	c.mu.RUnlock()

	var id int64
	err := c.pool.QueryRow(ctx,
		`SELECT id FROM _tunnel_tables WHERE namespace = $1 AND name = $2`,
		c.namespace, table,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, &tunnelerr.NotFoundError{Kind: "table", Name: table}
		}
		return 0, fmt.Errorf("look up table: %w", err)
	}

	c.mu.Lock()
	c.tableCache[table] = id
	c.mu.Unlock()
	return id, nil
}

// Schema returns the registered schema of table.
func (c *Catalog) Schema(ctx context.Context, table string) (*schema.TableSchema, error) {
	var data []byte
	err := c.pool.QueryRow(ctx,
		`SELECT schema_json FROM _tunnel_tables WHERE namespace = $1 AND name = $2`,
		c.namespace, table,
	).Scan(&data)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &tunnelerr.NotFoundError{Kind: "table", Name: table}
		}
		return nil, fmt.Errorf("get schema: %w", err)
	}

	var ts schema.TableSchema
	if err := json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("parse schema of %s: %w", table, err)
	}
	return &ts, nil
}

// ListPartitions returns the committed partitions of table in the order
// they were first committed.
func (c *Catalog) ListPartitions(ctx context.Context, table string) ([]partition.Spec, error) {
	id, err := c.tableID(ctx, table)
	if err != nil {
		return nil, err
	}

	rows, err := c.pool.Query(ctx,
		`SELECT partition_path FROM _tunnel_partitions
		 WHERE table_id = $1 AND partition_path <> ''
		 ORDER BY id`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("query partitions: %w", err)
	}
	defer rows.Close()

	var out []partition.Spec
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("scan partition: %w", err)
		}
		spec, err := partition.ParsePath(p)
		if err != nil {
			return nil, err
		}
		out = append(out, spec)
	}
	return out, rows.Err()
}

// RecordCommit writes lineage for every file of a committed session.
func (c *Catalog) RecordCommit(ctx context.Context, rec tablestore.CommitRecord) error {
	tableID, err := c.tableID(ctx, rec.Table)
	if err != nil {
		return err
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var partitionID int64
	err = tx.QueryRow(ctx, `
		INSERT INTO _tunnel_partitions (table_id, partition_path)
		VALUES ($1, $2)
		ON CONFLICT (table_id, partition_path)
		DO UPDATE SET partition_path = EXCLUDED.partition_path
		RETURNING id
	`, tableID, rec.Partition).Scan(&partitionID)
	if err != nil {
		return fmt.Errorf("ensure partition: %w", err)
	}

	batch := &pgx.Batch{}
	for _, f := range rec.Files {
		f := f // uri points into f; keep one copy per queued row
		var uri *string
		if f.URI != "" {
			uri = &f.URI
		}
		batch.Queue(`
			INSERT INTO _tunnel_lineage (
				partition_id, session_id, block_seq, storage_path, storage_uri,
				byte_size, checksum, committed_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (partition_id, session_id, block_seq)
			DO UPDATE SET
				storage_path = EXCLUDED.storage_path,
				storage_uri = EXCLUDED.storage_uri,
				byte_size = EXCLUDED.byte_size,
				checksum = EXCLUDED.checksum,
				committed_at = EXCLUDED.committed_at
		`, partitionID, rec.SessionID, int64(f.BlockSeq), f.Key, uri, f.Size, f.Checksum, rec.CommittedAt)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert lineage: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit lineage: %w", err)
	}

	c.log.Info("recorded lineage",
		"table", rec.Table,
		"partition", rec.Partition,
		"session_id", rec.SessionID,
		"files", len(rec.Files),
	)
	return nil
}

// SessionFiles returns the storage paths recorded for a session, by block.
func (c *Catalog) SessionFiles(ctx context.Context, sessionID string) ([]tablestore.CommittedFile, error) {
	rows, err := c.pool.Query(ctx, `
		SELECT block_seq, storage_path, COALESCE(storage_uri, ''), byte_size, checksum
		FROM _tunnel_lineage
		WHERE session_id = $1
		ORDER BY block_seq
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query lineage: %w", err)
	}
	defer rows.Close()

	var out []tablestore.CommittedFile
	for rows.Next() {
		var (
			f   tablestore.CommittedFile
			seq int64
		)
		if err := rows.Scan(&seq, &f.Key, &f.URI, &f.Size, &f.Checksum); err != nil {
			return nil, fmt.Errorf("scan lineage: %w", err)
		}
		f.BlockSeq = uint64(seq)
		out = append(out, f)
	}
	return out, rows.Err()
}

// Close releases database connections.
func (c *Catalog) Close() error {
	c.pool.Close()
	return nil
}
