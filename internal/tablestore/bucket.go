package tablestore

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	"gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob" // S3 driver

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/config"
)

// Open opens the bucket named by cfg and returns a store over it.
func Open(ctx context.Context, cfg config.StorageConfig) (*Store, error) {
	bucket, uriBase, err := openBucket(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return New(bucket, Options{Backend: cfg.Backend, Prefix: cfg.Prefix, URIBase: uriBase}), nil
}

func openBucket(ctx context.Context, cfg config.StorageConfig) (*blob.Bucket, string, error) {
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, "", fmt.Errorf("local_dir required for local backend")
		}
		dir, err := filepath.Abs(cfg.LocalDir)
		if err != nil {
			return nil, "", fmt.Errorf("resolve %s: %w", cfg.LocalDir, err)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, "", fmt.Errorf("create base directory %s: %w", dir, err)
		}
		bucket, err := fileblob.OpenBucket(dir, nil)
		if err != nil {
			return nil, "", fmt.Errorf("open local bucket %s: %w", dir, err)
		}
		return bucket, "file://" + filepath.ToSlash(dir) + "/", nil

	case "mem":
		return memblob.OpenBucket(nil), "mem://", nil

	case "gcs":
		if cfg.Bucket == "" {
			return nil, "", fmt.Errorf("bucket required for gcs backend")
		}
		bucket, err := blob.OpenBucket(ctx, fmt.Sprintf("gs://%s", cfg.Bucket))
		if err != nil {
			return nil, "", fmt.Errorf("open GCS bucket %s: %w", cfg.Bucket, err)
		}
		return bucket, fmt.Sprintf("gs://%s/", cfg.Bucket), nil

	case "s3":
		if cfg.Bucket == "" {
			return nil, "", fmt.Errorf("bucket required for s3 backend")
		}
		bucketURL := fmt.Sprintf("s3://%s", cfg.Bucket)
		params := url.Values{}
		if cfg.S3Region != "" {
			params.Set("region", cfg.S3Region)
		}
		// S3-compatible endpoints (B2, R2, MinIO) need path-style addressing
		if cfg.S3Endpoint != "" {
			params.Set("endpoint", cfg.S3Endpoint)
			params.Set("s3ForcePathStyle", "true")
		}
		if len(params) > 0 {
			bucketURL = bucketURL + "?" + params.Encode()
		}
		bucket, err := blob.OpenBucket(ctx, bucketURL)
		if err != nil {
			return nil, "", fmt.Errorf("open S3 bucket %s: %w", cfg.Bucket, err)
		}
		return bucket, fmt.Sprintf("s3://%s/", cfg.Bucket), nil

	default:
		return nil, "", fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
