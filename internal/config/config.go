package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/encoding/htmlindex"
	"gopkg.in/yaml.v3"
)

// CharsetIgnore passes string bytes through without re-encoding.
const CharsetIgnore = "ignore"

type Config struct {
	Transfer Transfer      `yaml:"transfer"`
	Storage  StorageConfig `yaml:"storage"`
	Catalog  CatalogConfig `yaml:"catalog"`
	Session  SessionConfig `yaml:"session"`
	Audit    AuditConfig   `yaml:"audit"`
	Logging  LoggingConfig `yaml:"logging"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// Transfer is resolved once per session and handed to every component by value.
type Transfer struct {
	FieldDelimiter    string        `yaml:"field_delimiter" json:"fieldDelimiter"`
	RecordDelimiter   string        `yaml:"record_delimiter" json:"recordDelimiter"`
	Charset           string        `yaml:"charset" json:"charset"`
	NullIndicator     string        `yaml:"null_indicator" json:"nullIndicator"`
	DateTimeFormat    string        `yaml:"datetime_format" json:"dateTimeFormat"`
	TimeZone          string        `yaml:"time_zone" json:"timeZone"`
	Exponential       bool          `yaml:"exponential" json:"exponential"`
	DiscardBadRecords bool          `yaml:"discard_bad_records" json:"discardBadRecords"`
	MaxBadRecords     int64         `yaml:"max_bad_records" json:"maxBadRecords"`
	StrictSchema      bool          `yaml:"strict_schema" json:"strictSchema"`
	Threads           int           `yaml:"threads" json:"threads"`
	BlockSize         int64         `yaml:"block_size" json:"blockSize"`
	Header            bool          `yaml:"header" json:"header"`
	RetryAttempts     int           `yaml:"retry_attempts" json:"retryAttempts"`
	RetryDelay        time.Duration `yaml:"retry_delay" json:"retryDelay"`
	BadRecordSamples  int           `yaml:"bad_record_samples" json:"badRecordSamples"`
	MaxRecordSize     int           `yaml:"max_record_size" json:"maxRecordSize"`
}

type StorageConfig struct {
	Backend  string `yaml:"backend"` // "local" | "gcs" | "s3" | "mem"
	LocalDir string `yaml:"local_dir"`
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`

	// S3-compatible endpoints (B2, R2, MinIO)
	S3Endpoint string `yaml:"s3_endpoint"`
	S3Region   string `yaml:"s3_region"`
}

type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Namespace   string `yaml:"namespace"`
}

type SessionConfig struct {
	Dir        string `yaml:"dir"`
	ArchiveDir string `yaml:"archive_dir"`
}

// AuditConfig controls the hash-chained commit audit log. Events are always
// written under Dir; Endpoint additionally receives each event by HTTP POST.
type AuditConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	Endpoint string `yaml:"endpoint"`
}

type LoggingConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

// DefaultTransfer returns the transfer options used when nothing overrides them.
func DefaultTransfer() Transfer {
	return Transfer{
		FieldDelimiter:   ",",
		RecordDelimiter:  "\n",
		Charset:          "utf-8",
		NullIndicator:    "",
		DateTimeFormat:   "yyyy-MM-dd HH:mm:ss",
		TimeZone:         "UTC",
		MaxBadRecords:    1000,
		StrictSchema:     true,
		Threads:          1,
		BlockSize:        100 << 20,
		RetryAttempts:    5,
		RetryDelay:       5 * time.Second,
		BadRecordSamples: 100,
		MaxRecordSize:    64 << 20,
	}
}

// Default returns a configuration with every default applied.
func Default() Config {
	return Config{
		Transfer: DefaultTransfer(),
		Storage: StorageConfig{
			Backend:  "local",
			LocalDir: "./warehouse",
			Prefix:   "tables/",
		},
		Catalog: CatalogConfig{
			Namespace: "default",
		},
		Session: SessionConfig{
			Dir: defaultSessionDir(),
		},
		Audit: AuditConfig{
			Dir: "./audit",
		},
		Logging: LoggingConfig{
			Format: "text",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Address:   ":9090",
			Namespace: "bulk_tunnel",
		},
	}
}

func defaultSessionDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home + "/.bulk-tunnel/sessions"
	}
	return ".bulk-tunnel/sessions"
}

// Load reads path (if non-empty) over the defaults, then applies TUNNEL_*
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() error {
	c.Storage.Backend = getenvDefault("TUNNEL_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.LocalDir = getenvDefault("TUNNEL_LOCAL_DIR", c.Storage.LocalDir)
	c.Storage.Bucket = getenvDefault("TUNNEL_STORAGE_BUCKET", c.Storage.Bucket)
	c.Storage.Prefix = getenvDefault("TUNNEL_STORAGE_PREFIX", c.Storage.Prefix)
	c.Storage.S3Endpoint = getenvDefault("TUNNEL_S3_ENDPOINT", c.Storage.S3Endpoint)
	c.Storage.S3Region = getenvDefault("TUNNEL_S3_REGION", c.Storage.S3Region)
	c.Catalog.PostgresDSN = getenvDefault("TUNNEL_CATALOG_DSN", c.Catalog.PostgresDSN)
	c.Catalog.Namespace = getenvDefault("TUNNEL_CATALOG_NAMESPACE", c.Catalog.Namespace)
	c.Session.Dir = getenvDefault("TUNNEL_SESSION_DIR", c.Session.Dir)
	c.Session.ArchiveDir = getenvDefault("TUNNEL_ARCHIVE_DIR", c.Session.ArchiveDir)
	c.Audit.Dir = getenvDefault("TUNNEL_AUDIT_DIR", c.Audit.Dir)
	c.Audit.Endpoint = getenvDefault("TUNNEL_AUDIT_ENDPOINT", c.Audit.Endpoint)
	if v := os.Getenv("TUNNEL_AUDIT_ENABLED"); v != "" {
		c.Audit.Enabled = v == "true"
	}
	c.Logging.Format = getenvDefault("TUNNEL_LOG_FORMAT", c.Logging.Format)
	c.Logging.Level = getenvDefault("TUNNEL_LOG_LEVEL", c.Logging.Level)
	c.Metrics.Address = getenvDefault("TUNNEL_METRICS_ADDR", c.Metrics.Address)
	if v := os.Getenv("TUNNEL_METRICS_ENABLED"); v != "" {
		c.Metrics.Enabled = v == "true"
	}

	if v := os.Getenv("TUNNEL_THREADS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TUNNEL_THREADS: %w", err)
		}
		c.Transfer.Threads = n
	}
	if v := os.Getenv("TUNNEL_BLOCK_SIZE"); v != "" {
		n, err := ParseSize(v)
		if err != nil {
			return fmt.Errorf("TUNNEL_BLOCK_SIZE: %w", err)
		}
		c.Transfer.BlockSize = n
	}
	return nil
}

// Validate checks the whole configuration.
func (c *Config) Validate() error {
	if err := c.Transfer.Validate(); err != nil {
		return err
	}
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir required for local backend")
		}
	case "gcs", "s3":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket required for %s backend", c.Storage.Backend)
		}
	case "mem":
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}
	if c.Session.Dir == "" {
		return fmt.Errorf("session.dir is required")
	}
	if c.Audit.Enabled && c.Audit.Dir == "" {
		return fmt.Errorf("audit.dir is required when audit is enabled")
	}
	return nil
}

// Validate checks the transfer options for illegal combinations.
func (t Transfer) Validate() error {
	if t.FieldDelimiter == "" {
		return fmt.Errorf("field delimiter is empty")
	}
	if t.RecordDelimiter == "" {
		return fmt.Errorf("record delimiter is empty")
	}
	if t.FieldDelimiter == t.RecordDelimiter {
		return fmt.Errorf("field delimiter and record delimiter are both %q", t.FieldDelimiter)
	}
	if t.Threads < 1 {
		return fmt.Errorf("threads must be at least 1, got %d", t.Threads)
	}
	if t.Threads > 1 && t.Header {
		return fmt.Errorf("header cannot be used with more than one thread")
	}
	if t.BlockSize <= 0 {
		return fmt.Errorf("block size must be positive, got %d", t.BlockSize)
	}
	if t.MaxBadRecords < 0 {
		return fmt.Errorf("max bad records must not be negative")
	}
	if t.RetryAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1, got %d", t.RetryAttempts)
	}
	if t.RetryDelay < 0 {
		return fmt.Errorf("retry delay must not be negative")
	}
	if t.MaxRecordSize < 1 {
		return fmt.Errorf("max record size must be positive")
	}
	if !strings.EqualFold(t.Charset, CharsetIgnore) {
		if _, err := htmlindex.Get(t.Charset); err != nil {
			return fmt.Errorf("unsupported charset %q: %w", t.Charset, err)
		}
	}
	if _, err := t.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves TimeZone; an empty zone means the process local zone.
func (t Transfer) Location() (*time.Location, error) {
	if t.TimeZone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(t.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("load time zone %q: %w", t.TimeZone, err)
	}
	return loc, nil
}

// IgnoreCharset reports whether strings pass through as raw bytes.
func (t Transfer) IgnoreCharset() bool {
	return strings.EqualFold(t.Charset, CharsetIgnore)
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}
