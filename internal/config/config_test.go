package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
transfer:
  field_delimiter: "|"
  record_delimiter: "\r\n"
  null_indicator: "NULL"
  discard_bad_records: true
  max_bad_records: 10
  threads: 4
  block_size: 1048576
  retry_delay: 250ms

storage:
  backend: local
  local_dir: "./wh"
  prefix: "t/"

session:
  dir: "/tmp/sessions"

logging:
  format: json
  level: debug
`
	require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, "|", cfg.Transfer.FieldDelimiter)
	assert.Equal(t, "\r\n", cfg.Transfer.RecordDelimiter)
	assert.Equal(t, "NULL", cfg.Transfer.NullIndicator)
	assert.True(t, cfg.Transfer.DiscardBadRecords)
	assert.Equal(t, int64(10), cfg.Transfer.MaxBadRecords)
	assert.Equal(t, 4, cfg.Transfer.Threads)
	assert.Equal(t, int64(1<<20), cfg.Transfer.BlockSize)
	assert.Equal(t, 250*time.Millisecond, cfg.Transfer.RetryDelay)

	// untouched keys keep their defaults
	assert.Equal(t, 5, cfg.Transfer.RetryAttempts)
	assert.True(t, cfg.Transfer.StrictSchema)
	assert.Equal(t, "yyyy-MM-dd HH:mm:ss", cfg.Transfer.DateTimeFormat)

	assert.Equal(t, "./wh", cfg.Storage.LocalDir)
	assert.Equal(t, "/tmp/sessions", cfg.Session.Dir)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TUNNEL_STORAGE_BACKEND", "mem")
	t.Setenv("TUNNEL_THREADS", "3")
	t.Setenv("TUNNEL_BLOCK_SIZE", "64M")
	t.Setenv("TUNNEL_SESSION_DIR", t.TempDir())
	t.Setenv("TUNNEL_AUDIT_ENABLED", "true")
	t.Setenv("TUNNEL_AUDIT_ENDPOINT", "http://audit.local/events")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, "./audit", cfg.Audit.Dir)
	assert.Equal(t, "http://audit.local/events", cfg.Audit.Endpoint)
	assert.Equal(t, "mem", cfg.Storage.Backend)
	assert.Equal(t, 3, cfg.Transfer.Threads)
	assert.Equal(t, int64(64<<20), cfg.Transfer.BlockSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestTransferValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Transfer)
	}{
		{"empty field delimiter", func(c *Transfer) { c.FieldDelimiter = "" }},
		{"empty record delimiter", func(c *Transfer) { c.RecordDelimiter = "" }},
		{"same delimiters", func(c *Transfer) { c.FieldDelimiter = "\n" }},
		{"zero threads", func(c *Transfer) { c.Threads = 0 }},
		{"header with threads", func(c *Transfer) { c.Threads = 2; c.Header = true }},
		{"zero block size", func(c *Transfer) { c.BlockSize = 0 }},
		{"negative bad records", func(c *Transfer) { c.MaxBadRecords = -1 }},
		{"zero retries", func(c *Transfer) { c.RetryAttempts = 0 }},
		{"unknown charset", func(c *Transfer) { c.Charset = "klingon-8" }},
		{"unknown zone", func(c *Transfer) { c.TimeZone = "Mars/Olympus" }},
	}

	require.NoError(t, DefaultTransfer().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultTransfer()
			tt.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}

	c := DefaultTransfer()
	c.Charset = "IGNORE"
	assert.NoError(t, c.Validate())
	assert.True(t, c.IgnoreCharset())

	c.Charset = "gbk"
	assert.NoError(t, c.Validate())
}

func TestUnescapeDelimiter(t *testing.T) {
	tests := map[string]string{
		`,`:       ",",
		`\t`:      "\t",
		`\r\n`:    "\r\n",
		`\u0001`:  "\x01",
		`a\\b`:    `a\b`,
		`||é`: "||é",
		`\x`:      `\x`,
	}
	for in, want := range tests {
		got, err := UnescapeDelimiter(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := UnescapeDelimiter(`\u00`)
	assert.Error(t, err)
}

func TestParseSize(t *testing.T) {
	tests := map[string]int64{
		"50":    50,
		"4k":    4096,
		"64MB":  64 << 20,
		" 1G ":  1 << 30,
	}
	for in, want := range tests {
		got, err := ParseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSize("lots")
	assert.Error(t, err)
}
