package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/schema"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	root := newRootCmd()
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestBuildSchemaFromColumns(t *testing.T) {
	ts, err := buildSchema("events", "", "id:BIGINT,attrs:MAP<STRING,INT>,loc:STRUCT<lat:DOUBLE,lon:DOUBLE>", []string{"ds"})
	require.NoError(t, err)
	assert.Equal(t, "events", ts.Name)
	assert.Equal(t, []string{"id", "attrs", "loc"}, ts.Names())
	assert.Equal(t, "MAP<STRING,INT>", ts.Columns[1].Type.String())
	assert.Equal(t, []string{"ds"}, ts.PartitionKeys)

	_, err = buildSchema("", "", "id:BIGINT", nil)
	assert.ErrorContains(t, err, "name is required")

	_, err = buildSchema("x", "", "", nil)
	assert.Error(t, err)

	_, err = buildSchema("x", "", "id:NOPE", nil)
	assert.Error(t, err)
}

func TestBuildSchemaFromFile(t *testing.T) {
	dir := t.TempDir()
	yamlFile := writeFile(t, dir, "events.yaml", `
name: events
columns:
  - name: id
    type: BIGINT
  - name: tags
    type: ARRAY<STRING>
partition_keys: [ds]
`)
	ts, err := buildSchema("", yamlFile, "", nil)
	require.NoError(t, err)
	assert.Equal(t, &schema.TableSchema{
		Name: "events",
		Columns: []schema.Column{
			{Name: "id", Type: schema.Scalar(schema.KindBigInt)},
			{Name: "tags", Type: schema.ArrayOf(schema.Scalar(schema.KindString))},
		},
		PartitionKeys: []string{"ds"},
	}, ts)

	jsonFile := writeFile(t, dir, "events.json", `{"name":"events","columns":[{"name":"id","type":"INT"}]}`)
	ts, err = buildSchema("renamed", jsonFile, "", nil)
	require.NoError(t, err)
	assert.Equal(t, "renamed", ts.Name)
	assert.Equal(t, schema.KindInt, ts.Columns[0].Type.Kind)
}

func TestCommandsEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", `
storage:
  backend: local
  local_dir: `+filepath.Join(dir, "warehouse")+`
session:
  dir: `+filepath.Join(dir, "sessions")+`
  archive_dir: `+filepath.Join(dir, "archive")+`
audit:
  enabled: true
  dir: `+filepath.Join(dir, "audit")+`
logging:
  level: error
`)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "archive"), 0755))

	out, _, err := run(t, "-c", cfgPath, "create-table", "people",
		"--columns", "id:BIGINT,name:STRING", "--partition-keys", "ds")
	require.NoError(t, err)
	assert.Contains(t, out, "table people ready (2 columns, partitioned by ds)")

	input := writeFile(t, dir, "people.tsv", "1\tann\n2\tbob\nx\tbad\n3\tcid\n")
	_, stderr, err := run(t, "-c", cfgPath, "upload", input, "-t", "people", "-p", "ds=2024-01-01",
		"--field-delimiter", `\t`)
	require.Error(t, err)
	assert.Contains(t, stderr, "resume with: bulk-tunnel resume ")

	out, _, err = run(t, "-c", cfgPath, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "failed")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	id := strings.Fields(lines[1])[0]

	out, _, err = run(t, "-c", cfgPath, "purge", id)
	require.NoError(t, err)
	assert.Contains(t, out, "purged "+id)

	out, _, err = run(t, "-c", cfgPath, "upload", input, "-t", "people", "-p", "ds=2024-01-01",
		"--field-delimiter", `\t`, "--discard-bad-records")
	require.NoError(t, err)
	assert.Contains(t, out, "upload complete: 3 records, 1 bad records discarded")

	target := filepath.Join(dir, "out.csv")
	out, _, err = run(t, "-c", cfgPath, "download", target, "-t", "people")
	require.NoError(t, err)
	assert.Contains(t, out, "download complete: 3 records")
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "1,ann\n2,bob\n3,cid\n", string(data))

	out, _, err = run(t, "-c", cfgPath, "history", "--archived")
	require.NoError(t, err)
	assert.Contains(t, out, "upload")
	assert.Contains(t, out, "download")

	out, _, err = run(t, "-c", cfgPath, "audit", "verify", "people")
	require.NoError(t, err)
	assert.Contains(t, out, "people: 1 events chained")

	_, _, err = run(t, "-c", cfgPath, "purge")
	assert.ErrorContains(t, err, "--older-than")
}
