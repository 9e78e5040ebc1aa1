package textio

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/block"
)

func writeInput(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.txt")
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

func readAllBlocks(t *testing.T, path string, blockSize int64, opts Options) [][]string {
	t.Helper()
	blocks, err := block.Split(path, blockSize)
	require.NoError(t, err)

	var out [][]string
	for _, b := range blocks {
		r, err := Open(b, opts)
		require.NoError(t, err)
		for {
			rec, err := r.ReadTextRecord()
			require.NoError(t, err)
			if rec == nil {
				break
			}
			out = append(out, toStrings(rec))
		}
		require.NoError(t, r.Close())
	}
	return out
}

// expectedRecords is a whole-file reference split.
func expectedRecords(content []byte, opts Options) [][]string {
	content = bytes.TrimPrefix(content, utf8BOM)
	if len(content) == 0 {
		return nil
	}
	lines := bytes.Split(content, opts.RecordDelimiter)
	if len(lines[len(lines)-1]) == 0 {
		lines = lines[:len(lines)-1]
	}
	if opts.Header && len(lines) > 0 {
		lines = lines[1:]
	}
	var out [][]string
	for _, l := range lines {
		out = append(out, toStrings(bytes.Split(l, opts.FieldDelimiter)))
	}
	return out
}

func toStrings(fields [][]byte) []string {
	s := make([]string, len(fields))
	for i, f := range fields {
		s[i] = string(f)
	}
	return s
}

func randomContent(rng *rand.Rand, alphabet string, n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = alphabet[rng.Intn(len(alphabet))]
	}
	return b
}

func TestRecordBoundaryInvariant(t *testing.T) {
	tests := []struct {
		name     string
		field    string
		record   string
		alphabet string
	}{
		{"newline", ",", "\n", "abc,\n"},
		{"crlf", ",", "\r\n", "ab,\r\n"},
		{"self overlapping", "|", "||", "ab|"},
		{"border delimiter", ",", "aba", "ab,"},
		{"regex metachar", "[", ".", "xy[."},
		{"long delimiter", "\x01", "<EOR>", "<EOR>\x01z"},
	}

	rng := rand.New(rand.NewSource(42))
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := Options{
				FieldDelimiter:  []byte(tt.field),
				RecordDelimiter: []byte(tt.record),
				MaxRecordSize:   1 << 20,
			}
			for trial := 0; trial < 8; trial++ {
				content := randomContent(rng, tt.alphabet, 20+rng.Intn(60))
				if trial%2 == 0 {
					content = append(content, tt.record...)
				}
				path := writeInput(t, content)
				want := expectedRecords(content, opts)

				for bs := int64(1); bs <= int64(len(content))+1; bs++ {
					got := readAllBlocks(t, path, bs, opts)
					require.Equal(t, want, got, "content=%q blockSize=%d", content, bs)
				}
			}
		})
	}
}

func TestHeaderAndBOM(t *testing.T) {
	content := append(append([]byte{}, utf8BOM...), []byte("id,name\n1,a\n2,b\n3,c")...)
	path := writeInput(t, content)

	opts := Options{FieldDelimiter: []byte(","), RecordDelimiter: []byte("\n"), Header: true}
	want := [][]string{{"1", "a"}, {"2", "b"}, {"3", "c"}}
	for bs := int64(1); bs <= int64(len(content)); bs++ {
		assert.Equal(t, want, readAllBlocks(t, path, bs, opts), "blockSize=%d", bs)
	}

	opts.Header = false
	got := readAllBlocks(t, path, 5, opts)
	require.Len(t, got, 4)
	assert.Equal(t, []string{"id", "name"}, got[0], "bom must not leak into the first field")
}

func TestBlockBoundaries(t *testing.T) {
	// records: "aaaa\n" at 0..4, "bbbb\n" at 5..9, "cc" at 10..11
	path := writeInput(t, []byte("aaaa\nbbbb\ncc"))
	opts := Options{FieldDelimiter: []byte(","), RecordDelimiter: []byte("\n")}

	read := func(start, length uint64) [][]string {
		r, err := Open(block.Block{Path: path, Start: start, Length: length}, opts)
		require.NoError(t, err)
		defer r.Close()
		var out [][]string
		for {
			rec, err := r.ReadTextRecord()
			require.NoError(t, err)
			if rec == nil {
				return out
			}
			out = append(out, toStrings(rec))
		}
	}

	// terminator exactly at the last byte of the block
	assert.Equal(t, [][]string{{"aaaa"}}, read(0, 5))
	// terminator one byte past the block end is deferred
	assert.Empty(t, read(0, 4))
	assert.Equal(t, [][]string{{"aaaa"}}, read(4, 1))
	// terminator one byte before the block start belongs to the previous block
	assert.Equal(t, [][]string{{"bbbb"}}, read(5, 5))
	// trailing unterminated record belongs to the last block only
	assert.Equal(t, [][]string{{"cc"}}, read(10, 2))
	assert.Empty(t, read(10, 1))
	assert.Equal(t, [][]string{{"cc"}}, read(11, 1))
}

func TestFieldDelimiterInsideRecordDelimiter(t *testing.T) {
	path := writeInput(t, []byte("a|b||c|d||e"))
	opts := Options{FieldDelimiter: []byte("|"), RecordDelimiter: []byte("||")}
	got := readAllBlocks(t, path, 3, opts)
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, got)
}

func TestRecordTooLarge(t *testing.T) {
	path := writeInput(t, bytes.Repeat([]byte("x"), 100))
	r, err := Open(block.Block{Path: path, Start: 0, Length: 100},
		Options{FieldDelimiter: []byte(","), RecordDelimiter: []byte("\n"), MaxRecordSize: 10})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.ReadTextRecord()
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}

func TestLastRawAndOffset(t *testing.T) {
	path := writeInput(t, []byte("1,2\n3,4\n"))
	r, err := Open(block.Block{Path: path, Start: 0, Length: 8},
		Options{FieldDelimiter: []byte(","), RecordDelimiter: []byte("\n")})
	require.NoError(t, err)
	defer r.Close()

	_, err = r.ReadTextRecord()
	require.NoError(t, err)
	_, err = r.ReadTextRecord()
	require.NoError(t, err)
	assert.Equal(t, "3,4", string(r.LastRaw()))
	assert.Equal(t, int64(4), r.Offset())
}

func TestWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "data.txt")
	w, err := CreateFile(path, Options{FieldDelimiter: []byte("\t"), RecordDelimiter: []byte("\r\n")})
	require.NoError(t, err)

	require.NoError(t, w.WriteRecord([][]byte{[]byte("a"), []byte("b")}))
	require.NoError(t, w.WriteRecord([][]byte{[]byte(""), []byte("c")}))
	require.NoError(t, w.Commit())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "a\tb\r\n\tc\r\n", string(data))
	assert.Equal(t, int64(2), w.Count())

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}
