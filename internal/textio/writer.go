package textio

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Writer emits delimited records.
type Writer struct {
	w     *bufio.Writer
	field []byte
	rec   []byte
	count int64
}

// NewWriter wraps w.
func NewWriter(w io.Writer, opts Options) *Writer {
	return &Writer{
		w:     bufio.NewWriterSize(w, 256<<10),
		field: opts.FieldDelimiter,
		rec:   opts.RecordDelimiter,
	}
}

// WriteRecord writes fields joined by the field delimiter and terminated by
// the record delimiter.
func (w *Writer) WriteRecord(fields [][]byte) error {
	for i, f := range fields {
		if i > 0 {
			if _, err := w.w.Write(w.field); err != nil {
				return err
			}
		}
		if _, err := w.w.Write(f); err != nil {
			return err
		}
	}
	if _, err := w.w.Write(w.rec); err != nil {
		return err
	}
	w.count++
	return nil
}

// Count returns the number of records written.
func (w *Writer) Count() int64 { return w.count }

// Flush writes any buffered data.
func (w *Writer) Flush() error { return w.w.Flush() }

// FileWriter writes records to a temp file that replaces path on Commit.
type FileWriter struct {
	*Writer
	f    *os.File
	path string
	tmp  string
}

// CreateFile opens path.tmp for writing.
func CreateFile(path string, opts Options) (*FileWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory for %s: %w", path, err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", tmp, err)
	}
	return &FileWriter{Writer: NewWriter(f, opts), f: f, path: path, tmp: tmp}, nil
}

// Commit flushes and renames the temp file into place.
func (fw *FileWriter) Commit() error {
	if err := fw.Flush(); err != nil {
		fw.Abort()
		return fmt.Errorf("flush %s: %w", fw.tmp, err)
	}
	if err := fw.f.Close(); err != nil {
		os.Remove(fw.tmp)
		return fmt.Errorf("close %s: %w", fw.tmp, err)
	}
	if err := os.Rename(fw.tmp, fw.path); err != nil {
		os.Remove(fw.tmp)
		return fmt.Errorf("rename %s to %s: %w", fw.tmp, fw.path, err)
	}
	return nil
}

// Abort discards the temp file.
func (fw *FileWriter) Abort() {
	fw.f.Close()
	os.Remove(fw.tmp)
}
