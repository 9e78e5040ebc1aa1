// Package textio reads and writes delimited text records over byte-range blocks.
//
// A record belongs to the block that contains the first byte of its
// terminating record delimiter. The trailing record of a file that has no
// terminator belongs to the file's last block. Reading every block of a file
// therefore yields each record exactly once.
package textio

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/block"
	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/config"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// ErrRecordTooLarge is returned when a record exceeds Options.MaxRecordSize.
var ErrRecordTooLarge = errors.New("record exceeds maximum size")

// syncWindow is how far back each step of the record-start search reads.
const syncWindow = 64 << 10

// Options controls record splitting. Delimiters are literal bytes.
type Options struct {
	FieldDelimiter  []byte
	RecordDelimiter []byte
	Header          bool
	MaxRecordSize   int
}

// OptionsFrom derives reader options from transfer configuration.
func OptionsFrom(cfg config.Transfer) Options {
	return Options{
		FieldDelimiter:  []byte(cfg.FieldDelimiter),
		RecordDelimiter: []byte(cfg.RecordDelimiter),
		Header:          cfg.Header,
		MaxRecordSize:   cfg.MaxRecordSize,
	}
}

// BlockReader yields the raw records owned by one block.
type BlockReader struct {
	f       *os.File
	blk     block.Block
	opts    Options
	size    int64
	end     int64
	scanner *bufio.Scanner

	// absolute offset of the next byte the split function will see
	pos int64
	// offsets of the most recent token
	tokStart int64
	tokTerm  int64
	tokFinal bool

	dataStart  int64
	skipHeader bool
	last       []byte
	done       bool
}

// Open positions a reader at the first record owned by b.
func Open(b block.Block, opts Options) (*BlockReader, error) {
	if len(opts.RecordDelimiter) == 0 || len(opts.FieldDelimiter) == 0 {
		return nil, fmt.Errorf("delimiters must not be empty")
	}
	if opts.MaxRecordSize <= 0 {
		opts.MaxRecordSize = config.DefaultTransfer().MaxRecordSize
	}

	f, err := os.Open(b.Path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", b.Path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", b.Path, err)
	}

	r := &BlockReader{
		f:    f,
		blk:  b,
		opts: opts,
		size: info.Size(),
		end:  int64(b.End()),
	}

	start, err := r.recordStart(int64(b.Start))
	if err != nil {
		f.Close()
		return nil, err
	}

	if start == 0 {
		bom, err := r.readAt(0, int64(len(utf8BOM)))
		if err != nil {
			f.Close()
			return nil, err
		}
		if bytes.Equal(bom, utf8BOM) {
			start = int64(len(utf8BOM))
		}
		r.dataStart = start
		r.skipHeader = opts.Header
	}

	if start >= r.size {
		r.done = true
		return r, nil
	}

	r.pos = start
	r.scanner = bufio.NewScanner(io.NewSectionReader(f, start, r.size-start))
	bufSize := 64 << 10
	if bufSize > opts.MaxRecordSize+len(opts.RecordDelimiter) {
		bufSize = opts.MaxRecordSize + len(opts.RecordDelimiter)
	}
	r.scanner.Buffer(make([]byte, 0, bufSize), opts.MaxRecordSize+len(opts.RecordDelimiter))
	r.scanner.Split(r.split)
	return r, nil
}

// ReadTextRecord returns the next record's fields, or nil at the end of the
// block. The returned slices are owned by the caller.
func (r *BlockReader) ReadTextRecord() ([][]byte, error) {
	for !r.done {
		if !r.scanner.Scan() {
			r.done = true
			if err := r.scanner.Err(); err != nil {
				if errors.Is(err, bufio.ErrTooLong) {
					return nil, fmt.Errorf("%s at offset %d: %w", r.blk.Path, r.pos, ErrRecordTooLarge)
				}
				return nil, fmt.Errorf("read %s: %w", r.blk.Path, err)
			}
			return nil, nil
		}

		if r.tokFinal {
			if r.end < r.size {
				r.done = true
				return nil, nil
			}
		} else if r.tokTerm >= r.end {
			r.done = true
			return nil, nil
		}

		if r.skipHeader && r.tokStart == r.dataStart {
			r.skipHeader = false
			continue
		}

		r.last = append(r.last[:0], r.scanner.Bytes()...)
		line := append([]byte(nil), r.last...)
		return bytes.Split(line, r.opts.FieldDelimiter), nil
	}
	return nil, nil
}

// LastRaw returns the undelimited bytes of the most recent record. The slice
// is reused by the next call to ReadTextRecord.
func (r *BlockReader) LastRaw() []byte { return r.last }

// Offset returns the file offset at which the most recent record starts.
func (r *BlockReader) Offset() int64 { return r.tokStart }

// Close releases the underlying file.
func (r *BlockReader) Close() error {
	return r.f.Close()
}

// split tokenizes on the record delimiter, taking the leftmost match each time.
func (r *BlockReader) split(data []byte, atEOF bool) (int, []byte, error) {
	d := r.opts.RecordDelimiter
	if i := bytes.Index(data, d); i >= 0 {
		r.tokStart = r.pos
		r.tokTerm = r.pos + int64(i)
		r.tokFinal = false
		r.pos += int64(i + len(d))
		return i + len(d), data[:i], nil
	}
	if atEOF && len(data) > 0 {
		r.tokStart = r.pos
		r.tokTerm = r.pos + int64(len(data))
		r.tokFinal = true
		r.pos += int64(len(data))
		return len(data), data, nil
	}
	return 0, nil, nil
}

// recordStart finds where the first record owned by a block starting at s
// begins: just past the last delimiter match that starts before s.
func (r *BlockReader) recordStart(s int64) (int64, error) {
	if s == 0 {
		return 0, nil
	}
	d := r.opts.RecordDelimiter
	n := int64(len(d))

	hi := s + n - 1
	if hi > r.size {
		hi = r.size
	}
	for {
		lo := hi - syncWindow
		if lo < 0 {
			lo = 0
		}
		buf, err := r.readAt(lo, hi-lo)
		if err != nil {
			return 0, err
		}
		if i := bytes.LastIndex(buf, d); i >= 0 {
			p := lo + int64(i)
			if !selfOverlapping(d) {
				return p + n, nil
			}
			return r.resync(p, s)
		}
		if lo == 0 {
			return 0, nil
		}
		hi = lo + n - 1
	}
}

// resync handles delimiters such as "aa" whose occurrences can overlap. It
// walks back from occurrence p to the start of its chain of overlapping
// occurrences, which is always a real match, then tokenizes forward.
func (r *BlockReader) resync(p, s int64) (int64, error) {
	d := r.opts.RecordDelimiter
	n := int64(len(d))

	chain := p
	for chain > 0 {
		lo := chain - n + 1
		if lo < 0 {
			lo = 0
		}
		buf, err := r.readAt(lo, chain-lo+n-1)
		if err != nil {
			return 0, err
		}
		i := bytes.Index(buf, d)
		if i < 0 || lo+int64(i) >= chain {
			break
		}
		chain = lo + int64(i)
	}

	buf, err := r.readAt(chain, p+n-chain)
	if err != nil {
		return 0, err
	}
	var at, lastEnd int64 = 0, -1
	for {
		i := bytes.Index(buf[at:], d)
		if i < 0 || chain+at+int64(i) >= s {
			break
		}
		lastEnd = at + int64(i) + n
		at = lastEnd
	}
	return chain + lastEnd, nil
}

func (r *BlockReader) readAt(off, n int64) ([]byte, error) {
	if off+n > r.size {
		n = r.size - off
	}
	if n <= 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if _, err := r.f.ReadAt(buf, off); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read %s at %d: %w", r.blk.Path, off, err)
	}
	return buf, nil
}

// selfOverlapping reports whether d has a proper prefix that is also a suffix.
func selfOverlapping(d []byte) bool {
	for k := 1; k < len(d); k++ {
		if bytes.Equal(d[:k], d[len(d)-k:]) {
			return true
		}
	}
	return false
}
