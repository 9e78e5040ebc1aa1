// Package block splits local files into fixed-size byte ranges.
package block

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/withObsrvr/obsrvr-bulk-tunnel/internal/tunnelerr"
)

// Block is a contiguous byte range of one file.
//
// ID numbers blocks within a file starting at 1; Seq numbers them across the
// whole input starting at 1 and is the key recorded in session state. Both
// are recomputed from file sizes, never stored.
type Block struct {
	ID     uint64 `json:"id"`
	Seq    uint64 `json:"seq"`
	Path   string `json:"path"`
	Start  uint64 `json:"start"`
	Length uint64 `json:"length"`
}

// End returns the offset one past the last byte.
func (b Block) End() uint64 { return b.Start + b.Length }

func (b Block) String() string {
	return fmt.Sprintf("%s[%d:%d]#%d", b.Path, b.Start, b.End(), b.ID)
}

// Split partitions path into blocks of blockSize bytes. A directory
// contributes its regular files (one level, sorted by name). A zero-length
// file contributes no blocks.
func Split(path string, blockSize int64) ([]Block, error) {
	if blockSize <= 0 {
		return nil, fmt.Errorf("block size must be positive, got %d", blockSize)
	}

	files, err := listFiles(path)
	if err != nil {
		return nil, err
	}

	var out []Block
	var seq uint64
	for _, f := range files {
		for _, b := range splitFile(f.path, uint64(f.size), uint64(blockSize)) {
			seq++
			b.Seq = seq
			out = append(out, b)
		}
	}
	return out, nil
}

type fileInfo struct {
	path string
	size int64
}

// listFiles returns the input files under path in block order.
func listFiles(path string) ([]fileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &tunnelerr.NotFoundError{Kind: "path", Name: path}
		}
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	if !info.IsDir() {
		return []fileInfo{{path: path, size: info.Size()}}, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read directory %s: %w", path, err)
	}

	var files []fileInfo
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", e.Name(), err)
		}
		files = append(files, fileInfo{path: filepath.Join(path, e.Name()), size: fi.Size()})
	}
	sort.Slice(files, func(i, j int) bool { return files[i].path < files[j].path })
	return files, nil
}

func splitFile(path string, size, blockSize uint64) []Block {
	var out []Block
	var id uint64
	for start := uint64(0); start < size; start += blockSize {
		length := blockSize
		if start+length > size {
			length = size - start
		}
		id++
		out = append(out, Block{
			ID:     id,
			Path:   path,
			Start:  start,
			Length: length,
		})
	}
	return out
}
