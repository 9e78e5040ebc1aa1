package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const archiveExt = ".json.zst"

// Archive is the compressed record of a completed session.
type Archive struct {
	State      State    `json:"state"`
	BadRecords []string `json:"badRecords,omitempty"`
}

func writeArchive(dir string, a *Archive) error {
	path := filepath.Join(dir, a.State.SessionID+archiveExt)
	tempPath := path + ".tmp"

	f, err := os.Create(tempPath)
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("create zstd writer: %w", err)
	}
	if err := json.NewEncoder(enc).Encode(a); err != nil {
		enc.Close()
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("encode archive: %w", err)
	}
	if err := enc.Close(); err != nil {
		f.Close()
		os.Remove(tempPath)
		return fmt.Errorf("flush archive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename archive: %w", err)
	}
	return nil
}

// ReadArchive decodes one archived session.
func ReadArchive(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	var a Archive
	if err := json.NewDecoder(dec).Decode(&a); err != nil {
		return nil, fmt.Errorf("decode archive %s: %w", filepath.Base(path), err)
	}
	return &a, nil
}

// ListArchived returns archived sessions, newest first. It returns nothing
// when no archive directory is configured.
func (s *Store) ListArchived() ([]Archive, error) {
	if s.archiveDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(s.archiveDir)
	if err != nil {
		return nil, fmt.Errorf("read archive directory: %w", err)
	}

	var out []Archive
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), archiveExt) {
			continue
		}
		a, err := ReadArchive(filepath.Join(s.archiveDir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].State.CreatedAt.After(out[j].State.CreatedAt) })
	return out, nil
}
