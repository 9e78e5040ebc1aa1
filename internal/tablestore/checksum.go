package tablestore

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
)

// Committed files carry a "sha256:<hex>" checksum computed while copying.
func newChecksum() hash.Hash { return sha256.New() }

func formatChecksum(h hash.Hash) string {
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
