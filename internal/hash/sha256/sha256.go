// Package sha256 fingerprints page content for snapshot dedupe and change
// detection between recrawls.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/localscope/prospector/internal/crawl"
)

// Hasher computes hex encoded SHA-256 digests.
type Hasher struct{}

var _ crawl.Hasher = (*Hasher)(nil)

// New returns the digest implementation the evidence store keys snapshots by.
func New() *Hasher {
	return &Hasher{}
}

// Hash digests data. The error return satisfies crawl.Hasher; SHA-256 itself
// cannot fail.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
