// Package sha256 provides SHA-256 hashing for URL dedup and storage keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/brandlens/crawler/internal/crawler"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

var _ crawler.Hasher = (*Hasher)(nil)

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
