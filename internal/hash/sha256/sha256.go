// Package sha256 computes content digests for archived alert documents.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements mirror.Hasher with SHA-256 hex digests.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the lowercase hex digest of data. Empty input is hashed like
// any other document.
func (*Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
