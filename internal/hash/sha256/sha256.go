// Package sha256 computes report content digests.
package sha256

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Hasher implements audit.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Matches reports whether digest is the hex digest of data.
func (h *Hasher) Matches(data []byte, digest string) bool {
	got, _ := h.Hash(data)
	return subtle.ConstantTimeCompare([]byte(got), []byte(digest)) == 1
}
