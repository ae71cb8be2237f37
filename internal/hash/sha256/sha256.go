// Package sha256 provides the SHA-256 fingerprint used as the shared cache key.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements fetchproxy.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	return Fingerprint(string(data)), nil
}

// Fingerprint returns the hex SHA-256 digest of s. The same input always
// yields the same 64-character key in every worker process.
func Fingerprint(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
