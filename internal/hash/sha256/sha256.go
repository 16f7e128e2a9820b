// Package sha256 names stored page documents and fingerprints their content.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Hasher returns lowercase hex SHA-256 digests. The store stage uses it for
// both the content hash and the document name derived from the page URL.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher { return &Hasher{} }

// Hash digests data.
func (*Hasher) Hash(data []byte) (string, error) {
	h := sha256.New()
	if _, err := h.Write(data); err != nil {
		return "", fmt.Errorf("sha256: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
