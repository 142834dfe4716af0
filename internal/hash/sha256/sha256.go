// Package sha256 derives response cache keys for intercepted browser requests.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher turns a request's method and URL into a fixed-length blob key, so
// long query strings never leak into storage object names.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Key hashes the parts joined by a single space and returns the hex digest.
func (h *Hasher) Key(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, " ")))
	return hex.EncodeToString(sum[:])
}
