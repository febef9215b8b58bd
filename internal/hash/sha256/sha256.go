// Package sha256 provides content digests for generated assets.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
)

// Hasher implements automation.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// ObjectPath builds a content-addressed object path such as
// "images/ab/cd/abcd….png". Digests shorter than four characters are used
// without sharding.
func ObjectPath(prefix, digest, ext string) string {
	name := digest + ext
	if len(digest) < 4 {
		return path.Join(prefix, name)
	}
	return path.Join(prefix, digest[:2], digest[2:4], name)
}
