package checksum

import (
	"crypto/sha256"
	"encoding/hex"
)

// Size is the length of a rendered digest.
const Size = sha256.Size * 2

// Compute returns the lowercase hex SHA-256 digest of content.
func Compute(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Valid reports whether s looks like a digest produced by Compute.
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
