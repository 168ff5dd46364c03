package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Fingerprint derives a content-based cache key from text. Leading and
// trailing whitespace is ignored so near-identical submissions collide.
func Fingerprint(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return hex.EncodeToString(sum[:])
}
