package embedding

import (
	"context"
	"crypto/sha256"
	"math"
	"strings"

	"engramd/internal/types"
)

// LocalEngine is a deterministic, dependency-free embedding engine.
// Each word hashes into a fixed number of buckets; the vector is the
// normalized bucket histogram. It captures lexical overlap only, which
// is enough for tests and degraded offline operation.
type LocalEngine struct {
	dims int
}

var _ types.EmbeddingEngine = (*LocalEngine)(nil)

// NewLocalEngine creates a local engine with the given dimensionality.
func NewLocalEngine(dims int) *LocalEngine {
	if dims <= 0 {
		dims = 256
	}
	return &LocalEngine{dims: dims}
}

// Embed returns a normalized bag-of-words hash vector.
func (e *LocalEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, word := range strings.Fields(strings.ToLower(text)) {
		sum := sha256.Sum256([]byte(word))
		bucket := (int(sum[0])<<8 | int(sum[1])) % e.dims
		vec[bucket]++
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}
