// Package embeddings provides the embedding collaborator contract and two
// implementations: an HTTP provider for OpenAI-compatible endpoints and a
// deterministic offline hash provider.
package embeddings

import (
	"context"
	"hash/fnv"
	"math"
)

// Provider converts text to a fixed-dimension embedding vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// HashProvider generates deterministic unit vectors from an FNV-1a hash of
// the text. Identical texts embed identically, which is enough for offline
// operation and for exercising dedup paths in tests.
type HashProvider struct {
	dims int
}

// NewHashProvider returns a hash provider with the given dimensionality.
func NewHashProvider(dims int) *HashProvider {
	if dims <= 0 {
		dims = 384
	}
	return &HashProvider{dims: dims}
}

func (p *HashProvider) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, p.dims)
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		vec[i] = float32(int64(seed)) / float32(math.MaxInt64)
	}
	return normalize(vec), nil
}

func (p *HashProvider) Dimensions() int { return p.dims }

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}
