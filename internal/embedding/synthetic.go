package embedding

import (
	"context"
	"math"
	"math/rand"

	"github.com/openmemory/openmemory/pkg/types"
)

// Synthetic generates a deterministic, content-derived embedding with no
// external dependency. It exists so OpenMemory can run (and be tested)
// without a configured model: the same content always maps to the same
// vector, and different content maps to different vectors with high
// probability, which is enough to exercise the storage and ranking layers
// end to end.
type Synthetic struct {
	dim int
}

// NewSynthetic builds a Synthetic provider producing vectors of the given
// dimension.
func NewSynthetic(dim int) *Synthetic {
	if dim <= 0 {
		dim = 256
	}
	return &Synthetic{dim: dim}
}

func (s *Synthetic) Dim() int { return s.dim }

// Embed seeds a PRNG from the FNV-1a hash of the content XORed with the
// FNV-1a hash of the sector, so the same (sector, content) pair always
// yields the same vector, then draws a unit-normalized Gaussian
// vector from it.
func (s *Synthetic) Embed(ctx context.Context, sector types.Sector, content string) ([]float32, error) {
	seed := fnv1a(content) ^ fnv1a(string(sector))
	rng := rand.New(rand.NewSource(int64(seed)))

	vec := make([]float32, s.dim)
	var norm float64
	for i := range vec {
		v := rng.NormFloat64()
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec, nil
}

func fnv1a(s string) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211
	h := uint64(offset64)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
