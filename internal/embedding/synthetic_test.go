package embedding

import (
	"context"
	"math"
	"testing"

	"github.com/openmemory/openmemory/pkg/types"
)

func TestSyntheticEmbedDeterministic(t *testing.T) {
	s := NewSynthetic(64)
	ctx := context.Background()

	a, err := s.Embed(ctx, types.SectorSemantic, "hello world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := s.Embed(ctx, types.SectorSemantic, "hello world")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(a) != 64 {
		t.Fatalf("expected dim 64, got %d", len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embeddings for identical input diverged at index %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestSyntheticEmbedDiffersByContentAndSector(t *testing.T) {
	s := NewSynthetic(32)
	ctx := context.Background()

	a, _ := s.Embed(ctx, types.SectorSemantic, "apples")
	b, _ := s.Embed(ctx, types.SectorSemantic, "oranges")
	c, _ := s.Embed(ctx, types.SectorEpisodic, "apples")

	if vectorsEqual(a, b) {
		t.Fatalf("expected different content to produce different vectors")
	}
	if vectorsEqual(a, c) {
		t.Fatalf("expected different sectors to produce different vectors")
	}
}

func TestSyntheticEmbedIsUnitNormalized(t *testing.T) {
	s := NewSynthetic(128)
	vec, err := s.Embed(context.Background(), types.SectorProcedural, "normalize me")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSquares)
	if math.Abs(norm-1.0) > 1e-3 {
		t.Fatalf("expected unit norm, got %f", norm)
	}
}

func vectorsEqual(a, b []float32) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
