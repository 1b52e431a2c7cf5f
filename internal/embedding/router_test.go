package embedding

import (
	"context"
	"testing"
	"time"

	"github.com/openmemory/openmemory/internal/config"
	"github.com/openmemory/openmemory/pkg/types"
)

func TestMicroCacheHitWithinThreshold(t *testing.T) {
	c := newMicroCache()
	key := digest(types.SectorSemantic, "hello")
	c.put(key, []float32{1, 2, 3})

	vec, ok := c.get(key)
	if !ok {
		t.Fatalf("expected cache hit immediately after put")
	}
	if len(vec) != 3 {
		t.Fatalf("expected cached vector of length 3, got %d", len(vec))
	}
}

func TestMicroCacheMissAfterStaleTimestamp(t *testing.T) {
	c := newMicroCache()
	key := digest(types.SectorSemantic, "stale")
	c.cache.Add(key, cacheEntry{vector: []float32{1}, timestamp: time.Now().Add(-10 * microCacheTau), score: 1.0})

	if _, ok := c.get(key); ok {
		t.Fatalf("expected cache miss once the decayed effective score drops below threshold")
	}
}

func TestMicroCacheMissForUnknownKey(t *testing.T) {
	c := newMicroCache()
	if _, ok := c.get("unknown"); ok {
		t.Fatalf("expected miss for key never inserted")
	}
}

func TestMicroCacheEvictsOverCapacity(t *testing.T) {
	c := newMicroCache()
	for i := 0; i < microCacheCapacity+8; i++ {
		key := digest(types.SectorSemantic, string(rune('a'+i)))
		c.put(key, []float32{float32(i)})
	}
	if c.cache.Len() > microCacheCapacity {
		t.Fatalf("expected cache bounded to capacity %d, got %d", microCacheCapacity, c.cache.Len())
	}
}

func TestRouterEmbedUsesCacheOnSecondCall(t *testing.T) {
	r, err := NewRouter(&config.EmbeddingConfig{Kind: "router", Dim: 16})
	if err != nil {
		t.Fatalf("unexpected error building router: %v", err)
	}

	ctx := context.Background()
	first, err := r.Embed(ctx, types.SectorSemantic, "cache me")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := r.Embed(ctx, types.SectorSemantic, "cache me")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !vectorsEqual(first, second) {
		t.Fatalf("expected cached embed to return identical vector")
	}
}
