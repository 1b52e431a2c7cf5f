package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/openmemory/openmemory/internal/config"
	"github.com/openmemory/openmemory/pkg/types"
)

const (
	microCacheCapacity = 32
	microCacheLambda   = 0.7
	microCacheTau      = time.Hour
	microCacheThreshold = 0.85
)

type cacheEntry struct {
	vector    []float32
	timestamp time.Time
	score     float64
}

// microCache is the bounded content-digest cache described for the router:
// on lookup the effective score blends the stored score with how much time
// has passed since it was cached, and only a hit above threshold is served.
// Each Router owns one, shared by every user of that Router (keyed by
// sector and content digest, not by user), following the same sharing the teacher's long-lived caches use for non-tenant-scoped
// derived data.
type microCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, cacheEntry]
}

func newMicroCache() *microCache {
	c, _ := lru.New[string, cacheEntry](microCacheCapacity)
	return &microCache{cache: c}
}

func digest(sector types.Sector, content string) string {
	h := sha256.Sum256([]byte(string(sector) + "\x00" + content))
	return hex.EncodeToString(h[:])
}

func (m *microCache) get(key string) ([]float32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.cache.Get(key)
	if !ok {
		return nil, false
	}
	elapsed := time.Since(entry.timestamp)
	effective := microCacheLambda*entry.score + (1-microCacheLambda)*math.Exp(-elapsed.Seconds()/microCacheTau.Seconds())
	if effective < microCacheThreshold {
		return nil, false
	}
	return entry.vector, true
}

func (m *microCache) put(key string, vector []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Add(key, cacheEntry{vector: vector, timestamp: time.Now(), score: 1.0})
}

// Router dispatches embedding requests to a sector-specific provider,
// falling back to a default when no sector override is configured, and
// consults the micro-cache before calling any delegate.
type Router struct {
	defaultProvider Provider
	bySector        map[types.Sector]Provider
	cache           *microCache
	dim             int
}

// NewRouter builds a Router. In the absence of per-sector model config, the
// default provider serves every sector, which keeps the router useful as a
// caching and dispatch point even with a single backing model.
func NewRouter(cfg *config.EmbeddingConfig) (*Router, error) {
	var def Provider
	switch {
	case cfg.RemoteAPIURL != "":
		def = NewRemoteAPI(cfg.RemoteAPIURL, cfg.RemoteAPIKey, cfg.Dim)
	case cfg.DaemonURL != "":
		def = NewDaemon(cfg.DaemonURL, cfg.DaemonModel, cfg.Dim)
	default:
		def = NewSynthetic(cfg.Dim)
	}

	return &Router{
		defaultProvider: def,
		bySector:        map[types.Sector]Provider{},
		cache:           newMicroCache(),
		dim:             def.Dim(),
	}, nil
}

func (r *Router) Dim() int { return r.dim }

func (r *Router) providerFor(sector types.Sector) Provider {
	if p, ok := r.bySector[sector]; ok {
		return p
	}
	return r.defaultProvider
}

func (r *Router) Embed(ctx context.Context, sector types.Sector, content string) ([]float32, error) {
	key := digest(sector, content)
	if vec, ok := r.cache.get(key); ok {
		return vec, nil
	}

	vec, err := r.providerFor(sector).Embed(ctx, sector, content)
	if err != nil {
		return nil, err
	}
	r.cache.put(key, vec)
	return vec, nil
}
