// Package query implements C5, the hybrid retrieval engine: dense k-NN
// fused with lexical keyword scoring and a recency term, scoped per user,
// with an optional streaming mode. It generalizes the teacher's
// engine.SearchOrchestrator from a single list-then-filter relevance pass
// to oversampled vector search plus fusion.
package query

import (
	"container/heap"
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/openmemory/openmemory/internal/apperr"
	"github.com/openmemory/openmemory/internal/config"
	"github.com/openmemory/openmemory/internal/embedding"
	"github.com/openmemory/openmemory/internal/storage"
	"github.com/openmemory/openmemory/pkg/types"
)

// Store is the slice of the storage backend the query engine needs.
type Store interface {
	storage.MemoryStore
	storage.VectorStore
	storage.WaypointStore
}

// Engine answers hybrid retrieval requests.
type Engine struct {
	store    Store
	embedder embedding.Provider
	cfg      config.QueryConfig
	now      func() time.Time
}

// New builds a query Engine.
func New(store Store, embedder embedding.Provider, cfg config.QueryConfig) *Engine {
	return &Engine{store: store, embedder: embedder, cfg: cfg, now: time.Now}
}

// Request is a single search request.
type Request struct {
	UserID     string
	Query      string
	K          int
	Sectors    []types.Sector
	TimeWindow *TimeWindow
}

// TimeWindow restricts candidates to memories created within [From, To).
type TimeWindow struct {
	From time.Time
	To   time.Time
}

// Result is a single ranked hit.
type Result struct {
	ID            string
	Content       string
	Score         float64
	PrimarySector types.Sector
	Tags          []string
	CreatedAt     time.Time
	Metadata      map[string]interface{}
}

// candidate tracks a memory id and its raw signal scores while it is still
// in the bounded heap, before the final memory record is fetched.
type candidate struct {
	memoryID string
	sector   types.Sector
	cosine   float64
}

// candidateHeap is a min-heap on cosine score, bounded to K*oversample
// entries, so the
// lowest-scoring candidate is evicted first once the heap is full.
type candidateHeap []candidate

func (h candidateHeap) Len() int            { return len(h) }
func (h candidateHeap) Less(i, j int) bool  { return h[i].cosine < h[j].cosine }
func (h candidateHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candidateHeap) Push(x interface{}) { *h = append(*h, x.(candidate)) }
func (h *candidateHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Search implements spec.md §4.4's algorithm: embed the query, gather
// cosine candidates per sector into a bounded heap, score lexical overlap,
// fuse the two with a recency term, and return the top k.
func (e *Engine) Search(ctx context.Context, req Request) ([]Result, error) {
	if req.UserID == "" {
		return nil, apperr.Validation("user_id is required")
	}
	if req.K <= 0 {
		req.K = 10
	}
	sectors := req.Sectors
	if len(sectors) == 0 {
		sectors = types.Sectors()
	}

	oversample := e.cfg.OversampleFactor
	if oversample <= 0 {
		oversample = 4
	}
	boundedK := req.K * oversample

	queryVec, err := e.embedder.Embed(ctx, "", req.Query)
	if err != nil {
		return nil, apperr.DependencyUnavailable("failed to embed query", err)
	}

	h := &candidateHeap{}
	heap.Init(h)
	for _, sector := range sectors {
		hits, err := e.store.SearchCosine(ctx, req.UserID, sector, queryVec, boundedK)
		if err != nil {
			return nil, err
		}
		for _, hit := range hits {
			heap.Push(h, candidate{memoryID: hit.MemoryID, sector: sector, cosine: hit.Score})
			if h.Len() > boundedK {
				heap.Pop(h)
			}
		}
	}

	keywords := tokenizeKeywords(req.Query, e.cfg.KeywordMinLength)

	var scored []Result
	var scoredCandidates []scoredCandidate
	for _, c := range *h {
		m, err := e.store.Get(ctx, req.UserID, c.memoryID)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		if req.TimeWindow != nil {
			if m.CreatedAt.Before(req.TimeWindow.From) || !m.CreatedAt.Before(req.TimeWindow.To) {
				continue
			}
		}

		lexical := lexicalScore(m.Content, keywords)
		recency := math.Exp(-daysSince(m.CreatedAt, e.now()) / e.cfg.RecencyHalfLifeDays)

		score := c.cosine
		if e.cfg.HybridFusion {
			score = e.cfg.WeightVector*c.cosine + e.cfg.WeightKeyword*lexical*e.cfg.KeywordBoost + e.cfg.WeightTime*recency
		}

		scoredCandidates = append(scoredCandidates, scoredCandidate{memory: m, score: score})
	}

	applyWaypointBoost(ctx, e.store, req.UserID, scoredCandidates)

	for _, sc := range scoredCandidates {
		scored = append(scored, Result{
			ID:            sc.memory.ID,
			Content:       sc.memory.Content,
			Score:         sc.score,
			PrimarySector: sc.memory.PrimarySector,
			Tags:          sc.memory.Tags,
			CreatedAt:     sc.memory.CreatedAt,
			Metadata:      sc.memory.Metadata,
		})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > req.K {
		scored = scored[:req.K]
	}
	return scored, nil
}

type scoredCandidate struct {
	memory *types.Memory
	score  float64
}

// applyWaypointBoost gives the top-1 candidate's high-weight neighbors a
// small additive bonus, the one-hop spreading-activation step from
// spec.md §4.4.
func applyWaypointBoost(ctx context.Context, store Store, userID string, candidates []scoredCandidate) {
	if len(candidates) == 0 {
		return
	}
	top := 0
	for i, c := range candidates {
		if c.score > candidates[top].score {
			top = i
		}
		_ = c
	}

	neighbors, err := store.Neighbors(ctx, userID, candidates[top].memory.ID, 5)
	if err != nil {
		return
	}
	weight := map[string]float64{}
	for _, n := range neighbors {
		weight[n.DstID] = n.Weight
	}
	for i, c := range candidates {
		if w, ok := weight[c.memory.ID]; ok && w > 0.5 {
			candidates[i].score += w * 0.05
		}
	}
}

func isNotFound(err error) bool {
	e, ok := apperr.As(err)
	return ok && e.Kind == apperr.KindNotFound
}

func daysSince(t, now time.Time) float64 {
	d := now.Sub(t).Hours() / 24.0
	if d < 0 {
		return 0
	}
	return d
}

// tokenizeKeywords lowercases, splits on non-letter/digit boundaries, and
// deduplicates tokens of at least minLength, per spec.md §4.4's lexical
// scoring input.
func tokenizeKeywords(query string, minLength int) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	seen := map[string]bool{}
	var out []string
	for _, f := range fields {
		if len(f) < minLength || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// lexicalScore counts keyword hits in content, normalized by content length.
func lexicalScore(content string, keywords []string) float64 {
	if len(keywords) == 0 || len(content) == 0 {
		return 0
	}
	lower := strings.ToLower(content)
	hits := 0
	for _, kw := range keywords {
		hits += strings.Count(lower, kw)
	}
	return float64(hits) / float64(len(content))
}
