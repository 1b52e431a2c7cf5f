package engine

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/openmemory/openmemory/internal/apperr"
	"github.com/openmemory/openmemory/internal/storage"
	"github.com/openmemory/openmemory/pkg/types"
)

// fakeStore is a minimal in-memory implementation of the engine.Store
// surface, sized for unit tests rather than correctness under concurrency
// beyond a single mutex.
type fakeStore struct {
	mu        sync.Mutex
	memories  map[string]types.Memory
	vectors   map[string]types.Vector
	waypoints map[string]types.Waypoint
	facts     map[string]types.Fact
	audit     []types.AuditRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		memories:  map[string]types.Memory{},
		vectors:   map[string]types.Vector{},
		waypoints: map[string]types.Waypoint{},
		facts:     map[string]types.Fact{},
	}
}

func (f *fakeStore) Store(ctx context.Context, m *types.Memory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memories[m.ID] = *m
	return nil
}

func (f *fakeStore) Get(ctx context.Context, userID, id string) (*types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[id]
	if !ok {
		return nil, apperr.NotFound("memory not found")
	}
	if err := storage.RequireTenantMatch(m.UserID, userID); err != nil {
		return nil, err
	}
	cp := m
	return &cp, nil
}

func (f *fakeStore) FindByContentHash(ctx context.Context, userID, contentHash string) (*types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.memories {
		if m.UserID == userID && m.ContentHash == contentHash {
			cp := m
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("memory not found")
}

func (f *fakeStore) List(ctx context.Context, userID string, opts storage.ListOptions) (*storage.PaginatedResult[types.Memory], error) {
	return nil, nil
}

func (f *fakeStore) Update(ctx context.Context, m *types.Memory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.memories[m.ID]
	if !ok {
		return apperr.NotFound("memory not found")
	}
	m.Version = existing.Version + 1
	f.memories[m.ID] = *m
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.memories[id]; !ok {
		return apperr.NotFound("memory not found")
	}
	delete(f.memories, id)
	return nil
}

func (f *fakeStore) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, m := range f.memories {
		if m.UserID == userID {
			delete(f.memories, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) Touch(ctx context.Context, userID, id string, accessedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[id]
	if !ok {
		return apperr.NotFound("memory not found")
	}
	m.LastAccessedAt = accessedAt
	f.memories[id] = m
	return nil
}

func (f *fakeStore) ApplyDecay(ctx context.Context, userID string, decayRate float64, now time.Time) (int, error) {
	return 0, nil
}

func (f *fakeStore) Close() error { return nil }

func (f *fakeStore) Upsert(ctx context.Context, v *types.Vector) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.vectors[v.MemoryID] = *v
	return nil
}

func (f *fakeStore) GetVector(ctx context.Context, userID, memoryID string) (*types.Vector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.vectors[memoryID]
	if !ok {
		return nil, apperr.NotFound("vector not found")
	}
	cp := v
	return &cp, nil
}

func (f *fakeStore) DeleteVector(ctx context.Context, userID, memoryID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.vectors, memoryID)
	return nil
}

func (f *fakeStore) SearchCosine(ctx context.Context, userID string, sector types.Sector, query []float32, k int) ([]storage.ScoredID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.ScoredID
	for id, v := range f.vectors {
		if v.UserID != userID || v.Sector != sector {
			continue
		}
		out = append(out, storage.ScoredID{MemoryID: id, Score: cosine(query, v.Payload)})
	}
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func (f *fakeStore) Search(ctx context.Context, userID, query string, limit int) ([]storage.ScoredID, error) {
	return nil, nil
}

func (f *fakeStore) UpsertWaypoint(ctx context.Context, w *types.Waypoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waypoints[w.SrcID+"->"+w.DstID] = *w
	return nil
}

func (f *fakeStore) Neighbors(ctx context.Context, userID, memoryID string, limit int) ([]types.Waypoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Waypoint
	for _, w := range f.waypoints {
		if w.UserID == userID && w.SrcID == memoryID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteWaypoint(ctx context.Context, userID, srcID, dstID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.waypoints, srcID+"->"+dstID)
	return nil
}

func (f *fakeStore) Assert(ctx context.Context, fact *types.Fact) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.facts[fact.ID] = *fact
	return nil
}

func (f *fakeStore) GetFact(ctx context.Context, userID, id string) (*types.Fact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fact, ok := f.facts[id]
	if !ok {
		return nil, apperr.NotFound("fact not found")
	}
	cp := fact
	return &cp, nil
}

func (f *fakeStore) FindOpen(ctx context.Context, userID, subject, predicate string) (*types.Fact, error) {
	return nil, apperr.NotFound("no open fact")
}

func (f *fakeStore) AsOf(ctx context.Context, userID, subject string, at time.Time) ([]types.Fact, error) {
	return nil, nil
}

func (f *fakeStore) History(ctx context.Context, userID, subject, predicate string) ([]types.Fact, error) {
	return nil, nil
}

func (f *fakeStore) CloseFact(ctx context.Context, userID, id string, validTo time.Time) error {
	return nil
}

func (f *fakeStore) DeleteByObject(ctx context.Context, userID, object string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, fact := range f.facts {
		if fact.UserID == userID && fact.Object == object {
			delete(f.facts, id)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) Append(ctx context.Context, r *types.AuditRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audit = append(f.audit, *r)
	return nil
}

func (f *fakeStore) ListAudit(ctx context.Context, userID string, opts storage.ListOptions) (*storage.PaginatedResult[types.AuditRecord], error) {
	return nil, nil
}

func (f *fakeStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// fakeEncryptor is a reversible no-op encryptor; it exists so tests never
// depend on internal/crypto while still exercising the Encrypt/Decrypt
// round trip the engine relies on.
type fakeEncryptor struct{}

func (fakeEncryptor) Encrypt(plaintext []byte) ([]byte, int, error) {
	out := make([]byte, len(plaintext))
	copy(out, plaintext)
	return out, 1, nil
}

func (fakeEncryptor) Decrypt(ciphertext []byte, keyVersion int) ([]byte, error) {
	out := make([]byte, len(ciphertext))
	copy(out, ciphertext)
	return out, nil
}
