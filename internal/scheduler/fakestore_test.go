package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/openmemory/openmemory/internal/apperr"
	"github.com/openmemory/openmemory/internal/storage"
	"github.com/openmemory/openmemory/pkg/types"
)

// fakeSchedulerStore is a minimal in-memory store satisfying every narrow
// Store interface this package's jobs depend on.
type fakeSchedulerStore struct {
	mu        sync.Mutex
	users     map[string]*types.User
	memories  map[string]types.Memory
	waypoints map[string][]types.Waypoint
	facts     map[string]types.Fact
}

func newFakeSchedulerStore() *fakeSchedulerStore {
	return &fakeSchedulerStore{
		users:     map[string]*types.User{},
		memories:  map[string]types.Memory{},
		waypoints: map[string][]types.Waypoint{},
		facts:     map[string]types.Fact{},
	}
}

func (f *fakeSchedulerStore) addMemory(m types.Memory) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[m.UserID] = &types.User{ID: m.UserID}
	f.memories[m.ID] = m
}

func (f *fakeSchedulerStore) GetOrCreate(ctx context.Context, userID string) (*types.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[userID]; ok {
		return u, nil
	}
	u := &types.User{ID: userID}
	f.users[userID] = u
	return u, nil
}

func (f *fakeSchedulerStore) UpdateSummary(ctx context.Context, userID, summary string) error {
	return nil
}

func (f *fakeSchedulerStore) IncrementReflectionCount(ctx context.Context, userID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return 0, apperr.NotFound("user not found")
	}
	u.ReflectionCount++
	return u.ReflectionCount, nil
}

func (f *fakeSchedulerStore) ListUserIDs(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, 0, len(f.users))
	for id := range f.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (f *fakeSchedulerStore) Store(ctx context.Context, m *types.Memory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memories[m.ID] = *m
	return nil
}

func (f *fakeSchedulerStore) Get(ctx context.Context, userID, id string) (*types.Memory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.memories[id]
	if !ok || m.UserID != userID {
		return nil, apperr.NotFound("memory not found")
	}
	cp := m
	return &cp, nil
}

func (f *fakeSchedulerStore) FindByContentHash(ctx context.Context, userID, contentHash string) (*types.Memory, error) {
	return nil, apperr.NotFound("not found")
}

func (f *fakeSchedulerStore) List(ctx context.Context, userID string, opts storage.ListOptions) (*storage.PaginatedResult[types.Memory], error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var items []types.Memory
	for _, m := range f.memories {
		if m.UserID != userID {
			continue
		}
		if m.Archived && !opts.IncludeArchived {
			continue
		}
		items = append(items, m)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	return &storage.PaginatedResult[types.Memory]{Items: items, Total: len(items), HasMore: false}, nil
}

func (f *fakeSchedulerStore) Update(ctx context.Context, m *types.Memory) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.memories[m.ID]; !ok {
		return apperr.NotFound("memory not found")
	}
	f.memories[m.ID] = *m
	return nil
}

func (f *fakeSchedulerStore) Delete(ctx context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.memories, id)
	return nil
}

func (f *fakeSchedulerStore) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	return 0, nil
}

func (f *fakeSchedulerStore) Touch(ctx context.Context, userID, id string, accessedAt time.Time) error {
	return nil
}

func (f *fakeSchedulerStore) ApplyDecay(ctx context.Context, userID string, decayRate float64, now time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for id, m := range f.memories {
		if m.UserID != userID {
			continue
		}
		days := now.Sub(m.LastAccessedAt).Hours() / 24.0
		if days < 0 {
			days = 0
		}
		m.Salience = m.Salience * (1 - decayRate*days)
		if m.Salience < 0 {
			m.Salience = 0
		}
		f.memories[id] = m
		count++
	}
	return count, nil
}

func (f *fakeSchedulerStore) Close() error { return nil }

func (f *fakeSchedulerStore) UpsertWaypoint(ctx context.Context, w *types.Waypoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waypoints[w.SrcID] = append(f.waypoints[w.SrcID], *w)
	return nil
}

func (f *fakeSchedulerStore) Neighbors(ctx context.Context, userID, memoryID string, limit int) ([]types.Waypoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.waypoints[memoryID], nil
}

func (f *fakeSchedulerStore) DeleteWaypoint(ctx context.Context, userID, srcID, dstID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	kept := f.waypoints[srcID][:0]
	for _, w := range f.waypoints[srcID] {
		if w.DstID != dstID {
			kept = append(kept, w)
		}
	}
	f.waypoints[srcID] = kept
	return nil
}

func (f *fakeSchedulerStore) Assert(ctx context.Context, fact *types.Fact) error { return nil }
func (f *fakeSchedulerStore) GetFact(ctx context.Context, userID, id string) (*types.Fact, error) {
	return nil, apperr.NotFound("not found")
}
func (f *fakeSchedulerStore) FindOpen(ctx context.Context, userID, subject, predicate string) (*types.Fact, error) {
	return nil, apperr.NotFound("not found")
}
func (f *fakeSchedulerStore) AsOf(ctx context.Context, userID, subject string, at time.Time) ([]types.Fact, error) {
	return nil, nil
}
func (f *fakeSchedulerStore) History(ctx context.Context, userID, subject, predicate string) ([]types.Fact, error) {
	return nil, nil
}
func (f *fakeSchedulerStore) ListOpenFacts(ctx context.Context, userID string) ([]types.Fact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Fact
	for _, fact := range f.facts {
		if fact.UserID == userID && fact.ValidTo == nil {
			out = append(out, fact)
		}
	}
	return out, nil
}
func (f *fakeSchedulerStore) CloseFact(ctx context.Context, userID, id string, validTo time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fact, ok := f.facts[id]
	if !ok {
		return apperr.NotFound("fact not found")
	}
	fact.ValidTo = &validTo
	f.facts[id] = fact
	return nil
}
func (f *fakeSchedulerStore) DeleteByObject(ctx context.Context, userID, object string) (int, error) {
	return 0, nil
}

func (f *fakeSchedulerStore) Upsert(ctx context.Context, v *types.Vector) error { return nil }
func (f *fakeSchedulerStore) GetVector(ctx context.Context, userID, memoryID string) (*types.Vector, error) {
	return nil, apperr.NotFound("not found")
}
func (f *fakeSchedulerStore) DeleteVector(ctx context.Context, userID, memoryID string) error {
	return nil
}
func (f *fakeSchedulerStore) SearchCosine(ctx context.Context, userID string, sector types.Sector, query []float32, k int) ([]storage.ScoredID, error) {
	return nil, nil
}

func (f *fakeSchedulerStore) Append(ctx context.Context, r *types.AuditRecord) error { return nil }
func (f *fakeSchedulerStore) ListAudit(ctx context.Context, userID string, opts storage.ListOptions) (*storage.PaginatedResult[types.AuditRecord], error) {
	return &storage.PaginatedResult[types.AuditRecord]{}, nil
}

func (f *fakeSchedulerStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}
