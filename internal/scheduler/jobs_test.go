package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/openmemory/openmemory/internal/apperr"
	"github.com/openmemory/openmemory/internal/crypto"
	"github.com/openmemory/openmemory/internal/embedding"
	"github.com/openmemory/openmemory/internal/engine"
	"github.com/openmemory/openmemory/pkg/types"
)

func TestDecayJobDemotesMemoryBelowArchivalFloor(t *testing.T) {
	store := newFakeSchedulerStore()
	now := time.Now()
	store.addMemory(types.Memory{
		ID: "m1", UserID: "u1", Content: "x",
		Salience: 0.02, LastAccessedAt: now.Add(-240 * time.Hour),
	})

	job := NewDecayJob(store, 0.1)
	if err := job(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := store.memories["m1"]
	if !got.Archived {
		t.Fatalf("expected low-salience memory to be archived, not deleted")
	}
	if _, ok := store.memories["m1"]; !ok {
		t.Fatalf("memory must still exist after archival floor demotion")
	}
}

func TestDecayJobLeavesHighSalienceUnarchived(t *testing.T) {
	store := newFakeSchedulerStore()
	store.addMemory(types.Memory{ID: "m1", UserID: "u1", Content: "x", Salience: 0.9, LastAccessedAt: time.Now()})

	job := NewDecayJob(store, 0.01)
	if err := job(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if store.memories["m1"].Archived {
		t.Fatalf("expected high-salience memory to remain unarchived")
	}
}

func TestReinforceSweepJobBoostsRecentlyAccessedMemories(t *testing.T) {
	store := newFakeSchedulerStore()
	store.addMemory(types.Memory{ID: "m1", UserID: "u1", Content: "x", Salience: 0.5, LastAccessedAt: time.Now()})
	store.addMemory(types.Memory{ID: "m2", UserID: "u1", Content: "y", Salience: 0.5, LastAccessedAt: time.Now().Add(-48 * time.Hour)})

	job := NewReinforceSweepJob(store, 0.1, time.Hour)
	if err := job(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if store.memories["m1"].Salience <= 0.5 {
		t.Fatalf("expected recently accessed memory to be boosted, got %v", store.memories["m1"].Salience)
	}
	if store.memories["m2"].Salience != 0.5 {
		t.Fatalf("expected stale memory to be untouched, got %v", store.memories["m2"].Salience)
	}
}

func TestClampSalienceBounds(t *testing.T) {
	if clampSalience(1.5) != 1.0 {
		t.Fatalf("expected clamp to cap at 1.0")
	}
	if clampSalience(-0.5) != 0 {
		t.Fatalf("expected clamp to floor at 0")
	}
	if clampSalience(0.4) != 0.4 {
		t.Fatalf("expected mid-range value to pass through unchanged")
	}
}

func TestCompactionJobPrunesDanglingWaypoints(t *testing.T) {
	store := newFakeSchedulerStore()
	store.addMemory(types.Memory{ID: "m1", UserID: "u1", Content: "x"})
	store.UpsertWaypoint(context.Background(), &types.Waypoint{SrcID: "m1", DstID: "missing", UserID: "u1", Weight: 1})

	job := NewCompactionJob(store)
	if err := job(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	neighbors, _ := store.Neighbors(context.Background(), "u1", "m1", 0)
	if len(neighbors) != 0 {
		t.Fatalf("expected dangling waypoint to be pruned, got %d remaining", len(neighbors))
	}
}

func TestCompactionJobClosesDuplicateOpenFacts(t *testing.T) {
	store := newFakeSchedulerStore()
	store.users["u1"] = &types.User{ID: "u1"}
	older := types.Fact{ID: "f1", UserID: "u1", Subject: "alice", Predicate: "livesIn", Object: "paris", ValidFrom: time.Unix(0, 0)}
	newer := types.Fact{ID: "f2", UserID: "u1", Subject: "alice", Predicate: "livesIn", Object: "paris", ValidFrom: time.Unix(1000, 0)}
	store.facts = map[string]types.Fact{"f1": older, "f2": newer}

	job := NewCompactionJob(store)
	if err := job(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if store.facts["f1"].ValidTo == nil {
		t.Fatalf("expected the older duplicate fact to be closed")
	}
	if store.facts["f2"].ValidTo != nil {
		t.Fatalf("expected the newest duplicate fact to remain open")
	}
}

type stubSummarizer struct {
	summary string
	err     error
	calls   int
}

func (s *stubSummarizer) Summarize(ctx context.Context, userID string, memories []string) (string, error) {
	s.calls++
	return s.summary, s.err
}

type fakeEmbedder struct{ dim int }

func (f *fakeEmbedder) Embed(ctx context.Context, sector types.Sector, content string) ([]float32, error) {
	return make([]float32, f.dim), nil
}
func (f *fakeEmbedder) Dim() int { return f.dim }

type fakeEncryptor struct{}

func (fakeEncryptor) Encrypt(plaintext []byte) ([]byte, int, error) { return plaintext, 1, nil }
func (fakeEncryptor) Decrypt(ciphertext []byte, keyVersion int) ([]byte, error) {
	return ciphertext, nil
}

func newTestEngine(t *testing.T, store engine.Store) *engine.Engine {
	t.Helper()
	eng, err := engine.New(store, &fakeEmbedder{dim: 4}, fakeEncryptor{}, nil, engine.Config{
		ChunkSize:    500,
		WaypointTopK: 3,
		EmbedTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}
	return eng
}

func TestReflectionJobCreatesSummaryMemoryAboveThreshold(t *testing.T) {
	store := newFakeSchedulerStore()
	for i := 0; i < 5; i++ {
		id := "m" + string(rune('0'+i))
		store.addMemory(types.Memory{ID: id, UserID: "u1", Content: "memory " + id, LastAccessedAt: time.Now()})
	}
	eng := newTestEngine(t, store)
	summarizer := &stubSummarizer{summary: "a reflective summary"}

	job := NewReflectionJob(store, eng, summarizer, 3)
	if err := job(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summarizer.calls != 1 {
		t.Fatalf("expected summarizer to be called once, got %d", summarizer.calls)
	}
	if store.users["u1"].ReflectionCount != 1 {
		t.Fatalf("expected reflection_count to be incremented, got %d", store.users["u1"].ReflectionCount)
	}
}

func TestReflectionJobSkipsUsersBelowThreshold(t *testing.T) {
	store := newFakeSchedulerStore()
	store.addMemory(types.Memory{ID: "m1", UserID: "u1", Content: "only one", LastAccessedAt: time.Now()})
	eng := newTestEngine(t, store)
	summarizer := &stubSummarizer{summary: "should not be called"}

	job := NewReflectionJob(store, eng, summarizer, 3)
	if err := job(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if summarizer.calls != 0 {
		t.Fatalf("expected summarizer not to be called below the reflect threshold")
	}
}

type fakeKeyRingForJobs struct {
	keys    map[int][]byte
	active  int
	nextVer int
}

func newFakeKeyRingForJobs() *fakeKeyRingForJobs {
	return &fakeKeyRingForJobs{keys: map[int][]byte{}}
}

func (k *fakeKeyRingForJobs) Active(ctx context.Context) (int, []byte, error) {
	if k.active == 0 {
		return 0, nil, apperr.NotFound("no active key")
	}
	return k.active, k.keys[k.active], nil
}

func (k *fakeKeyRingForJobs) GetKey(ctx context.Context, version int) ([]byte, error) {
	key, ok := k.keys[version]
	if !ok {
		return nil, apperr.NotFound("key version not found")
	}
	return key, nil
}

func (k *fakeKeyRingForJobs) Rotate(ctx context.Context, wrapped []byte) (int, error) {
	k.nextVer++
	k.keys[k.nextVer] = wrapped
	k.active = k.nextVer
	return k.nextVer, nil
}

func TestRotateNowReencryptsLaggingMemories(t *testing.T) {
	store := newFakeSchedulerStore()
	mgr := crypto.New(newFakeKeyRingForJobs())
	ctx := context.Background()

	if err := mgr.EnsureKey(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ciphertext, version, err := mgr.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	store.addMemory(types.Memory{ID: "m1", UserID: "u1", Ciphertext: ciphertext, EncryptionKeyVersion: version})

	if err := RotateNow(ctx, store, mgr, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got := store.memories["m1"]
	if got.EncryptionKeyVersion == version {
		t.Fatalf("expected memory to be re-encrypted under the new key version")
	}
	plaintext, err := mgr.Decrypt(got.Ciphertext, got.EncryptionKeyVersion)
	if err != nil {
		t.Fatalf("unexpected decrypt error: %v", err)
	}
	if string(plaintext) != "hello" {
		t.Fatalf("expected plaintext to round-trip, got %q", plaintext)
	}
}

func TestKeyRotationJobResumesWithoutBumpingVersion(t *testing.T) {
	store := newFakeSchedulerStore()
	mgr := crypto.New(newFakeKeyRingForJobs())
	ctx := context.Background()

	if err := mgr.EnsureKey(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	firstVersion, _, err := mgr.ActiveVersion(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	job := NewKeyRotationJob(store, mgr, 10)
	if err := job(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	secondVersion, _, err := mgr.ActiveVersion(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if firstVersion != secondVersion {
		t.Fatalf("expected the scheduled job to never bump the key version, got %d -> %d", firstVersion, secondVersion)
	}
}

var _ embedding.Provider = (*fakeEmbedder)(nil)
