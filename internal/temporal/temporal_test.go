package temporal

import (
	"context"
	"testing"
	"time"

	"github.com/openmemory/openmemory/internal/apperr"
	"github.com/openmemory/openmemory/pkg/types"
)

type fakeFactStore struct {
	facts map[string]types.Fact
	edges []types.Edge
}

func newFakeFactStore() *fakeFactStore {
	return &fakeFactStore{facts: map[string]types.Fact{}}
}

func (f *fakeFactStore) Assert(ctx context.Context, fact *types.Fact) error {
	if prior, err := f.FindOpen(ctx, fact.UserID, fact.Subject, fact.Predicate); err == nil {
		closed := fact.ValidFrom
		prior.ValidTo = &closed
		f.facts[prior.ID] = *prior
	}
	f.facts[fact.ID] = *fact
	return nil
}

func (f *fakeFactStore) GetFact(ctx context.Context, userID, id string) (*types.Fact, error) {
	fact, ok := f.facts[id]
	if !ok {
		return nil, apperr.NotFound("fact not found")
	}
	cp := fact
	return &cp, nil
}

func (f *fakeFactStore) FindOpen(ctx context.Context, userID, subject, predicate string) (*types.Fact, error) {
	for _, fact := range f.facts {
		if fact.UserID == userID && fact.Subject == subject && fact.Predicate == predicate && fact.ValidTo == nil {
			cp := fact
			return &cp, nil
		}
	}
	return nil, apperr.NotFound("no open fact")
}

func (f *fakeFactStore) AsOf(ctx context.Context, userID, subject string, at time.Time) ([]types.Fact, error) {
	var out []types.Fact
	for _, fact := range f.facts {
		if fact.UserID == userID && fact.Subject == subject && fact.Contains(at) {
			out = append(out, fact)
		}
	}
	return out, nil
}

func (f *fakeFactStore) History(ctx context.Context, userID, subject, predicate string) ([]types.Fact, error) {
	var out []types.Fact
	for _, fact := range f.facts {
		if fact.UserID == userID && fact.Subject == subject && fact.Predicate == predicate {
			out = append(out, fact)
		}
	}
	return out, nil
}

func (f *fakeFactStore) CloseFact(ctx context.Context, userID, id string, validTo time.Time) error {
	fact, ok := f.facts[id]
	if !ok {
		return apperr.NotFound("fact not found")
	}
	fact.ValidTo = &validTo
	f.facts[id] = fact
	return nil
}

func (f *fakeFactStore) ListOpenFacts(ctx context.Context, userID string) ([]types.Fact, error) {
	var out []types.Fact
	for _, fact := range f.facts {
		if fact.UserID == userID && fact.ValidTo == nil {
			out = append(out, fact)
		}
	}
	return out, nil
}

func (f *fakeFactStore) DeleteByObject(ctx context.Context, userID, object string) (int, error) {
	return 0, nil
}

func (f *fakeFactStore) Link(ctx context.Context, e *types.Edge) error {
	f.edges = append(f.edges, *e)
	return nil
}

func (f *fakeFactStore) Related(ctx context.Context, userID, factID string) ([]types.Edge, error) {
	var out []types.Edge
	for _, e := range f.edges {
		if e.SourceFact == factID || e.TargetFact == factID {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestAssertClosesPriorOpenInterval(t *testing.T) {
	store := newFakeFactStore()
	e := New(store)
	ctx := context.Background()

	first, err := e.Assert(ctx, AssertRequest{UserID: "u1", Subject: "alice", Predicate: "livesIn", Object: "paris", ValidFrom: time.Unix(0, 0)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = e.Assert(ctx, AssertRequest{UserID: "u1", Subject: "alice", Predicate: "livesIn", Object: "berlin", ValidFrom: time.Unix(1000, 0)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	closed := store.facts[first.ID]
	if closed.ValidTo == nil {
		t.Fatalf("expected prior fact to be closed once a new one supersedes it")
	}
}

func TestAssertRejectsNonAdvancingValidFrom(t *testing.T) {
	store := newFakeFactStore()
	e := New(store)
	ctx := context.Background()

	_, err := e.Assert(ctx, AssertRequest{UserID: "u1", Subject: "alice", Predicate: "livesIn", Object: "paris", ValidFrom: time.Unix(1000, 0)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = e.Assert(ctx, AssertRequest{UserID: "u1", Subject: "alice", Predicate: "livesIn", Object: "berlin", ValidFrom: time.Unix(500, 0)})
	if err == nil {
		t.Fatalf("expected error for non-advancing valid_from")
	}
}

func TestLinkRequiresBothFactsToExist(t *testing.T) {
	store := newFakeFactStore()
	e := New(store)
	ctx := context.Background()

	_, err := e.Link(ctx, LinkRequest{UserID: "u1", SourceFact: "missing-a", TargetFact: "missing-b", RelationType: "implies"})
	if err == nil {
		t.Fatalf("expected error when endpoints do not exist")
	}
}

func TestLinkSucceedsWhenBothFactsExist(t *testing.T) {
	store := newFakeFactStore()
	e := New(store)
	ctx := context.Background()

	a, err := e.Assert(ctx, AssertRequest{UserID: "u1", Subject: "alice", Predicate: "livesIn", Object: "paris", ValidFrom: time.Unix(0, 0)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := e.Assert(ctx, AssertRequest{UserID: "u1", Subject: "alice", Predicate: "worksAt", Object: "acme", ValidFrom: time.Unix(0, 0)})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	edge, err := e.Link(ctx, LinkRequest{UserID: "u1", SourceFact: a.ID, TargetFact: b.ID, RelationType: "co-occurs"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	related, err := e.Related(ctx, "u1", a.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(related) != 1 || related[0].ID != edge.ID {
		t.Fatalf("expected related to return the new edge")
	}
}
