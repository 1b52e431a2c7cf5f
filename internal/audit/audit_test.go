package audit

import (
	"context"
	"testing"

	"github.com/openmemory/openmemory/internal/storage"
	"github.com/openmemory/openmemory/pkg/types"
)

type fakeAuditStore struct {
	records []types.AuditRecord
}

func (f *fakeAuditStore) Append(ctx context.Context, r *types.AuditRecord) error {
	f.records = append(f.records, *r)
	return nil
}

func (f *fakeAuditStore) ListAudit(ctx context.Context, userID string, opts storage.ListOptions) (*storage.PaginatedResult[types.AuditRecord], error) {
	var out []types.AuditRecord
	for _, r := range f.records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return &storage.PaginatedResult[types.AuditRecord]{Items: out, Total: len(out)}, nil
}

func TestRecordAppendsEntry(t *testing.T) {
	store := &fakeAuditStore{}
	log := New(store)
	ctx := context.Background()

	if err := log.Record(ctx, Entry{UserID: "u1", Action: ActionMemoryAdd, ResourceType: "memory", ResourceID: "m1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(store.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(store.records))
	}
	if store.records[0].Action != ActionMemoryAdd {
		t.Fatalf("unexpected action recorded: %s", store.records[0].Action)
	}
}

func TestRecordRejectsMissingFields(t *testing.T) {
	log := New(&fakeAuditStore{})
	if err := log.Record(context.Background(), Entry{Action: ActionMemoryAdd}); err == nil {
		t.Fatalf("expected error for missing user_id")
	}
	if err := log.Record(context.Background(), Entry{UserID: "u1"}); err == nil {
		t.Fatalf("expected error for missing action")
	}
}

func TestListFiltersByUser(t *testing.T) {
	store := &fakeAuditStore{}
	log := New(store)
	ctx := context.Background()

	if err := log.Record(ctx, Entry{UserID: "u1", Action: ActionMemoryAdd}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := log.Record(ctx, Entry{UserID: "u2", Action: ActionMemoryAdd}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := log.List(ctx, ListRequest{UserID: "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Total != 1 {
		t.Fatalf("expected 1 record for u1, got %d", result.Total)
	}
}
