package storage_test

import (
	"sync/atomic"
	"testing"

	"github.com/openmemory/openmemory/internal/apperr"
	"github.com/openmemory/openmemory/internal/storage"
)

func TestRequireTenantMatchRejectsWrongOwner(t *testing.T) {
	err := storage.RequireTenantMatch("user-a", "user-b")
	if err == nil {
		t.Fatal("expected an error for mismatched owner")
	}
	e, ok := apperr.As(err)
	if !ok || e.Kind != apperr.KindTenantScope {
		t.Fatalf("expected a TenantScopeError, got %v", err)
	}
}

func TestRequireTenantMatchAllowsMatchingOwner(t *testing.T) {
	if err := storage.RequireTenantMatch("user-a", "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// TestAssertTenantScopeStrictRejectsMissingUserID is spec.md §8 testable
// property #8: with strict mode on, any destructive statement lacking a
// user_id binding fails with TenantScopeError.
func TestAssertTenantScopeStrictRejectsMissingUserID(t *testing.T) {
	err := storage.AssertTenantScope(true, "")
	if err == nil {
		t.Fatal("expected an error for a missing user_id binding under strict tenancy")
	}
	e, ok := apperr.As(err)
	if !ok || e.Kind != apperr.KindTenantScope {
		t.Fatalf("expected a TenantScopeError, got %v", err)
	}
}

func TestAssertTenantScopeStrictAllowsBoundUserID(t *testing.T) {
	if err := storage.AssertTenantScope(true, "user-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestAssertTenantScopeNonStrictWarnsInsteadOfRejecting(t *testing.T) {
	before := atomic.LoadUint64(&storage.TenantScopeWarnings)
	if err := storage.AssertTenantScope(false, ""); err != nil {
		t.Fatalf("non-strict mode must not reject a missing user_id, got: %v", err)
	}
	after := atomic.LoadUint64(&storage.TenantScopeWarnings)
	if after != before+1 {
		t.Fatalf("expected TenantScopeWarnings to increment by 1, went from %d to %d", before, after)
	}
}
