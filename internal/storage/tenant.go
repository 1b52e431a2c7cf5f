package storage

import (
	"log"
	"sync/atomic"

	"github.com/openmemory/openmemory/internal/apperr"
)

// RequireTenantMatch guards against a caller supplying a resource owned by a
// different user than the one authenticated on the request. Every store
// method that loads a row by primary key must call this immediately after
// the row is fetched, before returning it to the caller, the same place the
// teacher's postgres memory_store checks source/domain scoping.
func RequireTenantMatch(ownerID, requestedUserID string) error {
	if ownerID != requestedUserID {
		return apperr.TenantScope("resource belongs to a different tenant")
	}
	return nil
}

// TenantScopeWarnings counts operations that touched a user-scoped table
// without a user_id binding while strict tenancy was off. Exported so
// callers (metrics, admin tooling) can surface it; AssertTenantScope is the
// only writer.
var TenantScopeWarnings uint64

// AssertTenantScope implements the tenant guard: in strict mode, any
// statement that references a user_id column must receive a non-null
// user_id parameter, or it fails with a TenantScopeError. In non-strict
// mode the same condition only increments TenantScopeWarnings; behavior is
// otherwise unchanged. The sqlite and postgres stores call it from their
// by-id lookups and their destructive methods (see SetStrictTenant); their
// other methods do not call it.
func AssertTenantScope(strict bool, userID string) error {
	if userID != "" {
		return nil
	}
	if strict {
		return apperr.TenantScope("statement references a user-scoped table without a user_id binding")
	}
	atomic.AddUint64(&TenantScopeWarnings, 1)
	log.Printf("storage: statement touching a user-scoped table has no user_id binding (strict tenancy is off)")
	return nil
}
