package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openmemory/openmemory/internal/access"
	"github.com/openmemory/openmemory/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	dir := t.TempDir()
	store, err := sqlite.Open(filepath.Join(dir, "openmemory.db"))
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return store
}

func TestRunCreateUserIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := runCreateUser(ctx, store, []string{"-user", "alice"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := runCreateUser(ctx, store, []string{"-user", "alice"}); err != nil {
		t.Fatalf("expected creating the same user twice to be idempotent: %v", err)
	}
}

func TestRunCreateUserRequiresUserFlag(t *testing.T) {
	store := newTestStore(t)
	if err := runCreateUser(context.Background(), store, []string{}); err == nil {
		t.Fatalf("expected an error when -user is missing")
	}
}

func TestRunIssueKeyKeepsSingleUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := runCreateUser(ctx, store, []string{"-user", "bob"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := runIssueKey(ctx, store, []string{"-user", "bob", "-scopes", "memory:read,memory:write"}); err != nil {
		t.Fatalf("unexpected error issuing key: %v", err)
	}

	keys, err := store.ListUserIDs(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 1 || keys[0] != "bob" {
		t.Fatalf("expected exactly one user 'bob', got %+v", keys)
	}
}

func TestRunIssueKeyRequiresUserFlag(t *testing.T) {
	store := newTestStore(t)
	if err := runIssueKey(context.Background(), store, []string{"-scopes", access.ScopeMemoryRead}); err == nil {
		t.Fatalf("expected an error when -user is missing")
	}
}

func TestRunRevokeKeyRequiresKeyFlag(t *testing.T) {
	store := newTestStore(t)
	if err := runRevokeKey(context.Background(), store, []string{}); err == nil {
		t.Fatalf("expected an error when -key is missing")
	}
}

func TestRunRevokeKeyRejectsUnknownKey(t *testing.T) {
	store := newTestStore(t)
	if err := runRevokeKey(context.Background(), store, []string{"-key", "not-a-real-key"}); err == nil {
		t.Fatalf("expected revoking an unknown key to fail")
	}
}

func TestRunRotateKeysBootstrapsThenRotates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := runRotateKeys(ctx, store); err != nil {
		t.Fatalf("unexpected error on first rotation (should bootstrap a key): %v", err)
	}
	if err := runRotateKeys(ctx, store); err != nil {
		t.Fatalf("unexpected error on second rotation: %v", err)
	}

	version, _, err := store.Active(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version < 2 {
		t.Fatalf("expected at least two rotations to have occurred, active version is %d", version)
	}
}

func TestRunIssueKeyRejectsEmptyScopesList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	if err := runCreateUser(ctx, store, []string{"-user", "carol"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := runIssueKey(ctx, store, []string{"-user", "carol", "-scopes", ""})
	if err == nil {
		t.Fatalf("expected an error when -scopes splits to an empty entry")
	}
	if !strings.Contains(err.Error(), "scope") {
		t.Fatalf("expected the error to mention scopes, got: %v", err)
	}
}
