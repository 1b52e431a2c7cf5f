// Package sqlite implements the embedded OpenMemory backend on top of
// modernc.org/sqlite, the CGO-free driver the teacher repo uses for its
// single-writer embedded store.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/openmemory/openmemory/internal/storage"
)

// Store implements storage.Backend against a local sqlite file.
type Store struct {
	db           *sql.DB
	strictTenant bool
}

var _ storage.Backend = (*Store)(nil)

// Open opens (creating if absent) the sqlite database at path and configures
// WAL mode with a single connection, mirroring internal/storage/sqlite's
// openMemoryStore in the teacher repo: one writer, readers never block it.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: failed to apply %q: %w", p, err)
		}
	}

	return &Store{db: db}, nil
}

// Migrate applies the embedded schema migrations idempotently.
func (s *Store) Migrate(ctx context.Context) error {
	mgr, err := storage.NewMigrationManager(s.db, storage.DialectSQLite)
	if err != nil {
		return fmt.Errorf("sqlite: failed to create migration manager: %w", err)
	}
	return mgr.Up()
}

// Ping verifies the connection is healthy.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// SetStrictTenant toggles the tenant guard (spec.md's strict tenancy mode):
// once enabled, the by-id lookups (Get, GetVector, GetFact) and the
// destructive calls (Delete, DeleteAllForUser, DeleteVector,
// DeleteWaypoint, CloseFact, DeleteByObject) reject a missing user_id
// binding instead of only warning about it. The other store methods do not
// check the binding.
func (s *Store) SetStrictTenant(strict bool) {
	s.strictTenant = strict
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithinTx runs fn inside a single sqlite transaction. Because the pool is
// capped at one connection, nested calls from the same goroutine would
// deadlock; callers must not call WithinTx recursively.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: failed to begin transaction: %w", err)
	}
	txCtx := withTx(ctx, tx)
	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("sqlite: rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: failed to commit transaction: %w", err)
	}
	return nil
}

type txKey struct{}

func withTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

func nowUTC() time.Time { return time.Now().UTC() }
