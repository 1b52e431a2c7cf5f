// Package postgres implements the remote OpenMemory backend on top of
// lib/pq and pgvector-go, the driver and vector extension binding the
// teacher repo uses for its PostgreSQL storage layer.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/openmemory/openmemory/internal/storage"
)

// Store implements storage.Backend against a remote PostgreSQL database,
// used by multi-instance OpenMemory deployments that need a shared,
// horizontally-scalable metadata and vector store instead of the embedded
// single-writer sqlite backend.
type Store struct {
	db                *sql.DB
	pgvectorAvailable bool
	tablePrefix       string
	strictTenant      bool
}

var _ storage.Backend = (*Store)(nil)

// Open connects to dsn and configures a pooled connection, matching the
// teacher's postgres.NewMemoryStore pool sizing.
func Open(dsn, tablePrefix string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: failed to ping database: %w", err)
	}

	return &Store{db: db, tablePrefix: tablePrefix}, nil
}

// Migrate applies the embedded schema migrations and probes for pgvector.
func (s *Store) Migrate(ctx context.Context) error {
	mgr, err := storage.NewMigrationManager(s.db, storage.DialectPostgres)
	if err != nil {
		return fmt.Errorf("postgres: failed to create migration manager: %w", err)
	}
	if err := mgr.Up(); err != nil {
		return err
	}

	var hasVector bool
	err = s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM pg_extension WHERE extname = 'vector')`).Scan(&hasVector)
	if err != nil {
		log.Printf("postgres: failed to probe pgvector extension: %v", err)
	}
	s.pgvectorAvailable = hasVector
	if !s.pgvectorAvailable {
		log.Printf("postgres: pgvector extension not available, vector search degraded to brute-force scan")
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *Store) Close() error                   { return s.db.Close() }

// SetStrictTenant toggles the tenant guard (spec.md's strict tenancy mode):
// once enabled, the by-id lookups (Get, GetVector, GetFact) and the
// destructive calls (Delete, DeleteAllForUser, DeleteVector,
// DeleteWaypoint, CloseFact, DeleteByObject) reject a missing user_id
// binding instead of only warning about it. The other store methods do not
// check the binding.
func (s *Store) SetStrictTenant(strict bool) {
	s.strictTenant = strict
}

// WithinTx runs fn inside a single postgres transaction.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	txCtx := withTx(ctx, tx)
	if err := fn(txCtx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Printf("postgres: rollback failed: %v", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: failed to commit transaction: %w", err)
	}
	return nil
}

type txKey struct{}

func withTx(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

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
