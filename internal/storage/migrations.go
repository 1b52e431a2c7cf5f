package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
)

// ErrNoMigration indicates no migration has been applied yet.
var ErrNoMigration = errors.New("no migration")

// Dialect identifies which SQL variant a migration step carries.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Migration is one versioned schema step, carrying dialect-specific bodies.
// Unlike the teacher's file-based loader, OpenMemory's schema must apply
// identically against both the embedded and remote backend, so each step
// is a Go literal pair rather than a pair of .sql files on disk.
type Migration struct {
	Version  int
	Name     string
	SQLite   string
	Postgres string
}

// Migrations is the ordered, append-only schema history. Every entry must be
// idempotent (CREATE TABLE IF NOT EXISTS, CREATE INDEX IF NOT EXISTS) so Up
// can be re-run safely against a partially migrated database.
var Migrations = []Migration{
	{
		Version: 1,
		Name:    "base_schema",
		SQLite:  sqliteBaseSchema,
		Postgres: postgresBaseSchema,
	},
}

// MigrationManager applies versioned migrations and tracks the applied
// version in a schema_migrations table, the same bookkeeping approach as
// storage.MigrationManager in the teacher repo, generalized to run against
// either dialect from one in-process migration list.
type MigrationManager struct {
	db      *sql.DB
	dialect Dialect
}

// NewMigrationManager builds a manager bound to db using the given dialect.
func NewMigrationManager(db *sql.DB, dialect Dialect) (*MigrationManager, error) {
	if db == nil {
		return nil, fmt.Errorf("migrations: database connection is required")
	}
	mgr := &MigrationManager{db: db, dialect: dialect}
	if err := mgr.ensureSchemaTable(); err != nil {
		return nil, fmt.Errorf("migrations: failed to create schema table: %w", err)
	}
	return mgr, nil
}

func (mgr *MigrationManager) ensureSchemaTable() error {
	_, err := mgr.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

// Up applies every migration with a version greater than the currently
// recorded one, in ascending order. On Postgres it holds a session-level
// advisory lock for the duration so concurrent server instances booting
// against the same remote database do not race to apply the same version.
func (mgr *MigrationManager) Up() error {
	if mgr.dialect == DialectPostgres {
		if _, err := mgr.db.Exec("SELECT pg_advisory_lock(727101)"); err != nil {
			return fmt.Errorf("migrations: failed to acquire advisory lock: %w", err)
		}
		defer func() {
			if _, err := mgr.db.Exec("SELECT pg_advisory_unlock(727101)"); err != nil {
				log.Printf("migrations: failed to release advisory lock: %v", err)
			}
		}()
	}

	current, _, err := mgr.Version()
	if err != nil && !errors.Is(err, ErrNoMigration) {
		return fmt.Errorf("migrations: failed to get current version: %w", err)
	}

	applied := 0
	for _, m := range Migrations {
		if m.Version <= current {
			continue
		}
		body := m.SQLite
		if mgr.dialect == DialectPostgres {
			body = m.Postgres
		}
		if body == "" {
			continue
		}
		if _, err := mgr.db.Exec(body); err != nil {
			return fmt.Errorf("migrations: failed to apply version %d (%s): %w", m.Version, m.Name, err)
		}
		var insertSQL string
		if mgr.dialect == DialectPostgres {
			insertSQL = "INSERT INTO schema_migrations (version) VALUES ($1)"
		} else {
			insertSQL = "INSERT INTO schema_migrations (version) VALUES (?)"
		}
		if _, err := mgr.db.Exec(insertSQL, m.Version); err != nil {
			return fmt.Errorf("migrations: failed to record version %d: %w", m.Version, err)
		}
		applied++
	}
	if applied > 0 {
		log.Printf("migrations: applied %d migration(s), now at version %d", applied, mgr.latestVersion())
	}
	return nil
}

func (mgr *MigrationManager) latestVersion() int {
	v := 0
	for _, m := range Migrations {
		if m.Version > v {
			v = m.Version
		}
	}
	return v
}

// Version returns the highest applied migration version.
func (mgr *MigrationManager) Version() (int, bool, error) {
	var version int
	err := mgr.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, false, fmt.Errorf("migrations: failed to query version: %w", err)
	}
	if version == 0 {
		return 0, false, ErrNoMigration
	}
	return version, false, nil
}

const sqliteBaseSchema = `
CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    summary TEXT NOT NULL DEFAULT '',
    reflection_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    ciphertext BLOB NOT NULL,
    content_hash TEXT NOT NULL,
    primary_sector TEXT NOT NULL,
    tags TEXT NOT NULL DEFAULT '[]',
    metadata TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_accessed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    salience REAL NOT NULL DEFAULT 1.0,
    decay_rate REAL NOT NULL DEFAULT 0.05,
    version INTEGER NOT NULL DEFAULT 1,
    encryption_key_version INTEGER NOT NULL DEFAULT 1,
    archived INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_memories_user_id ON memories(user_id);
CREATE INDEX IF NOT EXISTS idx_memories_sector ON memories(primary_sector);
CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at);
CREATE INDEX IF NOT EXISTS idx_memories_salience ON memories(salience DESC);
CREATE INDEX IF NOT EXISTS idx_memories_archived ON memories(archived);

CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
    id UNINDEXED, user_id UNINDEXED, content_hash UNINDEXED, content
);

CREATE TABLE IF NOT EXISTS vectors (
    memory_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    sector TEXT NOT NULL,
    dim INTEGER NOT NULL,
    payload BLOB NOT NULL,
    FOREIGN KEY (memory_id) REFERENCES memories(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_vectors_user_id ON vectors(user_id);

CREATE TABLE IF NOT EXISTS waypoints (
    src_id TEXT NOT NULL,
    dst_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    weight REAL NOT NULL DEFAULT 1.0,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (src_id, dst_id),
    FOREIGN KEY (src_id) REFERENCES memories(id) ON DELETE CASCADE,
    FOREIGN KEY (dst_id) REFERENCES memories(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_waypoints_user_id ON waypoints(user_id);

CREATE TABLE IF NOT EXISTS facts (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    subject TEXT NOT NULL,
    predicate TEXT NOT NULL,
    object TEXT NOT NULL,
    valid_from TIMESTAMP NOT NULL,
    valid_to TIMESTAMP,
    confidence REAL NOT NULL DEFAULT 1.0,
    last_updated TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_facts_user_subject_pred ON facts(user_id, subject, predicate);
CREATE INDEX IF NOT EXISTS idx_facts_open ON facts(user_id, valid_to);

CREATE TABLE IF NOT EXISTS fact_edges (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    source_fact TEXT NOT NULL,
    target_fact TEXT NOT NULL,
    relation_type TEXT NOT NULL,
    valid_from TIMESTAMP NOT NULL,
    valid_to TIMESTAMP,
    weight REAL NOT NULL DEFAULT 1.0,
    metadata TEXT NOT NULL DEFAULT '{}',
    FOREIGN KEY (source_fact) REFERENCES facts(id) ON DELETE CASCADE,
    FOREIGN KEY (target_fact) REFERENCES facts(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_fact_edges_user_id ON fact_edges(user_id);

CREATE TABLE IF NOT EXISTS api_keys (
    hash TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    scopes TEXT NOT NULL DEFAULT '[]',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_used_at TIMESTAMP,
    disabled INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id);

CREATE TABLE IF NOT EXISTS audit_log (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    action TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    ip TEXT NOT NULL DEFAULT '',
    ua TEXT NOT NULL DEFAULT '',
    metadata TEXT NOT NULL DEFAULT '{}',
    timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_audit_log_user_id ON audit_log(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp);

CREATE TABLE IF NOT EXISTS rate_limit_windows (
    rl_key TEXT PRIMARY KEY,
    window_start TIMESTAMP NOT NULL,
    count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS encryption_keys (
    version INTEGER PRIMARY KEY,
    wrapped_key BLOB NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    retired_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS backup_runs (
    id TEXT PRIMARY KEY,
    started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    completed_at TIMESTAMP,
    status TEXT NOT NULL DEFAULT 'running',
    path TEXT NOT NULL DEFAULT '',
    pages_total INTEGER NOT NULL DEFAULT 0,
    pages_done INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT ''
);
`

const postgresBaseSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS users (
    id TEXT PRIMARY KEY,
    summary TEXT NOT NULL DEFAULT '',
    reflection_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    ciphertext BYTEA NOT NULL,
    content_hash TEXT NOT NULL,
    primary_sector TEXT NOT NULL,
    tags JSONB NOT NULL DEFAULT '[]',
    metadata JSONB NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_accessed_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    salience DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    decay_rate DOUBLE PRECISION NOT NULL DEFAULT 0.05,
    version INTEGER NOT NULL DEFAULT 1,
    encryption_key_version INTEGER NOT NULL DEFAULT 1,
    archived BOOLEAN NOT NULL DEFAULT FALSE,
    content_tsv tsvector,
    FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_memories_user_id ON memories(user_id);
CREATE INDEX IF NOT EXISTS idx_memories_sector ON memories(primary_sector);
CREATE INDEX IF NOT EXISTS idx_memories_created_at ON memories(created_at);
CREATE INDEX IF NOT EXISTS idx_memories_salience ON memories(salience DESC);
CREATE INDEX IF NOT EXISTS idx_memories_archived ON memories(archived);
CREATE INDEX IF NOT EXISTS idx_memories_content_tsv ON memories USING GIN(content_tsv);

CREATE TABLE IF NOT EXISTS vectors (
    memory_id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    sector TEXT NOT NULL,
    dim INTEGER NOT NULL,
    embedding vector,
    FOREIGN KEY (memory_id) REFERENCES memories(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_vectors_user_id ON vectors(user_id);

CREATE TABLE IF NOT EXISTS waypoints (
    src_id TEXT NOT NULL,
    dst_id TEXT NOT NULL,
    user_id TEXT NOT NULL,
    weight DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (src_id, dst_id),
    FOREIGN KEY (src_id) REFERENCES memories(id) ON DELETE CASCADE,
    FOREIGN KEY (dst_id) REFERENCES memories(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_waypoints_user_id ON waypoints(user_id);

CREATE TABLE IF NOT EXISTS facts (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    subject TEXT NOT NULL,
    predicate TEXT NOT NULL,
    object TEXT NOT NULL,
    valid_from TIMESTAMP NOT NULL,
    valid_to TIMESTAMP,
    confidence DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    last_updated TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    metadata JSONB NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_facts_user_subject_pred ON facts(user_id, subject, predicate);
CREATE INDEX IF NOT EXISTS idx_facts_open ON facts(user_id, valid_to);

CREATE TABLE IF NOT EXISTS fact_edges (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    source_fact TEXT NOT NULL,
    target_fact TEXT NOT NULL,
    relation_type TEXT NOT NULL,
    valid_from TIMESTAMP NOT NULL,
    valid_to TIMESTAMP,
    weight DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    metadata JSONB NOT NULL DEFAULT '{}',
    FOREIGN KEY (source_fact) REFERENCES facts(id) ON DELETE CASCADE,
    FOREIGN KEY (target_fact) REFERENCES facts(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_fact_edges_user_id ON fact_edges(user_id);

CREATE TABLE IF NOT EXISTS api_keys (
    hash TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    scopes JSONB NOT NULL DEFAULT '[]',
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    last_used_at TIMESTAMP,
    disabled BOOLEAN NOT NULL DEFAULT FALSE
);

CREATE INDEX IF NOT EXISTS idx_api_keys_user_id ON api_keys(user_id);

CREATE TABLE IF NOT EXISTS audit_log (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    action TEXT NOT NULL,
    resource_type TEXT NOT NULL,
    resource_id TEXT NOT NULL,
    ip TEXT NOT NULL DEFAULT '',
    ua TEXT NOT NULL DEFAULT '',
    metadata JSONB NOT NULL DEFAULT '{}',
    timestamp TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_audit_log_user_id ON audit_log(user_id);
CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp);

CREATE TABLE IF NOT EXISTS rate_limit_windows (
    rl_key TEXT PRIMARY KEY,
    window_start TIMESTAMP NOT NULL,
    count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS encryption_keys (
    version INTEGER PRIMARY KEY,
    wrapped_key BYTEA NOT NULL,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    retired_at TIMESTAMP
);

CREATE TABLE IF NOT EXISTS backup_runs (
    id TEXT PRIMARY KEY,
    started_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    completed_at TIMESTAMP,
    status TEXT NOT NULL DEFAULT 'running',
    path TEXT NOT NULL DEFAULT '',
    pages_total INTEGER NOT NULL DEFAULT 0,
    pages_done INTEGER NOT NULL DEFAULT 0,
    error TEXT NOT NULL DEFAULT ''
);
`
