// Package storage provides composable storage interfaces for OpenMemory.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed, following the Interface
// Segregation Principle so the embedded (sqlite) and remote (postgres)
// backends can each implement only what they need without a shared monolith
// interface.
package storage

import (
	"context"
	"time"

	"github.com/openmemory/openmemory/pkg/types"
)

// MemoryStore provides CRUD, pagination, and lifecycle operations for
// memories. Every method takes the acting userID explicitly and scoped
// implementations must enforce tenant isolation on every read and write.
type MemoryStore interface {
	Store(ctx context.Context, m *types.Memory) error
	Get(ctx context.Context, userID, id string) (*types.Memory, error)
	// FindByContentHash returns the existing memory for (userID, contentHash),
	// if any, so callers can deduplicate repeated ingests idempotently.
	FindByContentHash(ctx context.Context, userID, contentHash string) (*types.Memory, error)
	List(ctx context.Context, userID string, opts ListOptions) (*PaginatedResult[types.Memory], error)
	Update(ctx context.Context, m *types.Memory) error
	Delete(ctx context.Context, userID, id string) error
	DeleteAllForUser(ctx context.Context, userID string) (int, error)
	Touch(ctx context.Context, userID, id string, accessedAt time.Time) error
	ApplyDecay(ctx context.Context, userID string, decayRate float64, now time.Time) (int, error)
	Close() error
}

// VectorStore stores and searches dense embeddings alongside memories.
type VectorStore interface {
	Upsert(ctx context.Context, v *types.Vector) error
	GetVector(ctx context.Context, userID, memoryID string) (*types.Vector, error)
	DeleteVector(ctx context.Context, userID, memoryID string) error
	// SearchCosine returns the k memory IDs with the highest cosine
	// similarity to query, restricted to userID and optionally a sector.
	SearchCosine(ctx context.Context, userID string, sector types.Sector, query []float32, k int) ([]ScoredID, error)
}

// ScoredID pairs a memory ID with a relevance score from one ranking signal.
type ScoredID struct {
	MemoryID string
	Score    float64
}

// KeywordSearcher performs lexical search across memory content.
type KeywordSearcher interface {
	Search(ctx context.Context, userID, query string, limit int) ([]ScoredID, error)
}

// WaypointStore manages directed memory-to-memory associations.
type WaypointStore interface {
	UpsertWaypoint(ctx context.Context, w *types.Waypoint) error
	Neighbors(ctx context.Context, userID, memoryID string, limit int) ([]types.Waypoint, error)
	DeleteWaypoint(ctx context.Context, userID, srcID, dstID string) error
}

// FactStore manages the bitemporal fact graph's nodes.
type FactStore interface {
	Assert(ctx context.Context, f *types.Fact) error
	GetFact(ctx context.Context, userID, id string) (*types.Fact, error)
	FindOpen(ctx context.Context, userID, subject, predicate string) (*types.Fact, error)
	AsOf(ctx context.Context, userID, subject string, at time.Time) ([]types.Fact, error)
	History(ctx context.Context, userID, subject, predicate string) ([]types.Fact, error)
	// ListOpenFacts returns every still-open fact for userID, supporting
	// maintenance sweeps that must scan across all subjects/predicates.
	ListOpenFacts(ctx context.Context, userID string) ([]types.Fact, error)
	CloseFact(ctx context.Context, userID, id string, validTo time.Time) error
	// DeleteByObject removes every fact owned by userID whose Object field
	// equals object, supporting cascaded fact deletion when a memory that
	// is referenced as a fact's object is deleted. Returns the count removed.
	DeleteByObject(ctx context.Context, userID, object string) (int, error)
}

// EdgeStore manages the bitemporal fact graph's relations.
type EdgeStore interface {
	Link(ctx context.Context, e *types.Edge) error
	Related(ctx context.Context, userID, factID string) ([]types.Edge, error)
}

// UserStore manages implicitly-created tenant user rows.
type UserStore interface {
	GetOrCreate(ctx context.Context, userID string) (*types.User, error)
	UpdateSummary(ctx context.Context, userID, summary string) error
	IncrementReflectionCount(ctx context.Context, userID string) (int, error)
	// ListUserIDs returns every known tenant ID, so process-wide maintenance
	// jobs (decay, reinforce sweep, reflection, compaction) that are scoped
	// per user can iterate over the full tenant set on each scheduled run.
	ListUserIDs(ctx context.Context) ([]string, error)
}

// APIKeyStore manages hashed access credentials.
type APIKeyStore interface {
	Create(ctx context.Context, k *types.APIKey) error
	FindByHash(ctx context.Context, hash string) (*types.APIKey, error)
	Disable(ctx context.Context, hash string) error
	TouchAPIKey(ctx context.Context, hash string, at time.Time) error
}

// AuditStore appends and lists immutable audit records.
type AuditStore interface {
	Append(ctx context.Context, r *types.AuditRecord) error
	ListAudit(ctx context.Context, userID string, opts ListOptions) (*PaginatedResult[types.AuditRecord], error)
}

// RateLimitStore persists fixed-window counters across process restarts.
type RateLimitStore interface {
	// Bump increments the counter for key within the window starting at
	// windowStart, creating the row if absent, and returns the post-bump
	// count for the caller to compare against a limit.
	Bump(ctx context.Context, key string, windowStart time.Time) (int, error)
}

// SettingsStore persists durable key/value configuration overrides.
type SettingsStore interface {
	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key, value string) error
}

// KeyRing tracks at-rest encryption key versions.
type KeyRing interface {
	Active(ctx context.Context) (version int, wrapped []byte, err error)
	GetKey(ctx context.Context, version int) ([]byte, error)
	Rotate(ctx context.Context, wrapped []byte) (version int, err error)
}

// BackupRecorder tracks the lifecycle of a backup run for page-by-page
// progress reporting; an interrupted run is not resumed.
type BackupRecorder interface {
	Start(ctx context.Context, id, path string) error
	Progress(ctx context.Context, id string, pagesDone, pagesTotal int) error
	Complete(ctx context.Context, id string, success bool, errMsg string) error
}

// Transactor executes fn within a single storage transaction, rolling back
// if fn returns an error and committing otherwise. Not every store backs
// onto a transactional engine (a remote KV store would not) but both
// OpenMemory backends — sqlite and postgres — do.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Backend bundles every store interface a fully wired OpenMemory backend
// must implement, plus lifecycle management for the underlying connection.
type Backend interface {
	MemoryStore
	VectorStore
	KeywordSearcher
	WaypointStore
	FactStore
	EdgeStore
	UserStore
	APIKeyStore
	AuditStore
	RateLimitStore
	SettingsStore
	KeyRing
	BackupRecorder
	Transactor

	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
}
