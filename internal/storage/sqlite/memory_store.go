package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/openmemory/openmemory/internal/apperr"
	"github.com/openmemory/openmemory/internal/storage"
	"github.com/openmemory/openmemory/internal/storage/sqltoken"
	"github.com/openmemory/openmemory/pkg/types"
)

// getByIDQuery is the base lookup the embedded backend shares between Get
// and Delete, scoped to user_id in addition to id via sqltoken so a stray
// "?" placeholder buried in a future WHERE-clause addition can never throw
// off the parameter count (spec.md §8 testable property #4).
var getByIDQuery, _ = sqltoken.AppendUserScope(`
	SELECT id, user_id, ciphertext, content_hash, primary_sector, tags, metadata,
	       created_at, updated_at, last_accessed_at, salience, decay_rate, version,
	       encryption_key_version, archived
	FROM memories WHERE id = ?`, sqltoken.DialectPositional)

// Store creates or updates a memory (upsert on id), matching the MemoryStore
// upsert semantics described in the teacher's storage.MemoryStore interface.
func (s *Store) Store(ctx context.Context, m *types.Memory) error {
	tags, err := json.Marshal(m.Tags)
	if err != nil {
		return apperr.Validation("invalid tags")
	}
	meta, err := json.Marshal(m.Metadata)
	if err != nil {
		return apperr.Validation("invalid metadata")
	}

	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO memories (
			id, user_id, ciphertext, content_hash, primary_sector, tags, metadata,
			created_at, updated_at, last_accessed_at, salience, decay_rate, version,
			encryption_key_version, archived
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ciphertext = excluded.ciphertext,
			content_hash = excluded.content_hash,
			primary_sector = excluded.primary_sector,
			tags = excluded.tags,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at,
			salience = excluded.salience,
			decay_rate = excluded.decay_rate,
			version = excluded.version,
			encryption_key_version = excluded.encryption_key_version,
			archived = excluded.archived
	`, m.ID, m.UserID, m.Ciphertext, m.ContentHash, string(m.PrimarySector), string(tags), string(meta),
		m.CreatedAt, m.UpdatedAt, m.LastAccessedAt, m.Salience, m.DecayRate, m.Version,
		m.EncryptionKeyVersion, boolToInt(m.Archived))
	if err != nil {
		return fmt.Errorf("sqlite: failed to store memory: %w", err)
	}

	// memories_fts indexes plaintext content so it is searchable at keyword
	// query time; the memories table itself stores only the ciphertext.
	// This is an explicit, bounded break in at-rest encryption: the SQLite
	// database file contains recoverable plaintext via the FTS shadow
	// tables. Acceptable for the embedded single-tenant-process deployment
	// target. The remote postgres backend has a similar exposure: its
	// content_tsv column holds to_tsvector of the plaintext (its lexemes).
	_, err = s.q(ctx).ExecContext(ctx, `DELETE FROM memories_fts WHERE id = ?`, m.ID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to clear search index: %w", err)
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO memories_fts (rowid, id, user_id, content_hash, content) VALUES (
			(SELECT rowid FROM memories WHERE id = ?), ?, ?, ?, ?)
	`, m.ID, m.ID, m.UserID, m.ContentHash, m.Content)
	if err != nil {
		return fmt.Errorf("sqlite: failed to index memory for search: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, userID, id string) (*types.Memory, error) {
	if err := storage.AssertTenantScope(s.strictTenant, userID); err != nil {
		return nil, err
	}
	row := s.q(ctx).QueryRowContext(ctx, getByIDQuery, id, userID)
	m, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("memory not found")
		}
		return nil, fmt.Errorf("sqlite: failed to get memory: %w", err)
	}
	if err := storage.RequireTenantMatch(m.UserID, userID); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) FindByContentHash(ctx context.Context, userID, contentHash string) (*types.Memory, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, user_id, ciphertext, content_hash, primary_sector, tags, metadata,
		       created_at, updated_at, last_accessed_at, salience, decay_rate, version,
		       encryption_key_version, archived
		FROM memories WHERE user_id = ? AND content_hash = ?`, userID, contentHash)
	m, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("memory not found")
		}
		return nil, fmt.Errorf("sqlite: failed to look up memory by content hash: %w", err)
	}
	return m, nil
}

func (s *Store) List(ctx context.Context, userID string, opts storage.ListOptions) (*storage.PaginatedResult[types.Memory], error) {
	opts.Normalize()

	where := "WHERE user_id = ?"
	args := []any{userID}
	if opts.Sector != "" {
		where += " AND primary_sector = ?"
		args = append(args, opts.Sector)
	}
	if !opts.IncludeArchived {
		where += " AND archived = 0"
	}
	if opts.OnlyArchived {
		where += " AND archived = 1"
	}
	if !opts.CreatedAfter.IsZero() {
		where += " AND created_at > ?"
		args = append(args, opts.CreatedAfter)
	}
	if !opts.CreatedBefore.IsZero() {
		where += " AND created_at < ?"
		args = append(args, opts.CreatedBefore)
	}
	if opts.MinSalience > 0 {
		where += " AND salience >= ?"
		args = append(args, opts.MinSalience)
	}

	var total int
	countQuery := "SELECT COUNT(*) FROM memories " + where
	if err := s.q(ctx).QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("sqlite: failed to count memories: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT id, user_id, ciphertext, content_hash, primary_sector, tags, metadata,
		       created_at, updated_at, last_accessed_at, salience, decay_rate, version,
		       encryption_key_version, archived
		FROM memories %s ORDER BY %s %s LIMIT ? OFFSET ?`, where, opts.SortBy, opts.SortOrder)
	args = append(args, opts.Limit, opts.Offset())

	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list memories: %w", err)
	}
	defer rows.Close()

	var items []types.Memory
	for rows.Next() {
		m, err := scanMemoryRows(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan memory row: %w", err)
		}
		items = append(items, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &storage.PaginatedResult[types.Memory]{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(items) < total,
	}, nil
}

func (s *Store) Update(ctx context.Context, m *types.Memory) error {
	existing, err := s.Get(ctx, m.UserID, m.ID)
	if err != nil {
		return err
	}
	m.Version = existing.Version + 1
	return s.Store(ctx, m)
}

func (s *Store) Delete(ctx context.Context, userID, id string) error {
	if err := storage.AssertTenantScope(s.strictTenant, userID); err != nil {
		return err
	}
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM memories_fts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: failed to remove memory from search index: %w", err)
	}
	if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: failed to delete memory: %w", err)
	}
	return nil
}

func (s *Store) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	if err := storage.AssertTenantScope(s.strictTenant, userID); err != nil {
		return 0, err
	}
	if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM memories_fts WHERE user_id = ?`, userID); err != nil {
		return 0, fmt.Errorf("sqlite: failed to clear search index for user: %w", err)
	}
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM memories WHERE user_id = ?`, userID)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to delete memories for user: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Touch records a read access, used by the query engine so frequently
// surfaced memories resist decay.
func (s *Store) Touch(ctx context.Context, userID, id string, accessedAt time.Time) error {
	res, err := s.q(ctx).ExecContext(ctx, `UPDATE memories SET last_accessed_at = ? WHERE id = ? AND user_id = ?`,
		accessedAt, id, userID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to touch memory: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.NotFound("memory not found")
	}
	return nil
}

// ApplyDecay reduces salience for every active (non-archived) memory owned
// by userID proportional to elapsed time since last_accessed_at, applying
// the scheduler's decay formula directly in SQL:
// salience := max(0, salience*(1 - decay_rate*decayRatio*age_days)).
func (s *Store) ApplyDecay(ctx context.Context, userID string, decayRatio float64, now time.Time) (int, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE memories
		SET salience = MAX(0.0, salience * (1.0 - decay_rate * ? * (julianday(?) - julianday(last_accessed_at))))
		WHERE user_id = ? AND archived = 0`,
		decayRatio, now, userID)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to apply decay: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanMemory(row *sql.Row) (*types.Memory, error) {
	var m types.Memory
	var tags, meta string
	var archived int
	err := row.Scan(&m.ID, &m.UserID, &m.Ciphertext, &m.ContentHash, &m.PrimarySector, &tags, &meta,
		&m.CreatedAt, &m.UpdatedAt, &m.LastAccessedAt, &m.Salience, &m.DecayRate, &m.Version,
		&m.EncryptionKeyVersion, &archived)
	if err != nil {
		return nil, err
	}
	m.Archived = archived != 0
	_ = json.Unmarshal([]byte(tags), &m.Tags)
	_ = json.Unmarshal([]byte(meta), &m.Metadata)
	return &m, nil
}

func scanMemoryRows(rows *sql.Rows) (*types.Memory, error) {
	var m types.Memory
	var tags, meta string
	var archived int
	err := rows.Scan(&m.ID, &m.UserID, &m.Ciphertext, &m.ContentHash, &m.PrimarySector, &tags, &meta,
		&m.CreatedAt, &m.UpdatedAt, &m.LastAccessedAt, &m.Salience, &m.DecayRate, &m.Version,
		&m.EncryptionKeyVersion, &archived)
	if err != nil {
		return nil, err
	}
	m.Archived = archived != 0
	_ = json.Unmarshal([]byte(tags), &m.Tags)
	_ = json.Unmarshal([]byte(meta), &m.Metadata)
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
