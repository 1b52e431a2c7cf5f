package postgres

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

// getByIDQuery mirrors the embedded backend's user_id-scoped lookup, built
// with the numbered-placeholder dialect via sqltoken so the appended
// predicate's $N always lines up with the base query's own placeholder
// count (spec.md §8 testable property #4).
var getByIDQuery, _ = sqltoken.AppendUserScope(`
	SELECT id, user_id, ciphertext, content_hash, primary_sector, tags, metadata,
	       created_at, updated_at, last_accessed_at, salience, decay_rate, version,
	       encryption_key_version, archived
	FROM memories WHERE id = $1`, sqltoken.DialectNumbered)

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
			encryption_key_version, archived, content_tsv
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, to_tsvector('english', $16))
		ON CONFLICT (id) DO UPDATE SET
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
			archived = excluded.archived,
			content_tsv = excluded.content_tsv
	`, m.ID, m.UserID, m.Ciphertext, m.ContentHash, string(m.PrimarySector), tags, meta,
		m.CreatedAt, m.UpdatedAt, m.LastAccessedAt, m.Salience, m.DecayRate, m.Version,
		m.EncryptionKeyVersion, m.Archived, m.Content)
	if err != nil {
		return fmt.Errorf("postgres: failed to store memory: %w", err)
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
		return nil, fmt.Errorf("postgres: failed to get memory: %w", err)
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
		FROM memories WHERE user_id = $1 AND content_hash = $2`, userID, contentHash)
	m, err := scanMemory(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("memory not found")
		}
		return nil, fmt.Errorf("postgres: failed to look up memory by content hash: %w", err)
	}
	return m, nil
}

func (s *Store) List(ctx context.Context, userID string, opts storage.ListOptions) (*storage.PaginatedResult[types.Memory], error) {
	opts.Normalize()

	where := "WHERE user_id = $1"
	args := []any{userID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if opts.Sector != "" {
		where += " AND primary_sector = " + arg(opts.Sector)
	}
	if !opts.IncludeArchived {
		where += " AND archived = false"
	}
	if opts.OnlyArchived {
		where += " AND archived = true"
	}
	if !opts.CreatedAfter.IsZero() {
		where += " AND created_at > " + arg(opts.CreatedAfter)
	}
	if !opts.CreatedBefore.IsZero() {
		where += " AND created_at < " + arg(opts.CreatedBefore)
	}
	if opts.MinSalience > 0 {
		where += " AND salience >= " + arg(opts.MinSalience)
	}

	var total int
	if err := s.q(ctx).QueryRowContext(ctx, "SELECT COUNT(*) FROM memories "+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("postgres: failed to count memories: %w", err)
	}

	limitArg := arg(opts.Limit)
	offsetArg := arg(opts.Offset())
	query := fmt.Sprintf(`
		SELECT id, user_id, ciphertext, content_hash, primary_sector, tags, metadata,
		       created_at, updated_at, last_accessed_at, salience, decay_rate, version,
		       encryption_key_version, archived
		FROM memories %s ORDER BY %s %s LIMIT %s OFFSET %s`, where, opts.SortBy, opts.SortOrder, limitArg, offsetArg)

	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list memories: %w", err)
	}
	defer rows.Close()

	var items []types.Memory
	for rows.Next() {
		m, err := scanMemoryRows(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan memory row: %w", err)
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
	if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: failed to delete memory: %w", err)
	}
	return nil
}

func (s *Store) DeleteAllForUser(ctx context.Context, userID string) (int, error) {
	if err := storage.AssertTenantScope(s.strictTenant, userID); err != nil {
		return 0, err
	}
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM memories WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to delete memories for user: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) Touch(ctx context.Context, userID, id string, accessedAt time.Time) error {
	res, err := s.q(ctx).ExecContext(ctx, `UPDATE memories SET last_accessed_at = $1 WHERE id = $2 AND user_id = $3`,
		accessedAt, id, userID)
	if err != nil {
		return fmt.Errorf("postgres: failed to touch memory: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.NotFound("memory not found")
	}
	return nil
}

// ApplyDecay reduces salience for every active memory owned by userID,
// computing age in days directly in SQL via EXTRACT(EPOCH ...).
func (s *Store) ApplyDecay(ctx context.Context, userID string, decayRatio float64, now time.Time) (int, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE memories
		SET salience = GREATEST(0.0, salience * (1.0 - decay_rate * $1 * (EXTRACT(EPOCH FROM ($2::timestamp - last_accessed_at)) / 86400.0)))
		WHERE user_id = $3 AND archived = false`,
		decayRatio, now, userID)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to apply decay: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanMemory(row *sql.Row) (*types.Memory, error) {
	var m types.Memory
	var tags, meta []byte
	if err := row.Scan(&m.ID, &m.UserID, &m.Ciphertext, &m.ContentHash, &m.PrimarySector, &tags, &meta,
		&m.CreatedAt, &m.UpdatedAt, &m.LastAccessedAt, &m.Salience, &m.DecayRate, &m.Version,
		&m.EncryptionKeyVersion, &m.Archived); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(tags, &m.Tags)
	_ = json.Unmarshal(meta, &m.Metadata)
	return &m, nil
}

func scanMemoryRows(rows *sql.Rows) (*types.Memory, error) {
	var m types.Memory
	var tags, meta []byte
	if err := rows.Scan(&m.ID, &m.UserID, &m.Ciphertext, &m.ContentHash, &m.PrimarySector, &tags, &meta,
		&m.CreatedAt, &m.UpdatedAt, &m.LastAccessedAt, &m.Salience, &m.DecayRate, &m.Version,
		&m.EncryptionKeyVersion, &m.Archived); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(tags, &m.Tags)
	_ = json.Unmarshal(meta, &m.Metadata)
	return &m, nil
}
