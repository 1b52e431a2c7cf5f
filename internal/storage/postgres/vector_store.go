package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/openmemory/openmemory/internal/apperr"
	"github.com/openmemory/openmemory/internal/storage"
	"github.com/openmemory/openmemory/internal/storage/sqltoken"
	"github.com/openmemory/openmemory/pkg/types"
)

var getVectorQuery, _ = sqltoken.AppendUserScope(
	`SELECT memory_id, user_id, sector, dim, embedding FROM vectors WHERE memory_id = $1`, sqltoken.DialectNumbered)

// Upsert stores the embedding as a pgvector column when the extension is
// available, falling back to NULL (brute-force cosine scan unsupported)
// otherwise. Dimension is always recorded so callers can detect a mismatch
// early regardless of which path is active.
func (s *Store) Upsert(ctx context.Context, v *types.Vector) error {
	var vecArg any
	if s.pgvectorAvailable {
		vecArg = pgvector.NewVector(v.Payload)
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO vectors (memory_id, user_id, sector, dim, embedding) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (memory_id) DO UPDATE SET sector = excluded.sector, dim = excluded.dim, embedding = excluded.embedding
	`, v.MemoryID, v.UserID, string(v.Sector), v.Dim, vecArg)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert vector: %w", err)
	}
	return nil
}

func (s *Store) GetVector(ctx context.Context, userID, memoryID string) (*types.Vector, error) {
	if err := storage.AssertTenantScope(s.strictTenant, userID); err != nil {
		return nil, err
	}
	var v types.Vector
	var vec pgvector.Vector
	row := s.q(ctx).QueryRowContext(ctx, getVectorQuery, memoryID, userID)
	if err := row.Scan(&v.MemoryID, &v.UserID, &v.Sector, &v.Dim, &vec); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("vector not found")
		}
		return nil, fmt.Errorf("postgres: failed to get vector: %w", err)
	}
	if err := storage.RequireTenantMatch(v.UserID, userID); err != nil {
		return nil, err
	}
	v.Payload = vec.Slice()
	return &v, nil
}

func (s *Store) DeleteVector(ctx context.Context, userID, memoryID string) error {
	if err := storage.AssertTenantScope(s.strictTenant, userID); err != nil {
		return err
	}
	if _, err := s.GetVector(ctx, userID, memoryID); err != nil {
		return err
	}
	if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM vectors WHERE memory_id = $1`, memoryID); err != nil {
		return fmt.Errorf("postgres: failed to delete vector: %w", err)
	}
	return nil
}

// SearchCosine orders by pgvector's "<=>" cosine-distance operator. The
// migrations create no ivfflat or other vector index on the embedding
// column, so the ORDER BY runs over every row that matches the user (and
// sector) filter.
func (s *Store) SearchCosine(ctx context.Context, userID string, sector types.Sector, query []float32, k int) ([]storage.ScoredID, error) {
	sqlText := `SELECT memory_id, 1 - (embedding <=> $1) AS score FROM vectors WHERE user_id = $2`
	args := []any{pgvector.NewVector(query), userID}
	if sector != "" {
		sqlText += ` AND sector = $3 ORDER BY embedding <=> $1 LIMIT $4`
		args = append(args, string(sector), k)
	} else {
		sqlText += ` ORDER BY embedding <=> $1 LIMIT $3`
		args = append(args, k)
	}

	rows, err := s.q(ctx).QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: cosine search failed: %w", err)
	}
	defer rows.Close()

	var out []storage.ScoredID
	for rows.Next() {
		var id string
		var score float64
		if err := rows.Scan(&id, &score); err != nil {
			return nil, err
		}
		out = append(out, storage.ScoredID{MemoryID: id, Score: score})
	}
	return out, rows.Err()
}

// Search performs lexical search using the content_tsv column populated at
// write time, matching the teacher's tsvector/GIN approach for postgres FTS.
func (s *Store) Search(ctx context.Context, userID, query string, limit int) ([]storage.ScoredID, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, ts_rank(content_tsv, plainto_tsquery('english', $1)) AS rank
		FROM memories
		WHERE user_id = $2 AND content_tsv @@ plainto_tsquery('english', $1)
		ORDER BY rank DESC LIMIT $3
	`, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: keyword search failed: %w", err)
	}
	defer rows.Close()

	var out []storage.ScoredID
	for rows.Next() {
		var id string
		var rank float64
		if err := rows.Scan(&id, &rank); err != nil {
			return nil, err
		}
		out = append(out, storage.ScoredID{MemoryID: id, Score: rank})
	}
	return out, rows.Err()
}
