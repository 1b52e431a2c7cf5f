package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/openmemory/openmemory/internal/apperr"
	"github.com/openmemory/openmemory/internal/storage"
	"github.com/openmemory/openmemory/internal/storage/sqltoken"
	"github.com/openmemory/openmemory/pkg/types"
)

var getVectorQuery, _ = sqltoken.AppendUserScope(
	`SELECT memory_id, user_id, sector, dim, payload FROM vectors WHERE memory_id = ?`, sqltoken.DialectPositional)

// Upsert stores a vector as a packed little-endian float32 blob, the same
// binary-packing approach the teacher's embeddings table uses for its
// BYTEA payload.
func (s *Store) Upsert(ctx context.Context, v *types.Vector) error {
	payload := encodeVector(v.Payload)
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO vectors (memory_id, user_id, sector, dim, payload) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(memory_id) DO UPDATE SET sector = excluded.sector, dim = excluded.dim, payload = excluded.payload
	`, v.MemoryID, v.UserID, string(v.Sector), v.Dim, payload)
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert vector: %w", err)
	}
	return nil
}

func (s *Store) GetVector(ctx context.Context, userID, memoryID string) (*types.Vector, error) {
	if err := storage.AssertTenantScope(s.strictTenant, userID); err != nil {
		return nil, err
	}
	var v types.Vector
	var payload []byte
	row := s.q(ctx).QueryRowContext(ctx, getVectorQuery, memoryID, userID)
	if err := row.Scan(&v.MemoryID, &v.UserID, &v.Sector, &v.Dim, &payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("vector not found")
		}
		return nil, fmt.Errorf("sqlite: failed to get vector: %w", err)
	}
	if err := storage.RequireTenantMatch(v.UserID, userID); err != nil {
		return nil, err
	}
	v.Payload = decodeVector(payload)
	return &v, nil
}

func (s *Store) DeleteVector(ctx context.Context, userID, memoryID string) error {
	if err := storage.AssertTenantScope(s.strictTenant, userID); err != nil {
		return err
	}
	if _, err := s.GetVector(ctx, userID, memoryID); err != nil {
		return err
	}
	if _, err := s.q(ctx).ExecContext(ctx, `DELETE FROM vectors WHERE memory_id = ?`, memoryID); err != nil {
		return fmt.Errorf("sqlite: failed to delete vector: %w", err)
	}
	return nil
}

// SearchCosine performs a brute-force cosine similarity scan scoped to
// userID (and sector, if given). The embedded backend has no ANN index —
// spec-scale deployments are expected to stay small enough that a full
// table scan per query is acceptable; the remote postgres backend computes
// the distance in SQL with pgvector's "<=>" operator, also without an index.
func (s *Store) SearchCosine(ctx context.Context, userID string, sector types.Sector, query []float32, k int) ([]storage.ScoredID, error) {
	sqlText := `SELECT memory_id, payload FROM vectors WHERE user_id = ?`
	args := []any{userID}
	if sector != "" {
		sqlText += ` AND sector = ?`
		args = append(args, string(sector))
	}
	rows, err := s.q(ctx).QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to scan vectors: %w", err)
	}
	defer rows.Close()

	var scored []storage.ScoredID
	for rows.Next() {
		var memoryID string
		var payload []byte
		if err := rows.Scan(&memoryID, &payload); err != nil {
			return nil, err
		}
		vec := decodeVector(payload)
		scored = append(scored, storage.ScoredID{MemoryID: memoryID, Score: cosine(query, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func encodeVector(v []float32) []byte {
	buf := new(bytes.Buffer)
	buf.Grow(len(v) * 4)
	for _, f := range v {
		_ = binary.Write(buf, binary.LittleEndian, f)
	}
	return buf.Bytes()
}

func decodeVector(b []byte) []float32 {
	n := len(b) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := binary.LittleEndian.Uint32(b[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}
