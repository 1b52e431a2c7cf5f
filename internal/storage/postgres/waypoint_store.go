package postgres

import (
	"context"
	"fmt"

	"github.com/openmemory/openmemory/internal/storage"
	"github.com/openmemory/openmemory/pkg/types"
)

func (s *Store) UpsertWaypoint(ctx context.Context, w *types.Waypoint) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO waypoints (src_id, dst_id, user_id, weight, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (src_id, dst_id) DO UPDATE SET weight = excluded.weight, updated_at = excluded.updated_at
	`, w.SrcID, w.DstID, w.UserID, w.Weight, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to upsert waypoint: %w", err)
	}
	return nil
}

func (s *Store) Neighbors(ctx context.Context, userID, memoryID string, limit int) ([]types.Waypoint, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT src_id, dst_id, user_id, weight, created_at, updated_at
		FROM waypoints WHERE user_id = $1 AND src_id = $2 ORDER BY weight DESC LIMIT $3
	`, userID, memoryID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list waypoints: %w", err)
	}
	defer rows.Close()

	var out []types.Waypoint
	for rows.Next() {
		var w types.Waypoint
		if err := rows.Scan(&w.SrcID, &w.DstID, &w.UserID, &w.Weight, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (s *Store) DeleteWaypoint(ctx context.Context, userID, srcID, dstID string) error {
	if err := storage.AssertTenantScope(s.strictTenant, userID); err != nil {
		return err
	}
	_, err := s.q(ctx).ExecContext(ctx, `DELETE FROM waypoints WHERE user_id = $1 AND src_id = $2 AND dst_id = $3`,
		userID, srcID, dstID)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete waypoint: %w", err)
	}
	return nil
}
