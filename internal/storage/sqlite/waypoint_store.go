package sqlite

import (
	"context"
	"fmt"

	"github.com/openmemory/openmemory/internal/storage"
	"github.com/openmemory/openmemory/pkg/types"
)

// UpsertWaypoint creates or strengthens a directed association between two
// memories, used by the reinforcement path in the memory engine.
func (s *Store) UpsertWaypoint(ctx context.Context, w *types.Waypoint) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO waypoints (src_id, dst_id, user_id, weight, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(src_id, dst_id) DO UPDATE SET weight = excluded.weight, updated_at = excluded.updated_at
	`, w.SrcID, w.DstID, w.UserID, w.Weight, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: failed to upsert waypoint: %w", err)
	}
	return nil
}

// Neighbors returns the strongest outgoing waypoints from memoryID, used for
// the query engine's one-hop spreading-activation boost.
func (s *Store) Neighbors(ctx context.Context, userID, memoryID string, limit int) ([]types.Waypoint, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT src_id, dst_id, user_id, weight, created_at, updated_at
		FROM waypoints WHERE user_id = ? AND src_id = ? ORDER BY weight DESC LIMIT ?
	`, userID, memoryID, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list waypoints: %w", err)
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
	_, err := s.q(ctx).ExecContext(ctx, `DELETE FROM waypoints WHERE user_id = ? AND src_id = ? AND dst_id = ?`,
		userID, srcID, dstID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to delete waypoint: %w", err)
	}
	return nil
}
