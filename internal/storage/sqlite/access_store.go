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
	"github.com/openmemory/openmemory/pkg/types"
)

// GetOrCreate returns the user row for userID, creating it with a blank
// summary on first access, matching the spec's "implicit user creation"
// invariant.
func (s *Store) GetOrCreate(ctx context.Context, userID string) (*types.User, error) {
	now := nowUTC()
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO users (id, summary, reflection_count, created_at, updated_at) VALUES (?, '', 0, ?, ?)
		ON CONFLICT(id) DO NOTHING`, userID, now, now)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to create user: %w", err)
	}
	row := s.q(ctx).QueryRowContext(ctx, `SELECT id, summary, reflection_count, created_at, updated_at FROM users WHERE id = ?`, userID)
	var u types.User
	if err := row.Scan(&u.ID, &u.Summary, &u.ReflectionCount, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, fmt.Errorf("sqlite: failed to load user: %w", err)
	}
	return &u, nil
}

func (s *Store) UpdateSummary(ctx context.Context, userID, summary string) error {
	_, err := s.q(ctx).ExecContext(ctx, `UPDATE users SET summary = ?, updated_at = ? WHERE id = ?`, summary, nowUTC(), userID)
	if err != nil {
		return fmt.Errorf("sqlite: failed to update user summary: %w", err)
	}
	return nil
}

func (s *Store) IncrementReflectionCount(ctx context.Context, userID string) (int, error) {
	_, err := s.q(ctx).ExecContext(ctx, `UPDATE users SET reflection_count = reflection_count + 1, updated_at = ? WHERE id = ?`, nowUTC(), userID)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to increment reflection count: %w", err)
	}
	var count int
	if err := s.q(ctx).QueryRowContext(ctx, `SELECT reflection_count FROM users WHERE id = ?`, userID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) ListUserIDs(ctx context.Context) ([]string, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT id FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlite: failed to scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) Create(ctx context.Context, k *types.APIKey) error {
	scopes, err := json.Marshal(k.Scopes)
	if err != nil {
		return apperr.Validation("invalid scopes")
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO api_keys (hash, user_id, scopes, created_at, disabled) VALUES (?, ?, ?, ?, 0)
	`, k.Hash, k.UserID, string(scopes), k.CreatedAt)
	if err != nil {
		return fmt.Errorf("sqlite: failed to create api key: %w", err)
	}
	return nil
}

func (s *Store) FindByHash(ctx context.Context, hash string) (*types.APIKey, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT hash, user_id, scopes, created_at, last_used_at, disabled FROM api_keys WHERE hash = ?`, hash)
	var k types.APIKey
	var scopes string
	var disabled int
	if err := row.Scan(&k.Hash, &k.UserID, &scopes, &k.CreatedAt, &k.LastUsedAt, &disabled); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.Unauthorized("unknown api key")
		}
		return nil, fmt.Errorf("sqlite: failed to find api key: %w", err)
	}
	k.Disabled = disabled != 0
	_ = json.Unmarshal([]byte(scopes), &k.Scopes)
	return &k, nil
}

func (s *Store) Disable(ctx context.Context, hash string) error {
	_, err := s.q(ctx).ExecContext(ctx, `UPDATE api_keys SET disabled = 1 WHERE hash = ?`, hash)
	if err != nil {
		return fmt.Errorf("sqlite: failed to disable api key: %w", err)
	}
	return nil
}

func (s *Store) TouchAPIKey(ctx context.Context, hash string, at time.Time) error {
	_, err := s.q(ctx).ExecContext(ctx, `UPDATE api_keys SET last_used_at = ? WHERE hash = ?`, at, hash)
	if err != nil {
		return fmt.Errorf("sqlite: failed to touch api key: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, r *types.AuditRecord) error {
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return apperr.Validation("invalid audit metadata")
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO audit_log (id, user_id, action, resource_type, resource_id, ip, ua, metadata, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.UserID, r.Action, r.ResourceType, r.ResourceID, r.IP, r.UA, string(meta), r.Timestamp)
	if err != nil {
		return fmt.Errorf("sqlite: failed to append audit record: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, userID string, opts storage.ListOptions) (*storage.PaginatedResult[types.AuditRecord], error) {
	opts.Normalize()

	var total int
	if err := s.q(ctx).QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log WHERE user_id = ?`, userID).Scan(&total); err != nil {
		return nil, fmt.Errorf("sqlite: failed to count audit records: %w", err)
	}

	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, user_id, action, resource_type, resource_id, ip, ua, metadata, timestamp
		FROM audit_log WHERE user_id = ? ORDER BY timestamp DESC LIMIT ? OFFSET ?`,
		userID, opts.Limit, opts.Offset())
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to list audit records: %w", err)
	}
	defer rows.Close()

	var items []types.AuditRecord
	for rows.Next() {
		var r types.AuditRecord
		var meta string
		if err := rows.Scan(&r.ID, &r.UserID, &r.Action, &r.ResourceType, &r.ResourceID, &r.IP, &r.UA, &meta, &r.Timestamp); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(meta), &r.Metadata)
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &storage.PaginatedResult[types.AuditRecord]{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(items) < total,
	}, nil
}

func (s *Store) Bump(ctx context.Context, key string, windowStart time.Time) (int, error) {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO rate_limit_windows (rl_key, window_start, count) VALUES (?, ?, 1)
		ON CONFLICT(rl_key) DO UPDATE SET
			count = CASE WHEN rate_limit_windows.window_start = excluded.window_start THEN rate_limit_windows.count + 1 ELSE 1 END,
			window_start = excluded.window_start
	`, key, windowStart)
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to bump rate limit counter: %w", err)
	}
	var count int
	if err := s.q(ctx).QueryRowContext(ctx, `SELECT count FROM rate_limit_windows WHERE rl_key = ?`, key).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.q(ctx).QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sqlite: failed to get setting: %w", err)
	}
	return value, true, nil
}

func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	now := nowUTC()
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO settings (key, value, created_at, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, now, now)
	if err != nil {
		return fmt.Errorf("sqlite: failed to set setting: %w", err)
	}
	return nil
}

func (s *Store) Active(ctx context.Context) (int, []byte, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT version, wrapped_key FROM encryption_keys WHERE retired_at IS NULL ORDER BY version DESC LIMIT 1`)
	var version int
	var wrapped []byte
	if err := row.Scan(&version, &wrapped); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil, apperr.NotFound("no active encryption key")
		}
		return 0, nil, fmt.Errorf("sqlite: failed to get active key: %w", err)
	}
	return version, wrapped, nil
}

func (s *Store) GetKey(ctx context.Context, version int) ([]byte, error) {
	var wrapped []byte
	err := s.q(ctx).QueryRowContext(ctx, `SELECT wrapped_key FROM encryption_keys WHERE version = ?`, version).Scan(&wrapped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.NotFound("encryption key version not found")
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to get key version: %w", err)
	}
	return wrapped, nil
}

func (s *Store) Rotate(ctx context.Context, wrapped []byte) (int, error) {
	var version int
	err := s.WithinTx(ctx, func(ctx context.Context) error {
		_, err := s.q(ctx).ExecContext(ctx, `UPDATE encryption_keys SET retired_at = ? WHERE retired_at IS NULL`, nowUTC())
		if err != nil {
			return err
		}
		row := s.q(ctx).QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) + 1 FROM encryption_keys`)
		if err := row.Scan(&version); err != nil {
			return err
		}
		_, err = s.q(ctx).ExecContext(ctx, `INSERT INTO encryption_keys (version, wrapped_key, created_at) VALUES (?, ?, ?)`,
			version, wrapped, nowUTC())
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("sqlite: failed to rotate key: %w", err)
	}
	return version, nil
}
