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

var getFactQuery, _ = sqltoken.AppendUserScope(`
	SELECT id, user_id, subject, predicate, object, valid_from, valid_to, confidence, last_updated, metadata
	FROM facts WHERE id = $1`, sqltoken.DialectNumbered)

func (s *Store) Assert(ctx context.Context, f *types.Fact) error {
	return s.WithinTx(ctx, func(ctx context.Context) error {
		prior, err := s.FindOpen(ctx, f.UserID, f.Subject, f.Predicate)
		if err != nil && !isNotFound(err) {
			return err
		}
		if prior != nil {
			if err := s.CloseFact(ctx, f.UserID, prior.ID, f.ValidFrom); err != nil {
				return err
			}
		}
		meta, err := json.Marshal(f.Metadata)
		if err != nil {
			return apperr.Validation("invalid fact metadata")
		}
		_, err = s.q(ctx).ExecContext(ctx, `
			INSERT INTO facts (id, user_id, subject, predicate, object, valid_from, valid_to, confidence, last_updated, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, NULL, $7, $8, $9)
		`, f.ID, f.UserID, f.Subject, f.Predicate, f.Object, f.ValidFrom, f.Confidence, f.LastUpdated, meta)
		if err != nil {
			return fmt.Errorf("postgres: failed to assert fact: %w", err)
		}
		return nil
	})
}

func isNotFound(err error) bool {
	e, ok := apperr.As(err)
	return ok && e.Kind == apperr.KindNotFound
}

func (s *Store) GetFact(ctx context.Context, userID, id string) (*types.Fact, error) {
	if err := storage.AssertTenantScope(s.strictTenant, userID); err != nil {
		return nil, err
	}
	row := s.q(ctx).QueryRowContext(ctx, getFactQuery, id, userID)
	f, err := scanFact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("fact not found")
		}
		return nil, err
	}
	if err := storage.RequireTenantMatch(f.UserID, userID); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Store) FindOpen(ctx context.Context, userID, subject, predicate string) (*types.Fact, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, user_id, subject, predicate, object, valid_from, valid_to, confidence, last_updated, metadata
		FROM facts WHERE user_id = $1 AND subject = $2 AND predicate = $3 AND valid_to IS NULL`,
		userID, subject, predicate)
	f, err := scanFact(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.NotFound("no open fact")
		}
		return nil, err
	}
	return f, nil
}

func (s *Store) AsOf(ctx context.Context, userID, subject string, at time.Time) ([]types.Fact, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, user_id, subject, predicate, object, valid_from, valid_to, confidence, last_updated, metadata
		FROM facts WHERE user_id = $1 AND subject = $2 AND valid_from <= $3 AND (valid_to IS NULL OR valid_to > $3)`,
		userID, subject, at)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query facts as-of: %w", err)
	}
	defer rows.Close()
	return scanFactRowsAll(rows)
}

func (s *Store) History(ctx context.Context, userID, subject, predicate string) ([]types.Fact, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, user_id, subject, predicate, object, valid_from, valid_to, confidence, last_updated, metadata
		FROM facts WHERE user_id = $1 AND subject = $2 AND predicate = $3 ORDER BY valid_from ASC`,
		userID, subject, predicate)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query fact history: %w", err)
	}
	defer rows.Close()
	return scanFactRowsAll(rows)
}

// ListOpenFacts returns every fact for userID with no valid_to set, across
// every subject and predicate, for maintenance sweeps that need to scan the
// whole open fact set rather than one (subject, predicate) at a time.
func (s *Store) ListOpenFacts(ctx context.Context, userID string) ([]types.Fact, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, user_id, subject, predicate, object, valid_from, valid_to, confidence, last_updated, metadata
		FROM facts WHERE user_id = $1 AND valid_to IS NULL`, userID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list open facts: %w", err)
	}
	defer rows.Close()
	return scanFactRowsAll(rows)
}

func (s *Store) CloseFact(ctx context.Context, userID, id string, validTo time.Time) error {
	if err := storage.AssertTenantScope(s.strictTenant, userID); err != nil {
		return err
	}
	res, err := s.q(ctx).ExecContext(ctx, `UPDATE facts SET valid_to = $1, last_updated = $1 WHERE id = $2 AND user_id = $3`,
		validTo, id, userID)
	if err != nil {
		return fmt.Errorf("postgres: failed to close fact: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apperr.NotFound("fact not found")
	}
	return nil
}

// DeleteByObject removes every fact owned by userID whose object matches,
// used to cascade a memory deletion into the facts that reference it.
func (s *Store) DeleteByObject(ctx context.Context, userID, object string) (int, error) {
	if err := storage.AssertTenantScope(s.strictTenant, userID); err != nil {
		return 0, err
	}
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM facts WHERE user_id = $1 AND object = $2`, userID, object)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to delete facts by object: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) Link(ctx context.Context, e *types.Edge) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return apperr.Validation("invalid edge metadata")
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO fact_edges (id, user_id, source_fact, target_fact, relation_type, valid_from, valid_to, weight, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, e.ID, e.UserID, e.SourceFact, e.TargetFact, e.RelationType, e.ValidFrom, e.ValidTo, e.Weight, meta)
	if err != nil {
		return fmt.Errorf("postgres: failed to link facts: %w", err)
	}
	return nil
}

func (s *Store) Related(ctx context.Context, userID, factID string) ([]types.Edge, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, user_id, source_fact, target_fact, relation_type, valid_from, valid_to, weight, metadata
		FROM fact_edges WHERE user_id = $1 AND (source_fact = $2 OR target_fact = $2)`, userID, factID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query fact edges: %w", err)
	}
	defer rows.Close()

	var out []types.Edge
	for rows.Next() {
		var e types.Edge
		var meta []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.SourceFact, &e.TargetFact, &e.RelationType, &e.ValidFrom, &e.ValidTo, &e.Weight, &meta); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(meta, &e.Metadata)
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanFact(row *sql.Row) (*types.Fact, error) {
	var f types.Fact
	var meta []byte
	if err := row.Scan(&f.ID, &f.UserID, &f.Subject, &f.Predicate, &f.Object, &f.ValidFrom, &f.ValidTo, &f.Confidence, &f.LastUpdated, &meta); err != nil {
		return nil, err
	}
	_ = json.Unmarshal(meta, &f.Metadata)
	return &f, nil
}

func scanFactRowsAll(rows *sql.Rows) ([]types.Fact, error) {
	var out []types.Fact
	for rows.Next() {
		var f types.Fact
		var meta []byte
		if err := rows.Scan(&f.ID, &f.UserID, &f.Subject, &f.Predicate, &f.Object, &f.ValidFrom, &f.ValidTo, &f.Confidence, &f.LastUpdated, &meta); err != nil {
			return nil, err
		}
		_ = json.Unmarshal(meta, &f.Metadata)
		out = append(out, f)
	}
	return out, rows.Err()
}
