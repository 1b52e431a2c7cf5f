package sqlite

import (
	"context"
	"fmt"
)

// Start records the beginning of a backup run for progress tracking,
// matching the backup_runs bookkeeping table.
func (s *Store) Start(ctx context.Context, id, path string) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO backup_runs (id, started_at, status, path) VALUES (?, ?, 'running', ?)
	`, id, nowUTC(), path)
	if err != nil {
		return fmt.Errorf("sqlite: failed to start backup run: %w", err)
	}
	return nil
}

func (s *Store) Progress(ctx context.Context, id string, pagesDone, pagesTotal int) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE backup_runs SET pages_done = ?, pages_total = ? WHERE id = ?
	`, pagesDone, pagesTotal, id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to record backup progress: %w", err)
	}
	return nil
}

func (s *Store) Complete(ctx context.Context, id string, success bool, errMsg string) error {
	status := "completed"
	if !success {
		status = "failed"
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE backup_runs SET status = ?, completed_at = ?, error = ? WHERE id = ?
	`, status, nowUTC(), errMsg, id)
	if err != nil {
		return fmt.Errorf("sqlite: failed to complete backup run: %w", err)
	}
	return nil
}
