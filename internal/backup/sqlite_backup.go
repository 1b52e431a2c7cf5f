package backup

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"

	_ "modernc.org/sqlite"

	"github.com/openmemory/openmemory/internal/storage"
)

const defaultProgressBatchPages = 256

// backupSQLite creates a consistent point-in-time backup via VACUUM INTO,
// which handles WAL mode correctly in a single atomic statement.
func backupSQLite(sourcePath, destPath string) error {
	sourceDB, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", sourcePath))
	if err != nil {
		return fmt.Errorf("backup: failed to open source database: %w", err)
	}
	defer sourceDB.Close()

	if err := sourceDB.Ping(); err != nil {
		return fmt.Errorf("backup: failed to ping source database: %w", err)
	}

	if _, err := sourceDB.Exec(fmt.Sprintf("VACUUM INTO '%s'", destPath)); err != nil {
		return fmt.Errorf("backup: failed to vacuum into backup file: %w", err)
	}
	return nil
}

// verifyBackup runs sqlite's built-in integrity check against a backup file.
func verifyBackup(backupPath string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", backupPath))
	if err != nil {
		return fmt.Errorf("backup: failed to open backup: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("backup: failed to run integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("backup: integrity check failed: %s", result)
	}
	return nil
}

// restoreSQLite verifies a backup, then copies it over targetPath in
// page-sized batches, reporting progress through recorder so a long restore
// of a large database is observable rather than a single opaque io.Copy.
func restoreSQLite(ctx context.Context, backupPath, targetPath string, recorder storage.BackupRecorder, runID string, batchPages int) error {
	if err := verifyBackup(backupPath); err != nil {
		return fmt.Errorf("backup: restore source failed verification: %w", err)
	}
	if batchPages <= 0 {
		batchPages = defaultProgressBatchPages
	}

	pageSize, pageCount, err := sqlitePageInfo(backupPath)
	if err != nil {
		return fmt.Errorf("backup: failed to inspect backup page layout: %w", err)
	}

	src, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("backup: failed to open backup: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(targetPath)
	if err != nil {
		return fmt.Errorf("backup: failed to create target file: %w", err)
	}
	defer dst.Close()

	if recorder != nil {
		if err := recorder.Start(ctx, runID, targetPath); err != nil {
			return fmt.Errorf("backup: failed to record restore start: %w", err)
		}
	}

	chunkSize := int64(pageSize) * int64(batchPages)
	if chunkSize <= 0 {
		chunkSize = 1 << 20 // 1MiB fallback if page info is unavailable
	}

	pagesDone := 0
	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("backup: restore cancelled: %w", err)
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return fmt.Errorf("backup: failed to write restored bytes: %w", writeErr)
			}
			pagesDone += batchPages
			if pagesDone > pageCount {
				pagesDone = pageCount
			}
			if recorder != nil {
				if err := recorder.Progress(ctx, runID, pagesDone, pageCount); err != nil {
					return fmt.Errorf("backup: failed to record restore progress: %w", err)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("backup: failed to read backup: %w", readErr)
		}
	}

	if err := dst.Sync(); err != nil {
		return fmt.Errorf("backup: failed to sync target file: %w", err)
	}

	if err := verifyBackup(targetPath); err != nil {
		if recorder != nil {
			_ = recorder.Complete(ctx, runID, false, err.Error())
		}
		return fmt.Errorf("backup: restored database failed verification: %w", err)
	}
	if recorder != nil {
		if err := recorder.Complete(ctx, runID, true, ""); err != nil {
			return fmt.Errorf("backup: failed to record restore completion: %w", err)
		}
	}
	return nil
}

// sqlitePageInfo reads page_size and page_count so restore progress can be
// reported in terms of sqlite pages rather than raw bytes.
func sqlitePageInfo(path string) (pageSize int, pageCount int, err error) {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return 0, 0, err
	}
	defer db.Close()

	if err := db.QueryRow("PRAGMA page_size").Scan(&pageSize); err != nil {
		return 0, 0, err
	}
	if err := db.QueryRow("PRAGMA page_count").Scan(&pageCount); err != nil {
		return 0, 0, err
	}
	return pageSize, pageCount, nil
}
