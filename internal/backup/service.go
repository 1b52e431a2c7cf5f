package backup

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openmemory/openmemory/internal/storage"
)

// Service handles automated sqlite backups with verification, retention,
// and progress-observable restore. One Service instance guards its own
// single-flight backup/restore, mirroring the teacher's BackupService
// running/stopCh discipline.
type Service struct {
	dbPath        string
	backupDir     string
	interval      time.Duration
	retention     RetentionPolicy
	verifyBackups bool
	batchPages    int
	recorder      storage.BackupRecorder
	remote        RemoteBackupDelegate

	mu             sync.Mutex
	running        bool
	stopCh         chan struct{}
	lastBackupTime time.Time
	nextBackupTime time.Time
}

// New builds a Service. recorder may be nil, in which case restore runs
// without progress reporting. remote, if set, is used instead of the
// sqlite-specific path for both Backup and Restore, for backends (postgres)
// that back up through their own native mechanism.
func New(cfg Config, recorder storage.BackupRecorder, remote RemoteBackupDelegate) (*Service, error) {
	if remote == nil {
		if cfg.DBPath == "" {
			return nil, fmt.Errorf("backup: database path is required")
		}
		if cfg.BackupDir == "" {
			return nil, fmt.Errorf("backup: backup directory is required")
		}
		if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
			return nil, fmt.Errorf("backup: failed to create backup directory: %w", err)
		}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Retention == (RetentionPolicy{}) {
		cfg.Retention = DefaultRetentionPolicy()
	}
	if cfg.ProgressBatchPages <= 0 {
		cfg.ProgressBatchPages = defaultProgressBatchPages
	}

	return &Service{
		dbPath:        cfg.DBPath,
		backupDir:     cfg.BackupDir,
		interval:      cfg.Interval,
		retention:     cfg.Retention,
		verifyBackups: cfg.VerifyBackups,
		batchPages:    cfg.ProgressBatchPages,
		recorder:      recorder,
		remote:        remote,
		stopCh:        make(chan struct{}),
	}, nil
}

// AsJob adapts BackupNow to scheduler.JobFunc's signature so it can be
// registered on the maintenance scheduler's own ticker/singleton-guard
// machinery instead of running its own loop, per spec.md §4.9's
// "backups run on the same scheduling substrate as other maintenance."
func (s *Service) AsJob() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := s.BackupNow(ctx)
		return err
	}
}

// BackupNow performs an immediate backup, optionally verifies it, and
// applies the retention policy.
func (s *Service) BackupNow(ctx context.Context) (*Result, error) {
	if s.remote != nil {
		return s.remote.Backup(ctx)
	}

	start := time.Now()
	if _, err := os.Stat(s.dbPath); err != nil {
		return nil, fmt.Errorf("backup: database not found: %w", err)
	}

	timestamp := time.Now().Format("20060102-150405.000000")
	backupPath := filepath.Join(s.backupDir, fmt.Sprintf("openmemory-backup-%s.db", timestamp))

	if err := backupSQLite(s.dbPath, backupPath); err != nil {
		return &Result{Path: backupPath, Duration: time.Since(start), Error: err}, err
	}

	info, err := os.Stat(backupPath)
	if err != nil {
		err = fmt.Errorf("backup: failed to stat backup: %w", err)
		return &Result{Path: backupPath, Duration: time.Since(start), Error: err}, err
	}

	result := &Result{Path: backupPath, Duration: time.Since(start), Size: info.Size()}
	if s.verifyBackups {
		if err := verifyBackup(backupPath); err != nil {
			result.Error = fmt.Errorf("backup: verification failed: %w", err)
			return result, result.Error
		}
		result.Verified = true
	}

	s.mu.Lock()
	s.lastBackupTime = time.Now()
	s.mu.Unlock()

	if err := applyRetention(s.backupDir, s.retention); err != nil {
		log.Printf("backup: failed to apply retention policy: %v", err)
	}
	return result, nil
}

// ListBackups lists every backup currently on disk.
func (s *Service) ListBackups() ([]Info, error) {
	if s.remote != nil {
		return nil, fmt.Errorf("backup: ListBackups is not supported through a remote delegate")
	}
	return listBackups(s.backupDir)
}

// RestoreBackup restores the database from backupPath, taking a pre-restore
// snapshot first so a failed restore can roll back, and reporting
// page-by-page progress through the configured BackupRecorder.
func (s *Service) RestoreBackup(ctx context.Context, backupPath string) error {
	if s.remote != nil {
		return s.remote.Restore(ctx, backupPath)
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return fmt.Errorf("backup: cannot restore while the automated backup loop is running")
	}

	if _, err := os.Stat(backupPath); err != nil {
		return fmt.Errorf("backup: backup not found: %w", err)
	}

	runID := uuid.NewString()
	preRestore := s.dbPath + ".pre-restore"
	hadExisting := false
	if _, err := os.Stat(s.dbPath); err == nil {
		hadExisting = true
		if err := backupSQLite(s.dbPath, preRestore); err != nil {
			return fmt.Errorf("backup: failed to snapshot current database before restore: %w", err)
		}
		defer os.Remove(preRestore)
	}

	if err := restoreSQLite(ctx, backupPath, s.dbPath, s.recorder, runID, s.batchPages); err != nil {
		if hadExisting {
			if rollbackErr := restoreSQLite(ctx, preRestore, s.dbPath, nil, uuid.NewString(), s.batchPages); rollbackErr != nil {
				return fmt.Errorf("backup: restore failed and rollback failed: %v (restore error: %w)", rollbackErr, err)
			}
			return fmt.Errorf("backup: restore failed, rolled back to the previous state: %w", err)
		}
		return err
	}
	log.Printf("backup: database restored from %s", backupPath)
	return nil
}

// HealthCheck reports the service's recent backup activity.
func (s *Service) HealthCheck() (*HealthStatus, error) {
	s.mu.Lock()
	lastBackup := s.lastBackupTime
	nextBackup := s.nextBackupTime
	s.mu.Unlock()

	backups, err := s.ListBackups()
	if err != nil {
		return nil, fmt.Errorf("backup: failed to list backups: %w", err)
	}
	diskUsage, err := calculateDiskUsage(s.backupDir)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to calculate disk usage: %w", err)
	}

	status := &HealthStatus{
		LastBackup:    lastBackup,
		NextBackup:    nextBackup,
		TotalBackups:  len(backups),
		BackupDir:     s.backupDir,
		DiskSpaceUsed: diskUsage,
		Status:        "healthy",
	}
	switch {
	case !lastBackup.IsZero() && time.Since(lastBackup) > s.interval*2:
		status.Status = "warning"
		status.Message = fmt.Sprintf("backup overdue by %v", time.Since(lastBackup)-s.interval)
	case lastBackup.IsZero():
		status.Message = "no backups yet"
	default:
		status.Message = fmt.Sprintf("last backup %v ago", time.Since(lastBackup).Round(time.Minute))
	}
	return status, nil
}

// Start runs the automated backup loop until ctx is cancelled or Stop is
// called. Prefer AsJob with the maintenance scheduler for new callers; Start
// remains for a standalone backup process (cmd/openmemory-backup).
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("backup: service is already running")
	}
	s.running = true
	s.nextBackupTime = time.Now().Add(s.interval)
	s.mu.Unlock()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("backup: service started: interval=%v backup_dir=%s", s.interval, s.backupDir)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			result, err := s.BackupNow(ctx)
			if err != nil {
				log.Printf("backup: scheduled backup failed: %v", err)
			} else {
				log.Printf("backup: scheduled backup completed: path=%s size=%d duration=%v verified=%v",
					result.Path, result.Size, result.Duration, result.Verified)
			}
			s.mu.Lock()
			s.nextBackupTime = time.Now().Add(s.interval)
			s.mu.Unlock()
		}
	}
}

// Stop stops the automated backup loop started by Start.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return fmt.Errorf("backup: service is not running")
	}
	close(s.stopCh)
	s.running = false
	return nil
}
