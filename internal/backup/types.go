// Package backup implements C10: tiered, verified, progress-reporting
// snapshot backup/restore for the embedded sqlite backend, with a delegate
// interface for backends (postgres) that back up through their own native
// mechanism instead.
package backup

import (
	"context"
	"time"
)

// Config configures a Service.
type Config struct {
	// DBPath is the path to the sqlite database file to back up.
	DBPath string

	// BackupDir is the directory backups are written to.
	BackupDir string

	// Interval is the duration between automated backups.
	Interval time.Duration

	// Retention defines how long to keep backups at each age tier.
	Retention RetentionPolicy

	// VerifyBackups enables PRAGMA integrity_check after each backup.
	VerifyBackups bool

	// ProgressBatchPages is how many sqlite pages Restore copies between
	// BackupRecorder.Progress calls. Defaults to 256 if unset.
	ProgressBatchPages int
}

// RetentionPolicy caps how many backups survive at each age tier. Backups
// older than a year are always removed regardless of tier counts.
type RetentionPolicy struct {
	Hourly  int // backups under 24h old
	Daily   int // 1-7 days old
	Weekly  int // 7-30 days old
	Monthly int // 30-365 days old
}

// DefaultRetentionPolicy mirrors the teacher's defaults.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12}
}

// Info describes one backup file on disk.
type Info struct {
	Path      string
	Timestamp time.Time
	Size      int64
	Verified  bool
}

// Result is returned from a single backup run.
type Result struct {
	Path     string
	Duration time.Duration
	Size     int64
	Verified bool
	Error    error
}

// HealthStatus reports the service's recent backup activity.
type HealthStatus struct {
	Status        string // "healthy" or "warning"
	Message       string
	LastBackup    time.Time
	NextBackup    time.Time
	TotalBackups  int
	BackupDir     string
	DiskSpaceUsed int64
}

// RemoteBackupDelegate is implemented by backends (the postgres store) that
// back up through their own native mechanism rather than this package's
// sqlite-specific VACUUM INTO path. Service.BackupNow dispatches to a
// delegate when one is configured, preserving one BackupManager interface
// across both storage backends per spec.md's operational surface.
type RemoteBackupDelegate interface {
	Backup(ctx context.Context) (*Result, error)
	Restore(ctx context.Context, path string) error
}
