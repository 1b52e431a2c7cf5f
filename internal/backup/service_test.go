package backup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmemory/openmemory/internal/storage/sqlite"
)

type fakeRecorder struct {
	started   []string
	progress  []int
	completed bool
	success   bool
}

func (f *fakeRecorder) Start(ctx context.Context, id, path string) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeRecorder) Progress(ctx context.Context, id string, pagesDone, pagesTotal int) error {
	f.progress = append(f.progress, pagesDone)
	return nil
}

func (f *fakeRecorder) Complete(ctx context.Context, id string, success bool, errMsg string) error {
	f.completed = true
	f.success = success
	return nil
}

func newTestDB(t *testing.T, path string) {
	t.Helper()
	store, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	defer store.Close()
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
}

func TestBackupNowCreatesVerifiedBackup(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "openmemory.db")
	newTestDB(t, dbPath)

	svc, err := New(Config{DBPath: dbPath, BackupDir: filepath.Join(dir, "backups"), VerifyBackups: true}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := svc.BackupNow(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Verified {
		t.Fatalf("expected backup to be verified")
	}
	if result.Size == 0 {
		t.Fatalf("expected backup to have nonzero size")
	}

	backups, err := svc.ListBackups()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(backups) != 1 {
		t.Fatalf("expected 1 backup on disk, got %d", len(backups))
	}
}

func TestRestoreBackupRoundTripsAndReportsProgress(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "openmemory.db")
	newTestDB(t, dbPath)

	recorder := &fakeRecorder{}
	svc, err := New(Config{DBPath: dbPath, BackupDir: filepath.Join(dir, "backups"), ProgressBatchPages: 1}, recorder, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := svc.BackupNow(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := svc.RestoreBackup(context.Background(), result.Path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(recorder.started) != 1 {
		t.Fatalf("expected restore to record one start event, got %d", len(recorder.started))
	}
	if !recorder.completed || !recorder.success {
		t.Fatalf("expected restore to record a successful completion")
	}

	if err := verifyBackup(dbPath); err != nil {
		t.Fatalf("expected restored database to pass integrity check: %v", err)
	}
}

func TestRestoreBackupRejectsCorruptSource(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "openmemory.db")
	newTestDB(t, dbPath)

	svc, err := New(Config{DBPath: dbPath, BackupDir: filepath.Join(dir, "backups")}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	garbage := filepath.Join(dir, "garbage.db")
	write(t, garbage, "not a sqlite database")

	if err := svc.RestoreBackup(context.Background(), garbage); err == nil {
		t.Fatalf("expected restore from a corrupt source to fail verification")
	}
}

func TestHealthCheckReportsOverdueBackup(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "openmemory.db")
	newTestDB(t, dbPath)

	svc, err := New(Config{DBPath: dbPath, BackupDir: filepath.Join(dir, "backups"), Interval: time.Millisecond}, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.BackupNow(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	status, err := svc.HealthCheck()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status.Status != "warning" {
		t.Fatalf("expected overdue backup to report warning status, got %q", status.Status)
	}
}

type fakeRemoteDelegate struct {
	backupCalled  bool
	restoreCalled bool
	restorePath   string
}

func (f *fakeRemoteDelegate) Backup(ctx context.Context) (*Result, error) {
	f.backupCalled = true
	return &Result{Path: "remote://snapshot", Verified: true}, nil
}

func (f *fakeRemoteDelegate) Restore(ctx context.Context, path string) error {
	f.restoreCalled = true
	f.restorePath = path
	return nil
}

func TestServiceDispatchesToRemoteDelegateWhenConfigured(t *testing.T) {
	delegate := &fakeRemoteDelegate{}
	svc, err := New(Config{}, nil, delegate)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if _, err := svc.BackupNow(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !delegate.backupCalled {
		t.Fatalf("expected BackupNow to dispatch to the remote delegate")
	}

	if err := svc.RestoreBackup(context.Background(), "some/path"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !delegate.restoreCalled || delegate.restorePath != "some/path" {
		t.Fatalf("expected RestoreBackup to dispatch to the remote delegate with the given path")
	}
}
