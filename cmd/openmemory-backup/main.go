// Command openmemory-backup runs the automated database backup service, or
// performs a one-shot backup/restore/health/list operation and exits.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openmemory/openmemory/internal/backup"
	"github.com/openmemory/openmemory/internal/config"
)

var (
	dbPath    = flag.String("db", "", "path to the database file (overrides config)")
	backupDir = flag.String("backup-dir", "", "backup directory path (overrides config)")
	interval  = flag.Duration("interval", 0, "backup interval (overrides the default 1h)")
	verify    = flag.Bool("verify", true, "verify backups after creation")
	oneshot   = flag.Bool("oneshot", false, "perform a single backup and exit")
	restore   = flag.String("restore", "", "restore the database from the given backup file and exit")
	healthCmd = flag.Bool("health", false, "check backup health and exit")
	listCmd   = flag.Bool("list", false, "list available backups and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("openmemory-backup: failed to load configuration: %v", err)
	}

	dbPathFinal := cfg.Storage.DBPath
	if *dbPath != "" {
		dbPathFinal = *dbPath
	}
	backupDirFinal := cfg.Backup.Dir
	if *backupDir != "" {
		backupDirFinal = *backupDir
	}
	intervalFinal := time.Hour
	if *interval > 0 {
		intervalFinal = *interval
	}

	svc, err := backup.New(backup.Config{
		DBPath:        dbPathFinal,
		BackupDir:     backupDirFinal,
		Interval:      intervalFinal,
		Retention:     backup.DefaultRetentionPolicy(),
		VerifyBackups: *verify,
	}, nil, nil)
	if err != nil {
		log.Fatalf("openmemory-backup: failed to create backup service: %v", err)
	}

	ctx := context.Background()

	switch {
	case *restore != "":
		handleRestore(ctx, svc, *restore)
	case *healthCmd:
		handleHealth(svc)
	case *listCmd:
		handleList(svc)
	case *oneshot:
		handleOneshot(ctx, svc)
	default:
		runService(ctx, svc)
	}
}

func handleRestore(ctx context.Context, svc *backup.Service, path string) {
	log.Printf("openmemory-backup: restoring database from %s", path)
	if err := svc.RestoreBackup(ctx, path); err != nil {
		log.Fatalf("openmemory-backup: restore failed: %v", err)
	}
	log.Println("openmemory-backup: database restored successfully")
}

func handleHealth(svc *backup.Service) {
	health, err := svc.HealthCheck()
	if err != nil {
		log.Fatalf("openmemory-backup: health check failed: %v", err)
	}

	fmt.Printf("Status: %s\n", health.Status)
	if health.Message != "" {
		fmt.Printf("Message: %s\n", health.Message)
	}
	fmt.Printf("Total backups: %d\n", health.TotalBackups)
	fmt.Printf("Disk space used: %.2f MB\n", float64(health.DiskSpaceUsed)/(1024*1024))
	fmt.Printf("Backup directory: %s\n", health.BackupDir)
	if !health.LastBackup.IsZero() {
		fmt.Printf("Last backup: %s (%s ago)\n", health.LastBackup.Format(time.RFC3339), time.Since(health.LastBackup).Round(time.Minute))
	} else {
		fmt.Println("Last backup: never")
	}

	if health.Status != "healthy" {
		os.Exit(1)
	}
}

func handleList(svc *backup.Service) {
	backups, err := svc.ListBackups()
	if err != nil {
		log.Fatalf("openmemory-backup: failed to list backups: %v", err)
	}
	if len(backups) == 0 {
		fmt.Println("no backups found")
		return
	}
	for i, b := range backups {
		fmt.Printf("%d. %s (%.2f MB, %s ago)\n", i+1, b.Path, float64(b.Size)/(1024*1024), time.Since(b.Timestamp).Round(time.Minute))
	}
}

func handleOneshot(ctx context.Context, svc *backup.Service) {
	result, err := svc.BackupNow(ctx)
	if err != nil {
		log.Fatalf("openmemory-backup: backup failed: %v", err)
	}
	log.Printf("openmemory-backup: backup completed: path=%s size=%d duration=%v verified=%v",
		result.Path, result.Size, result.Duration, result.Verified)
}

func runService(ctx context.Context, svc *backup.Service) {
	go func() {
		if err := svc.Start(ctx); err != nil && err != context.Canceled {
			log.Printf("openmemory-backup: service error: %v", err)
		}
	}()

	log.Println("openmemory-backup: service started, press Ctrl+C to stop")
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("openmemory-backup: shutting down")
	if err := svc.Stop(); err != nil {
		log.Printf("openmemory-backup: %v", err)
	}
}
