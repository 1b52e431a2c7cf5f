package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// listBackups lists every .db backup file in dir with its metadata, newest first.
func listBackups(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("backup: failed to read backup directory: %w", err)
	}

	var backups []Info
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".db") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, Info{
			Path:      filepath.Join(dir, entry.Name()),
			Timestamp: info.ModTime(),
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool { return backups[i].Timestamp.After(backups[j].Timestamp) })
	return backups, nil
}

// ageTier is one band of RetentionPolicy: backups younger than maxAge and
// at least as old as the previous tier's maxAge fall into it, and only the
// keep newest survive pruning.
type ageTier struct {
	maxAge time.Duration
	keep   func(RetentionPolicy) int
}

var retentionTiers = []ageTier{
	{24 * time.Hour, func(p RetentionPolicy) int { return p.Hourly }},
	{7 * 24 * time.Hour, func(p RetentionPolicy) int { return p.Daily }},
	{30 * 24 * time.Hour, func(p RetentionPolicy) int { return p.Weekly }},
	{365 * 24 * time.Hour, func(p RetentionPolicy) int { return p.Monthly }},
}

// applyRetention buckets the backups in dir into retentionTiers by age and
// deletes every backup beyond each tier's keep count, plus anything older
// than the oldest tier outright.
func applyRetention(dir string, policy RetentionPolicy) error {
	backups, err := listBackups(dir)
	if err != nil {
		return err
	}
	if len(backups) == 0 {
		return nil
	}

	now := time.Now()
	buckets := make([][]Info, len(retentionTiers))
	var expired []string

	for _, b := range backups {
		age := now.Sub(b.Timestamp)
		placed := false
		for i, tier := range retentionTiers {
			if age < tier.maxAge {
				buckets[i] = append(buckets[i], b)
				placed = true
				break
			}
		}
		if !placed {
			expired = append(expired, b.Path)
		}
	}

	toDelete := expired
	for i, tier := range retentionTiers {
		keep := tier.keep(policy)
		if bucket := buckets[i]; len(bucket) > keep {
			for _, b := range bucket[keep:] {
				toDelete = append(toDelete, b.Path)
			}
		}
	}

	var lastErr error
	for _, path := range toDelete {
		if err := os.Remove(path); err != nil {
			lastErr = err
		}
	}
	if lastErr != nil {
		return fmt.Errorf("backup: failed to delete some expired backups: %w", lastErr)
	}
	return nil
}

// calculateDiskUsage sums the size of every backup file in dir.
func calculateDiskUsage(dir string) (int64, error) {
	backups, err := listBackups(dir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, b := range backups {
		total += b.Size
	}
	return total, nil
}
