package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	filePrefix = "evermem-"
	fileSuffix = ".db"
	fileLayout = "20060102-150405.000000"
)

func backupName(t time.Time) string {
	return filePrefix + t.UTC().Format(fileLayout) + fileSuffix
}

// backupTime reads the snapshot time from the file name, falling back to the
// modification time for files that were renamed or copied in by hand.
func backupTime(name string, modTime time.Time) time.Time {
	stamp := strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix)
	if t, err := time.Parse(fileLayout, stamp); err == nil {
		return t
	}
	return modTime
}

// listBackups lists the .db files in dir, newest first.
func listBackups(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read backup directory: %w", err)
	}

	var backups []Info
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, Info{
			Path:      filepath.Join(dir, entry.Name()),
			Timestamp: backupTime(entry.Name(), info.ModTime()),
			Size:      info.Size(),
		})
	}

	sort.SliceStable(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// expired returns the paths the policy drops. backups must be newest first;
// each tier keeps its newest entries.
func expired(backups []Info, policy RetentionPolicy, now time.Time) []string {
	var hourly, daily, weekly, monthly []Info
	var drop []string

	for _, b := range backups {
		age := now.Sub(b.Timestamp)
		switch {
		case age < 24*time.Hour:
			hourly = append(hourly, b)
		case age < 7*24*time.Hour:
			daily = append(daily, b)
		case age < 30*24*time.Hour:
			weekly = append(weekly, b)
		case age < 365*24*time.Hour:
			monthly = append(monthly, b)
		default:
			drop = append(drop, b.Path)
		}
	}

	for _, tier := range []struct {
		items []Info
		keep  int
	}{
		{hourly, policy.Hourly},
		{daily, policy.Daily},
		{weekly, policy.Weekly},
		{monthly, policy.Monthly},
	} {
		if len(tier.items) > tier.keep {
			for _, b := range tier.items[tier.keep:] {
				drop = append(drop, b.Path)
			}
		}
	}
	return drop
}

// applyRetention removes the snapshots the policy no longer keeps and
// reports how many were removed.
func applyRetention(dir string, policy RetentionPolicy, now time.Time) (int, error) {
	backups, err := listBackups(dir)
	if err != nil {
		return 0, err
	}

	removed := 0
	var lastErr error
	for _, path := range expired(backups, policy, now) {
		if err := os.Remove(path); err != nil {
			lastErr = err
			continue
		}
		removed++
	}
	if lastErr != nil {
		return removed, fmt.Errorf("delete expired backups: %w", lastErr)
	}
	return removed, nil
}

func diskUsage(backups []Info) int64 {
	var total int64
	for _, b := range backups {
		total += b.Size
	}
	return total
}
