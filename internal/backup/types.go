// Package backup takes scheduled snapshots of the sqlite memory store, keeps
// them under a tiered retention policy and restores them on request.
package backup

import (
	"log/slog"
	"time"
)

// Config holds backup service configuration.
type Config struct {
	// DBPath is the sqlite database file holding buffers and memories.
	DBPath string

	// BackupDir is where snapshots are written.
	BackupDir string

	// Interval between scheduled snapshots (default: 24h).
	Interval time.Duration

	// Retention defines how many snapshots each age tier keeps.
	Retention RetentionPolicy

	// Verify runs an integrity check on every snapshot.
	Verify bool

	Logger *slog.Logger
}

// RetentionPolicy defines how many backups to keep at each tier.
// Backups are categorized by age:
//   - Hourly: less than 24 hours old
//   - Daily: 1 to 7 days old
//   - Weekly: 7 to 30 days old
//   - Monthly: 30 to 365 days old
//
// Anything older than a year is always removed.
type RetentionPolicy struct {
	Hourly  int
	Daily   int
	Weekly  int
	Monthly int
}

// DefaultRetention keeps a day of hourlies, a week of dailies, a month of
// weeklies and a year of monthlies.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12}
}

// Info describes one snapshot on disk.
type Info struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
}

// Result is the outcome of one snapshot.
type Result struct {
	Path     string        `json:"path"`
	Duration time.Duration `json:"duration"`
	Size     int64         `json:"size"`
	Verified bool          `json:"verified"`
}

// HealthStatus summarises the backup service for the health endpoint.
type HealthStatus struct {
	// Status is "healthy" or "warning".
	Status        string    `json:"status"`
	Message       string    `json:"message"`
	LastBackup    time.Time `json:"last_backup,omitempty"`
	NextBackup    time.Time `json:"next_backup,omitempty"`
	TotalBackups  int       `json:"total_backups"`
	DiskSpaceUsed int64     `json:"disk_space_used"`
}
