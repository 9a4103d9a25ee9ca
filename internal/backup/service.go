package backup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrRunning is returned by Restore while the scheduler is active.
var ErrRunning = errors.New("backup service is running")

// Service takes scheduled snapshots of the memory store.
type Service struct {
	dbPath    string
	backupDir string
	interval  time.Duration
	retention RetentionPolicy
	verify    bool
	logger    *slog.Logger
	now       func() time.Time

	mu             sync.Mutex
	running        bool
	stopCh         chan struct{}
	lastBackupTime time.Time
	nextBackupTime time.Time
}

// NewService validates cfg and creates the backup directory.
func NewService(cfg Config) (*Service, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.BackupDir == "" {
		return nil, errors.New("backup directory is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	def := DefaultRetention()
	if cfg.Retention.Hourly <= 0 {
		cfg.Retention.Hourly = def.Hourly
	}
	if cfg.Retention.Daily <= 0 {
		cfg.Retention.Daily = def.Daily
	}
	if cfg.Retention.Weekly <= 0 {
		cfg.Retention.Weekly = def.Weekly
	}
	if cfg.Retention.Monthly <= 0 {
		cfg.Retention.Monthly = def.Monthly
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("create backup directory: %w", err)
	}

	return &Service{
		dbPath:    cfg.DBPath,
		backupDir: cfg.BackupDir,
		interval:  cfg.Interval,
		retention: cfg.Retention,
		verify:    cfg.Verify,
		logger:    cfg.Logger,
		now:       time.Now,
	}, nil
}

// Run snapshots on every interval until ctx is cancelled or Stop is called.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrRunning
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.nextBackupTime = s.now().Add(s.interval)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("backup: scheduler started", "interval", s.interval, "dir", s.backupDir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stopCh:
			return nil
		case <-ticker.C:
			result, err := s.BackupNow(ctx)
			if err != nil {
				s.logger.Error("backup: scheduled snapshot failed", "err", err)
			} else {
				s.logger.Info("backup: snapshot written",
					"path", result.Path, "size", result.Size,
					"duration", result.Duration, "verified", result.Verified)
			}
			s.mu.Lock()
			s.nextBackupTime = s.now().Add(s.interval)
			s.mu.Unlock()
		}
	}
}

// Stop ends a running scheduler. It is a no-op when nothing runs.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running && s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
}

// BackupNow snapshots the database, verifies it when configured and applies
// the retention policy. Retention failures are logged, not returned.
func (s *Service) BackupNow(ctx context.Context) (*Result, error) {
	start := s.now()

	if _, err := os.Stat(s.dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	path := filepath.Join(s.backupDir, backupName(start))
	if err := snapshot(ctx, s.dbPath, path); err != nil {
		return nil, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat backup: %w", err)
	}
	result := &Result{Path: path, Size: info.Size()}

	if s.verify {
		if err := verify(ctx, path); err != nil {
			return result, fmt.Errorf("backup verification failed: %w", err)
		}
		result.Verified = true
	}
	result.Duration = s.now().Sub(start)

	s.mu.Lock()
	s.lastBackupTime = s.now()
	s.mu.Unlock()

	if removed, err := applyRetention(s.backupDir, s.retention, s.now()); err != nil {
		s.logger.Warn("backup: retention failed", "err", err)
	} else if removed > 0 {
		s.logger.Info("backup: expired snapshots removed", "count", removed)
	}

	return result, nil
}

// List returns the snapshots on disk, newest first.
func (s *Service) List() ([]Info, error) {
	return listBackups(s.backupDir)
}

// Restore replaces the database with backupPath. The store must be closed
// and the scheduler stopped. The current database is kept aside and put back
// if the restore fails.
func (s *Service) Restore(ctx context.Context, backupPath string) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return ErrRunning
	}

	if _, err := os.Stat(backupPath); err != nil {
		return fmt.Errorf("backup not found: %w", err)
	}

	aside := s.dbPath + ".pre-restore"
	if _, err := os.Stat(s.dbPath); err == nil {
		if err := snapshot(ctx, s.dbPath, aside); err != nil {
			return fmt.Errorf("set aside current database: %w", err)
		}
		defer func() { _ = os.Remove(aside) }()
	}

	if err := restoreFile(ctx, backupPath, s.dbPath); err != nil {
		if _, statErr := os.Stat(aside); statErr == nil {
			if rbErr := restoreFile(ctx, aside, s.dbPath); rbErr != nil {
				return fmt.Errorf("restore failed and rollback failed: %v (restore error: %w)", rbErr, err)
			}
			return fmt.Errorf("restore failed, rolled back: %w", err)
		}
		return err
	}

	s.logger.Info("backup: database restored", "from", backupPath)
	return nil
}

// Health reports snapshot freshness and disk usage.
func (s *Service) Health() (*HealthStatus, error) {
	s.mu.Lock()
	last, next := s.lastBackupTime, s.nextBackupTime
	s.mu.Unlock()

	backups, err := s.List()
	if err != nil {
		return nil, err
	}

	status := &HealthStatus{
		Status:        "healthy",
		LastBackup:    last,
		NextBackup:    next,
		TotalBackups:  len(backups),
		DiskSpaceUsed: diskUsage(backups),
	}

	now := s.now()
	switch {
	case last.IsZero():
		status.Message = "no backups yet"
	case now.Sub(last) > 2*s.interval:
		status.Status = "warning"
		status.Message = fmt.Sprintf("backup overdue by %v", (now.Sub(last) - s.interval).Round(time.Minute))
	default:
		status.Message = fmt.Sprintf("last backup %v ago", now.Sub(last).Round(time.Minute))
	}
	return status, nil
}
