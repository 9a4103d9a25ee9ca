package backup

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"strings"

	_ "modernc.org/sqlite"
)

func openReadOnly(path string) (*sql.DB, error) {
	return sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
}

// snapshot writes a consistent copy of sourcePath to destPath. VACUUM INTO
// reads through the WAL, so the live store does not need to be paused.
func snapshot(ctx context.Context, sourcePath, destPath string) error {
	db, err := openReadOnly(sourcePath)
	if err != nil {
		return fmt.Errorf("open source database: %w", err)
	}
	defer func() { _ = db.Close() }()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping source database: %w", err)
	}

	quoted := strings.ReplaceAll(destPath, "'", "''")
	if _, err := db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return fmt.Errorf("vacuum into %s: %w", destPath, err)
	}
	return nil
}

// verify runs PRAGMA integrity_check on the file at path.
func verify(ctx context.Context, path string) error {
	db, err := openReadOnly(path)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer func() { _ = db.Close() }()

	var result string
	if err := db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// restoreFile copies a verified backup over targetPath. The store must be
// closed.
func restoreFile(ctx context.Context, backupPath, targetPath string) error {
	if err := verify(ctx, backupPath); err != nil {
		return fmt.Errorf("backup verification failed: %w", err)
	}

	src, err := os.Open(backupPath)
	if err != nil {
		return fmt.Errorf("open backup: %w", err)
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(targetPath)
	if err != nil {
		return fmt.Errorf("create target: %w", err)
	}
	defer func() { _ = dst.Close() }()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copy backup: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return fmt.Errorf("sync target: %w", err)
	}

	// Stale WAL files from the old database must not be replayed onto the
	// restored one.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(targetPath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", targetPath+suffix, err)
		}
	}

	return verify(ctx, targetPath)
}
