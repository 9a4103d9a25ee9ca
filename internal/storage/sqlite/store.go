// Package sqlite implements the storage interfaces on an embedded SQLite
// database (modernc.org/sqlite, no cgo). Keyword search uses FTS5 with BM25
// ranking; vector search loads candidate embeddings and ranks them in Go.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"os/exec"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/syn-zhu/EverMemOS/internal/storage"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Compile-time interface checks.
var (
	_ storage.MemoryStore         = (*Store)(nil)
	_ storage.MessageBuffer       = (*Store)(nil)
	_ storage.ExtractionCommitter = (*Store)(nil)
	_ storage.KeywordIndex        = (*Store)(nil)
	_ storage.VectorIndex         = (*Store)(nil)
)

// Store implements every storage interface over one SQLite database.
type Store struct {
	db *sql.DB
}

// New opens a SQLite store with WAL self-healing.
// If the initial open fails due to stale WAL files (left behind by a crashed
// process), it verifies no other process holds them and retries once after
// removing the stale -shm/-wal files.
func New(dsn string) (*Store, error) {
	store, err := open(dsn)
	if err == nil {
		return store, nil
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || !isWALStale(dbPath) {
		return nil, err
	}

	removeStaleWAL(dbPath)

	store, retryErr := open(dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("failed after WAL recovery: %w (original: %v)", retryErr, err)
	}

	slog.Warn("sqlite: recovered from stale WAL files", "path", dbPath)
	return store, nil
}

// open opens a SQLite database, configures WAL mode, and migrates the schema.
func open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single connection
	// serialises writes and avoids SQLITE_BUSY under concurrent load; it also
	// keeps an in-memory database alive for the lifetime of the store.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}
	migrator, err := storage.NewMigrator(db, sub, storage.PlaceholderQuestion)
	if err != nil {
		db.Close()
		return nil, err
	}
	if _, err := migrator.Up(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// DB returns the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// dbPathFromDSN extracts the filesystem path from a SQLite DSN.
// Handles bare paths ("/path/to/db.sqlite") and file: URIs ("file:/path/to/db.sqlite?mode=rwc").
// Returns empty string for in-memory databases or unparseable DSNs.
func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}

	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" {
			return ""
		}
		return path
	}

	return dsn
}

// isRecoverableWALError returns true if the error matches patterns caused by
// stale WAL files left behind after a crash.
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database is locked")
}

// isWALStale checks whether -shm/-wal files exist for the given database path
// and no other process currently holds them open (via lsof).
// Returns false if lsof is unavailable.
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	output, err := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath).Output()
	if err != nil {
		// lsof exits 1 when no process has the files open.
		return true
	}
	return strings.TrimSpace(string(output)) == ""
}

func removeStaleWAL(dbPath string) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("sqlite: failed to remove stale WAL file", "path", path, "err", err)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
