package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
)

// ErrNoMigration indicates no migration has been applied yet.
var ErrNoMigration = errors.New("no migration")

// Placeholder styles for the migration bookkeeping statements.
const (
	PlaceholderQuestion = "?"  // sqlite
	PlaceholderDollar   = "$1" // postgres
)

// Migrator applies numbered SQL migrations from a filesystem (usually an
// embed.FS) and tracks the applied version in a schema_migrations table.
// Files are named NNN_name.up.sql / NNN_name.down.sql.
type Migrator struct {
	db          *sql.DB
	fsys        fs.FS
	placeholder string
}

type migration struct {
	version  uint
	name     string
	upFile   string
	downFile string
}

// NewMigrator creates a Migrator over the SQL files at the root of fsys.
func NewMigrator(db *sql.DB, fsys fs.FS, placeholder string) (*Migrator, error) {
	if db == nil {
		return nil, fmt.Errorf("migrations: database connection is required")
	}
	if fsys == nil {
		return nil, fmt.Errorf("migrations: filesystem is required")
	}
	if placeholder == "" {
		placeholder = PlaceholderQuestion
	}

	m := &Migrator{db: db, fsys: fsys, placeholder: placeholder}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return nil, fmt.Errorf("migrations: failed to create schema table: %w", err)
	}

	return m, nil
}

// Up applies all pending migrations in ascending version order, each in its
// own transaction. Returns the number applied.
func (m *Migrator) Up(ctx context.Context) (int, error) {
	migrations, err := m.load()
	if err != nil {
		return 0, err
	}

	current, err := m.Version(ctx)
	if err != nil && !errors.Is(err, ErrNoMigration) {
		return 0, err
	}

	applied := 0
	for _, mig := range migrations {
		if mig.version <= current {
			continue
		}
		body, err := fs.ReadFile(m.fsys, mig.upFile)
		if err != nil {
			return applied, fmt.Errorf("migrations: failed to read %s: %w", mig.upFile, err)
		}
		if err := m.apply(ctx, string(body), "INSERT INTO schema_migrations (version) VALUES ("+m.placeholder+")", mig.version); err != nil {
			return applied, fmt.Errorf("migrations: failed to apply version %d (%s): %w", mig.version, mig.name, err)
		}
		applied++
	}

	return applied, nil
}

// Down rolls back all applied migrations in descending version order.
func (m *Migrator) Down(ctx context.Context) error {
	migrations, err := m.load()
	if err != nil {
		return err
	}

	current, err := m.Version(ctx)
	if errors.Is(err, ErrNoMigration) {
		return nil
	}
	if err != nil {
		return err
	}

	for i := len(migrations) - 1; i >= 0; i-- {
		mig := migrations[i]
		if mig.version > current {
			continue
		}
		if mig.downFile == "" {
			return fmt.Errorf("migrations: version %d (%s) has no down file", mig.version, mig.name)
		}
		body, err := fs.ReadFile(m.fsys, mig.downFile)
		if err != nil {
			return fmt.Errorf("migrations: failed to read %s: %w", mig.downFile, err)
		}
		if err := m.apply(ctx, string(body), "DELETE FROM schema_migrations WHERE version = "+m.placeholder, mig.version); err != nil {
			return fmt.Errorf("migrations: failed to roll back version %d (%s): %w", mig.version, mig.name, err)
		}
	}

	return nil
}

// Version returns the highest applied migration version, or ErrNoMigration.
func (m *Migrator) Version(ctx context.Context) (uint, error) {
	var version uint
	err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("migrations: failed to query version: %w", err)
	}
	if version == 0 {
		return 0, ErrNoMigration
	}
	return version, nil
}

func (m *Migrator) apply(ctx context.Context, body, bookkeeping string, version uint) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, version); err != nil {
		return err
	}
	return tx.Commit()
}

// load parses migration file names. Returns migrations sorted by version ascending.
func (m *Migrator) load() ([]migration, error) {
	entries, err := fs.ReadDir(m.fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("migrations: failed to read directory: %w", err)
	}

	byVersion := make(map[uint]*migration)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}

		idx := strings.Index(name, "_")
		if idx < 0 {
			continue
		}
		v, err := strconv.ParseUint(name[:idx], 10, 64)
		if err != nil {
			continue
		}
		rest := name[idx+1:]

		mig, ok := byVersion[uint(v)]
		if !ok {
			mig = &migration{version: uint(v)}
			byVersion[uint(v)] = mig
		}

		switch {
		case strings.HasSuffix(rest, ".up.sql"):
			mig.name = strings.TrimSuffix(rest, ".up.sql")
			mig.upFile = name
		case strings.HasSuffix(rest, ".down.sql"):
			mig.downFile = name
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, mig := range byVersion {
		if mig.upFile != "" {
			out = append(out, *mig)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}
