package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

const memoryColumns = `
	m.id, m.memory_type, m.user_id, m.group_id, m.timestamp, m.subject, m.summary, m.content,
	m.participants, m.keywords, m.source_message_ids, m.metadata, m.version,
	m.start_time, m.end_time, m.embedding_status, m.deleted, m.deleted_at, m.created_at, m.updated_at`

// Save persists new memories in one transaction.
func (s *Store) Save(ctx context.Context, memories []*types.Memory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveTx(ctx, tx, memories); err != nil {
		return err
	}
	return tx.Commit()
}

func saveTx(ctx context.Context, tx *sql.Tx, memories []*types.Memory) error {
	now := time.Now().UTC()

	for _, m := range memories {
		if err := validateMemory(m); err != nil {
			return err
		}

		m.Version = 0
		if m.MemoryType.Versioned() {
			var current int
			if err := tx.QueryRowContext(ctx, `
				SELECT COALESCE(MAX(version), 0) FROM memories
				WHERE memory_type = $1 AND user_id = $2 AND group_id = $3`,
				m.MemoryType, m.UserID, m.GroupID,
			).Scan(&current); err != nil {
				return fmt.Errorf("postgres: failed to read profile version: %w", err)
			}
			m.Version = current + 1
		}

		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.UpdatedAt = now
		if m.EmbeddingStatus == "" {
			m.EmbeddingStatus = types.EmbeddingPending
		}

		metadata := []byte("{}")
		if len(m.Metadata) > 0 {
			var err error
			if metadata, err = json.Marshal(m.Metadata); err != nil {
				return fmt.Errorf("%w: metadata is not serializable: %v", storage.ErrInvalidInput, err)
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO memories (
				id, memory_type, user_id, group_id, timestamp, subject, summary, content,
				participants, keywords, source_message_ids, metadata, version,
				start_time, end_time, embedding_status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			m.ID, m.MemoryType, m.UserID, m.GroupID, m.Timestamp.UTC(),
			m.Subject, m.Summary, m.Content,
			pq.Array(nonNil(m.Participants)), pq.Array(nonNil(m.Keywords)), pq.Array(nonNil(m.SourceMessageIDs)),
			string(metadata), m.Version, nullableTime(m.StartTime), nullableTime(m.EndTime),
			m.EmbeddingStatus, m.CreatedAt.UTC(), m.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: memory %s: %v", storage.ErrConflict, m.ID, err)
			}
			return fmt.Errorf("postgres: failed to insert memory: %w", err)
		}
	}
	return nil
}

// Get retrieves a non-deleted memory by ID.
func (s *Store) Get(ctx context.Context, id string) (*types.Memory, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories m WHERE m.id = $1 AND NOT m.deleted`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to get memory: %w", err)
	}
	return m, nil
}

// GetMany retrieves non-deleted memories by ID.
func (s *Store) GetMany(ctx context.Context, ids []string) (map[string]*types.Memory, error) {
	out := make(map[string]*types.Memory, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories m WHERE NOT m.deleted AND m.id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load memories: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out[m.ID] = m
	}
	return out, rows.Err()
}

// FetchByOwner returns a page of one memory type for an owner.
func (s *Store) FetchByOwner(ctx context.Context, owner types.Scope, memoryType types.MemoryType, opts storage.FetchOptions) (*storage.PaginatedResult[types.Memory], error) {
	opts.Normalize()
	if err := storage.ValidateFetch(owner, memoryType, opts); err != nil {
		return nil, err
	}

	b := &binder{}
	b.add("NOT m.deleted")
	b.add("m.memory_type = ?", memoryType)
	if !storage.IsWildcard(owner.UserID) {
		b.add(userClause("m"), owner.UserID, owner.UserID)
	}
	if !storage.IsWildcard(owner.GroupID) {
		b.add("m.group_id = ?", owner.GroupID)
	}
	if opts.StartTime != nil {
		b.add("m.timestamp >= ?", opts.StartTime.UTC())
	}
	if opts.EndTime != nil {
		b.add("m.timestamp <= ?", opts.EndTime.UTC())
	}

	if memoryType.Versioned() {
		if opts.VersionRange.IsZero() {
			b.add(`m.version = (
				SELECT MAX(v.version) FROM memories v
				WHERE v.memory_type = m.memory_type AND v.user_id = m.user_id
				  AND v.group_id = m.group_id AND NOT v.deleted)`)
		} else {
			if r := opts.VersionRange; r.Start != nil {
				b.add("m.version >= ?", *r.Start)
			}
			if r := opts.VersionRange; r.End != nil {
				b.add("m.version <= ?", *r.End)
			}
		}
	}

	if memoryType == types.MemoryTypeForesight && opts.CurrentTime != nil {
		now := opts.CurrentTime.UTC()
		b.add("(m.start_time IS NULL OR m.start_time <= ?)", now)
		b.add("(m.end_time IS NULL OR m.end_time >= ?)", now)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories m WHERE `+b.where(), b.args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("postgres: failed to count memories: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM memories m WHERE %s ORDER BY m.%s %s, m.id %s LIMIT %s OFFSET %s`,
		memoryColumns, b.where(), opts.SortBy, opts.SortOrder, opts.SortOrder, b.next(opts.Limit), b.next(opts.Offset()))

	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to fetch memories: %w", err)
	}
	defer rows.Close()

	items := make([]types.Memory, 0, opts.Limit)
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &storage.PaginatedResult[types.Memory]{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.Limit,
		HasMore:  opts.Offset()+len(items) < total,
	}, nil
}

// SoftDelete marks matching memories deleted and returns the affected count.
func (s *Store) SoftDelete(ctx context.Context, filter storage.DeleteFilter) (int, error) {
	filter.Normalize()
	if err := filter.Validate(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	b := &binder{}
	b.args = []interface{}{now}
	b.add("NOT deleted")
	if !storage.IsWildcard(filter.EventID) {
		b.add("id = ?", filter.EventID)
	}
	if !storage.IsWildcard(filter.UserID) {
		b.add(userClause("memories"), filter.UserID, filter.UserID)
	}
	if !storage.IsWildcard(filter.GroupID) {
		b.add("group_id = ?", filter.GroupID)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET deleted = TRUE, deleted_at = $1, updated_at = $1 WHERE `+b.where(), b.args...)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to delete memories: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to count deleted memories: %w", err)
	}
	if n == 0 {
		return 0, storage.ErrNotFound
	}
	return int(n), nil
}

// ListByEmbeddingStatus returns memories whose embedding task is in status.
func (s *Store) ListByEmbeddingStatus(ctx context.Context, status types.EmbeddingStatus, limit int) ([]*types.Memory, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories m WHERE NOT m.deleted AND m.embedding_status = $1 ORDER BY m.created_at ASC LIMIT $2`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list memories: %w", err)
	}
	defer rows.Close()

	var out []*types.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpdateEmbeddingStatus records the outcome of the embedding task.
func (s *Store) UpdateEmbeddingStatus(ctx context.Context, id string, status types.EmbeddingStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET embedding_status = $1, updated_at = NOW() WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to update embedding status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMemory(row rowScanner) (*types.Memory, error) {
	var m types.Memory
	var metadata []byte
	var startTime, endTime, deletedAt sql.NullTime

	err := row.Scan(
		&m.ID, &m.MemoryType, &m.UserID, &m.GroupID, &m.Timestamp,
		&m.Subject, &m.Summary, &m.Content,
		pq.Array(&m.Participants), pq.Array(&m.Keywords), pq.Array(&m.SourceMessageIDs),
		&metadata, &m.Version,
		&startTime, &endTime, &m.EmbeddingStatus, &m.Deleted, &deletedAt,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(metadata) > 0 && string(metadata) != "{}" {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("postgres: failed to unmarshal metadata: %w", err)
		}
	}
	if startTime.Valid {
		m.StartTime = &startTime.Time
	}
	if endTime.Valid {
		m.EndTime = &endTime.Time
	}
	if deletedAt.Valid {
		m.DeletedAt = &deletedAt.Time
	}
	return &m, nil
}

func validateMemory(m *types.Memory) error {
	switch {
	case m == nil:
		return fmt.Errorf("%w: memory cannot be nil", storage.ErrInvalidInput)
	case m.ID == "":
		return fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	case !m.MemoryType.IsValid():
		return fmt.Errorf("%w: unknown memory_type %q", storage.ErrInvalidInput, m.MemoryType)
	case m.UserID == "" && m.GroupID == "":
		return fmt.Errorf("%w: memory %s has no owner", storage.ErrInvalidInput, m.ID)
	case m.Timestamp.IsZero():
		return fmt.Errorf("%w: memory %s has no timestamp", storage.ErrInvalidInput, m.ID)
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
