package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

const memoryColumns = `
	id, memory_type, user_id, group_id, timestamp, subject, summary, content,
	participants, keywords, source_message_ids, metadata, version,
	start_time, end_time, embedding_status, deleted, deleted_at, created_at, updated_at`

// Save persists new memories in one transaction.
func (s *Store) Save(ctx context.Context, memories []*types.Memory) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveTx(ctx, tx, memories); err != nil {
		return err
	}
	return tx.Commit()
}

// saveTx inserts memories inside tx, assigning versions to versioned types.
func saveTx(ctx context.Context, tx *sql.Tx, memories []*types.Memory) error {
	now := time.Now().UTC()

	for _, m := range memories {
		if err := validateMemory(m); err != nil {
			return err
		}

		var err error
		if m.MemoryType.Versioned() {
			var current int
			err = tx.QueryRowContext(ctx, `
				SELECT COALESCE(MAX(version), 0) FROM memories
				WHERE memory_type = ? AND user_id = ? AND group_id = ?`,
				m.MemoryType, m.UserID, m.GroupID,
			).Scan(&current)
			if err != nil {
				return fmt.Errorf("failed to read profile version: %w", err)
			}
			m.Version = current + 1
		} else {
			m.Version = 0
		}

		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		m.UpdatedAt = now
		if m.EmbeddingStatus == "" {
			m.EmbeddingStatus = types.EmbeddingPending
		}

		participants, _ := json.Marshal(nonNil(m.Participants))
		keywords, _ := json.Marshal(nonNil(m.Keywords))
		sources, _ := json.Marshal(nonNil(m.SourceMessageIDs))
		metadata := []byte("{}")
		if len(m.Metadata) > 0 {
			if metadata, err = json.Marshal(m.Metadata); err != nil {
				return fmt.Errorf("%w: metadata is not serializable: %v", storage.ErrInvalidInput, err)
			}
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO memories (`+memoryColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, ?, ?)`,
			m.ID, m.MemoryType, m.UserID, m.GroupID, m.Timestamp.UTC(),
			m.Subject, m.Summary, m.Content,
			string(participants), string(keywords), string(sources), string(metadata),
			m.Version, nullableTime(m.StartTime), nullableTime(m.EndTime),
			m.EmbeddingStatus, m.CreatedAt.UTC(), m.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: memory %s: %v", storage.ErrConflict, m.ID, err)
			}
			return fmt.Errorf("failed to insert memory: %w", err)
		}
	}

	return nil
}

// Get retrieves a non-deleted memory by ID.
func (s *Store) Get(ctx context.Context, id string) (*types.Memory, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: memory ID is required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memories WHERE id = ? AND deleted = 0`, id)
	m, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get memory: %w", err)
	}
	return m, nil
}

// GetMany retrieves non-deleted memories by ID.
func (s *Store) GetMany(ctx context.Context, ids []string) (map[string]*types.Memory, error) {
	out := make(map[string]*types.Memory, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE deleted = 0 AND id IN (`+placeholders(len(ids))+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to load memories: %w", err)
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

	where := []string{"m.deleted = 0", "m.memory_type = ?"}
	args := []interface{}{memoryType}

	if !storage.IsWildcard(owner.UserID) {
		where = append(where, userClause("m"))
		args = append(args, owner.UserID, owner.UserID)
	}
	if !storage.IsWildcard(owner.GroupID) {
		where = append(where, "m.group_id = ?")
		args = append(args, owner.GroupID)
	}
	if opts.StartTime != nil {
		where = append(where, "m.timestamp >= ?")
		args = append(args, opts.StartTime.UTC())
	}
	if opts.EndTime != nil {
		where = append(where, "m.timestamp <= ?")
		args = append(args, opts.EndTime.UTC())
	}

	if memoryType.Versioned() {
		if opts.VersionRange.IsZero() {
			where = append(where, `m.version = (
				SELECT MAX(v.version) FROM memories v
				WHERE v.memory_type = m.memory_type AND v.user_id = m.user_id
				  AND v.group_id = m.group_id AND v.deleted = 0)`)
		} else {
			if r := opts.VersionRange; r.Start != nil {
				where = append(where, "m.version >= ?")
				args = append(args, *r.Start)
			}
			if r := opts.VersionRange; r.End != nil {
				where = append(where, "m.version <= ?")
				args = append(args, *r.End)
			}
		}
	}

	if memoryType == types.MemoryTypeForesight && opts.CurrentTime != nil {
		now := opts.CurrentTime.UTC()
		where = append(where, "(m.start_time IS NULL OR m.start_time <= ?)", "(m.end_time IS NULL OR m.end_time >= ?)")
		args = append(args, now, now)
	}

	clause := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories m WHERE `+clause, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count memories: %w", err)
	}

	query := fmt.Sprintf(`SELECT %s FROM memories m WHERE %s ORDER BY m.%s %s, m.id %s LIMIT ? OFFSET ?`,
		prefixed("m", memoryColumns), clause, opts.SortBy, opts.SortOrder, opts.SortOrder)
	rows, err := s.db.QueryContext(ctx, query, append(args, opts.Limit, opts.Offset())...)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch memories: %w", err)
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

	where := []string{"deleted = 0"}
	var args []interface{}
	if !storage.IsWildcard(filter.EventID) {
		where = append(where, "id = ?")
		args = append(args, filter.EventID)
	}
	if !storage.IsWildcard(filter.UserID) {
		where = append(where, userClause("memories"))
		args = append(args, filter.UserID, filter.UserID)
	}
	if !storage.IsWildcard(filter.GroupID) {
		where = append(where, "group_id = ?")
		args = append(args, filter.GroupID)
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE memories SET deleted = 1, deleted_at = ?, updated_at = ? WHERE `+strings.Join(where, " AND "),
		append([]interface{}{now, now}, args...)...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete memories: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted memories: %w", err)
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
		`SELECT `+memoryColumns+` FROM memories WHERE deleted = 0 AND embedding_status = ? ORDER BY created_at ASC LIMIT ?`,
		status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list memories: %w", err)
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
		`UPDATE memories SET embedding_status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update embedding status: %w", err)
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
	var participants, keywords, sources, metadata string
	var startTime, endTime, deletedAt sql.NullTime
	var deleted int

	err := row.Scan(
		&m.ID, &m.MemoryType, &m.UserID, &m.GroupID, &m.Timestamp,
		&m.Subject, &m.Summary, &m.Content,
		&participants, &keywords, &sources, &metadata, &m.Version,
		&startTime, &endTime, &m.EmbeddingStatus, &deleted, &deletedAt,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := unmarshalList(participants, &m.Participants); err != nil {
		return nil, fmt.Errorf("failed to unmarshal participants: %w", err)
	}
	if err := unmarshalList(keywords, &m.Keywords); err != nil {
		return nil, fmt.Errorf("failed to unmarshal keywords: %w", err)
	}
	if err := unmarshalList(sources, &m.SourceMessageIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal source_message_ids: %w", err)
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	if startTime.Valid {
		m.StartTime = &startTime.Time
	}
	if endTime.Valid {
		m.EndTime = &endTime.Time
	}
	m.Deleted = deleted != 0
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

func unmarshalList(raw string, dst *[]string) error {
	if raw == "" || raw == "[]" {
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// nullableTime converts a time pointer to sql.NullTime in UTC.
func nullableTime(t *time.Time) sql.NullTime {
	if t == nil || t.IsZero() {
		return sql.NullTime{Valid: false}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// prefixed qualifies every column in a comma-separated list with alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
