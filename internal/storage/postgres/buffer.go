package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

const entryColumns = `
	seq, conversation_id, message_id, group_id, user_id, sender, sender_name,
	create_time, content, refer_list, sync_status, accepted_at`

// Append durably queues a message in its conversation's buffer.
func (s *Store) Append(ctx context.Context, msg types.Message) (storage.AppendResult, error) {
	conv := msg.ConversationID()
	if conv == "" || msg.MessageID == "" {
		return storage.AppendResult{}, fmt.Errorf("%w: message_id and a conversation scope are required", storage.ErrInvalidInput)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO messages (conversation_id, message_id, group_id, user_id, sender, sender_name,
			create_time, content, refer_list, sync_status, accepted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
		ON CONFLICT (conversation_id, message_id) DO NOTHING
		RETURNING `+entryColumns,
		conv, msg.MessageID, msg.GroupID, msg.UserID, msg.Sender, msg.SenderName,
		msg.CreateTime.UTC(), msg.Content, pq.Array(nonNil(msg.ReferList)), types.SyncPending,
	)
	entry, err := scanEntry(row)
	if err == nil {
		return storage.AppendResult{Status: storage.AppendAccepted, Entry: *entry}, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return storage.AppendResult{}, fmt.Errorf("postgres: failed to append message: %w", err)
	}

	// ON CONFLICT DO NOTHING returns no row for a duplicate.
	row = s.db.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM messages WHERE conversation_id = $1 AND message_id = $2`,
		conv, msg.MessageID)
	entry, err = scanEntry(row)
	if err != nil {
		return storage.AppendResult{}, fmt.Errorf("postgres: failed to load duplicate message: %w", err)
	}
	return storage.AppendResult{Status: storage.AppendDuplicate, Entry: *entry}, nil
}

// PeekPending returns buffered entries in arrival order without removing them.
func (s *Store) PeekPending(ctx context.Context, filter storage.PendingFilter) ([]types.BufferEntry, error) {
	b := &binder{}
	b.add("sync_status IN (?, ?)", types.SyncPending, types.SyncRetry)
	if filter.ConversationID != "" {
		b.add("conversation_id = ?", filter.ConversationID)
	}
	if !storage.IsWildcard(filter.Scope.GroupID) {
		b.add("group_id = ?", filter.Scope.GroupID)
	}
	if !storage.IsWildcard(filter.Scope.UserID) {
		b.add("(user_id = ? OR sender = ?)", filter.Scope.UserID, filter.Scope.UserID)
	}
	if filter.StartTime != nil {
		b.add("create_time >= ?", filter.StartTime.UTC())
	}
	if filter.EndTime != nil {
		b.add("create_time <= ?", filter.EndTime.UTC())
	}

	query := `SELECT ` + entryColumns + ` FROM messages WHERE ` + b.where() + ` ORDER BY seq ASC`
	if filter.Limit > 0 {
		query += " LIMIT " + b.next(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, b.args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to read buffer: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Drain returns the conversation's buffered entries and marks them consumed.
func (s *Store) Drain(ctx context.Context, conversationID string) ([]types.BufferEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH drained AS (
			UPDATE messages SET sync_status = $1, consumed_at = NOW()
			WHERE conversation_id = $2 AND sync_status IN ($3, $4)
			RETURNING `+entryColumns+`
		)
		SELECT `+entryColumns+` FROM drained ORDER BY seq ASC`,
		types.SyncConsumed, conversationID, types.SyncPending, types.SyncRetry)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to drain buffer: %w", err)
	}
	defer rows.Close()

	entries, err := scanEntries(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING reports the new status; callers see the pre-drain state.
	for i := range entries {
		entries[i].SyncStatus = types.SyncPending
	}
	return entries, nil
}

// MarkRetry flags buffered entries for a later extraction retry.
func (s *Store) MarkRetry(ctx context.Context, conversationID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET sync_status = $1
		WHERE conversation_id = $2 AND message_id = ANY($3) AND sync_status IN ($4, $5)`,
		types.SyncRetry, conversationID, pq.Array(messageIDs), types.SyncPending, types.SyncRetry)
	if err != nil {
		return fmt.Errorf("postgres: failed to mark retry: %w", err)
	}
	return nil
}

// StaleConversations lists conversations holding retry entries or idle since idleBefore.
func (s *Store) StaleConversations(ctx context.Context, idleBefore time.Time) ([]string, error) {
	query := `SELECT conversation_id FROM messages WHERE sync_status IN ($1, $2)
		GROUP BY conversation_id HAVING MIN(sync_status) = $1`
	args := []interface{}{types.SyncRetry, types.SyncPending}
	if !idleBefore.IsZero() {
		query += ` OR MAX(accepted_at) < $3`
		args = append(args, idleBefore.UTC())
	}
	query += ` ORDER BY conversation_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list stale conversations: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CommitExtraction saves memories and consumes exactly the given buffered
// messages in one transaction. A message that is no longer buffered aborts
// the commit with ErrConflict.
func (s *Store) CommitExtraction(ctx context.Context, conversationID string, messageIDs []string, memories []*types.Memory) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation ID is required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveTx(ctx, tx, memories); err != nil {
		return err
	}

	if len(messageIDs) > 0 {
		res, err := tx.ExecContext(ctx, `
			UPDATE messages SET sync_status = $1, consumed_at = NOW()
			WHERE conversation_id = $2 AND message_id = ANY($3) AND sync_status IN ($4, $5)`,
			types.SyncConsumed, conversationID, pq.Array(messageIDs), types.SyncPending, types.SyncRetry)
		if err != nil {
			return fmt.Errorf("postgres: failed to drain buffer: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("postgres: failed to count drained messages: %w", err)
		}
		if int(n) != len(messageIDs) {
			return fmt.Errorf("%w: %d of %d messages already consumed in %s",
				storage.ErrConflict, len(messageIDs)-int(n), len(messageIDs), conversationID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("postgres: failed to commit extraction: %w", err)
	}
	return nil
}

func scanEntries(rows *sql.Rows) ([]types.BufferEntry, error) {
	var out []types.BufferEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func scanEntry(row rowScanner) (*types.BufferEntry, error) {
	var e types.BufferEntry
	err := row.Scan(
		&e.Seq, &e.ConversationID, &e.MessageID, &e.GroupID, &e.UserID, &e.Sender, &e.SenderName,
		&e.CreateTime, &e.Content, pq.Array(&e.ReferList), &e.SyncStatus, &e.AcceptedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}
