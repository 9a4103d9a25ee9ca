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

const entryColumns = `
	seq, conversation_id, message_id, group_id, user_id, sender, sender_name,
	create_time, content, refer_list, sync_status, accepted_at`

// Append durably queues a message in its conversation's buffer.
func (s *Store) Append(ctx context.Context, msg types.Message) (storage.AppendResult, error) {
	conv := msg.ConversationID()
	if conv == "" || msg.MessageID == "" {
		return storage.AppendResult{}, fmt.Errorf("%w: message_id and a conversation scope are required", storage.ErrInvalidInput)
	}

	refers, _ := json.Marshal(nonNil(msg.ReferList))
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, message_id, group_id, user_id, sender, sender_name,
			create_time, content, refer_list, sync_status, accepted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (conversation_id, message_id) DO NOTHING`,
		conv, msg.MessageID, msg.GroupID, msg.UserID, msg.Sender, msg.SenderName,
		msg.CreateTime.UTC(), msg.Content, string(refers), types.SyncPending, now,
	)
	if err != nil {
		return storage.AppendResult{}, fmt.Errorf("failed to append message: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		row := s.db.QueryRowContext(ctx,
			`SELECT `+entryColumns+` FROM messages WHERE conversation_id = ? AND message_id = ?`,
			conv, msg.MessageID)
		entry, err := scanEntry(row)
		if err != nil {
			return storage.AppendResult{}, fmt.Errorf("failed to load duplicate message: %w", err)
		}
		return storage.AppendResult{Status: storage.AppendDuplicate, Entry: *entry}, nil
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return storage.AppendResult{}, fmt.Errorf("failed to read message sequence: %w", err)
	}

	return storage.AppendResult{
		Status: storage.AppendAccepted,
		Entry: types.BufferEntry{
			Message:        msg,
			ConversationID: conv,
			Seq:            seq,
			SyncStatus:     types.SyncPending,
			AcceptedAt:     now,
		},
	}, nil
}

// PeekPending returns buffered entries in arrival order without removing them.
func (s *Store) PeekPending(ctx context.Context, filter storage.PendingFilter) ([]types.BufferEntry, error) {
	where := []string{"sync_status IN (?, ?)"}
	args := []interface{}{types.SyncPending, types.SyncRetry}

	if filter.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, filter.ConversationID)
	}
	if !storage.IsWildcard(filter.Scope.GroupID) {
		where = append(where, "group_id = ?")
		args = append(args, filter.Scope.GroupID)
	}
	if !storage.IsWildcard(filter.Scope.UserID) {
		where = append(where, "(user_id = ? OR sender = ?)")
		args = append(args, filter.Scope.UserID, filter.Scope.UserID)
	}
	if filter.StartTime != nil {
		where = append(where, "create_time >= ?")
		args = append(args, filter.StartTime.UTC())
	}
	if filter.EndTime != nil {
		where = append(where, "create_time <= ?")
		args = append(args, filter.EndTime.UTC())
	}

	query := `SELECT ` + entryColumns + ` FROM messages WHERE ` + strings.Join(where, " AND ") + ` ORDER BY seq ASC`
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read buffer: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// Drain returns the conversation's buffered entries and marks them consumed.
func (s *Store) Drain(ctx context.Context, conversationID string) ([]types.BufferEntry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT `+entryColumns+` FROM messages WHERE conversation_id = ? AND sync_status IN (?, ?) ORDER BY seq ASC`,
		conversationID, types.SyncPending, types.SyncRetry)
	if err != nil {
		return nil, fmt.Errorf("failed to read buffer: %w", err)
	}
	entries, err := scanEntries(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET sync_status = ?, consumed_at = ? WHERE conversation_id = ? AND sync_status IN (?, ?)`,
		types.SyncConsumed, time.Now().UTC(), conversationID, types.SyncPending, types.SyncRetry); err != nil {
		return nil, fmt.Errorf("failed to drain buffer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit drain: %w", err)
	}
	return entries, nil
}

// MarkRetry flags buffered entries for a later extraction retry.
func (s *Store) MarkRetry(ctx context.Context, conversationID string, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}

	args := []interface{}{types.SyncRetry, conversationID}
	for _, id := range messageIDs {
		args = append(args, id)
	}
	args = append(args, types.SyncPending, types.SyncRetry)

	_, err := s.db.ExecContext(ctx,
		`UPDATE messages SET sync_status = ? WHERE conversation_id = ? AND message_id IN (`+placeholders(len(messageIDs))+`) AND sync_status IN (?, ?)`,
		args...)
	if err != nil {
		return fmt.Errorf("failed to mark retry: %w", err)
	}
	return nil
}

// StaleConversations lists conversations holding retry entries or idle since idleBefore.
func (s *Store) StaleConversations(ctx context.Context, idleBefore time.Time) ([]string, error) {
	query := `SELECT conversation_id FROM messages WHERE sync_status IN (?, ?) GROUP BY conversation_id HAVING MIN(sync_status) = ?`
	args := []interface{}{types.SyncPending, types.SyncRetry, types.SyncRetry}
	if !idleBefore.IsZero() {
		query += ` OR MAX(accepted_at) < ?`
		args = append(args, idleBefore.UTC())
	}
	query += ` ORDER BY conversation_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale conversations: %w", err)
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
	var refers string
	err := row.Scan(
		&e.Seq, &e.ConversationID, &e.MessageID, &e.GroupID, &e.UserID, &e.Sender, &e.SenderName,
		&e.CreateTime, &e.Content, &refers, &e.SyncStatus, &e.AcceptedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := unmarshalList(refers, &e.ReferList); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refer_list: %w", err)
	}
	return &e, nil
}
