package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// CommitExtraction saves memories and consumes the given buffered messages
// in one transaction. If any message is no longer buffered the whole commit
// is rolled back with ErrConflict, so an episode can never be extracted twice.
func (s *Store) CommitExtraction(ctx context.Context, conversationID string, messageIDs []string, memories []*types.Memory) error {
	if conversationID == "" {
		return fmt.Errorf("%w: conversation ID is required", storage.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := saveTx(ctx, tx, memories); err != nil {
		return err
	}

	if len(messageIDs) > 0 {
		args := []interface{}{types.SyncConsumed, time.Now().UTC(), conversationID}
		for _, id := range messageIDs {
			args = append(args, id)
		}
		args = append(args, types.SyncPending, types.SyncRetry)

		res, err := tx.ExecContext(ctx,
			`UPDATE messages SET sync_status = ?, consumed_at = ?
			 WHERE conversation_id = ? AND message_id IN (`+placeholders(len(messageIDs))+`) AND sync_status IN (?, ?)`,
			args...)
		if err != nil {
			return fmt.Errorf("failed to drain buffer: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to count drained messages: %w", err)
		}
		if int(n) != len(messageIDs) {
			return fmt.Errorf("%w: %d of %d messages already consumed in %s",
				storage.ErrConflict, len(messageIDs)-int(n), len(messageIDs), conversationID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit extraction: %w", err)
	}
	return nil
}
