package postgres

import (
	"context"
	"fmt"
)

// TruncateForTest removes all rows from the message and memory tables.
// It lives in a _test file so only tests in this directory can reach it.
func (s *Store) TruncateForTest(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "TRUNCATE TABLE memory_embeddings, memories, messages RESTART IDENTITY CASCADE")
	if err != nil {
		return fmt.Errorf("postgres: failed to truncate tables: %w", err)
	}
	return nil
}
