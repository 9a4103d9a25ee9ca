package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/syn-zhu/EverMemOS/internal/boundary"
	"github.com/syn-zhu/EverMemOS/internal/extraction"
	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// sweepLoop runs Sweep every SweepInterval until ctx ends.
func (e *MemoryEngine) sweepLoop(ctx context.Context) {
	defer e.workerWG.Done()

	ticker := time.NewTicker(e.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := e.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					e.logger.Error("engine: sweep failed", "err", err)
				}
				continue
			}
			if stats.Conversations > 0 {
				e.logger.Info("engine: sweep complete",
					"conversations", stats.Conversations, "extracted", stats.Extracted,
					"failed", stats.Failed, "memories", stats.Memories)
			}
		}
	}
}

// Sweep retries buffers flagged after a failed extraction and force-closes
// buffers idle for longer than IdleFlushAfter. Each conversation is handled
// under its lock.
func (e *MemoryEngine) Sweep(ctx context.Context) (SweepStats, error) {
	var idleBefore time.Time
	if e.config.IdleFlushAfter > 0 {
		idleBefore = e.now().Add(-e.config.IdleFlushAfter)
	}
	convs, err := e.buffer.StaleConversations(ctx, idleBefore)
	if err != nil {
		return SweepStats{}, fmt.Errorf("list stale conversations: %w", err)
	}

	var stats SweepStats
	for _, conv := range convs {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		out, swept, err := e.sweepConversation(ctx, conv, idleBefore)
		if err != nil {
			e.logger.Warn("engine: sweep skipped conversation", "conversation_id", conv, "err", err)
			continue
		}
		if !swept {
			continue
		}
		stats.Conversations++
		if out.Status == extraction.StatusFailed {
			stats.Failed++
			continue
		}
		stats.Extracted++
		stats.Memories += len(out.Memories)
	}
	return stats, nil
}

// sweepConversation closes conv if it still needs it once the lock is held:
// it carries a retry entry, or its newest entry was accepted before
// idleBefore.
func (e *MemoryEngine) sweepConversation(ctx context.Context, conv string, idleBefore time.Time) (extraction.Result, bool, error) {
	unlock := e.convLocks.Lock(conv)
	defer unlock()

	// Re-read under the lock; an ingest may have closed the episode since.
	entries, err := e.buffer.PeekPending(ctx, storage.PendingFilter{ConversationID: conv})
	if err != nil {
		return extraction.Result{}, false, err
	}
	if len(entries) == 0 {
		return extraction.Result{}, false, nil
	}

	reason := boundary.ReasonIdleFlush
	var newest time.Time
	for _, entry := range entries {
		if entry.SyncStatus == types.SyncRetry {
			reason = boundary.ReasonRetry
		}
		if entry.AcceptedAt.After(newest) {
			newest = entry.AcceptedAt
		}
	}
	if reason == boundary.ReasonIdleFlush && (idleBefore.IsZero() || !newest.Before(idleBefore)) {
		return extraction.Result{}, false, nil
	}
	return e.extract(ctx, conv, entries, boundary.Forced(reason)), true, nil
}
