package engine

import (
	"context"

	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// RecoverPendingEmbeddings queues memories whose embedding is still pending,
// typically left by a crash or a full queue during a previous run. It is
// called by Start.
func (e *MemoryEngine) RecoverPendingEmbeddings(ctx context.Context) error {
	pending, err := e.store.ListByEmbeddingStatus(ctx, types.EmbeddingPending, e.config.RecoveryBatchSize)
	if err != nil {
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	queued := 0
	for _, m := range pending {
		if ctx.Err() != nil {
			break
		}
		if e.queueEmbedding(m.ID) {
			queued++
		}
	}
	e.logger.Info("engine: recovered pending embeddings", "found", len(pending), "queued", queued)
	return nil
}
