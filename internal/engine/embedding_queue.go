package engine

import (
	"context"
	"time"

	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// embeddingsEnabled reports whether committed memories get vectors.
func (e *MemoryEngine) embeddingsEnabled() bool {
	return e.vectors != nil && e.embedder != nil
}

// queueEmbedding queues a committed memory for embedding. Without an
// embedder or vector index the memory is marked skipped instead. Returns
// true if the job was queued.
func (e *MemoryEngine) queueEmbedding(memoryID string) bool {
	if !e.embeddingsEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		e.setEmbeddingStatus(ctx, memoryID, types.EmbeddingSkipped)
		return false
	}
	return e.queueEmbeddingJob(&EmbeddingJob{MemoryID: memoryID, Timestamp: time.Now()})
}

// queueEmbeddingJob attempts to queue a job without blocking. A job that
// cannot be queued leaves the memory pending; the next Start recovers it.
func (e *MemoryEngine) queueEmbeddingJob(job *EmbeddingJob) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if !e.started || e.shuttingDown {
		return false
	}

	select {
	case e.embeddingQueue <- job:
		return true
	default:
		e.logger.Warn("engine: embedding queue full, job dropped",
			"queue_size", e.config.QueueSize, "memory_id", job.MemoryID)
		return false
	}
}

// requeueEmbeddingJob retries a failed job until MaxRetries is reached.
func (e *MemoryEngine) requeueEmbeddingJob(job *EmbeddingJob) bool {
	if job.Attempt >= e.config.MaxRetries {
		e.logger.Warn("engine: embedding retries exhausted", "memory_id", job.MemoryID, "attempts", job.Attempt+1)
		return false
	}
	job.Attempt++
	return e.queueEmbeddingJob(job)
}
