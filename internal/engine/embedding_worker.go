package engine

import (
	"context"
	"errors"
	"time"

	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// embeddingWorker processes jobs until the queue is closed. Jobs received
// after the worker context ends are left pending for recovery.
func (e *MemoryEngine) embeddingWorker(ctx context.Context, workerID int, queue <-chan *EmbeddingJob) {
	defer e.workerWG.Done()

	e.logger.Debug("engine: embedding worker started", "worker", workerID)
	for job := range queue {
		if ctx.Err() != nil {
			continue
		}
		e.processEmbeddingJob(ctx, workerID, job)
	}
	e.logger.Debug("engine: embedding worker stopped", "worker", workerID)
}

// processEmbeddingJob embeds one memory's index text and upserts the vector.
func (e *MemoryEngine) processEmbeddingJob(ctx context.Context, workerID int, job *EmbeddingJob) {
	// Back off on retries: 100ms, 400ms, 900ms...
	if job.Attempt > 0 {
		backoff := time.Duration(job.Attempt*job.Attempt) * 100 * time.Millisecond
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
	}

	memory, err := e.store.Get(ctx, job.MemoryID)
	if errors.Is(err, storage.ErrNotFound) {
		// Deleted before its embedding ran.
		return
	}
	if err != nil {
		e.failEmbedding(ctx, workerID, job, err)
		return
	}

	vec, err := e.embedder.Embed(ctx, memory.IndexText())
	if err != nil {
		e.failEmbedding(ctx, workerID, job, err)
		return
	}
	if err := e.vectors.UpsertVector(ctx, memory, vec, e.embedder.GetModel()); err != nil {
		e.failEmbedding(ctx, workerID, job, err)
		return
	}

	e.setEmbeddingStatus(ctx, job.MemoryID, types.EmbeddingCompleted)
	e.logger.Debug("engine: memory embedded", "worker", workerID, "memory_id", job.MemoryID, "dims", len(vec))
}

func (e *MemoryEngine) failEmbedding(ctx context.Context, workerID int, job *EmbeddingJob, err error) {
	if ctx.Err() != nil {
		return
	}
	e.logger.Warn("engine: embedding failed",
		"worker", workerID, "memory_id", job.MemoryID, "attempt", job.Attempt, "err", err)
	if !e.requeueEmbeddingJob(job) {
		e.setEmbeddingStatus(ctx, job.MemoryID, types.EmbeddingFailed)
	}
}

func (e *MemoryEngine) setEmbeddingStatus(ctx context.Context, memoryID string, status types.EmbeddingStatus) {
	if err := e.store.UpdateEmbeddingStatus(ctx, memoryID, status); err != nil {
		e.logger.Error("engine: failed to record embedding status", "memory_id", memoryID, "status", status, "err", err)
		return
	}
	e.mu.RLock()
	cb := e.onEmbeddingCompleted
	e.mu.RUnlock()
	if cb != nil {
		cb(memoryID, status)
	}
}

// startWorkerPool starts the worker goroutines.
func (e *MemoryEngine) startWorkerPool(ctx context.Context) {
	for i := 0; i < e.config.NumWorkers; i++ {
		e.workerWG.Add(1)
		go e.embeddingWorker(ctx, i, e.embeddingQueue)
	}
	e.logger.Debug("engine: started embedding workers", "count", e.config.NumWorkers)
}

// stopWorkerPool closes the queue and waits for background goroutines, up
// to ShutdownTimeout.
func (e *MemoryEngine) stopWorkerPool(ctx context.Context) error {
	e.mu.Lock()
	remaining := len(e.embeddingQueue)
	close(e.embeddingQueue)
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.workerWG.Wait()
		close(done)
	}()

	timeout := e.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultConfig().ShutdownTimeout
	}
	select {
	case <-done:
		if remaining > 0 {
			e.logger.Info("engine: queued embeddings left for recovery", "count", remaining)
		}
		return nil
	case <-time.After(timeout):
		e.logger.Warn("engine: shutdown timeout reached, workers still running")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
