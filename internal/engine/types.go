// Package engine provides the MemoryEngine, which coordinates the ingestion
// pipeline (accumulate, detect boundary, extract, persist) with retrieval,
// owner-keyed fetch and soft delete. Background work (embedding jobs, the
// retry and idle-flush sweep) runs on goroutines owned by the engine.
package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/syn-zhu/EverMemOS/internal/boundary"
	"github.com/syn-zhu/EverMemOS/internal/extraction"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// ErrNotStarted is returned by Ingest before Start or after Shutdown.
var ErrNotStarted = errors.New("engine not started")

// EmbeddingJob asks a worker to embed one committed memory.
type EmbeddingJob struct {
	// MemoryID is the memory to embed.
	MemoryID string

	// Timestamp is when the job was queued.
	Timestamp time.Time

	// Attempt tracks retry attempts for this job.
	Attempt int
}

// Config holds configuration for the memory engine.
type Config struct {
	// NumWorkers is the number of embedding worker goroutines (default: 4).
	NumWorkers int `yaml:"num_workers"`

	// QueueSize is the size of the embedding job queue buffer (default: 1000).
	QueueSize int `yaml:"queue_size"`

	// ShutdownTimeout is the maximum time to wait for workers to drain on shutdown (default: 30s).
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxRetries is the maximum number of embedding retry attempts (default: 3).
	MaxRetries int `yaml:"max_retries"`

	// RecoveryBatchSize is the number of pending embeddings recovered at startup (default: 1000).
	RecoveryBatchSize int `yaml:"recovery_batch_size"`

	// SweepInterval is how often buffers are checked for retry and idle
	// flush (default: 1m). Zero disables the sweep.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// IdleFlushAfter forces a boundary on a buffer whose newest message was
	// accepted this long ago (default: 30m). Zero disables idle flush; retry
	// buffers are still swept.
	IdleFlushAfter time.Duration `yaml:"idle_flush_after"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		NumWorkers:        4,
		QueueSize:         1000,
		ShutdownTimeout:   30 * time.Second,
		MaxRetries:        3,
		RecoveryBatchSize: 1000,
		SweepInterval:     time.Minute,
		IdleFlushAfter:    30 * time.Minute,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.NumWorkers < 1 {
		return fmt.Errorf("NumWorkers must be >= 1, got %d", c.NumWorkers)
	}

	if c.QueueSize < 1 {
		return fmt.Errorf("QueueSize must be >= 1, got %d", c.QueueSize)
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("ShutdownTimeout must be >= 0, got %v", c.ShutdownTimeout)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("MaxRetries must be >= 0, got %d", c.MaxRetries)
	}

	if c.RecoveryBatchSize < 1 {
		return fmt.Errorf("RecoveryBatchSize must be >= 1, got %d", c.RecoveryBatchSize)
	}

	if c.SweepInterval < 0 {
		return fmt.Errorf("SweepInterval must be >= 0, got %v", c.SweepInterval)
	}

	if c.IdleFlushAfter < 0 {
		return fmt.Errorf("IdleFlushAfter must be >= 0, got %v", c.IdleFlushAfter)
	}

	return nil
}

// IngestResult is what the caller of Ingest learns about its message.
type IngestResult struct {
	// Status is extracted when this call closed an episode that produced
	// memories, accumulated otherwise.
	Status extraction.Status

	// Memories holds what the closed episode produced.
	Memories []*types.Memory

	// Entry is the buffered message; for a duplicate, the original entry.
	Entry types.BufferEntry

	// Duplicate is set when the message_id was already accepted.
	Duplicate bool

	// Deferred is set when a boundary fired but extraction failed. The
	// episode stays buffered and the sweep retries it.
	Deferred bool

	// Decision is the boundary decision taken after the append.
	Decision boundary.Decision
}

// SweepStats summarises one sweep pass.
type SweepStats struct {
	Conversations int
	Extracted     int
	Failed        int
	Memories      int
}
