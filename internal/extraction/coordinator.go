package extraction

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/syn-zhu/EverMemOS/internal/retry"
	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// Status is the outcome of one extraction.
type Status string

// Status constants
const (
	StatusExtracted   Status = "extracted"
	StatusAccumulated Status = "accumulated"
	StatusFailed      Status = "failed"
)

// Result reports what an extraction produced.
type Result struct {
	Memories []*types.Memory
	Status   Status
	Attempts int
	Err      error
}

// Config for the coordinator.
type Config struct {
	// MaxRetries is the total number of attempts. Default 3.
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// Coordinator runs the extractor and commits its output atomically with the
// buffer drain. Callers must serialize calls per conversation.
type Coordinator struct {
	extractor Extractor
	committer storage.ExtractionCommitter
	buffer    storage.MessageBuffer
	policy    retry.Policy
	ids       *idSource
	now       func() time.Time
	logger    *slog.Logger
}

// NewCoordinator creates a coordinator that extracts with extractor and
// commits through committer. Failed episodes are flagged in buffer.
func NewCoordinator(extractor Extractor, committer storage.ExtractionCommitter, buffer storage.MessageBuffer, cfg Config, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	policy := retry.DefaultPolicy
	if cfg.MaxRetries > 0 {
		policy.Attempts = cfg.MaxRetries
	}
	if cfg.RetryDelay > 0 {
		policy.BaseDelay = cfg.RetryDelay
	}
	policy.Logger = logger
	// Input problems will not fix themselves on retry.
	policy.Retryable = func(err error) bool {
		return !errors.Is(err, storage.ErrInvalidInput)
	}
	return &Coordinator{
		extractor: extractor,
		committer: committer,
		buffer:    buffer,
		policy:    policy,
		ids:       newIDSource(),
		now:       time.Now,
		logger:    logger,
	}
}

// Extract runs extraction over the episode and commits the result. On
// success the snapshot's messages are consumed, even when the extractor
// produced nothing. On failure the snapshot is flagged for retry and stays
// in the buffer.
func (c *Coordinator) Extract(ctx context.Context, ep Episode) Result {
	if len(ep.Entries) == 0 {
		return Result{Status: StatusAccumulated}
	}
	ids := ep.MessageIDs()

	var (
		memories  []*types.Memory
		extracted bool
		attempts  int
	)
	err := retry.Do(ctx, c.policy, func(ctx context.Context) error {
		attempts++
		if !extracted {
			out, err := c.extractor.Extract(ctx, ep)
			if err != nil {
				return fmt.Errorf("extract: %w", err)
			}
			memories = c.finalize(ep, out)
			extracted = true
		}
		if err := c.committer.CommitExtraction(ctx, ep.ConversationID, ids, memories); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})

	if err != nil {
		c.logger.Error("extraction failed, episode kept for retry",
			"conversation_id", ep.ConversationID, "messages", len(ids), "attempts", attempts, "err", err)
		// A detached context so the flag is written even when ctx expired.
		markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if merr := c.buffer.MarkRetry(markCtx, ep.ConversationID, ids); merr != nil {
			c.logger.Error("failed to flag episode for retry", "conversation_id", ep.ConversationID, "err", merr)
		}
		return Result{Status: StatusFailed, Attempts: attempts, Err: err}
	}

	status := StatusExtracted
	if len(memories) == 0 {
		status = StatusAccumulated
	}
	c.logger.Info("episode extracted",
		"conversation_id", ep.ConversationID, "messages", len(ids), "memories", len(memories))
	return Result{Memories: memories, Status: status, Attempts: attempts}
}

// finalize stamps identity, ownership and provenance onto extractor output.
func (c *Coordinator) finalize(ep Episode, in []*types.Memory) []*types.Memory {
	now := c.now().UTC()
	userID, groupID := ep.Owner()
	newest := types.Newest(ep.Entries)
	sources := ep.MessageIDs()

	out := make([]*types.Memory, 0, len(in))
	for _, m := range in {
		if m == nil {
			continue
		}
		if m.ID == "" {
			m.ID = c.ids.next(now)
		}
		if m.UserID == "" && m.GroupID == "" {
			m.UserID, m.GroupID = userID, groupID
		}
		m.Timestamp = clampTime(m.Timestamp, newest).UTC()
		if len(m.SourceMessageIDs) == 0 {
			m.SourceMessageIDs = sources
		}
		m.EmbeddingStatus = types.EmbeddingPending
		m.CreatedAt = now
		out = append(out, m)
	}
	return out
}
