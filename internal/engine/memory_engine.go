package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/syn-zhu/EverMemOS/internal/boundary"
	"github.com/syn-zhu/EverMemOS/internal/extraction"
	"github.com/syn-zhu/EverMemOS/internal/llm"
	"github.com/syn-zhu/EverMemOS/internal/retrieval"
	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// ownerPurger is implemented by vector indexes kept outside the memory
// store, which must forget deleted memories themselves.
type ownerPurger interface {
	DeleteByOwner(ctx context.Context, userID, groupID string) error
}

// Deps wires the engine's collaborators. Vectors and Embedder are optional;
// without both, memories are stored with embedding_status skipped.
type Deps struct {
	Store       storage.MemoryStore
	Buffer      storage.MessageBuffer
	Detector    boundary.Detector
	Coordinator *extraction.Coordinator
	Router      *retrieval.Router
	Vectors     storage.VectorIndex
	Embedder    llm.EmbeddingGenerator
	Logger      *slog.Logger
}

// MemoryEngine is the core orchestrator. Ingestion is serialized per
// conversation; conversations proceed independently. Reads never take the
// conversation lock.
type MemoryEngine struct {
	config Config

	store       storage.MemoryStore
	buffer      storage.MessageBuffer
	detector    boundary.Detector
	coordinator *extraction.Coordinator
	router      *retrieval.Router
	vectors     storage.VectorIndex
	embedder    llm.EmbeddingGenerator
	logger      *slog.Logger

	convLocks *keyedMutex
	now       func() time.Time

	// Embedding pipeline
	embeddingQueue chan *EmbeddingJob
	workerWG       sync.WaitGroup
	workerCtx      context.Context
	workerCancel   context.CancelFunc

	// State management
	started      bool
	shuttingDown bool
	mu           sync.RWMutex

	// Callbacks
	onMemoryExtracted    func(m *types.Memory)
	onMemoryDeleted      func(filter storage.DeleteFilter, count int)
	onMessageAccumulated func(entry types.BufferEntry)
	onEmbeddingCompleted func(memoryID string, status types.EmbeddingStatus)
}

// NewMemoryEngine creates an engine. Call Start before Ingest.
func NewMemoryEngine(deps Deps, cfg Config) (*MemoryEngine, error) {
	switch {
	case deps.Store == nil:
		return nil, fmt.Errorf("memory store is required")
	case deps.Buffer == nil:
		return nil, fmt.Errorf("message buffer is required")
	case deps.Detector == nil:
		return nil, fmt.Errorf("boundary detector is required")
	case deps.Coordinator == nil:
		return nil, fmt.Errorf("extraction coordinator is required")
	case deps.Router == nil:
		return nil, fmt.Errorf("retrieval router is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &MemoryEngine{
		config:         cfg,
		store:          deps.Store,
		buffer:         deps.Buffer,
		detector:       deps.Detector,
		coordinator:    deps.Coordinator,
		router:         deps.Router,
		vectors:        deps.Vectors,
		embedder:       deps.Embedder,
		logger:         logger,
		convLocks:      newKeyedMutex(),
		now:            time.Now,
		embeddingQueue: make(chan *EmbeddingJob, cfg.QueueSize),
	}, nil
}

// SetOnMemoryExtracted sets a callback fired for each committed memory.
func (e *MemoryEngine) SetOnMemoryExtracted(callback func(m *types.Memory)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMemoryExtracted = callback
}

// SetOnMemoryDeleted sets a callback fired after a successful soft delete.
func (e *MemoryEngine) SetOnMemoryDeleted(callback func(filter storage.DeleteFilter, count int)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMemoryDeleted = callback
}

// SetOnMessageAccumulated sets a callback fired when a message stays pending.
func (e *MemoryEngine) SetOnMessageAccumulated(callback func(entry types.BufferEntry)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onMessageAccumulated = callback
}

// SetOnEmbeddingCompleted sets a callback fired when an embedding job ends.
func (e *MemoryEngine) SetOnEmbeddingCompleted(callback func(memoryID string, status types.EmbeddingStatus)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onEmbeddingCompleted = callback
}

// Start launches the embedding workers, recovers embeddings left pending by
// a previous run, and starts the sweep.
func (e *MemoryEngine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return fmt.Errorf("engine already started")
	}

	e.workerCtx, e.workerCancel = context.WithCancel(context.WithoutCancel(ctx))
	e.startWorkerPool(e.workerCtx)

	e.workerWG.Add(1)
	go func() {
		defer e.workerWG.Done()
		if err := e.RecoverPendingEmbeddings(e.workerCtx); err != nil {
			e.logger.Error("engine: embedding recovery failed", "err", err)
		}
	}()

	if e.config.SweepInterval > 0 {
		e.workerWG.Add(1)
		go e.sweepLoop(e.workerCtx)
	}

	e.started = true
	e.logger.Info("engine: started", "workers", e.config.NumWorkers, "sweep_interval", e.config.SweepInterval)
	return nil
}

// Shutdown stops background work. Queued embedding jobs that have not
// started stay pending in storage and are recovered by the next Start.
func (e *MemoryEngine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return ErrNotStarted
	}
	e.shuttingDown = true
	e.workerCancel()
	e.mu.Unlock()

	err := e.stopWorkerPool(ctx)

	e.mu.Lock()
	e.started = false
	e.shuttingDown = false
	e.embeddingQueue = make(chan *EmbeddingJob, e.config.QueueSize)
	e.mu.Unlock()

	e.logger.Info("engine: shut down")
	return err
}

// Ingest durably buffers msg, then, under the conversation's lock, asks the
// boundary detector about the buffer and extracts a closed episode.
// Re-sending a message_id returns the original entry without other effects.
func (e *MemoryEngine) Ingest(ctx context.Context, msg types.Message) (*IngestResult, error) {
	e.mu.RLock()
	running := e.started && !e.shuttingDown
	e.mu.RUnlock()
	if !running {
		return nil, ErrNotStarted
	}

	if err := e.normalizeMessage(&msg); err != nil {
		return nil, err
	}

	appended, err := e.buffer.Append(ctx, msg)
	if err != nil {
		return nil, err
	}
	if appended.Status == storage.AppendDuplicate {
		return &IngestResult{
			Status:    extraction.StatusAccumulated,
			Entry:     appended.Entry,
			Duplicate: true,
		}, nil
	}

	conv := appended.Entry.ConversationID
	unlock := e.convLocks.Lock(conv)
	defer unlock()

	entries, err := e.buffer.PeekPending(ctx, storage.PendingFilter{ConversationID: conv})
	if err != nil {
		return nil, fmt.Errorf("read buffer: %w", err)
	}

	res := &IngestResult{Status: extraction.StatusAccumulated, Entry: appended.Entry}
	if !slices.ContainsFunc(entries, func(b types.BufferEntry) bool { return b.MessageID == msg.MessageID }) {
		// A concurrent ingest on this conversation already closed the
		// episode holding this message.
		res.Status = extraction.StatusExtracted
		return res, nil
	}

	res.Decision = e.detector.Detect(ctx, entries)
	if !res.Decision.Boundary {
		e.fireAccumulated(appended.Entry)
		return res, nil
	}

	out := e.extract(ctx, conv, entries, res.Decision)
	switch out.Status {
	case extraction.StatusFailed:
		res.Deferred = true
		e.fireAccumulated(appended.Entry)
	default:
		res.Status = out.Status
		res.Memories = out.Memories
	}
	return res, nil
}

func (e *MemoryEngine) normalizeMessage(msg *types.Message) error {
	msg.MessageID = strings.TrimSpace(msg.MessageID)
	msg.Sender = strings.TrimSpace(msg.Sender)
	msg.GroupID = strings.TrimSpace(msg.GroupID)
	msg.UserID = strings.TrimSpace(msg.UserID)
	switch {
	case msg.MessageID == "":
		return fmt.Errorf("%w: message_id is required", storage.ErrInvalidInput)
	case msg.Sender == "":
		return fmt.Errorf("%w: sender is required", storage.ErrInvalidInput)
	case msg.ConversationID() == "":
		return fmt.Errorf("%w: one of group_id or user_id is required", storage.ErrInvalidInput)
	case msg.GroupID == types.Wildcard || msg.UserID == types.Wildcard:
		return fmt.Errorf("%w: %s is not a valid owner id", storage.ErrInvalidInput, types.Wildcard)
	}
	if msg.CreateTime.IsZero() {
		msg.CreateTime = e.now()
	}
	msg.CreateTime = msg.CreateTime.UTC()
	return nil
}

// extract runs the coordinator over a closed episode. The caller holds the
// conversation lock.
func (e *MemoryEngine) extract(ctx context.Context, conv string, entries []types.BufferEntry, d boundary.Decision) extraction.Result {
	e.logger.Info("engine: boundary detected", "conversation_id", conv, "messages", len(entries), "reason", d.Reason)

	out := e.coordinator.Extract(ctx, extraction.Episode{ConversationID: conv, Entries: entries})
	if out.Status == extraction.StatusFailed {
		return out
	}

	e.mu.RLock()
	onExtracted := e.onMemoryExtracted
	e.mu.RUnlock()
	for _, m := range out.Memories {
		e.queueEmbedding(m.ID)
		if onExtracted != nil {
			onExtracted(m)
		}
	}
	return out
}

// Flush forces a boundary on a conversation's buffer regardless of its size.
func (e *MemoryEngine) Flush(ctx context.Context, conversationID string) (extraction.Result, error) {
	unlock := e.convLocks.Lock(conversationID)
	defer unlock()

	entries, err := e.buffer.PeekPending(ctx, storage.PendingFilter{ConversationID: conversationID})
	if err != nil {
		return extraction.Result{}, fmt.Errorf("read buffer: %w", err)
	}
	if len(entries) == 0 {
		return extraction.Result{Status: extraction.StatusAccumulated}, nil
	}
	out := e.extract(ctx, conversationID, entries, boundary.Forced(boundary.ReasonManual))
	return out, out.Err
}

// Fetch returns a page of one owner's memories of one type. Empty owner
// fields are the wildcard.
func (e *MemoryEngine) Fetch(ctx context.Context, owner types.Scope, memoryType types.MemoryType, opts storage.FetchOptions) (*storage.PaginatedResult[types.Memory], error) {
	owner.UserID = wildcardIfEmpty(owner.UserID)
	owner.GroupID = wildcardIfEmpty(owner.GroupID)
	if err := storage.ValidateFetch(owner, memoryType, opts); err != nil {
		return nil, err
	}
	opts.Normalize()
	return e.store.FetchByOwner(ctx, owner, memoryType, opts)
}

// Search delegates to the retrieval router.
func (e *MemoryEngine) Search(ctx context.Context, req retrieval.Request) (*retrieval.Response, error) {
	return e.router.Search(ctx, req)
}

// Delete soft-deletes every memory matching the conjunctive filter and
// returns the count. Deleted memories are also removed from an external
// vector index.
func (e *MemoryEngine) Delete(ctx context.Context, filter storage.DeleteFilter) (int, error) {
	filter.Normalize()
	if err := filter.Validate(); err != nil {
		return 0, err
	}

	n, err := e.store.SoftDelete(ctx, filter)
	if err != nil {
		return 0, err
	}
	e.logger.Info("engine: memories deleted",
		"event_id", filter.EventID, "user_id", filter.UserID, "group_id", filter.GroupID, "count", n)

	e.purgeVectors(ctx, filter)

	e.mu.RLock()
	onDeleted := e.onMemoryDeleted
	e.mu.RUnlock()
	if onDeleted != nil {
		onDeleted(filter, n)
	}
	return n, nil
}

// purgeVectors is best effort: hydration through the store already hides
// deleted memories from every search path.
func (e *MemoryEngine) purgeVectors(ctx context.Context, filter storage.DeleteFilter) {
	if e.vectors == nil {
		return
	}
	var err error
	switch purger, ok := e.vectors.(ownerPurger); {
	case !storage.IsWildcard(filter.EventID):
		err = e.vectors.DeleteVectors(ctx, []string{filter.EventID})
	case ok:
		err = purger.DeleteByOwner(ctx, filter.UserID, filter.GroupID)
	}
	if err != nil {
		e.logger.Warn("engine: failed to purge deleted vectors", "err", err)
	}
}

func (e *MemoryEngine) fireAccumulated(entry types.BufferEntry) {
	e.mu.RLock()
	cb := e.onMessageAccumulated
	e.mu.RUnlock()
	if cb != nil {
		cb(entry)
	}
}

// GetQueueSize returns the current number of jobs in the embedding queue.
func (e *MemoryEngine) GetQueueSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.embeddingQueue)
}

func wildcardIfEmpty(s string) string {
	if s = strings.TrimSpace(s); s == "" {
		return types.Wildcard
	}
	return s
}
