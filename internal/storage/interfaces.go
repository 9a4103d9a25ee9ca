// Package storage provides composable storage interfaces for the EverMemOS system.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed. A backend usually
// implements all of them over one database so that extraction commits can
// persist memories and drain the accumulation buffer in a single transaction.
package storage

import (
	"context"
	"time"

	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// MemoryStore provides persistence and owner-keyed access for memories.
type MemoryStore interface {
	// Save persists new memories. Versioned types are assigned the next
	// version for their owner.
	Save(ctx context.Context, memories []*types.Memory) error

	// Get retrieves a non-deleted memory by ID.
	// Returns ErrNotFound if the memory doesn't exist or was soft-deleted.
	Get(ctx context.Context, id string) (*types.Memory, error)

	// GetMany retrieves non-deleted memories by ID. Missing and deleted IDs
	// are absent from the returned map.
	GetMany(ctx context.Context, ids []string) (map[string]*types.Memory, error)

	// FetchByOwner returns a page of memories of one type for an owner.
	FetchByOwner(ctx context.Context, owner types.Scope, memoryType types.MemoryType, opts FetchOptions) (*PaginatedResult[types.Memory], error)

	// SoftDelete marks every memory matching the conjunctive filter as deleted
	// and returns the affected count. Returns ErrNotFound when nothing matched.
	SoftDelete(ctx context.Context, filter DeleteFilter) (int, error)

	// ListByEmbeddingStatus returns up to limit non-deleted memories whose
	// embedding task is in the given state, oldest first.
	ListByEmbeddingStatus(ctx context.Context, status types.EmbeddingStatus, limit int) ([]*types.Memory, error)

	// UpdateEmbeddingStatus records the outcome of the embedding task.
	UpdateEmbeddingStatus(ctx context.Context, id string, status types.EmbeddingStatus) error

	// Close releases any resources held by the store.
	Close() error
}

// MessageBuffer is the per-conversation accumulation buffer.
// Entries are ordered by arrival, not by create_time.
type MessageBuffer interface {
	// Append durably queues a message. Re-appending a message_id already seen
	// for the conversation returns AppendDuplicate with the original entry.
	Append(ctx context.Context, msg types.Message) (AppendResult, error)

	// PeekPending returns buffered entries matching the filter without
	// removing them.
	PeekPending(ctx context.Context, filter PendingFilter) ([]types.BufferEntry, error)

	// Drain returns the conversation's buffered entries in arrival order and
	// marks them consumed.
	Drain(ctx context.Context, conversationID string) ([]types.BufferEntry, error)

	// MarkRetry flags the given buffered entries for a later extraction retry.
	MarkRetry(ctx context.Context, conversationID string, messageIDs []string) error

	// StaleConversations lists conversations that hold retry entries or whose
	// newest buffered entry was accepted before idleBefore. A zero idleBefore
	// only reports retry conversations.
	StaleConversations(ctx context.Context, idleBefore time.Time) ([]string, error)
}

// ExtractionCommitter links memory persistence and buffer drain.
type ExtractionCommitter interface {
	// CommitExtraction saves memories and marks exactly the given buffered
	// messages consumed in one transaction. On error neither change is visible.
	CommitExtraction(ctx context.Context, conversationID string, messageIDs []string, memories []*types.Memory) error
}

// KeywordIndex performs lexical (BM25-style) search over memory text.
type KeywordIndex interface {
	KeywordSearch(ctx context.Context, q KeywordQuery) ([]ScoredID, error)
}

// VectorIndex stores memory embeddings and answers similarity queries.
type VectorIndex interface {
	// UpsertVector stores or replaces the embedding of a memory.
	UpsertVector(ctx context.Context, memory *types.Memory, vector []float32, model string) error

	// VectorSearch returns IDs ordered by cosine similarity, excluding any
	// candidate below q.MinSimilarity.
	VectorSearch(ctx context.Context, q VectorQuery) ([]ScoredID, error)

	// DeleteVectors removes embeddings for the given memory IDs.
	DeleteVectors(ctx context.Context, ids []string) error
}

// Backend is the full set of capabilities a relational backend provides.
type Backend interface {
	MemoryStore
	MessageBuffer
	ExtractionCommitter
	KeywordIndex
	VectorIndex
}
