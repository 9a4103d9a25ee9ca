// Package types defines the core data structures for the EverMemOS memory system.
// These types represent ingested chat messages, the accumulation entries that hold
// them until an episode boundary, and the typed memories distilled from them.
package types

import "strings"

// Wildcard is the sentinel meaning "ignore this predicate" in owner filters
// and delete requests.
const Wildcard = "__all__"

// MemoryType discriminates the semantics of a persisted memory.
type MemoryType string

// Memory type constants
const (
	// MemoryTypeProfile holds overwritten facts about an owner. Versioned.
	MemoryTypeProfile MemoryType = "profile"

	// MemoryTypeEpisodic is a distilled conversation episode. Append-only.
	MemoryTypeEpisodic MemoryType = "episodic_memory"

	// MemoryTypeForesight is an anticipated future intent with a validity window.
	MemoryTypeForesight MemoryType = "foresight"

	// MemoryTypeEventLog is an atomic fact extracted from an episode.
	MemoryTypeEventLog MemoryType = "event_log"
)

// ValidMemoryTypes lists every memory type accepted by the system.
var ValidMemoryTypes = []MemoryType{
	MemoryTypeProfile,
	MemoryTypeEpisodic,
	MemoryTypeForesight,
	MemoryTypeEventLog,
}

// ParseMemoryType converts a string into a MemoryType. The second return
// value reports whether the type is known.
func ParseMemoryType(s string) (MemoryType, bool) {
	t := MemoryType(strings.ToLower(strings.TrimSpace(s)))
	return t, t.IsValid()
}

// IsValid reports whether t is one of ValidMemoryTypes.
func (t MemoryType) IsValid() bool {
	for _, v := range ValidMemoryTypes {
		if t == v {
			return true
		}
	}
	return false
}

// Versioned reports whether memories of this type carry overwrite semantics.
func (t MemoryType) Versioned() bool {
	return t == MemoryTypeProfile
}

// Searchable reports whether memories of this type may be returned by free-text search.
// Profiles are only reachable through owner-keyed fetches.
func (t MemoryType) Searchable() bool {
	return t.IsValid() && t != MemoryTypeProfile
}

// SyncStatus tracks a message from ingestion until it is folded into a memory.
type SyncStatus int

// Sync status constants
const (
	// SyncRetry marks an entry whose extraction failed and is awaiting retry.
	SyncRetry SyncStatus = -1

	// SyncPending marks an entry accumulating in the buffer.
	SyncPending SyncStatus = 0

	// SyncConsumed marks an entry drained into an extracted episode.
	SyncConsumed SyncStatus = 1
)

// String returns the lowercase name of the status.
func (s SyncStatus) String() string {
	switch s {
	case SyncRetry:
		return "retry"
	case SyncPending:
		return "pending"
	case SyncConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// InBuffer reports whether an entry with this status is still awaiting extraction.
func (s SyncStatus) InBuffer() bool {
	return s == SyncPending || s == SyncRetry
}

// EmbeddingStatus represents the state of the asynchronous embedding task for a memory.
type EmbeddingStatus string

// Embedding status constants
const (
	EmbeddingPending   EmbeddingStatus = "pending"
	EmbeddingCompleted EmbeddingStatus = "completed"
	EmbeddingFailed    EmbeddingStatus = "failed"
	EmbeddingSkipped   EmbeddingStatus = "skipped"
)
