package types

import (
	"slices"
	"time"
)

// Memory is the durable unit distilled from a closed conversation episode.
// Memories are created only by extraction and are never physically erased by
// normal operation; deletion sets Deleted and DeletedAt.
type Memory struct {
	// Identification
	ID         string     `json:"event_id"`    // ULID, time-sortable
	MemoryType MemoryType `json:"memory_type"` // profile, episodic_memory, foresight, event_log

	// Ownership. At least one of UserID and GroupID is set.
	UserID  string `json:"user_id,omitempty"`
	GroupID string `json:"group_id,omitempty"`

	// Content
	Timestamp        time.Time              `json:"timestamp"` // never after the newest source message
	Subject          string                 `json:"subject,omitempty"`
	Summary          string                 `json:"summary,omitempty"`
	Content          string                 `json:"content"`
	Participants     []string               `json:"participants,omitempty"`
	Keywords         []string               `json:"keywords,omitempty"`
	SourceMessageIDs []string               `json:"source_message_ids,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`

	// Version is assigned on save for versioned types (profile) and is zero otherwise.
	Version int `json:"version,omitempty"`

	// Validity window for foresight memories.
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	EmbeddingStatus EmbeddingStatus `json:"embedding_status,omitempty"`

	// Soft delete
	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// OwnerGroup returns the key used to group search results: the group id, or
// the user id for memories of a one-to-one conversation.
func (m *Memory) OwnerGroup() string {
	if m.GroupID != "" {
		return m.GroupID
	}
	return m.UserID
}

// ActiveAt reports whether a foresight memory's validity window contains t.
// Memories without a window are always active.
func (m *Memory) ActiveAt(t time.Time) bool {
	if m.StartTime != nil && t.Before(*m.StartTime) {
		return false
	}
	if m.EndTime != nil && t.After(*m.EndTime) {
		return false
	}
	return true
}

// IndexText returns the text embedded and indexed for this memory.
func (m *Memory) IndexText() string {
	switch {
	case m.Summary != "" && m.Summary != m.Content:
		return m.Summary + "\n" + m.Content
	default:
		return m.Content
	}
}

// VersionRange is a closed interval over profile versions. A nil bound is open.
type VersionRange struct {
	Start *int `json:"start,omitempty"`
	End   *int `json:"end,omitempty"`
}

// IsZero reports whether neither bound is set.
func (r *VersionRange) IsZero() bool {
	return r == nil || (r.Start == nil && r.End == nil)
}

// Contains reports whether v lies within the range.
func (r *VersionRange) Contains(v int) bool {
	if r == nil {
		return true
	}
	if r.Start != nil && v < *r.Start {
		return false
	}
	if r.End != nil && v > *r.End {
		return false
	}
	return true
}

// ReadableBy reports whether a user's scope reaches the memory. A memory
// with a user id belongs to that user. A group memory without one is shared
// by its participants.
func (m *Memory) ReadableBy(userID string) bool {
	if m.UserID != "" {
		return m.UserID == userID
	}
	return m.GroupID != "" && slices.Contains(m.Participants, userID)
}

// Readers returns the users whose scope reaches the memory.
func (m *Memory) Readers() []string {
	if m.UserID != "" {
		return []string{m.UserID}
	}
	if m.GroupID == "" {
		return nil
	}
	return m.Participants
}
