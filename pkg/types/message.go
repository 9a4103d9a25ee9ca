package types

import (
	"time"
)

// Message is a normalized chat message handed to the ingestion pipeline.
// Messages are immutable once accepted.
type Message struct {
	MessageID  string    `json:"message_id"`
	GroupID    string    `json:"group_id,omitempty"`
	UserID     string    `json:"user_id,omitempty"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"sender_name,omitempty"`
	CreateTime time.Time `json:"create_time"`
	Content    string    `json:"content"`
	ReferList  []string  `json:"refer_list,omitempty"`
}

// ConversationID returns the key of the accumulation buffer the message belongs to:
// the group id when present, otherwise the user id.
func (m *Message) ConversationID() string {
	if m.GroupID != "" {
		return m.GroupID
	}
	return m.UserID
}

// BufferEntry is a Message tracked while it awaits extraction.
type BufferEntry struct {
	Message
	ConversationID string     `json:"conversation_id"`
	Seq            int64      `json:"seq"` // arrival order within the store
	SyncStatus     SyncStatus `json:"sync_status"`
	AcceptedAt     time.Time  `json:"accepted_at"`
}

// Scope selects the owner of a retrieval or fetch. Empty fields are unset.
type Scope struct {
	UserID  string `json:"user_id,omitempty"`
	GroupID string `json:"group_id,omitempty"`
}

// IsEmpty reports whether neither owner is given (wildcards count as unset).
func (s Scope) IsEmpty() bool {
	return (s.UserID == "" || s.UserID == Wildcard) && (s.GroupID == "" || s.GroupID == Wildcard)
}

// Matches reports whether a memory belongs to the scope.
func (s Scope) Matches(m *Memory) bool {
	if s.UserID != "" && s.UserID != Wildcard && !m.ReadableBy(s.UserID) {
		return false
	}
	if s.GroupID != "" && s.GroupID != Wildcard && m.GroupID != s.GroupID {
		return false
	}
	return true
}
