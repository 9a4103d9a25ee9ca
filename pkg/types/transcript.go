package types

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Transcript renders buffered entries one per line as
// "[2006-01-02 15:04] sender: content", in arrival order.
func Transcript(entries []BufferEntry) string {
	var sb strings.Builder
	for i, e := range entries {
		if i > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteByte('[')
		sb.WriteString(e.CreateTime.Format("2006-01-02 15:04"))
		sb.WriteString("] ")
		sb.WriteString(e.DisplayName())
		sb.WriteString(": ")
		sb.WriteString(e.Content)
	}
	return sb.String()
}

// DisplayName prefers the sender's display name over the sender id.
func (m *Message) DisplayName() string {
	if m.SenderName != "" {
		return m.SenderName
	}
	return m.Sender
}

// EstimateTokens approximates the token count of the entries' content at
// four runes per token.
func EstimateTokens(entries []BufferEntry) int {
	runes := 0
	for _, e := range entries {
		runes += utf8.RuneCountInString(e.Content)
	}
	return (runes + 3) / 4
}

// Newest returns the latest create_time among entries, or the zero time.
func Newest(entries []BufferEntry) time.Time {
	var t time.Time
	for _, e := range entries {
		if e.CreateTime.After(t) {
			t = e.CreateTime
		}
	}
	return t
}
