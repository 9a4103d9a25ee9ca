// Package extraction turns a closed episode of buffered messages into typed
// memories and commits them together with the buffer drain.
package extraction

import (
	"context"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/syn-zhu/EverMemOS/internal/storage"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// Episode is the ordered snapshot handed over on a boundary.
type Episode struct {
	ConversationID string
	Entries        []types.BufferEntry
}

// MessageIDs returns the ids of the snapshot in arrival order.
func (e Episode) MessageIDs() []string {
	ids := make([]string, len(e.Entries))
	for i, en := range e.Entries {
		ids[i] = en.MessageID
	}
	return ids
}

// Owner returns the group and user that own memories of this episode. A
// group episode belongs to the group alone; its participants reach it
// through their user scope.
func (e Episode) Owner() (userID, groupID string) {
	for _, en := range e.Entries {
		if en.GroupID != "" {
			return "", en.GroupID
		}
		if userID == "" {
			userID = en.UserID
		}
	}
	return userID, ""
}

// Senders returns the distinct senders in order of first appearance.
func (e Episode) Senders() []string {
	seen := make(map[string]bool)
	var out []string
	for _, en := range e.Entries {
		if en.Sender != "" && !seen[en.Sender] {
			seen[en.Sender] = true
			out = append(out, en.Sender)
		}
	}
	return out
}

// Extractor is the pluggable extraction backend. It may return zero
// memories for a low-information episode. Implementations must be safe to
// call again with the same episode after a failure.
type Extractor interface {
	Extract(ctx context.Context, ep Episode) ([]*types.Memory, error)
}

// TranscriptConfig tunes the transcript extractor.
type TranscriptConfig struct {
	// MinContentChars is the minimum number of non-space characters an
	// episode needs to produce a memory. Default 16.
	MinContentChars int `yaml:"min_content_chars"`
	// SummaryChars bounds the summary. Default 280.
	SummaryChars int `yaml:"summary_chars"`
	// MaxKeywords bounds the keywords taken from the transcript. Default 8.
	MaxKeywords int `yaml:"max_keywords"`
}

// TranscriptExtractor is the model-free extractor: every episode becomes a
// single episodic memory whose content is the transcript itself.
type TranscriptExtractor struct {
	cfg TranscriptConfig
}

// NewTranscriptExtractor creates a transcript extractor. Zero fields take defaults.
func NewTranscriptExtractor(cfg TranscriptConfig) *TranscriptExtractor {
	if cfg.MinContentChars <= 0 {
		cfg.MinContentChars = 16
	}
	if cfg.SummaryChars <= 0 {
		cfg.SummaryChars = 280
	}
	if cfg.MaxKeywords <= 0 {
		cfg.MaxKeywords = 8
	}
	return &TranscriptExtractor{cfg: cfg}
}

func (x *TranscriptExtractor) Extract(_ context.Context, ep Episode) ([]*types.Memory, error) {
	if len(ep.Entries) == 0 || contentChars(ep.Entries) < x.cfg.MinContentChars {
		return nil, nil
	}
	transcript := types.Transcript(ep.Entries)
	userID, groupID := ep.Owner()

	return []*types.Memory{{
		MemoryType:   types.MemoryTypeEpisodic,
		UserID:       userID,
		GroupID:      groupID,
		Timestamp:    types.Newest(ep.Entries),
		Subject:      truncate(firstLine(ep.Entries[0].Content), 80),
		Summary:      truncate(transcript, x.cfg.SummaryChars),
		Content:      transcript,
		Participants: ep.Senders(),
		Keywords:     topKeywords(ep.Entries, x.cfg.MaxKeywords),
		Metadata:     map[string]interface{}{"extractor": "transcript"},
	}}, nil
}

func contentChars(entries []types.BufferEntry) int {
	n := 0
	for _, e := range entries {
		for _, r := range e.Content {
			if !unicode.IsSpace(r) {
				n++
			}
		}
	}
	return n
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// truncate cuts s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

// topKeywords returns the most frequent index terms, ties broken
// alphabetically so the result is stable.
func topKeywords(entries []types.BufferEntry, max int) []string {
	counts := make(map[string]int)
	for _, e := range entries {
		for _, tok := range storage.Tokenize(e.Content) {
			counts[tok]++
		}
	}
	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return words[i] < words[j]
	})
	if len(words) > max {
		words = words[:max]
	}
	return words
}
