package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/syn-zhu/EverMemOS/internal/llm"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

const extractionSchema = `{
	"type": "object",
	"required": ["memories"],
	"properties": {
		"memories": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["memory_type", "content"],
				"properties": {
					"memory_type": {"enum": ["episodic_memory", "event_log", "foresight", "profile"]},
					"subject": {"type": "string"},
					"summary": {"type": "string"},
					"content": {"type": "string", "minLength": 1},
					"keywords": {"type": "array", "items": {"type": "string"}},
					"participants": {"type": "array", "items": {"type": "string"}},
					"user_id": {"type": "string"},
					"timestamp": {"type": "string"},
					"start_time": {"type": "string"},
					"end_time": {"type": "string"}
				}
			}
		}
	}
}`

var schema = llm.MustCompileSchema("extraction.json", extractionSchema)

type extractedMemory struct {
	MemoryType   string   `json:"memory_type"`
	Subject      string   `json:"subject"`
	Summary      string   `json:"summary"`
	Content      string   `json:"content"`
	Keywords     []string `json:"keywords"`
	Participants []string `json:"participants"`
	UserID       string   `json:"user_id"`
	Timestamp    string   `json:"timestamp"`
	StartTime    string   `json:"start_time"`
	EndTime      string   `json:"end_time"`
}

type extractionOutput struct {
	Memories []extractedMemory `json:"memories"`
}

const extractionPrompt = `You maintain long-term memory for a chat assistant.
Read the conversation episode below (oldest first, times in UTC) and extract memories.

%s

Memory types:
- episodic_memory: a third-person narrative of what happened in the episode (at most one).
- event_log: one atomic fact stated in the episode, one per item.
- foresight: a plan or expectation about the future with start_time/end_time when known.
- profile: a stable fact about one participant; set user_id to that participant's id.

Participant ids: %s

Use RFC3339 for every time. Reply with only a JSON object:
{"memories": [{"memory_type": "...", "subject": "...", "summary": "...", "content": "...",
  "keywords": ["..."], "participants": ["..."], "user_id": "...", "timestamp": "...",
  "start_time": "...", "end_time": "..."}]}
Return {"memories": []} when nothing is worth remembering.`

// LLMExtractor asks a model for typed memories. The output is validated
// against a JSON schema; a malformed reply is an error so the coordinator
// retries it.
type LLMExtractor struct {
	gen llm.TextGenerator
}

// NewLLMExtractor creates an extractor that prompts gen for typed memories.
func NewLLMExtractor(gen llm.TextGenerator) *LLMExtractor {
	return &LLMExtractor{gen: gen}
}

func (x *LLMExtractor) Extract(ctx context.Context, ep Episode) ([]*types.Memory, error) {
	if len(ep.Entries) == 0 {
		return nil, nil
	}
	senders := ep.Senders()
	prompt := fmt.Sprintf(extractionPrompt, types.Transcript(ep.Entries), strings.Join(senders, ", "))

	var out extractionOutput
	if err := llm.CompleteJSON(ctx, x.gen, schema, prompt, &out); err != nil {
		return nil, fmt.Errorf("llm extraction: %w", err)
	}

	userID, groupID := ep.Owner()
	newest := types.Newest(ep.Entries)
	known := make(map[string]bool, len(senders))
	for _, s := range senders {
		known[s] = true
	}

	memories := make([]*types.Memory, 0, len(out.Memories))
	for _, em := range out.Memories {
		mt := types.MemoryType(em.MemoryType)
		m := &types.Memory{
			MemoryType:   mt,
			UserID:       userID,
			GroupID:      groupID,
			Timestamp:    clampTime(parseTime(em.Timestamp), newest),
			Subject:      em.Subject,
			Summary:      em.Summary,
			Content:      em.Content,
			Keywords:     em.Keywords,
			Participants: em.Participants,
			Metadata:     map[string]interface{}{"extractor": "llm", "model": x.gen.GetModel()},
		}
		if len(m.Participants) == 0 {
			m.Participants = senders
		}
		if mt == types.MemoryTypeProfile && known[em.UserID] {
			m.UserID = em.UserID
		}
		if mt == types.MemoryTypeForesight {
			m.StartTime = parseTimePtr(em.StartTime)
			m.EndTime = parseTimePtr(em.EndTime)
		}
		memories = append(memories, m)
	}
	return memories, nil
}

// parseTime accepts RFC3339 or a bare date; anything else is the zero time.
func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

func parseTimePtr(s string) *time.Time {
	t := parseTime(s)
	if t.IsZero() {
		return nil
	}
	return &t
}

// clampTime keeps a memory from being dated after the messages it came
// from. A missing time takes the newest message time.
func clampTime(t, newest time.Time) time.Time {
	if t.IsZero() || t.After(newest) {
		return newest
	}
	return t
}
