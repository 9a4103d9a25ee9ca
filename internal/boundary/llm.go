package boundary

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/syn-zhu/EverMemOS/internal/llm"
	"github.com/syn-zhu/EverMemOS/pkg/types"
)

const decisionSchema = `{
	"type": "object",
	"required": ["should_end", "should_wait"],
	"properties": {
		"should_end": {"type": "boolean"},
		"should_wait": {"type": "boolean"},
		"reason": {"type": "string"}
	}
}`

var schema = llm.MustCompileSchema("boundary_decision.json", decisionSchema)

type modelDecision struct {
	ShouldEnd  bool   `json:"should_end"`
	ShouldWait bool   `json:"should_wait"`
	Reason     string `json:"reason"`
}

const promptTemplate = `You segment chat conversations into self-contained episodes.
Below is the conversation since the last episode ended, oldest first.

%s

Decide whether the conversation above has reached a natural end of topic so that
it can be summarized as one episode now. Set "should_wait" when the latest message
is clearly mid-thought and more context is needed before deciding.

Respond with only a JSON object:
{"should_end": true|false, "should_wait": true|false, "reason": "<one sentence>"}`

// LLMDetector asks a language model whether the episode has ended. Any
// backend or parse failure is treated as no boundary; the rule detector and
// the idle sweep still bound the buffer.
type LLMDetector struct {
	gen         llm.TextGenerator
	minMessages int
	logger      *slog.Logger
}

// NewLLMDetector creates a detector that asks gen whether the episode has
// ended. Buffers shorter than minMessages never close.
func NewLLMDetector(gen llm.TextGenerator, minMessages int, logger *slog.Logger) *LLMDetector {
	if minMessages <= 0 {
		minMessages = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMDetector{gen: gen, minMessages: minMessages, logger: logger}
}

func (d *LLMDetector) Detect(ctx context.Context, entries []types.BufferEntry) Decision {
	if len(entries) < d.minMessages {
		return NoBoundary(ReasonTooFew)
	}
	var out modelDecision
	prompt := fmt.Sprintf(promptTemplate, types.Transcript(entries))
	if err := llm.CompleteJSON(ctx, d.gen, schema, prompt, &out); err != nil {
		d.logger.Warn("boundary: model decision failed, keeping episode open",
			"conversation_id", entries[0].ConversationID, "err", err)
		return NoBoundary(ReasonModelError)
	}
	if out.ShouldWait {
		return NoBoundary(ReasonModelWait)
	}
	if !out.ShouldEnd {
		return NoBoundary(ReasonOpen)
	}
	reason := ReasonModel
	if out.Reason != "" {
		reason = ReasonModel + ": " + out.Reason
	}
	return Forced(reason)
}

// New builds the configured detector: the rule detector alone, or the rule
// detector followed by the model when gen is non-nil.
func New(cfg Config, gen llm.TextGenerator, logger *slog.Logger) Detector {
	rules := NewRuleDetector(cfg)
	if gen == nil {
		return rules
	}
	return Chain{rules, NewLLMDetector(gen, cfg.MinMessages, logger)}
}
