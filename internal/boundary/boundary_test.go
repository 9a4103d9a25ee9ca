package boundary

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/syn-zhu/EverMemOS/pkg/types"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func entriesAt(offsets ...time.Duration) []types.BufferEntry {
	out := make([]types.BufferEntry, len(offsets))
	for i, off := range offsets {
		out[i] = types.BufferEntry{
			ConversationID: "g1",
			Message: types.Message{
				MessageID:  string(rune('a' + i)),
				GroupID:    "g1",
				Sender:     "u1",
				CreateTime: t0.Add(off),
				Content:    "short message",
			},
		}
	}
	return out
}

type fakeGen struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (f *fakeGen) Complete(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	return f.reply, f.err
}
func (f *fakeGen) GetModel() string { return "fake" }

func TestRuleDetector(t *testing.T) {
	d := NewRuleDetector(Config{MaxMessages: 3, MaxTokens: 100, IdleGap: time.Hour, MinMessages: 2})
	ctx := context.Background()

	tests := []struct {
		name     string
		entries  []types.BufferEntry
		boundary bool
		reason   string
	}{
		{"empty", nil, false, ReasonTooFew},
		{"single", entriesAt(0), false, ReasonTooFew},
		{"open", entriesAt(0, time.Minute), false, ReasonOpen},
		{"max messages", entriesAt(0, time.Minute, 2*time.Minute), true, ReasonMaxMessages},
		{"idle gap", entriesAt(0, 2*time.Hour), true, ReasonIdleGap},
		{"gap exactly at limit", entriesAt(0, time.Hour), false, ReasonOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Detect(ctx, tt.entries)
			assert.Equal(t, tt.boundary, got.Boundary)
			assert.Equal(t, tt.reason, got.Reason)
		})
	}
}

func TestRuleDetectorTokens(t *testing.T) {
	d := NewRuleDetector(Config{MaxTokens: 10})
	entries := entriesAt(0, time.Minute)
	entries[1].Content = strings.Repeat("x", 40)
	got := d.Detect(context.Background(), entries)
	assert.True(t, got.Boundary)
	assert.Equal(t, ReasonMaxTokens, got.Reason)
}

func TestRuleDetectorIsDeterministic(t *testing.T) {
	d := NewRuleDetector(DefaultConfig())
	entries := entriesAt(0, time.Minute, 3*time.Hour)
	first := d.Detect(context.Background(), entries)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, d.Detect(context.Background(), entries))
	}
}

func TestLLMDetector(t *testing.T) {
	ctx := context.Background()
	entries := entriesAt(0, time.Minute)

	tests := []struct {
		name     string
		reply    string
		err      error
		boundary bool
		reason   string
	}{
		{"ends", `{"should_end": true, "should_wait": false, "reason": "topic closed"}`, nil, true, "model: topic closed"},
		{"continues", `{"should_end": false, "should_wait": false}`, nil, false, ReasonOpen},
		{"wait wins", `{"should_end": true, "should_wait": true}`, nil, false, ReasonModelWait},
		{"schema violation", `{"should_end": "yes"}`, nil, false, ReasonModelError},
		{"garbage", `I think so`, nil, false, ReasonModelError},
		{"backend down", "", errors.New("connection refused"), false, ReasonModelError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGen{reply: tt.reply, err: tt.err}
			got := NewLLMDetector(gen, 2, nil).Detect(ctx, entries)
			assert.Equal(t, tt.boundary, got.Boundary)
			assert.Equal(t, tt.reason, got.Reason)
			assert.Contains(t, gen.prompts[0], "u1: short message")
		})
	}
}

func TestLLMDetectorSkipsModelBelowMinimum(t *testing.T) {
	gen := &fakeGen{reply: `{"should_end": true, "should_wait": false}`}
	got := NewLLMDetector(gen, 3, nil).Detect(context.Background(), entriesAt(0, time.Minute))
	assert.False(t, got.Boundary)
	assert.Empty(t, gen.prompts)
}

func TestChain(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGen{reply: `{"should_end": true, "should_wait": false}`}
	d := New(Config{MaxMessages: 3, MinMessages: 2}, gen, nil)

	// Rules fire first without consulting the model.
	got := d.Detect(ctx, entriesAt(0, time.Minute, 2*time.Minute))
	assert.Equal(t, ReasonMaxMessages, got.Reason)
	assert.Empty(t, gen.prompts)

	got = d.Detect(ctx, entriesAt(0, time.Minute))
	assert.True(t, got.Boundary)
	assert.Equal(t, ReasonModel, got.Reason)
	assert.Len(t, gen.prompts, 1)

	got = d.Detect(ctx, entriesAt(0))
	assert.Equal(t, ReasonTooFew, got.Reason)
	assert.Len(t, gen.prompts, 1)
}

func TestNewWithoutModel(t *testing.T) {
	assert.IsType(t, &RuleDetector{}, New(DefaultConfig(), nil, nil))
}
