// Package boundary decides when a conversation's accumulated messages form a
// complete episode ready for extraction.
//
// Detectors are pure functions of the buffer snapshot (and, for model-backed
// detectors, the model's state). They never mutate the buffer; on a boundary
// the engine hands the full snapshot to extraction.
package boundary

import (
	"context"
	"time"

	"github.com/syn-zhu/EverMemOS/pkg/types"
)

// Decision is the outcome of a detection pass.
type Decision struct {
	Boundary bool   `json:"boundary"`
	Reason   string `json:"reason"`
}

// Reasons reported by the built-in detectors.
const (
	ReasonTooFew      = "below_min_messages"
	ReasonMaxMessages = "max_messages"
	ReasonMaxTokens   = "max_tokens"
	ReasonIdleGap     = "idle_gap"
	ReasonOpen        = "episode_open"
	ReasonModel       = "model"
	ReasonModelWait   = "model_wait"
	ReasonModelError  = "model_error"
	ReasonIdleFlush   = "idle_flush"
	ReasonRetry       = "retry"
	ReasonManual      = "manual_flush"
)

// NoBoundary and Forced build decisions.
func NoBoundary(reason string) Decision { return Decision{Reason: reason} }
func Forced(reason string) Decision     { return Decision{Boundary: true, Reason: reason} }

// Detector decides over a buffer snapshot in arrival order.
type Detector interface {
	Detect(ctx context.Context, entries []types.BufferEntry) Decision
}

// Config holds the rule thresholds. Zero values disable a rule, except
// MinMessages which defaults to 2.
type Config struct {
	MaxMessages int           `yaml:"max_messages"`
	MaxTokens   int           `yaml:"max_tokens"`
	IdleGap     time.Duration `yaml:"idle_gap"`
	MinMessages int           `yaml:"min_messages"`
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		MaxMessages: 20,
		MaxTokens:   8192,
		IdleGap:     2 * time.Hour,
		MinMessages: 2,
	}
}

// RuleDetector closes an episode on size, token volume or a long silence
// between the last two messages.
type RuleDetector struct {
	cfg Config
}

// NewRuleDetector creates a rule detector. Zero limits are disabled and
// MinMessages defaults to 2.
func NewRuleDetector(cfg Config) *RuleDetector {
	if cfg.MinMessages <= 0 {
		cfg.MinMessages = 2
	}
	return &RuleDetector{cfg: cfg}
}

func (d *RuleDetector) Detect(_ context.Context, entries []types.BufferEntry) Decision {
	n := len(entries)
	if n < d.cfg.MinMessages {
		return NoBoundary(ReasonTooFew)
	}
	if d.cfg.MaxMessages > 0 && n >= d.cfg.MaxMessages {
		return Forced(ReasonMaxMessages)
	}
	if d.cfg.MaxTokens > 0 && types.EstimateTokens(entries) >= d.cfg.MaxTokens {
		return Forced(ReasonMaxTokens)
	}
	if d.cfg.IdleGap > 0 && n >= 2 {
		gap := entries[n-1].CreateTime.Sub(entries[n-2].CreateTime)
		if gap > d.cfg.IdleGap {
			return Forced(ReasonIdleGap)
		}
	}
	return NoBoundary(ReasonOpen)
}

// Chain asks each detector in order and returns the first boundary. When
// none fires, the last decision is returned.
type Chain []Detector

func (c Chain) Detect(ctx context.Context, entries []types.BufferEntry) Decision {
	last := NoBoundary(ReasonOpen)
	for _, d := range c {
		last = d.Detect(ctx, entries)
		if last.Boundary {
			return last
		}
		if last.Reason == ReasonTooFew {
			return last
		}
	}
	return last
}
