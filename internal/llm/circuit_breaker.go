package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned while a provider is considered unhealthy.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig tunes a CircuitBreaker.
type BreakerConfig struct {
	Name string
	// MaxFailures consecutive failures trip the breaker. Default 3.
	MaxFailures uint32
	// Cooldown is how long the breaker stays open. Default 30s.
	Cooldown time.Duration
	// HalfOpenProbes successes close it again. Default 2.
	HalfOpenProbes uint32
	Logger         *slog.Logger
}

// BreakerStats are cumulative counters for one breaker.
type BreakerStats struct {
	Calls    uint64
	Failures uint64
	Rejected uint64
	State    string
}

// CircuitBreaker guards calls to a remote model provider so a dead endpoint
// fails fast instead of stalling ingestion.
type CircuitBreaker struct {
	cb       *gobreaker.CircuitBreaker
	calls    atomic.Uint64
	failures atomic.Uint64
	rejected atomic.Uint64
}

// NewCircuitBreaker builds a breaker, filling unset fields with defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.Name == "" {
		cfg.Name = "llm"
	}
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if cfg.HalfOpenProbes == 0 {
		cfg.HalfOpenProbes = 2
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	maxFailures := cfg.MaxFailures
	return &CircuitBreaker{
		cb: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        cfg.Name,
			MaxRequests: cfg.HalfOpenProbes,
			Timeout:     cfg.Cooldown,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("provider circuit changed state",
					"provider", name, "from", from.String(), "to", to.String())
			},
			// Cancellation is the caller's choice, not a provider fault.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, context.Canceled)
			},
		}),
	}
}

// Execute runs fn unless the breaker is open.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.calls.Add(1)
	out, err := b.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.rejected.Add(1)
			return nil, ErrCircuitOpen
		}
		b.failures.Add(1)
		return nil, err
	}
	return out, nil
}

// State is "closed", "open" or "half-open".
func (b *CircuitBreaker) State() string {
	return b.cb.State().String()
}

func (b *CircuitBreaker) Stats() BreakerStats {
	return BreakerStats{
		Calls:    b.calls.Load(),
		Failures: b.failures.Load(),
		Rejected: b.rejected.Load(),
		State:    b.State(),
	}
}

// guarded runs fn through b and asserts the result type.
func guarded[T any](ctx context.Context, b *CircuitBreaker, provider string, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	out, err := b.Execute(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		if errors.Is(err, ErrCircuitOpen) {
			return zero, fmt.Errorf("%s: %w", provider, err)
		}
		return zero, err
	}
	return out.(T), nil
}
