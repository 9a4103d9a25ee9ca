// Package retry runs an operation with exponential backoff between attempts.
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Policy describes how many times an operation is attempted and how long to
// wait between attempts.
type Policy struct {
	// Attempts counts the first call. Values below 1 mean a single call.
	Attempts int
	// BaseDelay is the pause after the first failure; it doubles after each
	// subsequent failure and is capped at MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Retryable classifies errors. Nil retries everything except errors
	// wrapped with Permanent.
	Retryable func(error) bool
	// OnRetry is called before each pause with the 1-based attempt number.
	OnRetry func(attempt int, err error)
	Logger  *slog.Logger
}

// DefaultPolicy is used by the extraction coordinator.
var DefaultPolicy = Policy{
	Attempts:  3,
	BaseDelay: 200 * time.Millisecond,
	MaxDelay:  5 * time.Second,
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, the policy is exhausted, or ctx is done.
// The last error from fn is returned; when ctx ends the wait, the context
// error is joined to it.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	if p.Attempts < 1 {
		p.Attempts = 1
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultPolicy.BaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultPolicy.MaxDelay
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var lastErr error
	delay := p.BaseDelay
	for attempt := 1; attempt <= p.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if IsPermanent(lastErr) || (p.Retryable != nil && !p.Retryable(lastErr)) {
			return lastErr
		}
		if attempt == p.Attempts {
			break
		}

		if p.OnRetry != nil {
			p.OnRetry(attempt, lastErr)
		}
		logger.Debug("retrying after failure",
			"attempt", attempt, "attempts", p.Attempts, "delay", delay, "err", lastErr)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(lastErr, ctx.Err())
		case <-timer.C:
		}
		delay *= 2
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return lastErr
}
