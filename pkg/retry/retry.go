// Package retry wraps a single fallible operation with bounded
// exponential backoff. Only errors that look transient are retried;
// everything else propagates on first occurrence.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Operation is one attemptable unit of work.
type Operation func(ctx context.Context) (interface{}, error)

// transientMarkers are the substrings that mark an error as retryable.
var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection",
	"rate limit",
	"temporary",
	"temporarily",
	"unavailable",
	"429",
	"500",
	"502",
	"503",
	"504",
}

// Executor retries an operation up to MaxRetries times after the first
// attempt, sleeping min(BaseDelay*2^(n-1), MaxDelay) before retry n.
// No jitter: backoff delays are deterministic and non-decreasing.
type Executor struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// RetryOn extends the transient-marker heuristics with
	// caller-supplied substrings.
	RetryOn []string

	Logger zerolog.Logger
}

// New creates an executor with the given bounds. Non-positive values fall
// back to 3 retries, 1s base, 30s cap.
func New(maxRetries int, baseDelay, maxDelay time.Duration, logger zerolog.Logger) *Executor {
	if maxRetries < 0 {
		maxRetries = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &Executor{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
		Logger:     logger,
	}
}

// WithRetryOn sets the caller-supplied retry markers and returns the
// executor for chaining.
func (e *Executor) WithRetryOn(markers []string) *Executor {
	e.RetryOn = markers
	return e
}

// DelayFor returns the backoff delay before retry attempt n (1-indexed
// from the first retry): min(base*2^(n-1), max).
func (e *Executor) DelayFor(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := e.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= e.MaxDelay {
			return e.MaxDelay
		}
	}
	if delay > e.MaxDelay {
		return e.MaxDelay
	}
	return delay
}

// transienter is implemented by errors that self-identify as worth
// retrying, independent of their message text.
type transienter interface {
	Transient() bool
}

// Retryable reports whether an error is classified transient: by a
// Transient marker on the error itself, by the built-in keyword
// heuristics, or by the executor's RetryOn list.
func (e *Executor) Retryable(err error) bool {
	if err == nil {
		return false
	}
	var marked transienter
	if errors.As(err, &marked) && marked.Transient() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	for _, marker := range e.RetryOn {
		if marker != "" && strings.Contains(msg, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}

// Do runs the operation with at most MaxRetries+1 attempts. A
// non-retryable error propagates immediately; exhausting all attempts
// returns the last retryable error. Backoff sleeps honor ctx.
func (e *Executor) Do(ctx context.Context, op Operation) (interface{}, error) {
	var lastErr error

	for attempt := 0; attempt <= e.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := e.DelayFor(attempt)
			e.Logger.Debug().
				Int("attempt", attempt).
				Dur("delay", delay).
				Err(lastErr).
				Msg("Retrying after transient error")

			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		value, err := op(ctx)
		if err == nil {
			return value, nil
		}
		if !e.Retryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, lastErr
}
