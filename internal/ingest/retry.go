package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/dyike/cortexfeed/internal/provider"
)

const maxBackoff = 30 * time.Second

// RetryPolicy controls how a failing adapter call is retried.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// Retryable decides whether an error is worth another attempt.
	Retryable func(error) bool
}

// PolicyFor derives the retry policy of a source.
func PolicyFor(cfg provider.SourceConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries: cfg.MaxRetries,
		BaseDelay:  cfg.Backoff(),
		MaxDelay:   maxBackoff,
		Retryable:  provider.IsRetryable,
	}
}

// Delay returns the pause after the given zero-based failed attempt:
// BaseDelay * 2^attempt, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// WithRetry runs fn until it succeeds, fails with a non-retryable error, or
// MaxRetries+1 attempts are used. It returns the number of invocations.
func WithRetry(ctx context.Context, p RetryPolicy, fn func(attempt int) error) (int, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = provider.IsRetryable
	}
	attempts := p.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, p.Delay(attempt-1)); err != nil {
				return attempt, fmt.Errorf("retry interrupted: %w", lastErr)
			}
		}
		err := fn(attempt)
		if err == nil {
			return attempt + 1, nil
		}
		lastErr = err
		if !retryable(err) {
			return attempt + 1, err
		}
	}
	if attempts == 1 {
		return 1, lastErr
	}
	return attempts, fmt.Errorf("max retries exceeded: %w", lastErr)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
