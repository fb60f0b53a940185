package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dyike/cortexfeed/internal/provider"
)

func TestWithRetryStopsOnSuccess(t *testing.T) {
	for k := 0; k <= 3; k++ {
		calls := 0
		policy := RetryPolicy{MaxRetries: 3, BaseDelay: time.Microsecond}
		attempts, err := WithRetry(context.Background(), policy, func(int) error {
			calls++
			if calls <= k {
				return provider.Retryable(errors.New("flaky"))
			}
			return nil
		})
		if err != nil {
			t.Fatalf("k=%d: unexpected error %v", k, err)
		}
		if attempts != k+1 || calls != k+1 {
			t.Fatalf("k=%d: expected %d invocations, got attempts=%d calls=%d", k, k+1, attempts, calls)
		}
	}
}

func TestWithRetryPermanentErrorIsNotRetried(t *testing.T) {
	calls := 0
	perm := &provider.StatusError{Code: 404}
	_, err := WithRetry(context.Background(), RetryPolicy{MaxRetries: 5}, func(int) error {
		calls++
		return perm
	})
	if !errors.Is(err, perm) {
		t.Fatalf("expected permanent error back, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestWithRetryExhausts(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), RetryPolicy{MaxRetries: 2}, func(int) error {
		calls++
		return &provider.StatusError{Code: 503}
	})
	if err == nil || calls != 3 {
		t.Fatalf("expected 3 calls and an error, got calls=%d err=%v", calls, err)
	}
	var se *provider.StatusError
	if !errors.As(err, &se) || se.Code != 503 {
		t.Fatalf("expected wrapped status error, got %v", err)
	}
}

func TestWithRetryHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := WithRetry(ctx, RetryPolicy{MaxRetries: 3, BaseDelay: time.Hour}, func(int) error {
		calls++
		cancel()
		return provider.Retryable(errors.New("slow"))
	})
	if err == nil || calls != 1 {
		t.Fatalf("expected cancellation after one call, got calls=%d err=%v", calls, err)
	}
}

func TestRetryDelayDoubles(t *testing.T) {
	p := RetryPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second}
	for i, w := range want {
		if got := p.Delay(i); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i, w, got)
		}
	}
}
