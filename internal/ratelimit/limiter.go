// Package ratelimit paces calls to a single upstream source with a token bucket
// sized in requests per minute.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/time/rate"
)

// ErrCostExceedsCapacity is returned by Wait when a single request asks for
// more tokens than the bucket can ever hold.
var ErrCostExceedsCapacity = errors.New("ratelimit: cost exceeds capacity")

// Limiter is a per-source token bucket. The bucket holds Capacity tokens and
// refills continuously at Capacity tokens per minute. A zero or negative
// capacity disables limiting.
type Limiter struct {
	capacity int
	lim      *rate.Limiter
	now      func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source used by Take and Delay.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// New returns a limiter allowing rpm requests per minute. The bucket starts full.
func New(rpm int, opts ...Option) *Limiter {
	l := &Limiter{capacity: rpm, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if rpm <= 0 {
		l.lim = rate.NewLimiter(rate.Inf, 0)
		return l
	}
	l.lim = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), rpm)
	// rate.NewLimiter stamps its last-refill time lazily, so prime it with the
	// injected clock to keep Take and Delay consistent under a fake clock.
	l.lim.SetBurstAt(l.now(), rpm)
	return l
}

// Capacity is the configured requests per minute (0 when unlimited).
func (l *Limiter) Capacity() int {
	if l.capacity < 0 {
		return 0
	}
	return l.capacity
}

// Unlimited reports whether the limiter never throttles.
func (l *Limiter) Unlimited() bool {
	return l.capacity <= 0
}

// Take consumes cost tokens if they are available right now. A cost above
// capacity is never granted.
func (l *Limiter) Take(cost int) bool {
	cost = l.clamp(cost)
	if l.exceeds(cost) {
		return false
	}
	return l.lim.AllowN(l.now(), cost)
}

// Delay reports how long a caller would have to wait for cost tokens, without
// consuming them. It returns rate.InfDuration for a cost above capacity.
func (l *Limiter) Delay(cost int) time.Duration {
	if l.Unlimited() {
		return 0
	}
	cost = l.clamp(cost)
	if l.exceeds(cost) {
		return rate.InfDuration
	}
	now := l.now()
	deficit := float64(cost) - l.lim.TokensAt(now)
	if deficit <= 0 {
		return 0
	}
	ms := math.Ceil(deficit * 60000 / float64(l.capacity))
	return time.Duration(ms) * time.Millisecond
}

// Wait blocks until cost tokens are available or ctx is done. Waiting callers
// are served in the order the limiter hands out reservations.
func (l *Limiter) Wait(ctx context.Context, cost int) error {
	if l.Unlimited() {
		return ctx.Err()
	}
	cost = l.clamp(cost)
	if l.exceeds(cost) {
		return fmt.Errorf("%w: %d > %d", ErrCostExceedsCapacity, cost, l.capacity)
	}
	return l.lim.WaitN(ctx, cost)
}

// clamp raises cost to at least one token.
func (l *Limiter) clamp(cost int) int {
	if cost < 1 {
		cost = 1
	}
	return cost
}

func (l *Limiter) exceeds(cost int) bool {
	return l.capacity > 0 && cost > l.capacity
}
