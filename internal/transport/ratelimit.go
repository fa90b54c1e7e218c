// Package transport issues signed, rate limited and retried requests to the
// Accurate API.
package transport

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	minThrottledRate = rate.Limit(0.5)
	recoverStep      = rate.Limit(0.5)
	recoverAfterOK   = 10
)

// Limiter is the single request gate shared by every caller of a job.
//
// Acquire holds a one-slot critical section, waits out the remainder of the
// minimum interval since the last grant, then waits on the sustained-rate
// ceiling. The last-grant time is stamped only after the waits, so concurrent
// callers cannot slip past each other.
type Limiter struct {
	gate     chan struct{}
	interval time.Duration
	last     time.Time

	mu      sync.Mutex
	lim     *rate.Limiter
	curr    rate.Limit
	max     rate.Limit
	mult    float64
	okCount int
}

// NewLimiter builds a gate allowing maxRPS requests per second and at least
// minInterval between grants. throttleMult scales the ceiling down on 429.
func NewLimiter(maxRPS int, minInterval time.Duration, throttleMult float64) *Limiter {
	if maxRPS < 1 {
		maxRPS = 1
	}
	if throttleMult <= 0 || throttleMult >= 1 {
		throttleMult = 0.5
	}
	r := rate.Limit(maxRPS)
	// burst 1: no one-second window may see more than maxRPS grants
	return &Limiter{
		gate:     make(chan struct{}, 1),
		interval: minInterval,
		lim:      rate.NewLimiter(r, 1),
		curr:     r,
		max:      r,
		mult:     throttleMult,
	}
}

// Acquire blocks until one more request may be issued, or ctx is done
func (l *Limiter) Acquire(ctx context.Context) error {
	select {
	case l.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-l.gate }()

	if !l.last.IsZero() {
		if wait := l.interval - time.Since(l.last); wait > 0 {
			if err := sleepCtx(ctx, wait); err != nil {
				return err
			}
		}
	}

	l.mu.Lock()
	lim := l.lim
	l.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Wait refuses early when the next token lies past the deadline
		if _, ok := ctx.Deadline(); ok {
			return context.DeadlineExceeded
		}
		return err
	}

	l.last = time.Now()
	return nil
}

// OnThrottle cuts the sustained ceiling after a 429
func (l *Limiter) OnThrottle() {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := rate.Limit(float64(l.curr) * l.mult)
	if n < minThrottledRate {
		n = minThrottledRate
	}
	if n != l.curr {
		l.curr = n
		l.lim.SetLimit(n)
	}
	l.okCount = 0
}

// OnSuccess slowly restores the ceiling towards its configured maximum
func (l *Limiter) OnSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.curr >= l.max {
		return
	}
	l.okCount++
	if l.okCount < recoverAfterOK {
		return
	}
	l.okCount = 0
	n := l.curr + recoverStep
	if n > l.max {
		n = l.max
	}
	l.curr = n
	l.lim.SetLimit(n)
}

// Limit is the current sustained ceiling in requests per second
func (l *Limiter) Limit() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return float64(l.curr)
}

// sleepCtx waits for d or until ctx is done
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
