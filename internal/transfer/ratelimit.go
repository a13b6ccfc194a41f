package transfer

import (
	"context"
	"sync"
	"time"
)

// Limiter provides a leaky bucket rate limiter (constant drain rate).
type Limiter struct {
	rate float64
	next time.Time
	mu   sync.Mutex
}

// NewLimiter creates a limiter with a given rate (bytes/sec). A zero or
// negative rate disables pacing.
func NewLimiter(rate float64) *Limiter {
	return &Limiter{
		rate: rate,
	}
}

// Wait blocks until it is time to send n bytes at the configured rate or
// until ctx is done.
func (l *Limiter) Wait(ctx context.Context, n int) error {
	if l == nil || l.rate <= 0 || n <= 0 {
		return ctx.Err()
	}

	l.mu.Lock()
	now := time.Now()
	if l.next.Before(now) {
		l.next = now
	}
	wait := l.next.Sub(now)
	l.next = l.next.Add(time.Duration(float64(n) / l.rate * 1e9))
	l.mu.Unlock()

	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
