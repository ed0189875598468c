package chittysync

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

const acquireJitterMax = 5 * time.Millisecond

// RateLimiter is a token bucket shared by every caller targeting one
// external store. Refill is computed lazily on each call, so no background
// timer is needed.
type RateLimiter struct {
	mu          sync.Mutex
	tokens      float64
	maxTokens   float64
	refillPerMs float64
	lastRefill  time.Time
	now         func() time.Time
}

// NewRateLimiter admits at most requests calls per window. A zero request
// count or window is a configuration error and fails at construction.
func NewRateLimiter(requests int, per time.Duration) (*RateLimiter, error) {
	if requests <= 0 {
		return nil, fmt.Errorf("%w: rate limiter requests must be positive, got %d", ErrInvalidInput, requests)
	}
	if per <= 0 {
		return nil, fmt.Errorf("%w: rate limiter window must be positive, got %s", ErrInvalidInput, per)
	}
	return &RateLimiter{
		tokens:      float64(requests),
		maxTokens:   float64(requests),
		refillPerMs: float64(requests) / (float64(per) / float64(time.Millisecond)),
		lastRefill:  time.Now(),
		now:         time.Now,
	}, nil
}

// Acquire blocks until a token is available or ctx is done. Waits carry a
// small random jitter so a crowd of blocked callers does not stampede the
// instant a token refills.
func (l *RateLimiter) Acquire(ctx context.Context) error {
	for {
		l.mu.Lock()
		l.refillLocked()
		if l.tokens >= 1 {
			l.tokens--
			l.mu.Unlock()
			return nil
		}
		deficit := 1 - l.tokens
		l.mu.Unlock()

		wait := time.Duration(deficit/l.refillPerMs*float64(time.Millisecond)) +
			time.Duration(rand.Int63n(int64(acquireJitterMax)))
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// Tokens reports the currently available token count for metrics.
func (l *RateLimiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refillLocked()
	return l.tokens
}

func (l *RateLimiter) refillLocked() {
	now := l.now()
	elapsedMs := float64(now.Sub(l.lastRefill)) / float64(time.Millisecond)
	if elapsedMs <= 0 {
		return
	}
	l.tokens = min(l.maxTokens, l.tokens+elapsedMs*l.refillPerMs)
	l.lastRefill = now
}
