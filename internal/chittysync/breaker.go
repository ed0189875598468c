package chittysync

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return fmt.Sprintf("breaker(%d)", int(s))
	}
}

// CircuitBreaker fast-fails calls to a degraded downstream instead of
// queuing load behind it. After timeout elapses in the open state the next
// Guard call transitions to half-open and admits exactly one probe;
// concurrent guards during the probe fail fast with ErrCircuitOpen.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    uint
	threshold   uint
	timeout     time.Duration
	lastFailure time.Time
	probing     bool
	now         func() time.Time
}

func NewCircuitBreaker(threshold uint, timeout time.Duration) (*CircuitBreaker, error) {
	if threshold == 0 {
		return nil, fmt.Errorf("%w: circuit breaker threshold must be positive", ErrInvalidInput)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: circuit breaker timeout must be positive, got %s", ErrInvalidInput, timeout)
	}
	return &CircuitBreaker{
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}, nil
}

// Guard runs fn unless the circuit is open. While open it returns
// ErrCircuitOpen without invoking fn so callers can route straight to the
// dead letter queue.
func (b *CircuitBreaker) Guard(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}
	err := fn(ctx)
	b.record(err)
	return err
}

func (b *CircuitBreaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) < b.timeout {
			return ErrCircuitOpen
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return ErrCircuitOpen
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

func (b *CircuitBreaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		b.failures = 0
		if b.state == BreakerHalfOpen {
			b.state = BreakerClosed
			b.probing = false
		}
		return
	}
	b.lastFailure = b.now()
	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		b.probing = false
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = BreakerOpen
	}
}

func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) FailureCount() uint {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
