package chittysync

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"
)

// DeadLetterEntry holds one failed operation awaiting retry. Entries whose
// attempts reach the maximum become poison: retained for inspection, never
// drained. Permanent entries (validation failures) are poison from the start.
type DeadLetterEntry struct {
	Operation     Operation `json:"operation"`
	Error         string    `json:"error"`
	RetryAt       time.Time `json:"retryAt"`
	Attempts      uint      `json:"attempts"`
	Permanent     bool      `json:"permanent"`
	FirstFailedAt time.Time `json:"firstFailedAt"`
}

func (e DeadLetterEntry) poison(maxAttempts uint) bool {
	return e.Permanent || e.Attempts >= maxAttempts
}

// DeadLetterQueue keys failed operations by idempotency key so a retried
// failure updates the existing entry instead of duplicating it.
type DeadLetterQueue struct {
	mu          sync.Mutex
	entries     map[string]DeadLetterEntry
	poisonCount int
	maxAttempts uint
	baseDelay   time.Duration
	maxDelay    time.Duration
	now         func() time.Time
}

func NewDeadLetterQueue(maxAttempts uint, baseDelay, maxDelay time.Duration) (*DeadLetterQueue, error) {
	if maxAttempts == 0 {
		return nil, fmt.Errorf("%w: dead letter max attempts must be positive", ErrInvalidInput)
	}
	if baseDelay <= 0 {
		baseDelay = 50 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	if maxDelay < baseDelay {
		return nil, fmt.Errorf("%w: dead letter max delay %s below base delay %s", ErrInvalidInput, maxDelay, baseDelay)
	}
	return &DeadLetterQueue{
		entries:     map[string]DeadLetterEntry{},
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		now:         time.Now,
	}, nil
}

// Enqueue records a failure for the operation. An existing entry has its
// attempt count incremented and its error and retry time overwritten.
func (q *DeadLetterQueue) Enqueue(op Operation, cause error) DeadLetterEntry {
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	permanent := errors.Is(cause, ErrValidationFailed)

	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	key := op.IdempotencyKey()
	entry, exists := q.entries[key]
	wasPoison := exists && entry.poison(q.maxAttempts)
	if !exists {
		// A drained retry comes back as a fresh enqueue; resume its attempt
		// count from the operation so exhaustion still caps the cycle.
		entry = DeadLetterEntry{Operation: op, FirstFailedAt: now, Attempts: op.Retry.Attempt}
	}
	entry.Attempts++
	entry.Error = message
	entry.Permanent = entry.Permanent || permanent
	entry.RetryAt = now.Add(q.backoff(entry.Attempts))
	entry.Operation.Retry.Attempt = entry.Attempts
	entry.Operation.Retry.MaxAttempts = q.maxAttempts
	entry.Operation.Retry.LastError = message
	q.entries[key] = entry
	if entry.poison(q.maxAttempts) && !wasPoison {
		q.poisonCount++
	}
	return entry
}

// Drain removes and returns every retriable entry due at now. Poison entries
// stay behind for inspection.
func (q *DeadLetterQueue) Drain(now time.Time) []DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []DeadLetterEntry
	for key, entry := range q.entries {
		if entry.poison(q.maxAttempts) {
			continue
		}
		if entry.RetryAt.After(now) {
			continue
		}
		due = append(due, entry)
		delete(q.entries, key)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].RetryAt.Before(due[j].RetryAt) })
	return due
}

// Requeue reinstates a drained entry without charging an attempt, for
// drained operations that were never actually attempted against the store.
func (q *DeadLetterQueue) Requeue(entry DeadLetterEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := entry.Operation.IdempotencyKey()
	if existing, ok := q.entries[key]; ok && existing.Attempts >= entry.Attempts {
		return
	}
	q.entries[key] = entry
	if entry.poison(q.maxAttempts) {
		q.poisonCount++
	}
}

func (q *DeadLetterQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *DeadLetterQueue) PoisonCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.poisonCount
}

func (q *DeadLetterQueue) MaxAttempts() uint {
	return q.maxAttempts
}

// Entries returns a snapshot ordered by retry time for inspection surfaces.
func (q *DeadLetterQueue) Entries() []DeadLetterEntry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]DeadLetterEntry, 0, len(q.entries))
	for _, entry := range q.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RetryAt.Before(out[j].RetryAt) })
	return out
}

func (q *DeadLetterQueue) restore(entries []DeadLetterEntry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, entry := range entries {
		key := entry.Operation.IdempotencyKey()
		if _, exists := q.entries[key]; exists {
			continue
		}
		q.entries[key] = entry
		if entry.poison(q.maxAttempts) {
			q.poisonCount++
		}
	}
}

// backoff doubles per attempt from the base delay, capped, with up to 10%
// jitter so recovered downstreams are not hit by aligned retries.
func (q *DeadLetterQueue) backoff(attempts uint) time.Duration {
	delay := q.baseDelay
	for i := uint(1); i < attempts; i++ {
		delay *= 2
		if delay >= q.maxDelay {
			delay = q.maxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/10 + 1))
	return delay + jitter
}
