package chittysync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Ack acknowledges a submission that reached the external store (or, for a
// manual conflict, was durably recorded). ConflictRaised is the side channel
// telling the caller a concurrent version was detected.
type Ack struct {
	Key            string      `json:"key"`
	RecordID       string      `json:"recordId"`
	CorrelationID  string      `json:"correlationId"`
	Created        bool        `json:"created"`
	Applied        bool        `json:"applied"`
	ConflictRaised bool        `json:"conflictRaised"`
	ConflictID     string      `json:"conflictId,omitempty"`
	Clock          VectorClock `json:"vectorClock"`
}

type CoordinatorOptions struct {
	SessionID        string
	Store            RecordStore
	Broadcaster      PeerBroadcaster
	Validator        *PayloadValidator
	RateLimiter      *RateLimiter
	Breaker          *CircuitBreaker
	DLQ              *DeadLetterQueue
	Resolver         *ConflictResolver
	StateBackend     StateBackend
	DrainInterval    time.Duration
	DisableDrain     bool
	BroadcastTimeout time.Duration
	Logger           *slog.Logger
}

// Coordinator owns the resilient write path: admission through the rate
// limiter and circuit breaker, the idempotent upsert, clock ticks, peer
// broadcast, and escalation to the dead letter queue.
type Coordinator struct {
	sessionID        string
	store            RecordStore
	broadcaster      PeerBroadcaster
	validator        *PayloadValidator
	limiter          *RateLimiter
	breaker          *CircuitBreaker
	dlq              *DeadLetterQueue
	resolver         *ConflictResolver
	stateBackend     StateBackend
	drainInterval    time.Duration
	broadcastTimeout time.Duration
	logger           *slog.Logger
	tracker          *ClockTracker
	now              func() time.Time

	submitted         atomic.Uint64
	succeeded         atomic.Uint64
	failed            atomic.Uint64
	broadcasts        atomic.Uint64
	broadcastFailures atomic.Uint64
	drainCycles       atomic.Uint64
	drained           atomic.Uint64

	closed      chan struct{}
	closeOnce   sync.Once
	wg          sync.WaitGroup
	drainCtx    context.Context
	drainCancel context.CancelFunc
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.SessionID == "" {
		return nil, fmt.Errorf("%w: coordinator session id is required", ErrInvalidInput)
	}
	store := opts.Store
	if store == nil {
		store = NewMemoryRecordStore()
	}
	broadcaster := opts.Broadcaster
	if broadcaster == nil {
		broadcaster = NoopBroadcaster{}
	}
	validator := opts.Validator
	if validator == nil {
		var err error
		validator, err = NewPayloadValidator()
		if err != nil {
			return nil, err
		}
	}
	limiter := opts.RateLimiter
	if limiter == nil {
		var err error
		limiter, err = NewRateLimiter(10, time.Second)
		if err != nil {
			return nil, err
		}
	}
	breaker := opts.Breaker
	if breaker == nil {
		var err error
		breaker, err = NewCircuitBreaker(5, 30*time.Second)
		if err != nil {
			return nil, err
		}
	}
	dlq := opts.DLQ
	if dlq == nil {
		var err error
		dlq, err = NewDeadLetterQueue(5, 100*time.Millisecond, 30*time.Second)
		if err != nil {
			return nil, err
		}
	}
	resolver := opts.Resolver
	if resolver == nil {
		var err error
		resolver, err = NewConflictResolver(StrategyLastWriteWins)
		if err != nil {
			return nil, err
		}
	}
	drainInterval := opts.DrainInterval
	if drainInterval <= 0 {
		drainInterval = 5 * time.Second
	}
	broadcastTimeout := opts.BroadcastTimeout
	if broadcastTimeout <= 0 {
		broadcastTimeout = 5 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Coordinator{
		sessionID:        opts.SessionID,
		store:            store,
		broadcaster:      broadcaster,
		validator:        validator,
		limiter:          limiter,
		breaker:          breaker,
		dlq:              dlq,
		resolver:         resolver,
		stateBackend:     opts.StateBackend,
		drainInterval:    drainInterval,
		broadcastTimeout: broadcastTimeout,
		logger:           logger,
		tracker:          NewClockTracker(),
		now:              time.Now,
		closed:           make(chan struct{}),
	}
	c.drainCtx, c.drainCancel = context.WithCancel(context.Background())
	c.loadState()
	if !opts.DisableDrain {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.drainLoop()
		}()
	}
	return c, nil
}

// Submit runs one operation through the full pipeline. Transient failures
// return a *SyncError with Queued set: the operation is parked in the dead
// letter queue and will be retried, so callers should treat it as accepted
// pending retry rather than a hard failure.
func (c *Coordinator) Submit(ctx context.Context, op Operation) (Ack, error) {
	select {
	case <-c.closed:
		return Ack{}, ErrCoordinatorClosed
	default:
	}
	if op.Kind.IsZero() || !op.Kind.Valid() {
		return Ack{}, fmt.Errorf("%w: operation kind %q", ErrInvalidInput, op.Kind)
	}
	if op.SessionID == "" {
		op.SessionID = c.sessionID
	}
	if op.ID == "" {
		op.ID = uuid.Must(uuid.NewV7()).String()
	}
	if op.CorrelationID == "" {
		op.CorrelationID = "sync_" + uuid.NewString()
	}
	if op.SubmittedAt.IsZero() {
		op.SubmittedAt = c.now()
	}
	if op.Retry.MaxAttempts == 0 {
		op.Retry.MaxAttempts = c.dlq.MaxAttempts()
	}
	if op.Clock == nil {
		op.Clock = c.tracker.Snapshot()
	}
	c.submitted.Add(1)
	key := op.IdempotencyKey()

	if err := c.validator.Validate(op); err != nil {
		// Structurally invalid payloads can never succeed; park them as
		// poison so drains skip them, and surface the error synchronously.
		c.failed.Add(1)
		c.dlq.Enqueue(op, err)
		c.saveState()
		return Ack{}, &SyncError{Kind: FailureValidation, Key: key, Queued: true, Permanent: true, Err: err}
	}

	if err := c.limiter.Acquire(ctx); err != nil {
		// Nothing was attempted against the store, so nothing to retry on
		// the caller's behalf.
		c.failed.Add(1)
		return Ack{}, fmt.Errorf("%w: %v", ErrSubmitTimeout, err)
	}

	var result upsertResult
	guardErr := c.breaker.Guard(ctx, func(ctx context.Context) error {
		res, err := c.upsert(ctx, key, op)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if guardErr != nil {
		c.failed.Add(1)
		entry := c.dlq.Enqueue(op, guardErr)
		c.saveState()
		c.logger.Warn("sync write failed",
			"key", key,
			"kind", string(classifyFailure(guardErr)),
			"attempt", entry.Attempts,
			"retryAt", entry.RetryAt,
			"correlationId", op.CorrelationID,
			"error", guardErr)
		return Ack{}, &SyncError{Kind: classifyFailure(guardErr), Key: key, Queued: true, Err: guardErr}
	}

	clock := c.tracker.Tick(op.SessionID)
	c.succeeded.Add(1)
	c.broadcastAsync(op, clock)
	c.saveState()

	ack := Ack{
		Key:           key,
		RecordID:      result.record.ID,
		CorrelationID: op.CorrelationID,
		Created:       result.created,
		Applied:       result.applied,
		Clock:         clock,
	}
	if result.conflict != nil {
		ack.ConflictRaised = true
		ack.ConflictID = result.conflict.ID
	}
	return ack, nil
}

type upsertResult struct {
	record   Record
	created  bool
	applied  bool
	conflict *ConflictRecord
}

// upsert looks the target record up by idempotency key and either creates
// it, updates it, skips a stale or replayed write, or raises a conflict when
// the clocks are concurrent. Retries therefore never duplicate a record.
func (c *Coordinator) upsert(ctx context.Context, key string, op Operation) (upsertResult, error) {
	existing, err := c.store.FindByIdempotencyKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		created, err := c.store.Create(ctx, Record{
			Key:     key,
			Kind:    op.Kind,
			Payload: op.Payload,
			Source:  op.SessionID,
			Clock:   op.Clock,
		})
		if err != nil {
			return upsertResult{}, err
		}
		return upsertResult{record: created, created: true, applied: true}, nil
	}
	if err != nil {
		return upsertResult{}, err
	}

	switch Compare(op.Clock, existing.Clock) {
	case OrderBefore, OrderEqual:
		// A replayed or stale write; the store already reflects it.
		return upsertResult{record: existing}, nil
	case OrderAfter:
		merged := op.Clock.Clone()
		merged.Merge(existing.Clock)
		updated, err := c.store.Update(ctx, existing.ID, Record{
			Payload: op.Payload,
			Source:  op.SessionID,
			Clock:   merged,
		})
		if err != nil {
			return upsertResult{}, err
		}
		return upsertResult{record: updated, applied: true}, nil
	default:
		outcome, err := c.resolver.Resolve(key, []Candidate{
			{Source: existing.Source, Payload: existing.Payload, Timestamp: existing.UpdatedAt, Clock: existing.Clock},
			{Source: op.SessionID, Payload: op.Payload, Timestamp: op.SubmittedAt, Clock: op.Clock},
		})
		if err != nil {
			return upsertResult{}, err
		}
		if outcome.Pending {
			// Manual strategy: never silently pick a winner. The stored
			// version stands until someone resolves the record.
			return upsertResult{record: existing, conflict: outcome.Conflict}, nil
		}
		merged := op.Clock.Clone()
		merged.Merge(existing.Clock)
		merged.Merge(outcome.Winner.Clock)
		updated, err := c.store.Update(ctx, existing.ID, Record{
			Payload: outcome.Winner.Payload,
			Source:  outcome.Winner.Source,
			Clock:   merged,
		})
		if err != nil {
			return upsertResult{}, err
		}
		return upsertResult{
			record:   updated,
			applied:  outcome.Winner.Source == op.SessionID,
			conflict: outcome.Conflict,
		}, nil
	}
}

func (c *Coordinator) broadcastAsync(op Operation, clock VectorClock) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.broadcastTimeout)
		defer cancel()
		envelope := PeerEnvelope{Operation: op, Clock: clock, SentAt: c.now()}
		if err := c.broadcaster.Notify(ctx, envelope); err != nil {
			c.broadcastFailures.Add(1)
			c.logger.Warn("peer broadcast failed",
				"key", op.IdempotencyKey(),
				"correlationId", op.CorrelationID,
				"error", err)
			return
		}
		c.broadcasts.Add(1)
	}()
}

// ObservePeer folds a sibling service's clock into the session clock so later
// submissions causally follow what this instance has seen.
func (c *Coordinator) ObservePeer(envelope PeerEnvelope) VectorClock {
	clock := c.tracker.Observe(envelope.Clock)
	c.saveState()
	return clock
}

func (c *Coordinator) drainLoop() {
	ticker := time.NewTicker(c.drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.DrainOnce(c.drainCtx)
		}
	}
}

// DrainOnce resubmits every due dead-letter entry through the full pipeline,
// so retries are admitted by the same rate limiter as fresh submissions.
func (c *Coordinator) DrainOnce(ctx context.Context) (attempted, succeeded int) {
	c.drainCycles.Add(1)
	entries := c.dlq.Drain(c.now())
	for _, entry := range entries {
		attempted++
		c.drained.Add(1)
		_, err := c.Submit(ctx, entry.Operation)
		if err == nil {
			succeeded++
			continue
		}
		if errors.Is(err, ErrSubmitTimeout) || errors.Is(err, ErrCoordinatorClosed) {
			// Never attempted; put the entry back without charging it.
			c.dlq.Requeue(entry)
		}
	}
	if attempted > 0 {
		c.saveState()
	}
	return attempted, succeeded
}

func (c *Coordinator) Metrics() Metrics {
	resolved, manual := c.resolver.Counts()
	return Metrics{
		CircuitState:       c.breaker.State().String(),
		RateLimiterTokens:  c.limiter.Tokens(),
		DLQDepth:           c.dlq.Size(),
		DLQPoison:          c.dlq.PoisonCount(),
		ConflictsResolved:  resolved,
		ConflictsManual:    manual,
		Submitted:          c.submitted.Load(),
		Succeeded:          c.succeeded.Load(),
		Failed:             c.failed.Load(),
		Broadcasts:         c.broadcasts.Load(),
		BroadcastFailures:  c.broadcastFailures.Load(),
		DrainCycles:        c.drainCycles.Load(),
		DrainedOperations:  c.drained.Load(),
		SessionClockLength: len(c.tracker.Snapshot()),
	}
}

func (c *Coordinator) SessionID() string {
	return c.sessionID
}

func (c *Coordinator) ClockSnapshot() VectorClock {
	return c.tracker.Snapshot()
}

func (c *Coordinator) DeadLetters() []DeadLetterEntry {
	return c.dlq.Entries()
}

func (c *Coordinator) Conflicts() []ConflictRecord {
	return c.resolver.Records()
}

// ResolveConflict settles a pending or manual conflict out of band and
// pushes the winner to the external store.
func (c *Coordinator) ResolveConflict(ctx context.Context, id, winnerSource, resolvedBy string) (ConflictRecord, error) {
	record, err := c.resolver.ResolveManual(id, winnerSource, resolvedBy)
	if err != nil {
		return ConflictRecord{}, err
	}
	existing, err := c.store.FindByIdempotencyKey(ctx, record.Key)
	if err == nil && record.Resolution != nil {
		winner := record.Resolution.Winner
		merged := existing.Clock.Clone()
		merged.Merge(winner.Clock)
		if _, err := c.store.Update(ctx, existing.ID, Record{
			Payload: winner.Payload,
			Source:  winner.Source,
			Clock:   merged,
		}); err != nil {
			c.logger.Warn("conflict winner write failed", "conflictId", id, "key", record.Key, "error", err)
		}
	}
	c.saveState()
	return record, nil
}

func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.drainCancel()
		c.wg.Wait()
		c.saveState()
		if closer, ok := c.stateBackend.(stateBackendCloser); ok && closer != nil {
			_ = closer.Close()
		}
	})
}

func (c *Coordinator) loadState() {
	if c.stateBackend == nil {
		return
	}
	snapshot, err := c.stateBackend.Load()
	if err != nil {
		c.logger.Warn("state restore failed", "error", err)
		return
	}
	if snapshot == nil {
		return
	}
	c.tracker.restore(snapshot.Clock)
	c.dlq.restore(snapshot.DeadLetters)
	c.resolver.restore(snapshot.Conflicts)
	c.submitted.Store(snapshot.Counters.Submitted)
	c.succeeded.Store(snapshot.Counters.Succeeded)
	c.failed.Store(snapshot.Counters.Failed)
}

func (c *Coordinator) saveState() {
	if c.stateBackend == nil {
		return
	}
	snapshot := &persistedState{
		SessionID:   c.sessionID,
		Clock:       c.tracker.Snapshot(),
		DeadLetters: c.dlq.Entries(),
		Conflicts:   c.resolver.Records(),
		Counters: counterState{
			Submitted: c.submitted.Load(),
			Succeeded: c.succeeded.Load(),
			Failed:    c.failed.Load(),
		},
	}
	if err := c.stateBackend.Save(snapshot); err != nil {
		c.logger.Warn("state save failed", "error", err)
	}
}
