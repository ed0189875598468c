package chittysync

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func testOperation(session, name string) Operation {
	return Operation{
		Kind:        Kind{Verb: VerbCreate, Record: RecordEntity},
		Payload:     map[string]any{"name": name},
		SessionID:   session,
		SubmittedAt: time.Now(),
	}
}

func TestDeadLetterEnqueueDeduplicatesByKey(t *testing.T) {
	dlq, err := NewDeadLetterQueue(5, time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("dlq: %v", err)
	}
	op := testOperation("s1", "Acme")

	first := dlq.Enqueue(op, fmt.Errorf("boom one"))
	second := dlq.Enqueue(op, fmt.Errorf("boom two"))

	if dlq.Size() != 1 {
		t.Fatalf("expected one entry, got %d", dlq.Size())
	}
	if first.Attempts != 1 || second.Attempts != 2 {
		t.Fatalf("unexpected attempts: %d then %d", first.Attempts, second.Attempts)
	}
	if second.Error != "boom two" {
		t.Fatalf("expected overwritten error, got %q", second.Error)
	}
	if !second.RetryAt.After(first.RetryAt) {
		t.Fatalf("expected backoff to push retryAt forward: %s then %s", first.RetryAt, second.RetryAt)
	}
}

func TestDeadLetterDrainReturnsOnlyDueEntries(t *testing.T) {
	dlq, err := NewDeadLetterQueue(5, 10*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("dlq: %v", err)
	}
	entry := dlq.Enqueue(testOperation("s1", "Acme"), fmt.Errorf("boom"))

	if got := dlq.Drain(entry.RetryAt.Add(-time.Millisecond)); len(got) != 0 {
		t.Fatalf("drained before retryAt: %d entries", len(got))
	}
	got := dlq.Drain(entry.RetryAt)
	if len(got) != 1 {
		t.Fatalf("expected one due entry, got %d", len(got))
	}
	if dlq.Size() != 0 {
		t.Fatalf("drain should remove entries, size=%d", dlq.Size())
	}
}

func TestDeadLetterExhaustionBecomesPoison(t *testing.T) {
	dlq, err := NewDeadLetterQueue(2, time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("dlq: %v", err)
	}
	op := testOperation("s1", "Acme")
	dlq.Enqueue(op, fmt.Errorf("boom"))
	entry := dlq.Enqueue(op, fmt.Errorf("boom again"))

	if got := dlq.Drain(entry.RetryAt.Add(time.Minute)); len(got) != 0 {
		t.Fatalf("poison entry drained: %d", len(got))
	}
	if dlq.Size() != 1 {
		t.Fatalf("poison entry must remain inspectable, size=%d", dlq.Size())
	}
	if dlq.PoisonCount() != 1 {
		t.Fatalf("expected poison count 1, got %d", dlq.PoisonCount())
	}
	entries := dlq.Entries()
	if len(entries) != 1 || entries[0].Attempts != 2 {
		t.Fatalf("unexpected inspection snapshot: %+v", entries)
	}
}

func TestDeadLetterValidationFailuresNeverDrain(t *testing.T) {
	dlq, err := NewDeadLetterQueue(5, time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("dlq: %v", err)
	}
	entry := dlq.Enqueue(testOperation("s1", "Acme"), fmt.Errorf("%w: bad payload", ErrValidationFailed))

	if !entry.Permanent {
		t.Fatalf("validation failure should be permanent")
	}
	if got := dlq.Drain(entry.RetryAt.Add(time.Minute)); len(got) != 0 {
		t.Fatalf("permanent entry drained")
	}
	if dlq.PoisonCount() != 1 {
		t.Fatalf("expected permanent entry counted as poison, got %d", dlq.PoisonCount())
	}
}

func TestDeadLetterRequeuePreservesAttempts(t *testing.T) {
	dlq, err := NewDeadLetterQueue(5, time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("dlq: %v", err)
	}
	op := testOperation("s1", "Acme")
	dlq.Enqueue(op, fmt.Errorf("boom"))
	entry := dlq.Enqueue(op, fmt.Errorf("boom"))

	drained := dlq.Drain(entry.RetryAt.Add(time.Minute))
	if len(drained) != 1 {
		t.Fatalf("expected one drained entry")
	}
	dlq.Requeue(drained[0])

	entries := dlq.Entries()
	if len(entries) != 1 || entries[0].Attempts != 2 {
		t.Fatalf("requeue changed attempts: %+v", entries)
	}
}

func TestNewDeadLetterQueueRejectsZeroAttempts(t *testing.T) {
	if _, err := NewDeadLetterQueue(0, time.Millisecond, time.Second); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input, got: %v", err)
	}
}
