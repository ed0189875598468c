package chittysync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record is the external store's view of one synced logical record.
type Record struct {
	ID        string         `json:"id"`
	Key       string         `json:"key"`
	Kind      Kind           `json:"kind"`
	Payload   map[string]any `json:"payload"`
	Source    string         `json:"source"`
	Clock     VectorClock    `json:"vectorClock,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// RecordStore is the boundary to the external, rate-limited document store.
// Lookups by idempotency key make retried writes safe: a retry updates the
// existing record instead of creating a duplicate.
type RecordStore interface {
	FindByIdempotencyKey(ctx context.Context, key string) (Record, error)
	Create(ctx context.Context, record Record) (Record, error)
	Update(ctx context.Context, id string, record Record) (Record, error)
}

type StoreErrorKind string

const (
	StoreRateLimited      StoreErrorKind = "rate_limited"
	StoreUnauthorized     StoreErrorKind = "unauthorized"
	StoreValidationFailed StoreErrorKind = "validation_failed"
	StoreUnavailable      StoreErrorKind = "unavailable"
)

type StoreError struct {
	Kind       StoreErrorKind
	StatusCode int
	Message    string
}

func (e *StoreError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("store %s: status=%d %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("store %s: %s", e.Kind, e.Message)
}

func (e *StoreError) Is(target error) bool {
	switch e.Kind {
	case StoreRateLimited:
		return target == ErrRateLimited
	case StoreUnauthorized:
		return target == ErrUnauthorized
	case StoreValidationFailed:
		return target == ErrValidationFailed
	case StoreUnavailable:
		return target == ErrUpstreamUnavailable
	default:
		return false
	}
}

// MemoryRecordStore keeps records in process. It backs tests and the local
// backend profile.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	byKey   map[string]Record
	byID    map[string]string
	counter uint64
}

func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		byKey: map[string]Record{},
		byID:  map[string]string{},
	}
}

func (s *MemoryRecordStore) FindByIdempotencyKey(ctx context.Context, key string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.byKey[key]
	if !ok {
		return Record{}, ErrNotFound
	}
	return cloneRecord(record), nil
}

func (s *MemoryRecordStore) Create(ctx context.Context, record Record) (Record, error) {
	if record.Key == "" {
		return Record{}, &StoreError{Kind: StoreValidationFailed, Message: "missing idempotency key"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byKey[record.Key]; ok {
		// Create races resolve to the already-stored record.
		return cloneRecord(existing), nil
	}
	s.counter++
	now := time.Now().UTC()
	record.ID = fmt.Sprintf("rec_%s", uuid.NewString())
	record.CreatedAt = now
	record.UpdatedAt = now
	record.Payload = clonePayload(record.Payload)
	record.Clock = record.Clock.Clone()
	s.byKey[record.Key] = record
	s.byID[record.ID] = record.Key
	return cloneRecord(record), nil
}

func (s *MemoryRecordStore) Update(ctx context.Context, id string, record Record) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key, ok := s.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	existing := s.byKey[key]
	existing.Payload = clonePayload(record.Payload)
	existing.Source = record.Source
	existing.Clock = record.Clock.Clone()
	existing.UpdatedAt = time.Now().UTC()
	s.byKey[key] = existing
	return cloneRecord(existing), nil
}

// Len reports the number of stored records.
func (s *MemoryRecordStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byKey)
}

func cloneRecord(record Record) Record {
	record.Payload = clonePayload(record.Payload)
	record.Clock = record.Clock.Clone()
	return record
}
