package chittysync

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Strategy string

const (
	StrategyLastWriteWins Strategy = "last-write-wins"
	StrategyMerge         Strategy = "merge"
	StrategyManual        Strategy = "manual"
)

type ConflictStatus string

const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
	ConflictManual   ConflictStatus = "manual"
)

// Candidate is one version of a logical record competing in a conflict.
type Candidate struct {
	Source    string         `json:"source"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
	Clock     VectorClock    `json:"vectorClock"`
}

type Resolution struct {
	Strategy   Strategy  `json:"strategy"`
	Winner     Candidate `json:"winner"`
	ResolvedAt time.Time `json:"resolvedAt"`
	ResolvedBy string    `json:"resolvedBy"`
}

// ConflictRecord is produced when candidates for the same logical record
// carry concurrent vector clocks. A manual record left unresolved is a
// legitimate terminal state, not an error.
type ConflictRecord struct {
	ID         string         `json:"id"`
	Key        string         `json:"key"`
	Candidates []Candidate    `json:"candidates"`
	Status     ConflictStatus `json:"status"`
	Resolution *Resolution    `json:"resolution,omitempty"`
	DetectedAt time.Time      `json:"detectedAt"`
}

// Outcome reports the result of resolving a set of candidates. Pending means
// the configured strategy is manual and no winner was picked.
type Outcome struct {
	Winner   Candidate
	Pending  bool
	Conflict *ConflictRecord
}

// ConflictResolver picks a winner among concurrent versions of a record.
// Resolution is deterministic given identical inputs: candidates are ordered
// by wall-clock timestamp, then lexicographically by source.
type ConflictResolver struct {
	mu       sync.Mutex
	strategy Strategy
	records  map[string]*ConflictRecord
	resolved uint64
	manual   uint64
	now      func() time.Time
}

func NewConflictResolver(strategy Strategy) (*ConflictResolver, error) {
	switch strategy {
	case StrategyLastWriteWins, StrategyMerge, StrategyManual:
	default:
		return nil, fmt.Errorf("%w: unknown conflict strategy %q", ErrInvalidInput, strategy)
	}
	return &ConflictResolver{
		strategy: strategy,
		records:  map[string]*ConflictRecord{},
		now:      time.Now,
	}, nil
}

// Resolve orders the candidates causally. When a total order exists the
// causally-latest candidate wins with no conflict recorded; otherwise a
// ConflictRecord is emitted and the configured strategy applied.
func (r *ConflictResolver) Resolve(key string, candidates []Candidate) (Outcome, error) {
	if len(candidates) == 0 {
		return Outcome{}, fmt.Errorf("%w: resolve requires at least one candidate", ErrInvalidInput)
	}
	if len(candidates) == 1 {
		return Outcome{Winner: candidates[0]}, nil
	}

	if winner, ok := causallyLatest(candidates); ok {
		return Outcome{Winner: winner}, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	record := &ConflictRecord{
		ID:         uuid.NewString(),
		Key:        key,
		Candidates: append([]Candidate(nil), candidates...),
		Status:     ConflictPending,
		DetectedAt: now,
	}
	r.records[record.ID] = record

	switch r.strategy {
	case StrategyManual:
		record.Status = ConflictManual
		r.manual++
		return Outcome{Pending: true, Conflict: record}, nil
	case StrategyMerge:
		winner := mergeCandidates(candidates)
		record.Status = ConflictResolved
		record.Resolution = &Resolution{
			Strategy:   StrategyMerge,
			Winner:     winner,
			ResolvedAt: now,
			ResolvedBy: "resolver",
		}
		r.resolved++
		return Outcome{Winner: winner, Conflict: record}, nil
	default:
		// Wall-clock order can contradict causal order; last resort only.
		winner := latestByTimestamp(candidates)
		record.Status = ConflictResolved
		record.Resolution = &Resolution{
			Strategy:   StrategyLastWriteWins,
			Winner:     winner,
			ResolvedAt: now,
			ResolvedBy: "resolver",
		}
		r.resolved++
		return Outcome{Winner: winner, Conflict: record}, nil
	}
}

// ResolveManual settles a pending or manual conflict with the candidate from
// winnerSource, for out-of-band resolution surfaces.
func (r *ConflictResolver) ResolveManual(id, winnerSource, resolvedBy string) (ConflictRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.records[id]
	if !ok {
		return ConflictRecord{}, ErrNotFound
	}
	if record.Status == ConflictResolved {
		return ConflictRecord{}, fmt.Errorf("%w: conflict %s already resolved", ErrInvalidInput, id)
	}
	for _, candidate := range record.Candidates {
		if candidate.Source != winnerSource {
			continue
		}
		wasManual := record.Status == ConflictManual
		record.Status = ConflictResolved
		record.Resolution = &Resolution{
			Strategy:   StrategyManual,
			Winner:     candidate,
			ResolvedAt: r.now(),
			ResolvedBy: resolvedBy,
		}
		r.resolved++
		if wasManual && r.manual > 0 {
			r.manual--
		}
		return *record, nil
	}
	return ConflictRecord{}, fmt.Errorf("%w: no candidate from source %q", ErrInvalidInput, winnerSource)
}

func (r *ConflictResolver) Records() []ConflictRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ConflictRecord, 0, len(r.records))
	for _, record := range r.records {
		out = append(out, *record)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DetectedAt.Before(out[j].DetectedAt)
	})
	return out
}

func (r *ConflictResolver) Counts() (resolved, manual uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolved, r.manual
}

func (r *ConflictResolver) restore(records []ConflictRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range records {
		record := records[i]
		if _, exists := r.records[record.ID]; exists {
			continue
		}
		r.records[record.ID] = &record
		switch record.Status {
		case ConflictResolved:
			r.resolved++
		case ConflictManual:
			r.manual++
		}
	}
}

// causallyLatest reports the candidate that causally dominates every other,
// provided the clocks admit a total order. Equal clocks tie-break by
// timestamp, then lexicographically by source.
func causallyLatest(candidates []Candidate) (Candidate, bool) {
	for i := 0; i < len(candidates); i++ {
		for j := i + 1; j < len(candidates); j++ {
			if Compare(candidates[i].Clock, candidates[j].Clock) == OrderConcurrent {
				return Candidate{}, false
			}
		}
	}
	latest := candidates[0]
	for _, candidate := range candidates[1:] {
		switch Compare(latest.Clock, candidate.Clock) {
		case OrderBefore:
			latest = candidate
		case OrderEqual:
			if candidate.Timestamp.After(latest.Timestamp) ||
				(candidate.Timestamp.Equal(latest.Timestamp) && candidate.Source < latest.Source) {
				latest = candidate
			}
		}
	}
	return latest, true
}

func latestByTimestamp(candidates []Candidate) Candidate {
	winner := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidate.Timestamp.After(winner.Timestamp) {
			winner = candidate
			continue
		}
		if candidate.Timestamp.Equal(winner.Timestamp) && candidate.Source < winner.Source {
			winner = candidate
		}
	}
	return winner
}

// mergeCandidates unions payload fields across candidates ordered oldest to
// newest, so a later candidate's value wins any field-level disagreement.
func mergeCandidates(candidates []Candidate) Candidate {
	ordered := append([]Candidate(nil), candidates...)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].Source < ordered[j].Source
		}
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})
	merged := map[string]any{}
	clock := VectorClock{}
	for _, candidate := range ordered {
		for field, value := range candidate.Payload {
			merged[field] = value
		}
		clock.Merge(candidate.Clock)
	}
	winner := ordered[len(ordered)-1]
	winner.Payload = merged
	winner.Clock = clock
	return winner
}
