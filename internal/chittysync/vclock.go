package chittysync

import "sync"

// VectorClock maps a node id to a monotonically non-decreasing counter.
// Missing entries count as zero, so clocks from previously-unknown nodes
// merge cleanly.
type VectorClock map[string]uint64

type Ordering int

const (
	OrderEqual Ordering = iota
	OrderBefore
	OrderAfter
	OrderConcurrent
)

func (o Ordering) String() string {
	switch o {
	case OrderEqual:
		return "equal"
	case OrderBefore:
		return "before"
	case OrderAfter:
		return "after"
	default:
		return "concurrent"
	}
}

func (c VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(c))
	for node, counter := range c {
		out[node] = counter
	}
	return out
}

// Merge folds other into c taking the pointwise maximum. Merge is
// commutative and idempotent, so concurrent merges settling per-entry maxima
// cannot lose a node's value.
func (c VectorClock) Merge(other VectorClock) {
	for node, counter := range other {
		if counter > c[node] {
			c[node] = counter
		}
	}
}

// Compare establishes the causal relation between two clocks.
func Compare(a, b VectorClock) Ordering {
	aLeq, bLeq := true, true
	for node, counter := range a {
		if counter > b[node] {
			aLeq = false
			break
		}
	}
	for node, counter := range b {
		if counter > a[node] {
			bLeq = false
			break
		}
	}
	switch {
	case aLeq && bLeq:
		return OrderEqual
	case aLeq:
		return OrderBefore
	case bLeq:
		return OrderAfter
	default:
		return OrderConcurrent
	}
}

// ClockTracker guards the long-lived session clock against concurrent ticks
// and merges. Local submissions call Tick before emission; clocks observed
// from peers are folded in with Observe.
type ClockTracker struct {
	mu    sync.Mutex
	clock VectorClock
}

func NewClockTracker() *ClockTracker {
	return &ClockTracker{clock: VectorClock{}}
}

// Tick increments the node's own counter and returns a snapshot suitable for
// attaching to an outbound operation.
func (t *ClockTracker) Tick(node string) VectorClock {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock[node]++
	return t.clock.Clone()
}

// Observe merges a remote clock and returns the updated snapshot.
func (t *ClockTracker) Observe(other VectorClock) VectorClock {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock.Merge(other)
	return t.clock.Clone()
}

func (t *ClockTracker) Snapshot() VectorClock {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.clock.Clone()
}

func (t *ClockTracker) restore(clock VectorClock) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock.Merge(clock)
}
