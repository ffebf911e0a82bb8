package session

import (
	"math"
	"sync"
)

// Registry is the temporal dedup set for one session. Overlapping scan
// windows can both detect the same physical delivery; the registry makes
// sure only the first detection within the separation threshold wins.
//
// Entries are never removed; the registry lives and dies with its
// session.
type Registry struct {
	mu        sync.Mutex
	threshold float64
	accepted  []float64
}

// NewRegistry creates a registry enforcing the given minimum separation
// in seconds between accepted timestamps.
func NewRegistry(threshold float64) *Registry {
	return &Registry{threshold: threshold}
}

// Accept records the timestamp and returns true iff no previously
// accepted timestamp lies within the threshold. Check and insert are a
// single critical section so concurrent near-duplicates resolve to
// exactly one winner.
func (r *Registry) Accept(ts float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, prev := range r.accepted {
		if math.Abs(prev-ts) < r.threshold {
			return false
		}
	}
	r.accepted = append(r.accepted, ts)
	return true
}

// Len returns the number of accepted timestamps.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.accepted)
}
