// Package registry holds the live position of every reporting aircraft.
package registry

import (
	"sync"
	"time"

	"github.com/brunoga/deep"

	"github.com/unklstewy/sim-traffic-hub/pkg/traffic"
)

// DefaultTTL is how long an aircraft stays live after its last report.
const DefaultTTL = 30 * time.Second

// Registry maps aircraft id to its most recent accepted state. It is the
// only owner of AircraftState values; callers always receive copies.
type Registry struct {
	mu       sync.RWMutex
	aircraft map[string]traffic.AircraftState
	ttl      time.Duration
	now      func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// New creates an empty registry. A non-positive ttl selects DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &Registry{
		aircraft: make(map[string]traffic.AircraftState),
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TTL returns the expiry window.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Upsert validates the report and replaces (or inserts) the entry for its
// id, stamping it with the current time. A rejected report leaves the
// registry unchanged and returns a *traffic.ValidationError.
func (r *Registry) Upsert(report traffic.Report) (traffic.AircraftState, error) {
	if err := report.Validate(); err != nil {
		return traffic.AircraftState{}, err
	}

	state := report.State(r.now().UTC())

	r.mu.Lock()
	r.aircraft[state.ID] = state
	r.mu.Unlock()

	return deep.MustCopy(state), nil
}

// Remove deletes the entry for id and reports whether one existed.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.aircraft[id]
	delete(r.aircraft, id)
	return ok
}

// Get returns a copy of a single live entry.
func (r *Registry) Get(id string) (traffic.AircraftState, bool) {
	r.mu.RLock()
	state, ok := r.aircraft[id]
	r.mu.RUnlock()

	if !ok || r.expired(state, r.now()) {
		return traffic.AircraftState{}, false
	}
	return deep.MustCopy(state), true
}

// Snapshot returns point-in-time copies of all live entries. Stale entries
// are skipped but stay in the map until the next Sweep. Order is not
// significant.
func (r *Registry) Snapshot() []traffic.AircraftState {
	now := r.now()

	r.mu.RLock()
	live := make([]traffic.AircraftState, 0, len(r.aircraft))
	for _, state := range r.aircraft {
		if !r.expired(state, now) {
			live = append(live, state)
		}
	}
	r.mu.RUnlock()

	// Copy outside the lock; map values are never mutated in place so the
	// shallow copies taken above are stable.
	return deep.MustCopy(live)
}

// Sweep physically removes stale entries and returns their ids.
func (r *Registry) Sweep() []string {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []string
	for id, state := range r.aircraft {
		if r.expired(state, now) {
			delete(r.aircraft, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Len returns the number of stored entries, stale or not.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.aircraft)
}

func (r *Registry) expired(state traffic.AircraftState, now time.Time) bool {
	return now.Sub(state.LastSeen) > r.ttl
}
