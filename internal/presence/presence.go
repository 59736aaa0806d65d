// Package presence counts viewer sessions from their heartbeats.
package presence

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is how long a session counts as active after a heartbeat.
const DefaultTTL = 30 * time.Second

// Tracker maps viewer session ids to their last heartbeat. It knows nothing
// about aircraft and is never consulted when broadcasting.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]time.Time
	last     time.Time
	ttl      time.Duration
	now      func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// New creates an empty tracker. A non-positive ttl selects DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Tracker {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	t := &Tracker{
		sessions: make(map[string]time.Time),
		ttl:      ttl,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Heartbeat refreshes the session, creating it first when needed. A blank
// id gets a freshly generated one. It returns the session id and the number
// of live sessions.
func (t *Tracker) Heartbeat(id string) (string, int) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}

	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sessions[id] = now
	t.last = now
	t.sweepLocked(now)
	return id, len(t.sessions)
}

// Count removes expired sessions and returns how many remain.
func (t *Tracker) Count() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sweepLocked(now)
	return len(t.sessions)
}

// Sweep removes expired sessions and returns how many were dropped.
func (t *Tracker) Sweep() int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sweepLocked(now)
}

// LastActivity returns the time of the most recent heartbeat from any
// session. ok is false if no heartbeat has been received yet.
func (t *Tracker) LastActivity() (last time.Time, ok bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.last, !t.last.IsZero()
}

func (t *Tracker) sweepLocked(now time.Time) int {
	removed := 0
	for id, seen := range t.sessions {
		if now.Sub(seen) > t.ttl {
			delete(t.sessions, id)
			removed++
		}
	}
	return removed
}
