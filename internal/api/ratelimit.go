package api

import (
	"math"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"
)

// ingestLimiter keeps one token bucket per aircraft id. Buckets of
// producers that went quiet expire with the cache.
type ingestLimiter struct {
	limit rate.Limit
	burst int

	mu      sync.Mutex
	buckets *expirable.LRU[string, *rate.Limiter]
}

// newIngestLimiter returns a limiter that allows everything when perSecond
// is not positive.
func newIngestLimiter(perSecond float64, burst int) *ingestLimiter {
	if perSecond <= 0 {
		return &ingestLimiter{limit: rate.Inf}
	}
	return &ingestLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: expirable.NewLRU[string, *rate.Limiter](4096, nil, 10*time.Minute),
	}
}

// Allow reports whether a report for id may be accepted now.
func (l *ingestLimiter) Allow(id string) bool {
	if l.limit == rate.Inf {
		return true
	}

	l.mu.Lock()
	lim, ok := l.buckets.Get(id)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.buckets.Add(id, lim)
	}
	l.mu.Unlock()

	return lim.Allow()
}

// retryAfter is how long a limited producer should wait for its next
// token, in whole seconds.
func (l *ingestLimiter) retryAfter() time.Duration {
	if l.limit == rate.Inf || l.limit <= 0 {
		return time.Second
	}
	secs := math.Ceil(1 / float64(l.limit))
	return time.Duration(max(secs, 1)) * time.Second
}
