// Package throttle caps how often a notification rule may fire.
package throttle

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// DefaultCleanupInterval is how often expired rule windows are purged.
const DefaultCleanupInterval = time.Minute

// State is a snapshot of one rule's window.
type State struct {
	Count       int       `json:"count"`
	WindowStart time.Time `json:"windowStart"`
}

// Tracker is a sliding-window counter keyed by rule id. Each rule keeps the
// timestamps of its firings inside the current window; entries expire from
// the cache once their window has passed.
type Tracker struct {
	mu    sync.Mutex
	cache *gocache.Cache
	now   func() time.Time
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		t.now = now
	}
}

// WithCleanupInterval sets how often the cache janitor runs.
func WithCleanupInterval(d time.Duration) Option {
	return func(t *Tracker) {
		t.cache = gocache.New(gocache.NoExpiration, d)
	}
}

// NewTracker creates an empty Tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		cache: gocache.New(gocache.NoExpiration, DefaultCleanupInterval),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Allow reports whether ruleID has fired fewer than count times within the
// trailing window. It does not record a firing.
func (t *Tracker) Allow(ruleID string, count int, window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.live(ruleID, window)) < count
}

// Record counts one firing of ruleID.
func (t *Tracker) Record(ruleID string, window time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.record(ruleID, window)
}

// Acquire checks capacity and records a firing in one step. It returns false,
// recording nothing, when the window is already full.
func (t *Tracker) Acquire(ruleID string, count int, window time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.live(ruleID, window)) >= count {
		return false
	}
	t.record(ruleID, window)
	return true
}

// State returns the current window of ruleID.
func (t *Tracker) State(ruleID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.cache.Get(ruleID)
	if !ok {
		return State{}, false
	}
	hits := v.([]time.Time)
	if len(hits) == 0 {
		return State{}, false
	}
	return State{Count: len(hits), WindowStart: hits[0]}, true
}

// Reset forgets every firing of ruleID.
func (t *Tracker) Reset(ruleID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cache.Delete(ruleID)
}

// live returns the firings of ruleID still inside window, dropping older ones.
// Callers hold t.mu.
func (t *Tracker) live(ruleID string, window time.Duration) []time.Time {
	v, ok := t.cache.Get(ruleID)
	if !ok {
		return nil
	}
	hits := v.([]time.Time)
	cutoff := t.now().Add(-window)
	i := 0
	for i < len(hits) && hits[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	hits = append([]time.Time(nil), hits[i:]...)
	if len(hits) == 0 {
		t.cache.Delete(ruleID)
		return nil
	}
	t.cache.Set(ruleID, hits, window)
	return hits
}

func (t *Tracker) record(ruleID string, window time.Duration) {
	hits := t.live(ruleID, window)
	hits = append(append([]time.Time(nil), hits...), t.now())
	t.cache.Set(ruleID, hits, window)
}
