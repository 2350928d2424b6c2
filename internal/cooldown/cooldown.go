// Package cooldown tracks per-key back-off windows.
package cooldown

import (
	"strings"
	"sync"
	"time"
)

// Tracker remembers when a key was last marked and reports whether it is
// still inside its cooldown window.
type Tracker struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	stamps map[string]time.Time
}

// New creates a tracker with the given window
func New(ttl time.Duration) *Tracker {
	return &Tracker{ttl: ttl, now: time.Now, stamps: make(map[string]time.Time)}
}

// WithClock replaces the time source
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// Mark starts a new window for key
func (t *Tracker) Mark(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stamps[strings.ToLower(key)] = t.now()
}

// Active reports whether key was marked less than ttl ago
func (t *Tracker) Active(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key = strings.ToLower(key)
	stamp, ok := t.stamps[key]
	if !ok {
		return false
	}
	if t.now().Sub(stamp) >= t.ttl {
		delete(t.stamps, key)
		return false
	}
	return true
}

// Clear forgets key
func (t *Tracker) Clear(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.stamps, strings.ToLower(key))
}
