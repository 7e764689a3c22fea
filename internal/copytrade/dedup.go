package copytrade

import (
	"sync"
	"time"
)

// dedupSet remembers fill order ids for a sliding window so a leader fill
// reported twice by a flaky stream reconnect is only ever copied once.
// Grounded on the same time-windowed dedup shape internal/signal uses for
// webhook alerts, kept in-process here since copy fan-out doesn't need the
// cross-restart durability a store-backed table would give it.
type dedupSet struct {
	mu     sync.Mutex
	window time.Duration
	seen   map[string]time.Time
}

func newDedupSet(window time.Duration) *dedupSet {
	return &dedupSet{window: window, seen: make(map[string]time.Time)}
}

// seenRecently reports whether key was marked within the window and, if
// not, marks it now — check-and-mark in one call so callers can't race
// between checking and marking.
func (d *dedupSet) seenRecently(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for k, t := range d.seen {
		if now.Sub(t) > d.window {
			delete(d.seen, k)
		}
	}

	if last, ok := d.seen[key]; ok && now.Sub(last) <= d.window {
		return true
	}
	d.seen[key] = now
	return false
}
