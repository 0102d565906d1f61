package monitor

import (
	"sort"
	"time"
)

// Registry owns one Tracker per symbol. It is created once per process and is not safe
// for concurrent mutation; callers that fan out per symbol must create trackers first.
type Registry struct {
	windows  []time.Duration
	trackers map[string]*Tracker
}

func NewRegistry(windows []time.Duration) *Registry {
	return &Registry{
		windows:  windows,
		trackers: make(map[string]*Tracker),
	}
}

// GetOrCreate returns the tracker for symbol, creating it on first use.
func (r *Registry) GetOrCreate(symbol string) *Tracker {
	if t, exists := r.trackers[symbol]; exists {
		return t
	}
	t := NewTracker(symbol, r.windows)
	r.trackers[symbol] = t
	return t
}

// Get returns the tracker for symbol without creating one.
func (r *Registry) Get(symbol string) (*Tracker, bool) {
	t, ok := r.trackers[symbol]
	return t, ok
}

func (r *Registry) Len() int {
	return len(r.trackers)
}

// Symbols returns the tracked symbols in sorted order.
func (r *Registry) Symbols() []string {
	out := make([]string, 0, len(r.trackers))
	for s := range r.trackers {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Prune drops trackers whose newest observation has fallen out of their largest window
// as of now, and returns how many were removed.
func (r *Registry) Prune(now time.Time) int {
	removed := 0
	for symbol, t := range r.trackers {
		last := t.LastObservation()
		if last.IsZero() || now.Sub(last) > t.horizon {
			delete(r.trackers, symbol)
			removed++
		}
	}
	return removed
}
