package feed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/flowwatch/internal/logger"
	"github.com/rewired-gh/flowwatch/internal/models"
)

// Poller fetches from several sources concurrently and keeps a per-source cursor at the newest
// event seen. Each poll reaches back overlap before the cursor so events a source publishes late
// are still picked up; events already delivered inside that overlap are dropped by
// (symbol, timestamp, source, kind). An event arriving later than overlap behind the cursor is lost.
type Poller struct {
	sources  []Source
	symbols  []string
	lookback time.Duration
	overlap  time.Duration
	workers  int

	mu      sync.Mutex
	cursors map[string]time.Time
	seen    map[string]map[eventKey]struct{}
}

type eventKey struct {
	symbol    string
	timestamp int64
	source    string
	kind      models.EventKind
}

func keyOf(ev models.MarketEvent) eventKey {
	return eventKey{ev.Symbol, ev.Timestamp.UnixNano(), ev.Source, ev.Kind}
}

// NewPoller creates a poller. lookback bounds how far back the first poll of each source reaches;
// overlap is how far behind its cursor each later poll starts.
func NewPoller(sources []Source, symbols []string, lookback, overlap time.Duration, workers int) *Poller {
	if workers < 1 {
		workers = len(sources)
	}
	if overlap < 0 {
		overlap = 0
	}
	return &Poller{
		sources:  sources,
		symbols:  symbols,
		lookback: lookback,
		overlap:  overlap,
		workers:  workers,
		cursors:  make(map[string]time.Time),
		seen:     make(map[string]map[eventKey]struct{}),
	}
}

// Poll fetches every source. A failing source is logged and skipped; Poll fails only when
// every source fails. Returned events are ordered by timestamp.
func (p *Poller) Poll(ctx context.Context, now time.Time) ([]models.MarketEvent, error) {
	if len(p.sources) == 0 {
		return nil, errors.New("no feed sources configured")
	}

	results := make([][]models.MarketEvent, len(p.sources))
	errs := make([]error, len(p.sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for i, src := range p.sources {
		since := p.cursor(src.Name(), now)
		g.Go(func() error {
			events, err := src.Fetch(gctx, p.symbols, since)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = events
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var events []models.MarketEvent
	failed := 0
	for i, src := range p.sources {
		if errs[i] != nil {
			failed++
			logger.Warn("Feed %s failed: %v", src.Name(), errs[i])
			continue
		}
		events = append(events, p.admit(src.Name(), results[i])...)
	}
	if failed == len(p.sources) {
		return nil, fmt.Errorf("all %d feeds failed: %w", failed, errors.Join(errs...))
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

func (p *Poller) cursor(name string, now time.Time) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.cursors[name]; ok {
		return c.Add(-p.overlap)
	}
	if p.lookback <= 0 {
		return time.Time{}
	}
	return now.Add(-p.lookback)
}

// admit drops events already delivered for this source, advances its cursor and forgets keys
// that have fallen out of the overlap.
func (p *Poller) admit(name string, events []models.MarketEvent) []models.MarketEvent {
	p.mu.Lock()
	defer p.mu.Unlock()

	seen := p.seen[name]
	if seen == nil {
		seen = make(map[eventKey]struct{})
		p.seen[name] = seen
	}

	fresh := events[:0:0]
	newest := p.cursors[name]
	for _, ev := range events {
		k := keyOf(ev)
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		fresh = append(fresh, ev)
		if ev.Timestamp.After(newest) {
			newest = ev.Timestamp
		}
	}
	if newest.IsZero() {
		return fresh
	}
	p.cursors[name] = newest

	horizon := newest.Add(-p.overlap).UnixNano()
	for k := range seen {
		if k.timestamp < horizon {
			delete(seen, k)
		}
	}
	return fresh
}
