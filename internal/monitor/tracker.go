package monitor

import (
	"fmt"
	"sort"
	"time"

	"github.com/rewired-gh/flowwatch/internal/models"
)

// Metric selects one of the tracked observation series.
type Metric int

const (
	MetricPrice Metric = iota
	MetricVolume
	MetricTradeSize
	metricCount
)

func (m Metric) String() string {
	switch m {
	case MetricPrice:
		return "price"
	case MetricVolume:
		return "volume"
	case MetricTradeSize:
		return "trade_size"
	}
	return fmt.Sprintf("metric(%d)", int(m))
}

// DefaultWindows are the rolling baselines kept per metric.
var DefaultWindows = []time.Duration{60 * time.Second, 300 * time.Second, 1800 * time.Second}

type point struct {
	at    time.Time
	value float64
}

// series is kept sorted by timestamp.
type series struct {
	points []point
}

func (s *series) insert(at time.Time, v float64) {
	n := len(s.points)
	if n == 0 || !at.Before(s.points[n-1].at) {
		s.points = append(s.points, point{at, v})
		return
	}
	// late arrival: keep order, after any equal timestamps
	i := sort.Search(n, func(i int) bool { return s.points[i].at.After(at) })
	s.points = append(s.points, point{})
	copy(s.points[i+1:], s.points[i:])
	s.points[i] = point{at, v}
}

func (s *series) evictBefore(cutoff time.Time) {
	i := sort.Search(len(s.points), func(i int) bool { return !s.points[i].at.Before(cutoff) })
	if i == 0 {
		return
	}
	n := copy(s.points, s.points[i:])
	s.points = s.points[:n]
}

func (s *series) since(start time.Time) []float64 {
	i := sort.Search(len(s.points), func(i int) bool { return !s.points[i].at.Before(start) })
	out := make([]float64, 0, len(s.points)-i)
	for _, p := range s.points[i:] {
		out = append(out, p.value)
	}
	return out
}

// WindowStats summarizes one metric over one window.
type WindowStats struct {
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Median float64 `json:"median"`
}

// Tracker keeps rolling price, volume and trade-size observations for a single symbol.
//
// Windows are measured back from the newest timestamp the tracker has seen. A window
// includes observations at exactly its start and excludes anything strictly older.
// Observations older than the largest window are dropped.
//
// A Tracker is not safe for concurrent use; each symbol's tracker must be driven by one
// goroutine at a time.
type Tracker struct {
	symbol   string
	windows  []time.Duration
	horizon  time.Duration
	now      time.Time
	lastData time.Time
	series   [metricCount]series
}

// NewTracker creates a tracker for symbol. An empty windows slice selects DefaultWindows.
func NewTracker(symbol string, windows []time.Duration) *Tracker {
	if len(windows) == 0 {
		windows = DefaultWindows
	}
	ws := make([]time.Duration, len(windows))
	copy(ws, windows)
	sort.Slice(ws, func(i, j int) bool { return ws[i] < ws[j] })

	return &Tracker{
		symbol:  symbol,
		windows: ws,
		horizon: ws[len(ws)-1],
	}
}

func (t *Tracker) Symbol() string { return t.symbol }

// Now is the newest timestamp the tracker has processed.
func (t *Tracker) Now() time.Time { return t.now }

// LastObservation is the timestamp of the newest recorded observation, zero if none.
func (t *Tracker) LastObservation() time.Time { return t.lastData }

// Windows returns the configured windows in ascending order.
func (t *Tracker) Windows() []time.Duration {
	out := make([]time.Duration, len(t.windows))
	copy(out, t.windows)
	return out
}

// AdvanceTo moves the tracker's clock forward to ts and evicts expired observations.
// It never records data and never moves the clock backwards.
func (t *Tracker) AdvanceTo(ts time.Time) {
	if !ts.After(t.now) {
		return
	}
	t.now = ts
	cutoff := t.now.Add(-t.horizon)
	for i := range t.series {
		t.series[i].evictBefore(cutoff)
	}
}

// AddObservation records the metrics present in m at ts. Trade size is optional.
// Observations already older than the largest window are ignored.
func (t *Tracker) AddObservation(ts time.Time, m models.Measures) {
	t.AdvanceTo(ts)
	if ts.Before(t.now.Add(-t.horizon)) {
		return
	}
	if m.HasPrice {
		t.series[MetricPrice].insert(ts, m.Price)
	}
	if m.HasVolume {
		t.series[MetricVolume].insert(ts, m.Volume)
	}
	if m.HasTradeSize {
		t.series[MetricTradeSize].insert(ts, m.TradeSize)
	}
	if !m.Empty() && ts.After(t.lastData) {
		t.lastData = ts
	}
}

// Values returns the observations of metric within window, oldest first.
func (t *Tracker) Values(metric Metric, window time.Duration) []float64 {
	if metric < 0 || metric >= metricCount {
		return nil
	}
	return t.series[metric].since(t.now.Add(-window))
}

// Count is the number of observations of metric within window.
func (t *Tracker) Count(metric Metric, window time.Duration) int {
	return len(t.Values(metric, window))
}

// Summary returns count, mean, sample standard deviation and median for metric within window.
func (t *Tracker) Summary(metric Metric, window time.Duration) WindowStats {
	values := t.Values(metric, window)
	mean, std := MeanStdDev(values)
	return WindowStats{
		Count:  len(values),
		Mean:   mean,
		StdDev: std,
		Median: Median(values),
	}
}

// PriceZScore scores price against the price baseline in window; 0 on flat or insufficient history.
func (t *Tracker) PriceZScore(price float64, window time.Duration) float64 {
	return ZScore(price, t.Values(MetricPrice, window))
}

// VolumeZScore scores volume against the volume baseline in window; 0 on flat or insufficient history.
func (t *Tracker) VolumeZScore(volume float64, window time.Duration) float64 {
	return ZScore(volume, t.Values(MetricVolume, window))
}

// TradeSizeRatio is tradeSize divided by the median trade size in window.
// It returns the neutral 1.0 when fewer than two sizes are in window or the median is not positive.
func (t *Tracker) TradeSizeRatio(tradeSize float64, window time.Duration) float64 {
	values := t.Values(MetricTradeSize, window)
	if len(values) < 2 {
		return 1.0
	}
	median := Median(values)
	if median <= 0 {
		return 1.0
	}
	return tradeSize / median
}
