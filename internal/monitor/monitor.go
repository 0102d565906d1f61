package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rewired-gh/flowwatch/internal/logger"
	"github.com/rewired-gh/flowwatch/internal/models"
)

type Config struct {
	Detector         DetectorConfig
	Cluster          ClusterConfig
	TopK             int
	PruneInterval    int
	FlagRetention    time.Duration
	MaxBufferedFlags int
}

func DefaultConfig() Config {
	return Config{
		Detector:         DefaultDetectorConfig(),
		Cluster:          DefaultClusterConfig(),
		TopK:             10,
		PruneInterval:    20,
		FlagRetention:    5 * time.Minute,
		MaxBufferedFlags: 10000,
	}
}

func (c Config) Validate() error {
	if err := c.Detector.Validate(); err != nil {
		return err
	}
	if err := c.Cluster.Validate(); err != nil {
		return err
	}
	if c.TopK < 1 {
		return errors.New("top_k must be at least 1")
	}
	if c.PruneInterval < 1 {
		return errors.New("prune_interval must be at least 1")
	}
	if c.FlagRetention < c.Cluster.TimeWindow {
		return fmt.Errorf("flag_retention must be at least the cluster time window (%v)", c.Cluster.TimeWindow)
	}
	if c.MaxBufferedFlags < c.Cluster.MinAnomalies {
		return errors.New("max_buffered_flags must be at least min_anomalies")
	}
	return nil
}

// CycleResult is the output of one detection cycle.
type CycleResult struct {
	Events int
	Flags  []models.AnomalyFlag
	Alerts []models.CompositeAlert
}

// Stats is a point-in-time view of the monitor's in-memory state.
type Stats struct {
	TrackedSymbols int
	BufferedFlags  int
	Cycles         int
	LastCycle      time.Time
}

// Monitor drives detection and clustering across polling cycles. Flags are retained for
// FlagRetention so a cluster can span several cycles; only alerts that contain at least one
// flag from the current cycle are reported.
type Monitor struct {
	mu         sync.Mutex
	registry   *Registry
	detector   *Detector
	clusterer  *Clusterer
	metrics    *Metrics
	config     Config
	pending    []models.AnomalyFlag
	cycleCount int
	lastCycle  time.Time
}

func New(config Config, metrics *Metrics) (*Monitor, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid monitor config: %w", err)
	}
	registry := NewRegistry(config.Detector.RollingWindows)
	detector, err := NewDetector(config.Detector, registry, metrics)
	if err != nil {
		return nil, err
	}
	clusterer, err := NewClusterer(config.Cluster)
	if err != nil {
		return nil, err
	}
	return &Monitor{
		registry:  registry,
		detector:  detector,
		clusterer: clusterer,
		metrics:   metrics,
		config:    config,
	}, nil
}

func (m *Monitor) Detector() *Detector   { return m.detector }
func (m *Monitor) Clusterer() *Clusterer { return m.clusterer }

// ProcessCycle scores a batch of events, clusters the retained flags and returns the
// cycle's new flags together with the top-K fresh composite alerts.
func (m *Monitor) ProcessCycle(ctx context.Context, events []models.MarketEvent) (CycleResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	flags, err := m.detector.DetectBatch(ctx, events)
	if err != nil {
		return CycleResult{}, err
	}

	fresh := make(map[flagKey]bool, len(flags))
	for _, f := range flags {
		fresh[keyOf(f)] = true
	}
	m.retain(flags)

	var alerts []models.CompositeAlert
	for _, a := range m.clusterer.Cluster(m.pending) {
		if containsFresh(a, fresh) {
			alerts = append(alerts, a)
		}
	}
	alerts = m.RankAlerts(alerts)
	for _, a := range alerts {
		m.metrics.alertEmitted(a.ConvictionScore)
	}

	m.cycleCount++
	m.lastCycle = start
	if m.cycleCount%m.config.PruneInterval == 0 {
		if removed := m.registry.Prune(m.newestSeen(events)); removed > 0 {
			logger.Debug("Pruned %d idle symbol trackers", removed)
		}
	}
	m.metrics.cycleFinished(time.Since(start), m.registry.Len())

	logger.Debug("Cycle %d: %d events, %d flags, %d buffered, %d alerts",
		m.cycleCount, len(events), len(flags), len(m.pending), len(alerts))

	return CycleResult{Events: len(events), Flags: flags, Alerts: alerts}, nil
}

// RankAlerts orders alerts by conviction, highest first, and keeps the top K.
func (m *Monitor) RankAlerts(alerts []models.CompositeAlert) []models.CompositeAlert {
	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].ConvictionScore != alerts[j].ConvictionScore {
			return alerts[i].ConvictionScore > alerts[j].ConvictionScore
		}
		return alerts[i].Timestamp.Before(alerts[j].Timestamp)
	})
	if len(alerts) > m.config.TopK {
		alerts = alerts[:m.config.TopK]
	}
	return alerts
}

func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		TrackedSymbols: m.registry.Len(),
		BufferedFlags:  len(m.pending),
		Cycles:         m.cycleCount,
		LastCycle:      m.lastCycle,
	}
}

// retain appends flags to the buffer and drops anything older than FlagRetention before the
// newest buffered flag, keeping at most MaxBufferedFlags.
func (m *Monitor) retain(flags []models.AnomalyFlag) {
	m.pending = append(m.pending, flags...)
	if len(m.pending) == 0 {
		return
	}
	sort.SliceStable(m.pending, func(i, j int) bool {
		return m.pending[i].Timestamp.Before(m.pending[j].Timestamp)
	})

	cutoff := m.pending[len(m.pending)-1].Timestamp.Add(-m.config.FlagRetention)
	i := sort.Search(len(m.pending), func(i int) bool { return !m.pending[i].Timestamp.Before(cutoff) })
	if over := len(m.pending) - m.config.MaxBufferedFlags; over > i {
		i = over
	}
	if i > 0 {
		m.pending = append(m.pending[:0:0], m.pending[i:]...)
	}
}

func (m *Monitor) newestSeen(events []models.MarketEvent) time.Time {
	var newest time.Time
	for _, ev := range events {
		if ev.Timestamp.After(newest) {
			newest = ev.Timestamp
		}
	}
	if newest.IsZero() {
		return time.Now()
	}
	return newest
}

type flagKey struct {
	symbol    string
	timestamp int64
	anomaly   models.AnomalyType
	source    string
}

func keyOf(f models.AnomalyFlag) flagKey {
	return flagKey{f.Symbol, f.Timestamp.UnixNano(), f.Type, f.Source}
}

func containsFresh(a models.CompositeAlert, fresh map[flagKey]bool) bool {
	for _, f := range a.Members {
		if fresh[keyOf(f)] {
			return true
		}
	}
	return false
}
