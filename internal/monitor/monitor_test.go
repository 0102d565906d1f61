package monitor

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/flowwatch/internal/models"
)

func newTestMonitor(t *testing.T, mutate func(c *Config)) (*Monitor, *Metrics) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Detector.Workers = 2
	if mutate != nil {
		mutate(&cfg)
	}
	metrics := NewMetrics(prometheus.NewRegistry())
	m, err := New(cfg, metrics)
	require.NoError(t, err)
	return m, metrics
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"zero top k", func(c *Config) { c.TopK = 0 }},
		{"zero prune interval", func(c *Config) { c.PruneInterval = 0 }},
		{"retention shorter than cluster window", func(c *Config) { c.FlagRetention = time.Minute }},
		{"buffer smaller than min anomalies", func(c *Config) { c.MaxBufferedFlags = 1 }},
		{"bad detector", func(c *Config) { c.Detector.PriceZScoreThreshold = 0 }},
		{"bad cluster", func(c *Config) { c.Cluster.MinAnomalies = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := New(cfg, nil)
			assert.Error(t, err)
		})
	}
}

func TestMonitor_ClusterSpansCycles(t *testing.T) {
	m, metrics := newTestMonitor(t, nil)
	ctx := context.Background()

	res, err := m.ProcessCycle(ctx, []models.MarketEvent{options("XYZ", t0, 2000)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Events)
	assert.Len(t, res.Flags, 1)
	assert.Empty(t, res.Alerts)

	res, err = m.ProcessCycle(ctx, []models.MarketEvent{options("XYZ", t0.Add(time.Minute), 3000)})
	require.NoError(t, err)
	require.Len(t, res.Alerts, 1)
	a := res.Alerts[0]
	assert.Len(t, a.Members, 2)
	assert.Equal(t, t0, a.Timestamp)
	assert.Equal(t, "repeated options_sweep anomalies", a.NarrativeTag)

	// nothing new: the same cluster is not reported again
	res, err = m.ProcessCycle(ctx, []models.MarketEvent{options("XYZ", t0.Add(2*time.Minute), 10)})
	require.NoError(t, err)
	assert.Empty(t, res.Flags)
	assert.Empty(t, res.Alerts)

	stats := m.Stats()
	assert.Equal(t, 3, stats.Cycles)
	assert.Equal(t, 2, stats.BufferedFlags)
	assert.Equal(t, 1, stats.TrackedSymbols)
	assert.False(t, stats.LastCycle.IsZero())

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AlertsEmitted))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.FlagsEmitted.WithLabelValues(string(models.AnomalyOptionsSweep))))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.EventsProcessed.WithLabelValues(string(models.KindOptions))))
}

func TestMonitor_TopK(t *testing.T) {
	m, _ := newTestMonitor(t, func(c *Config) { c.TopK = 2 })

	var events []models.MarketEvent
	for i, sym := range []string{"AAA", "BBB", "CCC", "DDD"} {
		contracts := 1000 + float64(i)*250
		events = append(events,
			options(sym, t0, contracts),
			options(sym, t0.Add(time.Second), contracts),
		)
	}

	res, err := m.ProcessCycle(context.Background(), events)
	require.NoError(t, err)
	assert.Len(t, res.Flags, 8)
	require.Len(t, res.Alerts, 2)
	assert.Equal(t, "DDD", res.Alerts[0].Symbol)
	assert.Equal(t, "CCC", res.Alerts[1].Symbol)
	assert.GreaterOrEqual(t, res.Alerts[0].ConvictionScore, res.Alerts[1].ConvictionScore)
}

func TestMonitor_RetentionDropsOldFlags(t *testing.T) {
	m, _ := newTestMonitor(t, nil)
	ctx := context.Background()

	_, err := m.ProcessCycle(ctx, []models.MarketEvent{options("XYZ", t0, 2000)})
	require.NoError(t, err)

	res, err := m.ProcessCycle(ctx, []models.MarketEvent{options("XYZ", t0.Add(10*time.Minute), 2000)})
	require.NoError(t, err)
	assert.Empty(t, res.Alerts)
	assert.Equal(t, 1, m.Stats().BufferedFlags)
}

func TestMonitor_PrunesIdleTrackers(t *testing.T) {
	m, _ := newTestMonitor(t, func(c *Config) { c.PruneInterval = 1 })
	ctx := context.Background()

	_, err := m.ProcessCycle(ctx, []models.MarketEvent{trade("XYZ", t0, 10, 100, 100)})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Stats().TrackedSymbols)

	_, err = m.ProcessCycle(ctx, []models.MarketEvent{trade("ABC", t0.Add(time.Hour), 10, 100, 100)})
	require.NoError(t, err)

	assert.Equal(t, 1, m.Stats().TrackedSymbols)
	_, ok := m.Detector().Registry().Get("XYZ")
	assert.False(t, ok)
}

func TestMonitor_CancelledCycle(t *testing.T) {
	m, _ := newTestMonitor(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.ProcessCycle(ctx, []models.MarketEvent{options("XYZ", t0, 2000)})
	assert.Error(t, err)
	assert.Zero(t, m.Stats().Cycles)
}
