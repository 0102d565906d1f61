package monitor

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rewired-gh/flowwatch/internal/models"
)

// Metrics holds the Prometheus collectors for the detection engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	EventsProcessed *prometheus.CounterVec
	EventsRejected  prometheus.Counter
	FlagsEmitted    *prometheus.CounterVec
	RulesSkipped    *prometheus.CounterVec
	AlertsEmitted   prometheus.Counter
	Conviction      prometheus.Histogram
	CycleDuration   prometheus.Histogram
	TrackedSymbols  prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg when reg is non-nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowwatch_events_processed_total",
				Help: "Market events scored by the detector, by event kind",
			},
			[]string{"kind"},
		),
		EventsRejected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flowwatch_events_rejected_total",
				Help: "Market events skipped because they failed validation",
			},
		),
		FlagsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowwatch_anomaly_flags_total",
				Help: "Anomaly flags emitted, by anomaly type",
			},
			[]string{"anomaly_type"},
		),
		RulesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "flowwatch_rules_skipped_total",
				Help: "Rule evaluations skipped for missing fields, by anomaly type",
			},
			[]string{"anomaly_type"},
		),
		AlertsEmitted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "flowwatch_composite_alerts_total",
				Help: "Composite alerts emitted by the clusterer",
			},
		),
		Conviction: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flowwatch_conviction_score",
				Help:    "Conviction scores of emitted composite alerts",
				Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
			},
		),
		CycleDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "flowwatch_cycle_duration_seconds",
				Help:    "Duration of one detection and clustering cycle",
				Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		TrackedSymbols: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "flowwatch_tracked_symbols",
				Help: "Symbols with a live rolling-statistics tracker",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.EventsProcessed,
			m.EventsRejected,
			m.FlagsEmitted,
			m.RulesSkipped,
			m.AlertsEmitted,
			m.Conviction,
			m.CycleDuration,
			m.TrackedSymbols,
		)
	}
	return m
}

func (m *Metrics) eventProcessed(kind models.EventKind) {
	if m != nil {
		m.EventsProcessed.WithLabelValues(string(kind)).Inc()
	}
}

func (m *Metrics) eventRejected() {
	if m != nil {
		m.EventsRejected.Inc()
	}
}

func (m *Metrics) flagEmitted(t models.AnomalyType) {
	if m != nil {
		m.FlagsEmitted.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) ruleSkipped(t models.AnomalyType) {
	if m != nil {
		m.RulesSkipped.WithLabelValues(string(t)).Inc()
	}
}

func (m *Metrics) alertEmitted(conviction float64) {
	if m != nil {
		m.AlertsEmitted.Inc()
		m.Conviction.Observe(conviction)
	}
}

func (m *Metrics) cycleFinished(d time.Duration, trackers int) {
	if m != nil {
		m.CycleDuration.Observe(d.Seconds())
		m.TrackedSymbols.Set(float64(trackers))
	}
}
