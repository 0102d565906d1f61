package monitor

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rewired-gh/flowwatch/internal/models"
)

// Narrative tags attached to composite alerts.
const (
	NarrativeTradesWithPrice  = "large trades coinciding with price movement"
	NarrativeOptionsWithPrice = "options activity driving price movement"
	NarrativeOffExchange      = "elevated off-exchange activity"
	NarrativeVolumeWithPrice  = "high-volume directional move"
	narrativeMultiplePrefix   = "multiple anomaly types detected: "
	narrativeSinglePrefix     = "repeated "
)

// ConvictionWeights caps each component of the conviction score. They sum to at most 1.
type ConvictionWeights struct {
	Count     float64 // member count, saturating at CountSaturation
	Severity  float64 // mean member severity
	Recency   float64 // share of members within RecencyWindow of now
	Diversity float64 // distinct anomaly types beyond the first
}

func (w ConvictionWeights) sum() float64 {
	return w.Count + w.Severity + w.Recency + w.Diversity
}

type ClusterConfig struct {
	TimeWindow      time.Duration
	MinAnomalies    int
	RecencyWindow   time.Duration
	CountSaturation int
	Weights         ConvictionWeights
}

func DefaultClusterConfig() ClusterConfig {
	return ClusterConfig{
		TimeWindow:      5 * time.Minute,
		MinAnomalies:    2,
		RecencyWindow:   5 * time.Minute,
		CountSaturation: 10,
		Weights: ConvictionWeights{
			Count:     0.25,
			Severity:  0.40,
			Recency:   0.15,
			Diversity: 0.20,
		},
	}
}

func (c ClusterConfig) Validate() error {
	if c.TimeWindow <= 0 {
		return errors.New("cluster time_window must be positive")
	}
	if c.MinAnomalies < 1 {
		return errors.New("cluster min_anomalies must be at least 1")
	}
	if c.RecencyWindow <= 0 {
		return errors.New("cluster recency_window must be positive")
	}
	if c.CountSaturation < 1 {
		return errors.New("cluster count_saturation must be at least 1")
	}
	w := c.Weights
	if w.Count < 0 || w.Severity < 0 || w.Recency < 0 || w.Diversity < 0 {
		return errors.New("conviction weights must not be negative")
	}
	if s := w.sum(); s <= 0 || s > 1+1e-9 {
		return fmt.Errorf("conviction weights must sum to (0, 1], got %.3f", s)
	}
	return nil
}

// Clusterer groups anomaly flags into composite alerts. It holds no state between calls.
type Clusterer struct {
	config ClusterConfig
}

func NewClusterer(config ClusterConfig) (*Clusterer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid cluster config: %w", err)
	}
	return &Clusterer{config: config}, nil
}

// Cluster groups flags using the newest flag in the input as "now" for recency scoring,
// so the result depends only on the input.
func (c *Clusterer) Cluster(flags []models.AnomalyFlag) []models.CompositeAlert {
	var now time.Time
	for _, f := range flags {
		if f.Timestamp.After(now) {
			now = f.Timestamp
		}
	}
	return c.ClusterAt(flags, now)
}

// ClusterAt groups flags per symbol with a single greedy pass over each symbol's flags in time
// order. A cluster spans at most TimeWindow from its first member; clusters smaller than
// MinAnomalies are dropped. Alerts are returned ordered by timestamp, then symbol.
func (c *Clusterer) ClusterAt(flags []models.AnomalyFlag, now time.Time) []models.CompositeAlert {
	bySymbol := make(map[string][]models.AnomalyFlag)
	for _, f := range flags {
		bySymbol[f.Symbol] = append(bySymbol[f.Symbol], f)
	}

	alerts := []models.CompositeAlert{}
	for _, symbolFlags := range bySymbol {
		sortFlags(symbolFlags)

		var current []models.AnomalyFlag
		for _, f := range symbolFlags {
			if len(current) == 0 || f.Timestamp.Sub(current[0].Timestamp) <= c.config.TimeWindow {
				current = append(current, f)
				continue
			}
			if len(current) >= c.config.MinAnomalies {
				alerts = append(alerts, c.finalize(current, now))
			}
			current = []models.AnomalyFlag{f}
		}
		if len(current) >= c.config.MinAnomalies {
			alerts = append(alerts, c.finalize(current, now))
		}
	}

	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].Timestamp.Equal(alerts[j].Timestamp) {
			return alerts[i].Timestamp.Before(alerts[j].Timestamp)
		}
		return alerts[i].Symbol < alerts[j].Symbol
	})
	return alerts
}

// sortFlags orders flags chronologically with a total tie-break so input order never matters.
func sortFlags(flags []models.AnomalyFlag) {
	sort.SliceStable(flags, func(i, j int) bool {
		a, b := flags[i], flags[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.Type != b.Type {
			return a.Type < b.Type
		}
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		return fmt.Sprint(a.Details) < fmt.Sprint(b.Details)
	})
}

func (c *Clusterer) finalize(members []models.AnomalyFlag, now time.Time) models.CompositeAlert {
	first, last := members[0], members[len(members)-1]

	seen := make(map[models.AnomalyType]bool)
	var types []models.AnomalyType
	var severitySum float64
	var recent int
	for _, m := range members {
		if !seen[m.Type] {
			seen[m.Type] = true
			types = append(types, m.Type)
		}
		severitySum += m.Severity
		if now.Sub(m.Timestamp) <= c.config.RecencyWindow {
			recent++
		}
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	n := len(members)
	avgSeverity := severitySum / float64(n)
	breakdown := c.conviction(n, avgSeverity, recent, len(types))

	owned := make([]models.AnomalyFlag, n)
	copy(owned, members)

	return models.CompositeAlert{
		Symbol:          first.Symbol,
		Timestamp:       first.Timestamp,
		TimeSpan:        last.Timestamp.Sub(first.Timestamp),
		Members:         owned,
		AnomalyTypes:    types,
		AvgSeverity:     avgSeverity,
		ConvictionScore: breakdown.Total(),
		Conviction:      breakdown,
		NarrativeTag:    Narrative(types),
	}
}

func (c *Clusterer) conviction(count int, avgSeverity float64, recent int, distinct int) models.ConvictionBreakdown {
	w := c.config.Weights

	saturated := count
	if saturated > c.config.CountSaturation {
		saturated = c.config.CountSaturation
	}
	diversity := 0.0
	if total := len(models.AllAnomalyTypes); total > 1 && distinct > 1 {
		diversity = float64(distinct-1) / float64(total-1)
	}

	return models.ConvictionBreakdown{
		Count:     w.Count * float64(saturated) / float64(c.config.CountSaturation),
		Severity:  w.Severity * models.ClampUnit(avgSeverity),
		Recency:   w.Recency * float64(recent) / float64(count),
		Diversity: w.Diversity * models.ClampUnit(diversity),
	}
}

// Narrative picks the categorical description for a set of distinct anomaly types.
func Narrative(types []models.AnomalyType) string {
	has := make(map[models.AnomalyType]bool, len(types))
	for _, t := range types {
		has[t] = true
	}

	switch {
	case has[models.AnomalyTradeSize] && has[models.AnomalyPriceSpike]:
		return NarrativeTradesWithPrice
	case has[models.AnomalyOptionsSweep] && has[models.AnomalyPriceSpike]:
		return NarrativeOptionsWithPrice
	case has[models.AnomalyDarkPoolSurge]:
		return NarrativeOffExchange
	case has[models.AnomalyVolumeSpike] && has[models.AnomalyPriceSpike]:
		return NarrativeVolumeWithPrice
	case len(has) == 1:
		return narrativeSinglePrefix + string(types[0]) + " anomalies"
	}

	names := make([]string, 0, len(has))
	for t := range has {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return narrativeMultiplePrefix + strings.Join(names, ", ")
}
