package models

import (
	"math"
	"time"
)

// AnomalyType names the rule that produced a flag.
type AnomalyType string

const (
	AnomalyTradeSize     AnomalyType = "trade_size"
	AnomalyPriceSpike    AnomalyType = "price_spike"
	AnomalyVolumeSpike   AnomalyType = "volume_spike"
	AnomalyOptionsSweep  AnomalyType = "options_sweep"
	AnomalyDarkPoolSurge AnomalyType = "dark_pool_surge"
)

// AllAnomalyTypes lists every rule type in a stable order.
var AllAnomalyTypes = []AnomalyType{
	AnomalyTradeSize,
	AnomalyPriceSpike,
	AnomalyVolumeSpike,
	AnomalyOptionsSweep,
	AnomalyDarkPoolSurge,
}

// AnomalyFlag is one rule violation tied to one event.
type AnomalyFlag struct {
	Symbol    string         `json:"symbol"`
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source,omitempty"`
	Type      AnomalyType    `json:"anomaly_type"`
	Severity  float64        `json:"severity"`
	Details   map[string]any `json:"details"`
}

// ClampUnit bounds v to [0,1]. NaN maps to 0.
func ClampUnit(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// ConvictionBreakdown records the weighted components summed into a conviction score.
type ConvictionBreakdown struct {
	Count     float64 `json:"count"`
	Severity  float64 `json:"severity"`
	Recency   float64 `json:"recency"`
	Diversity float64 `json:"diversity"`
}

// Total is the clamped sum of the components.
func (b ConvictionBreakdown) Total() float64 {
	return ClampUnit(b.Count + b.Severity + b.Recency + b.Diversity)
}

// CompositeAlert is a temporal cluster of anomaly flags for one symbol.
type CompositeAlert struct {
	ID              string              `json:"id,omitempty"`
	Symbol          string              `json:"symbol"`
	Timestamp       time.Time           `json:"timestamp"`
	TimeSpan        time.Duration       `json:"time_span"`
	Members         []AnomalyFlag       `json:"members"`
	AnomalyTypes    []AnomalyType       `json:"anomaly_types"`
	AvgSeverity     float64             `json:"avg_severity"`
	ConvictionScore float64             `json:"conviction_score"`
	Conviction      ConvictionBreakdown `json:"conviction"`
	NarrativeTag    string              `json:"narrative_tag"`
	Notified        bool                `json:"notified,omitempty"`
}

// HasType reports whether t is among the alert's distinct anomaly types.
func (a *CompositeAlert) HasType(t AnomalyType) bool {
	for _, at := range a.AnomalyTypes {
		if at == t {
			return true
		}
	}
	return false
}

// LastSeen is the timestamp of the newest member.
func (a *CompositeAlert) LastSeen() time.Time {
	return a.Timestamp.Add(a.TimeSpan)
}
