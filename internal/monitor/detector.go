package monitor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rewired-gh/flowwatch/internal/logger"
	"github.com/rewired-gh/flowwatch/internal/models"
)

type DetectorConfig struct {
	TradeSizeMultipleThreshold     float64
	PriceZScoreThreshold           float64
	VolumeZScoreThreshold          float64
	OptionsSweepContractsThreshold int
	DarkPoolRatioThreshold         float64
	RollingWindows                 []time.Duration
	ZScoreWindow                   time.Duration
	TradeSizeWindow                time.Duration
	Workers                        int
}

func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		TradeSizeMultipleThreshold:     5.0,
		PriceZScoreThreshold:           2.0,
		VolumeZScoreThreshold:          2.0,
		OptionsSweepContractsThreshold: 1000,
		DarkPoolRatioThreshold:         0.4,
		RollingWindows:                 DefaultWindows,
		ZScoreWindow:                   300 * time.Second,
		TradeSizeWindow:                1800 * time.Second,
		Workers:                        runtime.NumCPU(),
	}
}

// Validate rejects configurations that could never produce meaningful scores.
func (c DetectorConfig) Validate() error {
	if c.TradeSizeMultipleThreshold <= 0 {
		return errors.New("trade_size_multiple_threshold must be positive")
	}
	if c.PriceZScoreThreshold <= 0 {
		return errors.New("price_zscore_threshold must be positive")
	}
	if c.VolumeZScoreThreshold <= 0 {
		return errors.New("volume_zscore_threshold must be positive")
	}
	if c.OptionsSweepContractsThreshold <= 0 {
		return errors.New("options_sweep_contracts_threshold must be positive")
	}
	if c.DarkPoolRatioThreshold <= 0 || c.DarkPoolRatioThreshold > 1 {
		return errors.New("dark_pool_ratio_threshold must be in (0, 1]")
	}
	if len(c.RollingWindows) == 0 {
		return errors.New("rolling_windows must contain at least one window")
	}
	var largest time.Duration
	for _, w := range c.RollingWindows {
		if w <= 0 {
			return fmt.Errorf("rolling window %v must be positive", w)
		}
		if w > largest {
			largest = w
		}
	}
	if c.ZScoreWindow <= 0 || c.ZScoreWindow > largest {
		return fmt.Errorf("zscore_window must be positive and at most the largest rolling window (%v)", largest)
	}
	if c.TradeSizeWindow <= 0 || c.TradeSizeWindow > largest {
		return fmt.Errorf("trade_size_window must be positive and at most the largest rolling window (%v)", largest)
	}
	if c.Workers < 1 {
		return errors.New("workers must be at least 1")
	}
	return nil
}

// ruleOutcome is the result of evaluating one rule against one event.
type ruleOutcome int

const (
	ruleSkipped ruleOutcome = iota // required field missing
	ruleQuiet                      // evaluated, below threshold
	ruleFired
)

type rule struct {
	anomaly models.AnomalyType
	kinds   []models.EventKind
	eval    func(d *Detector, t *Tracker, ev *models.MarketEvent, m models.Measures) (float64, map[string]any, ruleOutcome)
}

func (r rule) appliesTo(kind models.EventKind) bool {
	for _, k := range r.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

var (
	// prints carry per-trade size and volume; quotes only contribute a midpoint price
	printKinds = []models.EventKind{models.KindTrade, models.KindDarkPool}
	priceKinds = []models.EventKind{models.KindTrade, models.KindQuote, models.KindDarkPool}

	rules = []rule{
		{models.AnomalyTradeSize, printKinds, (*Detector).evalTradeSize},
		{models.AnomalyPriceSpike, priceKinds, (*Detector).evalPriceSpike},
		{models.AnomalyVolumeSpike, printKinds, (*Detector).evalVolumeSpike},
		{models.AnomalyOptionsSweep, []models.EventKind{models.KindOptions}, (*Detector).evalOptionsSweep},
		{models.AnomalyDarkPoolSurge, []models.EventKind{models.KindDarkPool}, (*Detector).evalDarkPoolSurge},
	}
)

// Detector scores market events against per-symbol rolling baselines.
type Detector struct {
	config   DetectorConfig
	registry *Registry
	metrics  *Metrics
}

// NewDetector validates config and binds the detector to registry. metrics may be nil.
func NewDetector(config DetectorConfig, registry *Registry, metrics *Metrics) (*Detector, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detector config: %w", err)
	}
	if registry == nil {
		registry = NewRegistry(config.RollingWindows)
	}
	return &Detector{config: config, registry: registry, metrics: metrics}, nil
}

func (d *Detector) Registry() *Registry { return d.registry }

// Process scores a single event and then folds it into its symbol's baseline.
func (d *Detector) Process(ev models.MarketEvent) []models.AnomalyFlag {
	if ev.Symbol == "" {
		d.reject(&ev, errors.New("event symbol must not be empty"))
		return nil
	}
	return d.process(d.registry.GetOrCreate(ev.Symbol), &ev)
}

// Detect scores one symbol's events in timestamp order. Events carrying a different symbol are skipped;
// events with no symbol are attributed to symbol.
func (d *Detector) Detect(symbol string, events []models.MarketEvent) []models.AnomalyFlag {
	if len(events) == 0 {
		return nil
	}
	return d.detectOn(d.registry.GetOrCreate(symbol), symbol, events)
}

// DetectBatch partitions events by symbol and scores each symbol on its own goroutine.
// Only context cancellation produces an error.
func (d *Detector) DetectBatch(ctx context.Context, events []models.MarketEvent) ([]models.AnomalyFlag, error) {
	bySymbol := make(map[string][]models.MarketEvent)
	for _, ev := range events {
		if ev.Symbol == "" {
			d.reject(&ev, errors.New("event symbol must not be empty"))
			continue
		}
		bySymbol[ev.Symbol] = append(bySymbol[ev.Symbol], ev)
	}

	symbols := make([]string, 0, len(bySymbol))
	for s := range bySymbol {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	// registry is mutated here, before fan-out; workers only touch their own tracker
	trackers := make([]*Tracker, len(symbols))
	for i, s := range symbols {
		trackers[i] = d.registry.GetOrCreate(s)
	}

	results := make([][]models.AnomalyFlag, len(symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.config.Workers)
	for i, s := range symbols {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = d.detectOn(trackers[i], s, bySymbol[s])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("detection cancelled: %w", err)
	}

	var flags []models.AnomalyFlag
	for _, r := range results {
		flags = append(flags, r...)
	}
	return flags, nil
}

func (d *Detector) detectOn(t *Tracker, symbol string, events []models.MarketEvent) []models.AnomalyFlag {
	ordered := make([]models.MarketEvent, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	var flags []models.AnomalyFlag
	for i := range ordered {
		ev := &ordered[i]
		if ev.Symbol == "" {
			ev.Symbol = symbol
		}
		if ev.Symbol != symbol {
			logger.Debug("Skipping %s event for %s in %s batch", ev.Kind, ev.Symbol, symbol)
			continue
		}
		flags = append(flags, d.process(t, ev)...)
	}
	return flags
}

func (d *Detector) process(t *Tracker, ev *models.MarketEvent) []models.AnomalyFlag {
	if err := ev.Validate(); err != nil {
		d.reject(ev, err)
		return nil
	}
	d.metrics.eventProcessed(ev.Kind)

	// anchor the windows at this event without recording it
	t.AdvanceTo(ev.Timestamp)
	m := ev.Measures()

	var flags []models.AnomalyFlag
	for _, r := range rules {
		if !r.appliesTo(ev.Kind) {
			continue
		}
		severity, details, outcome := r.eval(d, t, ev, m)
		switch outcome {
		case ruleSkipped:
			d.metrics.ruleSkipped(r.anomaly)
		case ruleFired:
			flags = append(flags, models.AnomalyFlag{
				Symbol:    ev.Symbol,
				Timestamp: ev.Timestamp,
				Source:    ev.Source,
				Type:      r.anomaly,
				Severity:  models.ClampUnit(severity),
				Details:   details,
			})
			d.metrics.flagEmitted(r.anomaly)
		}
	}

	if !m.Empty() {
		t.AddObservation(ev.Timestamp, m)
	}

	if len(flags) > 0 {
		logger.Debug("%s %s at %s raised %d flag(s)", ev.Symbol, ev.Kind, ev.Timestamp.Format(time.RFC3339), len(flags))
	}
	return flags
}

func (d *Detector) reject(ev *models.MarketEvent, err error) {
	d.metrics.eventRejected()
	logger.Debug("Skipping malformed %s event for %q from %q: %v", ev.Kind, ev.Symbol, ev.Source, err)
}

// scaledSeverity maps a measured value at or above threshold onto [0,1]: 0.5 at the threshold,
// saturating at twice the threshold.
func scaledSeverity(value, threshold float64) float64 {
	return models.ClampUnit(value / (2 * threshold))
}

func (d *Detector) evalTradeSize(t *Tracker, ev *models.MarketEvent, m models.Measures) (float64, map[string]any, ruleOutcome) {
	if !m.HasTradeSize {
		return 0, nil, ruleSkipped
	}
	window := d.config.TradeSizeWindow
	stats := t.Summary(MetricTradeSize, window)
	ratio := t.TradeSizeRatio(m.TradeSize, window)
	threshold := d.config.TradeSizeMultipleThreshold
	if ratio < threshold {
		return 0, nil, ruleQuiet
	}
	return scaledSeverity(ratio, threshold), map[string]any{
		"trade_size":      m.TradeSize,
		"median":          stats.Median,
		"ratio":           ratio,
		"threshold":       threshold,
		"window":          window.String(),
		"baseline_points": stats.Count,
	}, ruleFired
}

func (d *Detector) evalPriceSpike(t *Tracker, ev *models.MarketEvent, m models.Measures) (float64, map[string]any, ruleOutcome) {
	if !m.HasPrice {
		return 0, nil, ruleSkipped
	}
	window := d.config.ZScoreWindow
	z := t.PriceZScore(m.Price, window)
	threshold := d.config.PriceZScoreThreshold
	if math.Abs(z) < threshold {
		return 0, nil, ruleQuiet
	}
	stats := t.Summary(MetricPrice, window)
	return scaledSeverity(math.Abs(z), threshold), map[string]any{
		"price":           m.Price,
		"mean":            stats.Mean,
		"stddev":          stats.StdDev,
		"zscore":          z,
		"threshold":       threshold,
		"window":          window.String(),
		"baseline_points": stats.Count,
	}, ruleFired
}

// evalVolumeSpike is one-sided: volume drops never fire.
func (d *Detector) evalVolumeSpike(t *Tracker, ev *models.MarketEvent, m models.Measures) (float64, map[string]any, ruleOutcome) {
	if !m.HasVolume {
		return 0, nil, ruleSkipped
	}
	window := d.config.ZScoreWindow
	z := t.VolumeZScore(m.Volume, window)
	threshold := d.config.VolumeZScoreThreshold
	if z < threshold {
		return 0, nil, ruleQuiet
	}
	stats := t.Summary(MetricVolume, window)
	return scaledSeverity(z, threshold), map[string]any{
		"volume":          m.Volume,
		"mean":            stats.Mean,
		"stddev":          stats.StdDev,
		"zscore":          z,
		"threshold":       threshold,
		"window":          window.String(),
		"baseline_points": stats.Count,
	}, ruleFired
}

func (d *Detector) evalOptionsSweep(t *Tracker, ev *models.MarketEvent, m models.Measures) (float64, map[string]any, ruleOutcome) {
	o, ok := ev.Payload.(models.OptionsActivity)
	if !ok || !(o.Contracts > 0) || math.IsInf(o.Contracts, 0) {
		return 0, nil, ruleSkipped
	}
	threshold := float64(d.config.OptionsSweepContractsThreshold)
	if o.Contracts < threshold {
		return 0, nil, ruleQuiet
	}
	details := map[string]any{
		"contracts": o.Contracts,
		"threshold": threshold,
		"ratio":     o.Contracts / threshold,
	}
	if o.Premium > 0 {
		details["premium"] = o.Premium
	}
	if o.Right != "" {
		details["right"] = o.Right
	}
	return scaledSeverity(o.Contracts, threshold), details, ruleFired
}

func (d *Detector) evalDarkPoolSurge(t *Tracker, ev *models.MarketEvent, m models.Measures) (float64, map[string]any, ruleOutcome) {
	p, ok := ev.Payload.(models.DarkPoolPrint)
	if !ok || !(p.OffExchangeRatio > 0) || math.IsInf(p.OffExchangeRatio, 0) {
		return 0, nil, ruleSkipped
	}
	threshold := d.config.DarkPoolRatioThreshold
	if p.OffExchangeRatio < threshold {
		return 0, nil, ruleQuiet
	}
	return scaledSeverity(p.OffExchangeRatio, threshold), map[string]any{
		"off_exchange_ratio": p.OffExchangeRatio,
		"threshold":          threshold,
		"ratio":              p.OffExchangeRatio / threshold,
	}, ruleFired
}
