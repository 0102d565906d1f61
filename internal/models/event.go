// Package models defines the core domain entities: market events, anomaly flags, and composite alerts.
package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// EventKind tags the payload carried by a MarketEvent.
type EventKind string

const (
	KindTrade    EventKind = "trade"
	KindQuote    EventKind = "quote"
	KindOptions  EventKind = "options"
	KindDarkPool EventKind = "dark_pool"
)

// ParseEventKind maps a wire string onto a known kind.
func ParseEventKind(s string) (EventKind, error) {
	switch k := EventKind(s); k {
	case KindTrade, KindQuote, KindOptions, KindDarkPool:
		return k, nil
	}
	return "", fmt.Errorf("unknown event kind %q", s)
}

// Payload is implemented by the kind-specific event bodies.
type Payload interface {
	Kind() EventKind
}

// Trade is a lit-venue print.
type Trade struct {
	Price  float64 `json:"price"`
	Volume float64 `json:"volume"`
	Size   float64 `json:"size"`
}

func (Trade) Kind() EventKind { return KindTrade }

// Quote is a top-of-book update. Volume is the cumulative session volume when the feed reports it;
// it is informational and never enters the volume baseline.
type Quote struct {
	Bid     float64 `json:"bid"`
	Ask     float64 `json:"ask"`
	BidSize float64 `json:"bid_size"`
	AskSize float64 `json:"ask_size"`
	Volume  float64 `json:"volume"`
}

func (Quote) Kind() EventKind { return KindQuote }

// OptionsActivity is an options order or sweep on the symbol's chain.
type OptionsActivity struct {
	Contracts float64   `json:"contracts"`
	Premium   float64   `json:"premium"`
	Strike    float64   `json:"strike"`
	Right     string    `json:"right"`
	Expiry    time.Time `json:"expiry"`
}

func (OptionsActivity) Kind() EventKind { return KindOptions }

// DarkPoolPrint is an off-exchange print together with the off-exchange share of volume.
type DarkPoolPrint struct {
	Price            float64 `json:"price"`
	Volume           float64 `json:"volume"`
	Size             float64 `json:"size"`
	OffExchangeRatio float64 `json:"off_exchange_ratio"`
}

func (DarkPoolPrint) Kind() EventKind { return KindDarkPool }

// MarketEvent is one observed market occurrence for a symbol.
type MarketEvent struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
	Kind      EventKind `json:"kind"`
	Payload   Payload   `json:"payload"`
}

// Validate checks event field constraints.
func (e *MarketEvent) Validate() error {
	if e.Symbol == "" {
		return errors.New("event symbol must not be empty")
	}
	if e.Timestamp.IsZero() {
		return errors.New("event timestamp must be set")
	}
	if _, err := ParseEventKind(string(e.Kind)); err != nil {
		return err
	}
	if e.Payload == nil {
		return errors.New("event payload must not be nil")
	}
	if e.Payload.Kind() != e.Kind {
		return fmt.Errorf("payload kind %s does not match event kind %s", e.Payload.Kind(), e.Kind)
	}
	return nil
}

// Measures is the price/volume/trade-size observation an event contributes to the rolling baselines.
// A value is only meaningful when its Has flag is set.
type Measures struct {
	Price        float64
	Volume       float64
	TradeSize    float64
	HasPrice     bool
	HasVolume    bool
	HasTradeSize bool
}

// Empty reports whether the event carries no baseline data at all.
func (m Measures) Empty() bool {
	return !m.HasPrice && !m.HasVolume && !m.HasTradeSize
}

// Measures extracts the baseline observation. Non-positive and non-finite numbers count as absent.
func (e *MarketEvent) Measures() Measures {
	var m Measures
	switch p := e.Payload.(type) {
	case Trade:
		m.Price, m.HasPrice = take(p.Price)
		m.Volume, m.HasVolume = take(p.Volume)
		m.TradeSize, m.HasTradeSize = take(p.Size)
	case Quote:
		if present(p.Bid) && present(p.Ask) {
			m.Price, m.HasPrice = (p.Bid+p.Ask)/2, true
		}
		// session volume is cumulative and not comparable with per-print volume
	case DarkPoolPrint:
		m.Price, m.HasPrice = take(p.Price)
		m.Volume, m.HasVolume = take(p.Volume)
		m.TradeSize, m.HasTradeSize = take(p.Size)
	}
	return m
}

func take(v float64) (float64, bool) {
	if !present(v) {
		return 0, false
	}
	return v, true
}

func present(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

// EventFromFields builds a typed event from a loosely typed field mapping as delivered by feed adapters.
// Missing fields stay zero and are treated as absent by the detector.
func EventFromFields(symbol string, ts time.Time, source, kind string, fields map[string]float64) (MarketEvent, error) {
	k, err := ParseEventKind(kind)
	if err != nil {
		return MarketEvent{}, err
	}

	var payload Payload
	switch k {
	case KindTrade:
		payload = Trade{
			Price:  fields["price"],
			Volume: fields["volume"],
			Size:   firstOf(fields, "size", "trade_size"),
		}
	case KindQuote:
		q := Quote{
			Bid:     fields["bid"],
			Ask:     fields["ask"],
			BidSize: fields["bid_size"],
			AskSize: fields["ask_size"],
			Volume:  fields["volume"],
		}
		// some feeds only publish a mid/last price on quotes
		if price, ok := fields["price"]; ok && q.Bid == 0 && q.Ask == 0 {
			q.Bid, q.Ask = price, price
		}
		payload = q
	case KindOptions:
		o := OptionsActivity{
			Contracts: firstOf(fields, "contracts", "volume"),
			Premium:   fields["premium"],
			Strike:    fields["strike"],
		}
		if exp, ok := fields["expiry"]; ok && exp > 0 {
			o.Expiry = time.Unix(int64(exp), 0).UTC()
		}
		switch {
		case fields["is_call"] > 0:
			o.Right = "call"
		case fields["is_put"] > 0:
			o.Right = "put"
		}
		payload = o
	case KindDarkPool:
		payload = DarkPoolPrint{
			Price:            fields["price"],
			Volume:           fields["volume"],
			Size:             firstOf(fields, "size", "trade_size"),
			OffExchangeRatio: fields["off_exchange_ratio"],
		}
	}

	ev := MarketEvent{
		Symbol:    symbol,
		Timestamp: ts,
		Source:    source,
		Kind:      k,
		Payload:   payload,
	}
	if err := ev.Validate(); err != nil {
		return MarketEvent{}, err
	}
	return ev, nil
}

func firstOf(fields map[string]float64, keys ...string) float64 {
	for _, k := range keys {
		if v, ok := fields[k]; ok {
			return v
		}
	}
	return 0
}
