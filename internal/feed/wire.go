package feed

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/rewired-gh/flowwatch/internal/logger"
	"github.com/rewired-gh/flowwatch/internal/models"
)

// WireEvent is the JSON shape feeds deliver: a loose field map that is converted into a
// tagged models.MarketEvent at the boundary.
type WireEvent struct {
	Symbol    string             `json:"symbol"`
	Timestamp time.Time          `json:"timestamp"`
	Source    string             `json:"source"`
	Kind      string             `json:"kind"`
	Fields    map[string]float64 `json:"fields"`
}

// Convert turns wire events into market events. Malformed entries are skipped and counted.
// defaultSource fills in events that do not name their source.
func Convert(wire []WireEvent, defaultSource string) ([]models.MarketEvent, int) {
	events := make([]models.MarketEvent, 0, len(wire))
	skipped := 0
	for _, w := range wire {
		source := w.Source
		if source == "" {
			source = defaultSource
		}
		ev, err := models.EventFromFields(w.Symbol, w.Timestamp, source, w.Kind, w.Fields)
		if err != nil {
			skipped++
			logger.Debug("Skipping malformed %q event for %q from %s: %v", w.Kind, w.Symbol, source, err)
			continue
		}
		events = append(events, ev)
	}
	return events, skipped
}

// decodeWire reads either a JSON array of wire events or newline-delimited JSON objects.
func decodeWire(r io.Reader) ([]WireEvent, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if first == '[' {
		var out []WireEvent
		if err := json.NewDecoder(br).Decode(&out); err != nil {
			return nil, fmt.Errorf("failed to decode event array: %w", err)
		}
		return out, nil
	}

	var out []WireEvent
	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var w WireEvent
		if err := json.Unmarshal(raw, &w); err != nil {
			return nil, fmt.Errorf("failed to decode event on line %d: %w", line, err)
		}
		out = append(out, w)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return out, nil
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		return b, br.UnreadByte()
	}
}
