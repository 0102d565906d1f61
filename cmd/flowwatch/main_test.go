package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/flowwatch/internal/models"
	"github.com/rewired-gh/flowwatch/internal/monitor"
)

var t0 = time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

// recording is eight quiet trades followed by a block trade and an options sweep.
func recording() []models.MarketEvent {
	var events []models.MarketEvent
	for i := 0; i < 8; i++ {
		events = append(events, models.MarketEvent{
			Symbol:    "XYZ",
			Timestamp: t0.Add(time.Duration(i) * time.Minute),
			Source:    "tape",
			Kind:      models.KindTrade,
			Payload:   models.Trade{Price: 100, Volume: 1000, Size: 1000},
		})
	}
	events = append(events,
		models.MarketEvent{
			Symbol:    "XYZ",
			Timestamp: t0.Add(9 * time.Minute),
			Source:    "tape",
			Kind:      models.KindTrade,
			Payload:   models.Trade{Price: 100, Volume: 1000, Size: 6000},
		},
		models.MarketEvent{
			Symbol:    "XYZ",
			Timestamp: t0.Add(10 * time.Minute),
			Source:    "opra",
			Kind:      models.KindOptions,
			Payload:   models.OptionsActivity{Contracts: 1500},
		},
	)
	return events
}

func writeRecording(t *testing.T, dir string) string {
	t.Helper()
	var buf bytes.Buffer
	for _, ev := range recording() {
		fields := map[string]float64{}
		switch p := ev.Payload.(type) {
		case models.Trade:
			fields["price"], fields["volume"], fields["size"] = p.Price, p.Volume, p.Size
		case models.OptionsActivity:
			fields["contracts"] = p.Contracts
		}
		line, err := json.Marshal(map[string]any{
			"symbol":    ev.Symbol,
			"timestamp": ev.Timestamp,
			"source":    ev.Source,
			"kind":      string(ev.Kind),
			"fields":    fields,
		})
		require.NoError(t, err)
		buf.Write(line)
		buf.WriteByte('\n')
	}
	// unknown kinds are skipped, not fatal
	buf.WriteString(`{"symbol":"XYZ","timestamp":"2026-03-02T14:45:00Z","kind":"futures","fields":{}}` + "\n")

	path := filepath.Join(dir, "events.ndjson")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func writeMinimalConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: error\n  format: json\n"), 0o644))
	return path
}

func TestReplay_FindsCluster(t *testing.T) {
	mon, err := monitor.New(monitor.DefaultConfig(), nil)
	require.NoError(t, err)

	report, err := replay(context.Background(), mon, recording(), 0)
	require.NoError(t, err)

	assert.Equal(t, 10, report.Events)
	assert.GreaterOrEqual(t, report.Flags, 2)
	require.Len(t, report.Alerts, 1)

	alert := report.Alerts[0]
	assert.Equal(t, "XYZ", alert.Symbol)
	assert.True(t, alert.HasType(models.AnomalyTradeSize))
	assert.True(t, alert.HasType(models.AnomalyOptionsSweep))
	assert.Greater(t, alert.ConvictionScore, 0.0)
	assert.LessOrEqual(t, alert.ConvictionScore, 1.0)
	assert.Equal(t, time.Minute, alert.TimeSpan)
}

func TestReplay_Cancelled(t *testing.T) {
	mon, err := monitor.New(monitor.DefaultConfig(), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = replay(ctx, mon, recording(), 0)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRankTop(t *testing.T) {
	alerts := []models.CompositeAlert{
		{Symbol: "AAA", ConvictionScore: 0.3},
		{Symbol: "BBB", ConvictionScore: 0.9},
		{Symbol: "CCC", ConvictionScore: 0.6},
	}
	top := rankTop(alerts, 2)
	require.Len(t, top, 2)
	assert.Equal(t, "BBB", top[0].Symbol)
	assert.Equal(t, "CCC", top[1].Symbol)
	assert.Equal(t, "AAA", alerts[0].Symbol, "input order must be left alone")
}

func TestWriteText(t *testing.T) {
	var buf bytes.Buffer
	report := replayReport{
		Events: 10,
		Flags:  2,
		Alerts: []models.CompositeAlert{{
			Symbol:          "XYZ",
			Timestamp:       t0,
			TimeSpan:        time.Minute,
			AnomalyTypes:    []models.AnomalyType{models.AnomalyOptionsSweep, models.AnomalyTradeSize},
			ConvictionScore: 0.512,
			NarrativeTag:    "large trades alongside options activity",
		}},
	}
	require.NoError(t, writeText(&buf, report))

	out := buf.String()
	assert.Contains(t, out, "10 events, 0 skipped, 2 flags, 1 alerts")
	assert.Contains(t, out, "CONVICTION")
	assert.Contains(t, out, "0.512")
	assert.Contains(t, out, "options_sweep,trade_size")
	assert.Contains(t, out, "2026-03-02T14:30:00Z")
}

func TestReplayCommand_JSON(t *testing.T) {
	dir := t.TempDir()
	input := writeRecording(t, dir)
	cfgPath := writeMinimalConfig(t, dir)

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"replay", "--config", cfgPath, "--input", input, "--format", "json"})
	require.NoError(t, root.Execute())

	var report replayReport
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, 10, report.Events)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Alerts, 1)
	assert.Equal(t, "XYZ", report.Alerts[0].Symbol)
}

func TestReplayCommand_BadFormat(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"replay", "--input", "whatever.json", "--format", "xml"})
	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, fmt.Sprintf("flowwatch %s", version), strings.TrimSpace(out.String()))
}
