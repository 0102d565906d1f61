package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/flowwatch/internal/feed"
	"github.com/rewired-gh/flowwatch/internal/logger"
	"github.com/rewired-gh/flowwatch/internal/models"
	"github.com/rewired-gh/flowwatch/internal/monitor"
)

type replayReport struct {
	Events  int                     `json:"events"`
	Skipped int                     `json:"skipped"`
	Flags   int                     `json:"flags"`
	Alerts  []models.CompositeAlert `json:"alerts"`
}

func newReplayCmd(configPath *string) *cobra.Command {
	var (
		input  string
		format string
		top    int
	)

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run detection and clustering over a recorded event file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "text" {
				return fmt.Errorf("unknown format %q (use json or text)", format)
			}
			cfg, err := loadConfig(*configPath, false)
			if err != nil {
				return err
			}

			events, skipped, err := feed.ReadFile(input)
			if err != nil {
				return err
			}
			logger.Info("Loaded %d events from %s (%d skipped)", len(events), input, skipped)

			mon, err := monitor.New(cfg.Engine(), nil)
			if err != nil {
				return fmt.Errorf("failed to initialize monitor: %w", err)
			}
			report, err := replay(cmd.Context(), mon, events, top)
			if err != nil {
				return err
			}
			report.Skipped = skipped

			if format == "json" {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			return writeText(cmd.OutOrStdout(), report)
		},
	}
	cmd.Flags().StringVarP(&input, "input", "i", "", "JSON array or NDJSON event file")
	cmd.Flags().StringVar(&format, "format", "text", "Output format: json or text")
	cmd.Flags().IntVar(&top, "top", 0, "Keep only the N highest-conviction alerts (0 keeps all)")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

// replay scores the whole recording as one batch and clusters every flag it produces.
// Recency is measured against the newest flag, as in a live cycle.
func replay(ctx context.Context, mon *monitor.Monitor, events []models.MarketEvent, top int) (replayReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	flags, err := mon.Detector().DetectBatch(ctx, events)
	if err != nil {
		return replayReport{}, fmt.Errorf("detection failed: %w", err)
	}

	alerts := mon.Clusterer().Cluster(flags)
	if top > 0 && len(alerts) > top {
		alerts = rankTop(alerts, top)
	}
	return replayReport{Events: len(events), Flags: len(flags), Alerts: alerts}, nil
}

func rankTop(alerts []models.CompositeAlert, k int) []models.CompositeAlert {
	ranked := make([]models.CompositeAlert, len(alerts))
	copy(ranked, alerts)
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].ConvictionScore > ranked[j].ConvictionScore
	})
	return ranked[:k]
}

func writeJSON(w io.Writer, report replayReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func writeText(w io.Writer, report replayReport) error {
	fmt.Fprintf(w, "%d events, %d skipped, %d flags, %d alerts\n\n",
		report.Events, report.Skipped, report.Flags, len(report.Alerts))
	if len(report.Alerts) == 0 {
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DETECTED\tSYMBOL\tCONVICTION\tSEVERITY\tFLAGS\tSPAN\tTYPES\tNARRATIVE")
	for _, a := range report.Alerts {
		types := make([]string, len(a.AnomalyTypes))
		for i, t := range a.AnomalyTypes {
			types[i] = string(t)
		}
		fmt.Fprintf(tw, "%s\t%s\t%.3f\t%.3f\t%d\t%s\t%s\t%s\n",
			a.Timestamp.UTC().Format(time.RFC3339),
			a.Symbol,
			a.ConvictionScore,
			a.AvgSeverity,
			len(a.Members),
			a.TimeSpan,
			strings.Join(types, ","),
			a.NarrativeTag,
		)
	}
	return tw.Flush()
}
