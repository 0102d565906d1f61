package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/rewired-gh/flowwatch/internal/config"
	"github.com/rewired-gh/flowwatch/internal/feed"
	"github.com/rewired-gh/flowwatch/internal/logger"
	"github.com/rewired-gh/flowwatch/internal/monitor"
	"github.com/rewired-gh/flowwatch/internal/server"
	"github.com/rewired-gh/flowwatch/internal/storage"
	"github.com/rewired-gh/flowwatch/internal/telegram"
)

func newRunCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Poll the configured feeds and raise composite alerts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, true)
			if err != nil {
				return err
			}
			return runService(cfg)
		},
	}
}

// service holds everything one monitoring cycle touches.
type service struct {
	cfg      *config.Config
	poller   *feed.Poller
	mon      *monitor.Monitor
	store    *storage.Storage
	tg       *telegram.Client
	cooldown *telegram.Cooldown
}

func runService(cfg *config.Config) error {
	store, err := storage.New(cfg.Storage.MaxAlerts, cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	var sources []feed.Source
	for _, opts := range cfg.FeedClients() {
		client, err := feed.NewClient(opts)
		if err != nil {
			return fmt.Errorf("failed to initialize feed %q: %w", opts.URL, err)
		}
		sources = append(sources, client)
	}
	poller := feed.NewPoller(sources, cfg.Feeds.Symbols, cfg.Feeds.Lookback, cfg.Feeds.Overlap, 0)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mon, err := monitor.New(cfg.Engine(), monitor.NewMetrics(registry))
	if err != nil {
		return fmt.Errorf("failed to initialize monitor: %w", err)
	}

	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase)
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	svc := &service{
		cfg:      cfg,
		poller:   poller,
		mon:      mon,
		store:    store,
		tg:       telegramClient,
		cooldown: telegram.NewCooldown(cfg.Telegram.Cooldown, cfg.Telegram.MinConvictionGain),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutdown signal received, cleaning up...")
		cancel()
	}()

	if telegramClient != nil {
		telegramClient.ListenForCommands(ctx, svc.statusText)
	}

	if cfg.Server.Enabled {
		api := server.New(server.Config{
			Host:  cfg.Server.Host,
			Port:  cfg.Server.Port,
			Debug: cfg.Logging.Level == "debug",
		}, store, mon.Stats, registry)
		go func() {
			if err := api.Run(ctx); err != nil {
				logger.Error("Status API stopped: %v", err)
			}
		}()
	}

	logger.Info("Starting monitoring service (interval: %v, sources: %d, symbols: %d, top_k: %d)",
		cfg.Feeds.PollInterval,
		len(sources),
		len(cfg.Feeds.Symbols),
		cfg.Monitor.TopK,
	)

	ticker := time.NewTicker(cfg.Feeds.PollInterval)
	defer ticker.Stop()

	consecutiveFailures := 0

	handleCycleResult := func(err error) {
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveFailures++
			logger.Error("Monitoring cycle failed: %v", err)
			if consecutiveFailures == 1 && telegramClient != nil {
				if sendErr := telegramClient.SendError(err); sendErr != nil {
					logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
				}
			}
		} else {
			if consecutiveFailures > 0 && telegramClient != nil {
				if sendErr := telegramClient.SendRecovery(consecutiveFailures); sendErr != nil {
					logger.Warn("Failed to send recovery notification to Telegram: %v", sendErr)
				}
			}
			consecutiveFailures = 0
		}
	}

	logger.Debug("Running initial monitoring cycle")
	handleCycleResult(svc.runCycle(ctx))

	for {
		select {
		case <-ctx.Done():
			logger.Info("Service stopped")
			return nil

		case <-ticker.C:
			logger.Debug("Starting scheduled monitoring cycle")
			handleCycleResult(svc.runCycle(ctx))
			svc.rotate()
		}
	}
}

func (s *service) runCycle(ctx context.Context) error {
	startTime := time.Now()

	events, err := s.poller.Poll(ctx, startTime)
	if err != nil {
		return fmt.Errorf("failed to poll feeds: %w", err)
	}
	logger.Debug("Fetched %d events", len(events))

	result, err := s.mon.ProcessCycle(ctx, events)
	if err != nil {
		return fmt.Errorf("failed to process cycle: %w", err)
	}

	if err := s.store.AddFlags(result.Flags); err != nil {
		logger.Warn("Failed to persist %d flags: %v", len(result.Flags), err)
	}
	for i := range result.Alerts {
		if err := s.store.AddAlert(&result.Alerts[i]); err != nil {
			logger.Warn("Failed to persist alert for %s: %v", result.Alerts[i].Symbol, err)
		}
	}

	if len(result.Alerts) > 0 {
		logger.Info("Detected %d composite alerts from %d flags", len(result.Alerts), len(result.Flags))
		s.notify(result)
	} else {
		logger.Debug("No composite alerts this cycle (%d flags)", len(result.Flags))
	}

	logger.Info("Monitoring cycle completed in %v (%d events)", time.Since(startTime), result.Events)
	return nil
}

func (s *service) notify(result monitor.CycleResult) {
	if s.tg == nil {
		logger.Debug("Alerts detected but Telegram notifications disabled")
		return
	}
	toSend := s.cooldown.Filter(result.Alerts, time.Now())
	if len(toSend) == 0 {
		logger.Debug("All %d alerts suppressed by cooldown", len(result.Alerts))
		return
	}
	if err := s.tg.Send(toSend); err != nil {
		logger.Error("Failed to send Telegram notification: %v", err)
		return
	}
	ids := make([]string, 0, len(toSend))
	for _, a := range toSend {
		if a.ID != "" {
			ids = append(ids, a.ID)
		}
	}
	if err := s.store.MarkNotified(ids...); err != nil {
		logger.Warn("Failed to mark alerts notified: %v", err)
	}
	logger.Info("Sent Telegram notification with %d alerts", len(toSend))
}

func (s *service) rotate() {
	if err := s.store.RotateAlerts(); err != nil {
		logger.Warn("Failed to rotate alerts: %v", err)
	}
	if n, err := s.store.RotateFlags(time.Now().Add(-s.cfg.Storage.FlagRetention)); err != nil {
		logger.Warn("Failed to rotate flags: %v", err)
	} else if n > 0 {
		logger.Debug("Rotated %d stored flags", n)
	}
}

func (s *service) statusText() string {
	st := s.mon.Stats()
	last := "never"
	if !st.LastCycle.IsZero() {
		last = st.LastCycle.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("Cycles: %d\nTracked symbols: %d\nBuffered flags: %d\nLast cycle: %s",
		st.Cycles, st.TrackedSymbols, st.BufferedFlags, last)
}
