package config

import (
	"fmt"
	"net/url"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rewired-gh/flowwatch/internal/feed"
	"github.com/rewired-gh/flowwatch/internal/monitor"
)

// Config represents the complete application configuration
type Config struct {
	Feeds    FeedsConfig    `mapstructure:"feeds"`
	Detector DetectorConfig `mapstructure:"detector"`
	Cluster  ClusterConfig  `mapstructure:"cluster"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// FeedsConfig holds market data feed configuration
type FeedsConfig struct {
	Sources         []SourceConfig `mapstructure:"sources"`
	Symbols         []string       `mapstructure:"symbols"`
	PollInterval    time.Duration  `mapstructure:"poll_interval"`
	Lookback        time.Duration  `mapstructure:"lookback"`
	Overlap         time.Duration  `mapstructure:"overlap"`
	Timeout         time.Duration  `mapstructure:"timeout"`
	RequestsPerSec  float64        `mapstructure:"requests_per_sec"`
	MaxRetries      int            `mapstructure:"max_retries"`
	BreakerFailures int            `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration  `mapstructure:"breaker_timeout"`
}

// SourceConfig names one HTTP feed endpoint
type SourceConfig struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// DetectorConfig holds per-event rule thresholds and rolling windows
type DetectorConfig struct {
	TradeSizeMultipleThreshold     float64         `mapstructure:"trade_size_multiple_threshold"`
	PriceZScoreThreshold           float64         `mapstructure:"price_zscore_threshold"`
	VolumeZScoreThreshold          float64         `mapstructure:"volume_zscore_threshold"`
	OptionsSweepContractsThreshold int             `mapstructure:"options_sweep_contracts_threshold"`
	DarkPoolRatioThreshold         float64         `mapstructure:"dark_pool_ratio_threshold"`
	RollingWindows                 []time.Duration `mapstructure:"rolling_windows"`
	ZScoreWindow                   time.Duration   `mapstructure:"zscore_window"`
	TradeSizeWindow                time.Duration   `mapstructure:"trade_size_window"`
	Workers                        int             `mapstructure:"workers"` // 0 = number of CPUs
}

// ClusterConfig holds temporal clustering and conviction scoring configuration
type ClusterConfig struct {
	TimeWindow      time.Duration `mapstructure:"time_window"`
	MinAnomalies    int           `mapstructure:"min_anomalies"`
	RecencyWindow   time.Duration `mapstructure:"recency_window"`
	CountSaturation int           `mapstructure:"count_saturation"`
	Weights         WeightsConfig `mapstructure:"weights"`
}

// WeightsConfig holds the conviction score component weights
type WeightsConfig struct {
	Count     float64 `mapstructure:"count"`
	Severity  float64 `mapstructure:"severity"`
	Recency   float64 `mapstructure:"recency"`
	Diversity float64 `mapstructure:"diversity"`
}

// MonitorConfig holds cycle orchestration configuration
type MonitorConfig struct {
	TopK             int           `mapstructure:"top_k"`
	PruneInterval    int           `mapstructure:"prune_interval"`
	FlagRetention    time.Duration `mapstructure:"flag_retention"`
	MaxBufferedFlags int           `mapstructure:"max_buffered_flags"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken          string        `mapstructure:"bot_token"`
	ChatID            string        `mapstructure:"chat_id"`
	Enabled           bool          `mapstructure:"enabled"`
	MaxRetries        int           `mapstructure:"max_retries"`
	RetryDelayBase    time.Duration `mapstructure:"retry_delay_base"`
	Cooldown          time.Duration `mapstructure:"cooldown"`
	MinConvictionGain float64       `mapstructure:"min_conviction_gain"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	MaxAlerts     int           `mapstructure:"max_alerts"`
	FlagRetention time.Duration `mapstructure:"flag_retention"`
	DBPath        string        `mapstructure:"db_path"`
}

// ServerConfig holds status API configuration
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// Environment variables use the FLOWWATCH_ prefix with "." replaced by "_",
// e.g. FLOWWATCH_TELEGRAM_BOT_TOKEN.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	setDefaults(v)

	v.SetEnvPrefix("FLOWWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	// Feed defaults
	v.SetDefault("feeds.poll_interval", "15s")
	v.SetDefault("feeds.lookback", "30m")
	v.SetDefault("feeds.overlap", "5s")
	v.SetDefault("feeds.timeout", "10s")
	v.SetDefault("feeds.requests_per_sec", 5.0)
	v.SetDefault("feeds.max_retries", 3)
	v.SetDefault("feeds.breaker_failures", 5)
	v.SetDefault("feeds.breaker_timeout", "1m")

	// Detector defaults
	v.SetDefault("detector.trade_size_multiple_threshold", 5.0)
	v.SetDefault("detector.price_zscore_threshold", 2.0)
	v.SetDefault("detector.volume_zscore_threshold", 2.0)
	v.SetDefault("detector.options_sweep_contracts_threshold", 1000)
	v.SetDefault("detector.dark_pool_ratio_threshold", 0.4)
	v.SetDefault("detector.rolling_windows", []string{"60s", "300s", "1800s"})
	v.SetDefault("detector.zscore_window", "300s")
	v.SetDefault("detector.trade_size_window", "1800s")
	v.SetDefault("detector.workers", 0)

	// Cluster defaults
	v.SetDefault("cluster.time_window", "5m")
	v.SetDefault("cluster.min_anomalies", 2)
	v.SetDefault("cluster.recency_window", "5m")
	v.SetDefault("cluster.count_saturation", 10)
	v.SetDefault("cluster.weights.count", 0.25)
	v.SetDefault("cluster.weights.severity", 0.40)
	v.SetDefault("cluster.weights.recency", 0.15)
	v.SetDefault("cluster.weights.diversity", 0.20)

	// Monitor defaults
	v.SetDefault("monitor.top_k", 10)
	v.SetDefault("monitor.prune_interval", 20)
	v.SetDefault("monitor.flag_retention", "5m")
	v.SetDefault("monitor.max_buffered_flags", 10000)

	// Telegram defaults
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")
	v.SetDefault("telegram.cooldown", "15m")
	v.SetDefault("telegram.min_conviction_gain", 0.1)

	// Storage defaults
	v.SetDefault("storage.max_alerts", 5000)
	v.SetDefault("storage.flag_retention", "24h")
	v.SetDefault("storage.db_path", "./data/flowwatch.db")

	// Server defaults
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8080)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if err := c.ValidateEngine(); err != nil {
		return err
	}

	// Validate Feeds config
	if len(c.Feeds.Sources) == 0 {
		return fmt.Errorf("feeds.sources must contain at least one source")
	}
	seen := make(map[string]bool)
	for i, src := range c.Feeds.Sources {
		u, err := url.Parse(src.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("feeds.sources[%d].url must be an http(s) URL", i)
		}
		name := src.Name
		if name == "" {
			name = u.Host
		}
		if seen[name] {
			return fmt.Errorf("feeds.sources[%d] duplicates source name %q", i, name)
		}
		seen[name] = true
	}
	if len(c.Feeds.Symbols) == 0 {
		return fmt.Errorf("feeds.symbols must contain at least one symbol")
	}
	if c.Feeds.PollInterval < time.Second {
		return fmt.Errorf("feeds.poll_interval must be at least 1 second")
	}
	if c.Feeds.Lookback < 0 {
		return fmt.Errorf("feeds.lookback must not be negative")
	}
	if c.Feeds.Overlap < 0 || c.Feeds.Overlap >= c.Feeds.PollInterval*10 {
		return fmt.Errorf("feeds.overlap must be between 0 and 10 poll intervals")
	}
	if c.Feeds.Timeout <= 0 {
		return fmt.Errorf("feeds.timeout must be positive")
	}
	if c.Feeds.RequestsPerSec <= 0 {
		return fmt.Errorf("feeds.requests_per_sec must be positive")
	}
	if c.Feeds.MaxRetries < 1 {
		return fmt.Errorf("feeds.max_retries must be at least 1")
	}
	if c.Feeds.BreakerFailures < 1 {
		return fmt.Errorf("feeds.breaker_failures must be at least 1")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	if c.Telegram.Cooldown < 0 {
		return fmt.Errorf("telegram.cooldown must not be negative")
	}
	if c.Telegram.MinConvictionGain < 0 || c.Telegram.MinConvictionGain > 1 {
		return fmt.Errorf("telegram.min_conviction_gain must be between 0.0 and 1.0")
	}

	// Validate Storage config
	if c.Storage.MaxAlerts < 1 {
		return fmt.Errorf("storage.max_alerts must be at least 1")
	}
	if c.Storage.FlagRetention < time.Hour {
		return fmt.Errorf("storage.flag_retention must be at least 1 hour")
	}

	// Validate Server config
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	return nil
}

// ValidateEngine checks only the sections offline replay needs: detector, cluster, monitor and logging.
func (c *Config) ValidateEngine() error {
	if err := c.Engine().Validate(); err != nil {
		return fmt.Errorf("invalid engine configuration: %w", err)
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	return nil
}

// Engine converts the detector, cluster and monitor sections into a monitor.Config.
func (c *Config) Engine() monitor.Config {
	workers := c.Detector.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	windows := make([]time.Duration, len(c.Detector.RollingWindows))
	copy(windows, c.Detector.RollingWindows)

	return monitor.Config{
		Detector: monitor.DetectorConfig{
			TradeSizeMultipleThreshold:     c.Detector.TradeSizeMultipleThreshold,
			PriceZScoreThreshold:           c.Detector.PriceZScoreThreshold,
			VolumeZScoreThreshold:          c.Detector.VolumeZScoreThreshold,
			OptionsSweepContractsThreshold: c.Detector.OptionsSweepContractsThreshold,
			DarkPoolRatioThreshold:         c.Detector.DarkPoolRatioThreshold,
			RollingWindows:                 windows,
			ZScoreWindow:                   c.Detector.ZScoreWindow,
			TradeSizeWindow:                c.Detector.TradeSizeWindow,
			Workers:                        workers,
		},
		Cluster: monitor.ClusterConfig{
			TimeWindow:      c.Cluster.TimeWindow,
			MinAnomalies:    c.Cluster.MinAnomalies,
			RecencyWindow:   c.Cluster.RecencyWindow,
			CountSaturation: c.Cluster.CountSaturation,
			Weights: monitor.ConvictionWeights{
				Count:     c.Cluster.Weights.Count,
				Severity:  c.Cluster.Weights.Severity,
				Recency:   c.Cluster.Weights.Recency,
				Diversity: c.Cluster.Weights.Diversity,
			},
		},
		TopK:             c.Monitor.TopK,
		PruneInterval:    c.Monitor.PruneInterval,
		FlagRetention:    c.Monitor.FlagRetention,
		MaxBufferedFlags: c.Monitor.MaxBufferedFlags,
	}
}

// FeedClients returns one HTTP client option set per configured source.
func (c *Config) FeedClients() []feed.ClientOptions {
	opts := make([]feed.ClientOptions, 0, len(c.Feeds.Sources))
	for _, src := range c.Feeds.Sources {
		opts = append(opts, feed.ClientOptions{
			Name:            src.Name,
			URL:             src.URL,
			Timeout:         c.Feeds.Timeout,
			RequestsPerSec:  c.Feeds.RequestsPerSec,
			MaxRetries:      uint64(c.Feeds.MaxRetries),
			BreakerFailures: uint32(c.Feeds.BreakerFailures),
			BreakerTimeout:  c.Feeds.BreakerTimeout,
		})
	}
	return opts
}
