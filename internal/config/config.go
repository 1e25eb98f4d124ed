package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"nem-price-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Retention RetentionConfig `mapstructure:"retention"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// FeedConfig covers NEMWEB report access.
type FeedConfig struct {
	DispatchURL    string        `mapstructure:"dispatch_url"`
	PredispatchURL string        `mapstructure:"predispatch_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// SchedulerConfig governs fetch cadences. Dispatch reports publish on
// five-minute boundaries with a settlement lag; pre-dispatch on half hours.
type SchedulerConfig struct {
	DispatchPeriod    time.Duration `mapstructure:"dispatch_period"`
	DispatchLag       time.Duration `mapstructure:"dispatch_lag"`
	PredispatchPeriod time.Duration `mapstructure:"predispatch_period"`
	StaleRetries      int           `mapstructure:"stale_retries"`
	RetrySpacing      time.Duration `mapstructure:"retry_spacing"`
	StartupDelay      time.Duration `mapstructure:"startup_delay"`
}

// AnalyzerConfig defines alert evaluation parameters.
type AnalyzerConfig struct {
	SpikeDelta          float64       `mapstructure:"spike_delta"`
	ForecastHorizon     time.Duration `mapstructure:"forecast_horizon"`
	DedupWindow         time.Duration `mapstructure:"dedup_window"`
	ForecastDedupWindow time.Duration `mapstructure:"forecast_dedup_window"`
	AllClearDedupWindow time.Duration `mapstructure:"all_clear_dedup_window"`
}

// NotifierConfig governs alert delivery.
type NotifierConfig struct {
	HourlyCap    int           `mapstructure:"hourly_cap"`
	SendSpacing  time.Duration `mapstructure:"send_spacing"`
	SendRetries  int           `mapstructure:"send_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	QueueSize    int           `mapstructure:"queue_size"`
}

// TelegramConfig 描述 Telegram 推送参数。
type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	APIBase        string        `mapstructure:"api_base"`
	AdminChatID    int64         `mapstructure:"admin_chat_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// RetentionConfig sets history retention and the daily summary hour.
type RetentionConfig struct {
	Prices      time.Duration `mapstructure:"prices"`
	Forecasts   time.Duration `mapstructure:"forecasts"`
	Alerts      time.Duration `mapstructure:"alerts"`
	SummaryHour int           `mapstructure:"summary_hour"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("NEMWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "nemwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("feed.dispatch_url", "https://nemweb.com.au/Reports/Current/DispatchIS_Reports/")
	v.SetDefault("feed.predispatch_url", "https://nemweb.com.au/Reports/Current/PredispatchIS_Reports/")
	v.SetDefault("feed.request_timeout", "30s")
	v.SetDefault("feed.user_agent", "nemwatch/1.0")

	v.SetDefault("scheduler.dispatch_period", "5m")
	v.SetDefault("scheduler.dispatch_lag", "90s")
	v.SetDefault("scheduler.predispatch_period", "30m")
	v.SetDefault("scheduler.stale_retries", 5)
	v.SetDefault("scheduler.retry_spacing", "15s")
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("analyzer.spike_delta", 100.0)
	v.SetDefault("analyzer.forecast_horizon", "1h")
	v.SetDefault("analyzer.dedup_window", "30m")
	v.SetDefault("analyzer.forecast_dedup_window", "1h")
	v.SetDefault("analyzer.all_clear_dedup_window", "1h")

	v.SetDefault("notifier.hourly_cap", 10)
	v.SetDefault("notifier.send_spacing", "50ms")
	v.SetDefault("notifier.send_retries", 3)
	v.SetDefault("notifier.retry_backoff", "1s")
	v.SetDefault("notifier.queue_size", 256)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.request_timeout", "10s")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9190")

	v.SetDefault("retention.prices", "2160h")
	v.SetDefault("retention.forecasts", "168h")
	v.SetDefault("retention.alerts", "2160h")
	v.SetDefault("retention.summary_hour", 21)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.DispatchPeriod <= 0 {
		return fmt.Errorf("scheduler.dispatch_period must be greater than zero")
	}
	if c.Scheduler.PredispatchPeriod <= 0 {
		return fmt.Errorf("scheduler.predispatch_period must be greater than zero")
	}
	if c.Scheduler.DispatchLag < 0 {
		return fmt.Errorf("scheduler.dispatch_lag cannot be negative")
	}
	if c.Analyzer.SpikeDelta <= 0 {
		return fmt.Errorf("analyzer.spike_delta must be greater than zero")
	}
	if c.Notifier.HourlyCap <= 0 {
		return fmt.Errorf("notifier.hourly_cap must be greater than zero")
	}
	if c.Retention.SummaryHour < 0 || c.Retention.SummaryHour > 23 {
		return fmt.Errorf("retention.summary_hour must be between 0 and 23")
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
