package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"price-intel/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Sinks     SinksConfig     `mapstructure:"sinks"`
	Report    ReportConfig    `mapstructure:"report"`
	API       APIConfig       `mapstructure:"api"`
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
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// RedisConfig backs the shared forecast cache. Empty Addr keeps the cache in memory.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	Prefix      string        `mapstructure:"prefix"`
	ForecastTTL time.Duration `mapstructure:"forecast_ttl"`
}

// SchedulerConfig governs the evaluation cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	Workers         int           `mapstructure:"workers"`
}

// EngineConfig holds the analytics, deal, forecast and dispatch knobs.
type EngineConfig struct {
	CooldownWindow           time.Duration `mapstructure:"cooldown_window"`
	MinDiscountFraction      float64       `mapstructure:"min_discount_fraction"`
	VolatilityWindow         time.Duration `mapstructure:"volatility_window"`
	ForecastMinHistoryPoints int           `mapstructure:"forecast_min_history_points"`
	MaxRetryAttempts         int           `mapstructure:"max_retry_attempts"`
	RetryBackoffBase         time.Duration `mapstructure:"retry_backoff_base"`
	EnabledSinks             []string      `mapstructure:"enabled_sinks"`

	TrendEpsilon          float64       `mapstructure:"trend_epsilon"`
	ClockSkewTolerance    time.Duration `mapstructure:"clock_skew_tolerance"`
	NearSupportFraction   float64       `mapstructure:"near_support_fraction"`
	MinForecastConfidence float64       `mapstructure:"min_forecast_confidence"`
	ForecastTimeout       time.Duration `mapstructure:"forecast_timeout"`
	DispatchTimeout       time.Duration `mapstructure:"dispatch_timeout"`
	DefaultModel          string        `mapstructure:"default_model"`
	DefaultHorizonDays    int           `mapstructure:"default_horizon_days"`
	MaxHorizonDays        int           `mapstructure:"max_horizon_days"`
	Forest                ForestConfig  `mapstructure:"forest"`
}

// ForestConfig tunes the random forest strategy.
type ForestConfig struct {
	Trees    int   `mapstructure:"trees"`
	MaxDepth int   `mapstructure:"max_depth"`
	MinLeaf  int   `mapstructure:"min_leaf"`
	Seed     int64 `mapstructure:"seed"`
}

// SinksConfig describes the notification channels.
type SinksConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Email    EmailConfig    `mapstructure:"email"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	BotToken      string  `mapstructure:"bot_token"`
	ChatID        string  `mapstructure:"chat_id"`
	APIBase       string  `mapstructure:"api_base"`
	RatePerMinute float64 `mapstructure:"rate_per_minute"`
}

// EmailConfig describes the SMTP relay.
type EmailConfig struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

// ReportConfig schedules the daily summary.
type ReportConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Cron     string `mapstructure:"cron"`
	Timezone string `mapstructure:"timezone"`
}

// APIConfig exposes the HTTP query and ingest endpoints.
type APIConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	ListenAddr      string        `mapstructure:"listen_addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := loadEnvFile(os.Getenv("PRICEINTEL_APP_ENV_FILE")); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("PRICEINTEL")
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

// loadEnvFile populates the process environment; a missing default .env is not an error.
func loadEnvFile(path string) error {
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
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
	v.SetDefault("app.name", "priceintel")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "priceintel:")
	v.SetDefault("redis.forecast_ttl", "6h")

	v.SetDefault("scheduler.interval", "6h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x70726963))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.workers", 4)

	v.SetDefault("engine.cooldown_window", "24h")
	v.SetDefault("engine.min_discount_fraction", 0.05)
	v.SetDefault("engine.volatility_window", "720h")
	v.SetDefault("engine.forecast_min_history_points", 5)
	v.SetDefault("engine.max_retry_attempts", 3)
	v.SetDefault("engine.retry_backoff_base", "30s")
	v.SetDefault("engine.enabled_sinks", []string{})
	v.SetDefault("engine.trend_epsilon", 0.01)
	v.SetDefault("engine.clock_skew_tolerance", "5m")
	v.SetDefault("engine.near_support_fraction", 0.02)
	v.SetDefault("engine.min_forecast_confidence", 0.5)
	v.SetDefault("engine.forecast_timeout", "10s")
	v.SetDefault("engine.dispatch_timeout", "10s")
	v.SetDefault("engine.default_model", "linear_regression")
	v.SetDefault("engine.default_horizon_days", 7)
	v.SetDefault("engine.max_horizon_days", 90)
	v.SetDefault("engine.forest.trees", 50)
	v.SetDefault("engine.forest.max_depth", 6)
	v.SetDefault("engine.forest.min_leaf", 2)
	v.SetDefault("engine.forest.seed", 42)

	v.SetDefault("sinks.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("sinks.telegram.rate_per_minute", 20.0)
	v.SetDefault("sinks.email.port", 587)

	v.SetDefault("report.enabled", false)
	v.SetDefault("report.cron", "0 9 * * *")
	v.SetDefault("report.timezone", "UTC")

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.listen_addr", ":8080")
	v.SetDefault("api.shutdown_timeout", "5s")

	v.SetDefault("export.max_data_points", 5000)
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
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	e := c.Engine
	if e.CooldownWindow < 0 {
		return fmt.Errorf("engine.cooldown_window cannot be negative")
	}
	if e.MinDiscountFraction < 0 || e.MinDiscountFraction >= 1 {
		return fmt.Errorf("engine.min_discount_fraction must be in [0,1)")
	}
	if e.VolatilityWindow < 0 {
		return fmt.Errorf("engine.volatility_window cannot be negative")
	}
	if e.ForecastMinHistoryPoints < 2 {
		return fmt.Errorf("engine.forecast_min_history_points must be at least 2")
	}
	if e.MaxRetryAttempts <= 0 {
		return fmt.Errorf("engine.max_retry_attempts must be greater than zero")
	}
	if e.RetryBackoffBase < 0 {
		return fmt.Errorf("engine.retry_backoff_base cannot be negative")
	}
	if e.TrendEpsilon < 0 {
		return fmt.Errorf("engine.trend_epsilon cannot be negative")
	}
	if e.DefaultHorizonDays <= 0 {
		return fmt.Errorf("engine.default_horizon_days must be greater than zero")
	}
	if e.MaxHorizonDays < e.DefaultHorizonDays {
		return fmt.Errorf("engine.max_horizon_days must be at least engine.default_horizon_days")
	}
	for _, sink := range e.EnabledSinks {
		switch sink {
		case "telegram":
			if c.Sinks.Telegram.BotToken == "" || c.Sinks.Telegram.ChatID == "" {
				return fmt.Errorf("sinks.telegram.bot_token 与 chat_id 必须配置")
			}
		case "email":
			if c.Sinks.Email.Host == "" || c.Sinks.Email.From == "" || len(c.Sinks.Email.To) == 0 {
				return fmt.Errorf("sinks.email.host, from and to must be configured")
			}
		default:
			return fmt.Errorf("engine.enabled_sinks: unknown sink %q", sink)
		}
	}
	if c.Report.Enabled && c.Report.Cron == "" {
		return fmt.Errorf("report.cron is required when report.enabled")
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

// ResolveHorizon returns either the CLI override or config default.
func (c *Config) ResolveHorizon(override int) int {
	if override > 0 {
		return override
	}
	return c.Engine.DefaultHorizonDays
}
