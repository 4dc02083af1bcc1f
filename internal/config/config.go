// Package config defines the signalbot configuration, its defaults and
// validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by SIGNALBOT_* environment variables.
type Config struct {
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
	Server   ServerConfig   `toml:"server"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Notify   NotifyConfig   `toml:"notify"`
	Venues   VenuesConfig   `toml:"venues"`
	Executor ExecutorConfig `toml:"executor"`
	Monitor  MonitorConfig  `toml:"monitor"`
	Persist  PersistConfig  `toml:"persist"`
	Risk     RiskConfig     `toml:"risk"`
	Ingest   IngestConfig   `toml:"ingest"`
	Catalog  CatalogConfig  `toml:"catalog"`
	Archive  ArchiveConfig  `toml:"archive"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// PostgresConfig holds database connection parameters.
type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	ConnectTimeout  duration `toml:"connect_timeout"`
	MaxConnLifetime duration `toml:"max_conn_lifetime"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// S3Config holds object storage parameters. An empty bucket disables
// archival.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramBaseURL   string   `toml:"telegram_base_url"`
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// VenuesConfig holds one block per supported venue.
type VenuesConfig struct {
	Kraken VenueConfig `toml:"kraken"`
	MEXC   VenueConfig `toml:"mexc"`
}

// VenueConfig configures one venue adapter. The API secret comes either
// from api_secret or from an encrypted file unlocked with
// SIGNALBOT_SECRET_PASSWORD.
type VenueConfig struct {
	Enabled             bool     `toml:"enabled"`
	BaseURL             string   `toml:"base_url"`
	APIKey              string   `toml:"api_key"`
	APISecret           string   `toml:"api_secret"`
	EncryptedSecretFile string   `toml:"encrypted_secret_file"`
	Quote               string   `toml:"quote"`
	Timeout             duration `toml:"timeout"`
}

// ExecutorConfig tunes order placement. Concurrency bounds how many alerts
// the feed executes at once. VenueRateLimit is requests per second per venue;
// zero disables it.
type ExecutorConfig struct {
	MaxAttempts    int      `toml:"max_attempts"`
	BackoffBase    duration `toml:"backoff_base"`
	BackoffMax     duration `toml:"backoff_max"`
	CallTimeout    duration `toml:"call_timeout"`
	DedupWindow    duration `toml:"dedup_window"`
	Concurrency    int      `toml:"concurrency"`
	VenueRateLimit int      `toml:"venue_rate_limit"`
}

// MonitorConfig tunes the monitoring scheduler. The percentages are
// fractions of entry price (0.05 = 5%) and apply when an alert sets no
// explicit levels.
type MonitorConfig struct {
	Interval               duration `toml:"interval"`
	MaxConsecutiveFailures int      `toml:"max_consecutive_failures"`
	CallTimeout            duration `toml:"call_timeout"`
	TakeProfitPct          float64  `toml:"take_profit_pct"`
	StopLossPct            float64  `toml:"stop_loss_pct"`
}

// PersistConfig tunes journal retries.
type PersistConfig struct {
	MaxAttempts int      `toml:"max_attempts"`
	BackoffBase duration `toml:"backoff_base"`
	BackoffMax  duration `toml:"backoff_max"`
}

// RiskConfig bounds exposure.
type RiskConfig struct {
	MaxActivePerVenue int `toml:"max_active_per_venue"`
	Leverage          int `toml:"leverage"`
}

// IngestConfig configures the inbound alert feed.
type IngestConfig struct {
	Enabled      bool              `toml:"enabled"`
	Channel      string            `toml:"channel"`
	DefaultVenue string            `toml:"default_venue"`
	Sources      map[string]string `toml:"sources"`
}

// CatalogConfig selects where instruments come from.
type CatalogConfig struct {
	// Source is "config" or "postgres".
	Source string `toml:"source"`

	Instruments []domain.Instrument `toml:"instruments"`
}

// ArchiveConfig schedules cold-storage archival. Cron, when set, wins over
// Interval.
type ArchiveConfig struct {
	Enabled       bool     `toml:"enabled"`
	Interval      duration `toml:"interval"`
	Cron          string   `toml:"cron"`
	RetentionDays int      `toml:"retention_days"`
}

// duration decodes TOML strings such as "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Mode:     "trade",
		LogLevel: "info",
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   20,
			RateWindow:  duration{time.Second},
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "signalbot",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			ConnectTimeout:  duration{10 * time.Second},
			MaxConnLifetime: duration{time.Hour},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:       "localhost:6379",
			PoolSize:   20,
			MaxRetries: 3,
			KeyPrefix:  "signalbot:",
		},
		S3: S3Config{
			Region:         "us-east-1",
			ForcePathStyle: true,
		},
		Notify: NotifyConfig{
			Events: []string{"opened", "closed", "failed", "persistence_error"},
		},
		Venues: VenuesConfig{
			Kraken: VenueConfig{
				BaseURL: "https://api.kraken.com",
				Quote:   "USD",
				Timeout: duration{30 * time.Second},
			},
			MEXC: VenueConfig{
				BaseURL: "https://api.mexc.com",
				Quote:   "USDT",
				Timeout: duration{30 * time.Second},
			},
		},
		Executor: ExecutorConfig{
			MaxAttempts:    5,
			BackoffBase:    duration{500 * time.Millisecond},
			BackoffMax:     duration{30 * time.Second},
			CallTimeout:    duration{15 * time.Second},
			DedupWindow:    duration{time.Minute},
			Concurrency:    8,
			VenueRateLimit: 5,
		},
		Monitor: MonitorConfig{
			Interval:               duration{5 * time.Second},
			MaxConsecutiveFailures: 5,
			CallTimeout:            duration{10 * time.Second},
		},
		Persist: PersistConfig{
			MaxAttempts: 3,
			BackoffBase: duration{200 * time.Millisecond},
			BackoffMax:  duration{5 * time.Second},
		},
		Risk: RiskConfig{
			Leverage: 1,
		},
		Ingest: IngestConfig{
			Enabled: true,
			Channel: "alerts",
			Sources: map[string]string{},
		},
		Catalog: CatalogConfig{
			Source: "config",
		},
		Archive: ArchiveConfig{
			Interval:      duration{24 * time.Hour},
			RetentionDays: 90,
		},
	}
}

var validModes = map[string]bool{
	"trade":   true,
	"monitor": true,
	"server":  true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate reports every invalid or missing value at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) { errs = append(errs, fmt.Sprintf(format, args...)) }

	if !validModes[strings.ToLower(c.Mode)] {
		add("unknown mode %q (valid: trade, monitor, server)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			add("postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			add("postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		add("postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		add("postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	if c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		add("redis: pool_size must be >= 1")
	}

	trading := strings.EqualFold(c.Mode, "trade") || strings.EqualFold(c.Mode, "monitor")
	if trading && !c.Venues.Kraken.Enabled && !c.Venues.MEXC.Enabled {
		add("venues: at least one venue must be enabled for mode %s", c.Mode)
	}
	c.Venues.Kraken.validate("kraken", add)
	c.Venues.MEXC.validate("mexc", add)

	if c.Executor.MaxAttempts < 1 {
		add("executor: max_attempts must be >= 1")
	}
	if c.Executor.BackoffBase.Duration <= 0 {
		add("executor: backoff_base must be > 0")
	}
	if c.Executor.BackoffMax.Duration < c.Executor.BackoffBase.Duration {
		add("executor: backoff_max must be >= backoff_base")
	}
	if c.Executor.DedupWindow.Duration <= 0 {
		add("executor: dedup_window must be > 0")
	}
	if c.Executor.Concurrency < 1 {
		add("executor: concurrency must be >= 1")
	}
	if c.Executor.VenueRateLimit < 0 {
		add("executor: venue_rate_limit must be >= 0")
	}

	if c.Monitor.Interval.Duration <= 0 {
		add("monitor: interval must be > 0")
	}
	if c.Monitor.MaxConsecutiveFailures < 1 {
		add("monitor: max_consecutive_failures must be >= 1")
	}
	if c.Monitor.TakeProfitPct < 0 || c.Monitor.TakeProfitPct >= 10 {
		add("monitor: take_profit_pct must be a fraction in [0, 10)")
	}
	if c.Monitor.StopLossPct < 0 || c.Monitor.StopLossPct >= 1 {
		add("monitor: stop_loss_pct must be a fraction in [0, 1)")
	}

	if c.Persist.MaxAttempts < 1 {
		add("persist: max_attempts must be >= 1")
	}
	if c.Risk.Leverage < 1 {
		add("risk: leverage must be >= 1")
	}
	if c.Risk.MaxActivePerVenue < 0 {
		add("risk: max_active_per_venue must be >= 0")
	}

	switch strings.ToLower(c.Catalog.Source) {
	case "config", "postgres":
	default:
		add("catalog: source must be config or postgres, got %q", c.Catalog.Source)
	}
	for i, inst := range c.Catalog.Instruments {
		if inst.Venue == "" || inst.Symbol == "" {
			add("catalog: instruments[%d] needs venue and symbol", i)
		}
		if inst.MaxQuantity > 0 && inst.MinQuantity > inst.MaxQuantity {
			add("catalog: instruments[%d] min_quantity exceeds max_quantity", i)
		}
	}

	if c.Archive.Enabled {
		if c.S3.Bucket == "" {
			add("archive: s3.bucket must be set when archive is enabled")
		}
		if c.Archive.RetentionDays < 1 {
			add("archive: retention_days must be >= 1")
		}
		if c.Archive.Cron == "" && c.Archive.Interval.Duration <= 0 {
			add("archive: interval or cron must be set")
		}
	}

	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func (v VenueConfig) validate(name string, add func(string, ...any)) {
	if !v.Enabled {
		return
	}
	if v.BaseURL == "" {
		add("venues.%s: base_url must not be empty", name)
	}
	if v.APIKey == "" {
		add("venues.%s: api_key is required", name)
	}
	if v.APISecret == "" && v.EncryptedSecretFile == "" {
		add("venues.%s: api_secret or encrypted_secret_file is required", name)
	}
}
