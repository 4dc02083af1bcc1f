package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SIGNALBOT_"

// Load decodes the TOML file at path over Defaults, loads .env when present
// and applies SIGNALBOT_* overrides. An empty path skips the file. The
// result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.Mode, "MODE")
	setStr(&cfg.LogLevel, "LOG_LEVEL")

	setBool(&cfg.Server.Enabled, "SERVER_ENABLED")
	setInt(&cfg.Server.Port, "SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "SERVER_RATE_WINDOW")

	setStr(&cfg.Postgres.DSN, "POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.Host, "POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "REDIS_KEY_PREFIX")

	setStr(&cfg.S3.Endpoint, "S3_ENDPOINT")
	setStr(&cfg.S3.Region, "S3_REGION")
	setStr(&cfg.S3.Bucket, "S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "S3_FORCE_PATH_STYLE")

	setStr(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "NOTIFY_EVENTS")

	setVenue(&cfg.Venues.Kraken, "VENUES_KRAKEN_")
	setVenue(&cfg.Venues.MEXC, "VENUES_MEXC_")

	setInt(&cfg.Executor.MaxAttempts, "EXECUTOR_MAX_ATTEMPTS")
	setDuration(&cfg.Executor.BackoffBase, "EXECUTOR_BACKOFF_BASE")
	setDuration(&cfg.Executor.BackoffMax, "EXECUTOR_BACKOFF_MAX")
	setDuration(&cfg.Executor.CallTimeout, "EXECUTOR_CALL_TIMEOUT")
	setDuration(&cfg.Executor.DedupWindow, "EXECUTOR_DEDUP_WINDOW")
	setInt(&cfg.Executor.Concurrency, "EXECUTOR_CONCURRENCY")
	setInt(&cfg.Executor.VenueRateLimit, "EXECUTOR_VENUE_RATE_LIMIT")

	setDuration(&cfg.Monitor.Interval, "MONITOR_INTERVAL")
	setInt(&cfg.Monitor.MaxConsecutiveFailures, "MONITOR_MAX_CONSECUTIVE_FAILURES")
	setDuration(&cfg.Monitor.CallTimeout, "MONITOR_CALL_TIMEOUT")
	setFloat64(&cfg.Monitor.TakeProfitPct, "MONITOR_TAKE_PROFIT_PCT")
	setFloat64(&cfg.Monitor.StopLossPct, "MONITOR_STOP_LOSS_PCT")

	setInt(&cfg.Persist.MaxAttempts, "PERSIST_MAX_ATTEMPTS")
	setDuration(&cfg.Persist.BackoffBase, "PERSIST_BACKOFF_BASE")
	setDuration(&cfg.Persist.BackoffMax, "PERSIST_BACKOFF_MAX")

	setInt(&cfg.Risk.MaxActivePerVenue, "RISK_MAX_ACTIVE_PER_VENUE")
	setInt(&cfg.Risk.Leverage, "RISK_LEVERAGE")

	setBool(&cfg.Ingest.Enabled, "INGEST_ENABLED")
	setStr(&cfg.Ingest.Channel, "INGEST_CHANNEL")
	setStr(&cfg.Ingest.DefaultVenue, "INGEST_DEFAULT_VENUE")
	setStringMap(&cfg.Ingest.Sources, "INGEST_SOURCES")

	setStr(&cfg.Catalog.Source, "CATALOG_SOURCE")

	setBool(&cfg.Archive.Enabled, "ARCHIVE_ENABLED")
	setDuration(&cfg.Archive.Interval, "ARCHIVE_INTERVAL")
	setStr(&cfg.Archive.Cron, "ARCHIVE_CRON")
	setInt(&cfg.Archive.RetentionDays, "ARCHIVE_RETENTION_DAYS")
}

func setVenue(v *VenueConfig, prefix string) {
	setBool(&v.Enabled, prefix+"ENABLED")
	setStr(&v.BaseURL, prefix+"BASE_URL")
	setStr(&v.APIKey, prefix+"API_KEY")
	setStr(&v.APISecret, prefix+"API_SECRET")
	setStr(&v.EncryptedSecretFile, prefix+"ENCRYPTED_SECRET_FILE")
	setStr(&v.Quote, prefix+"QUOTE")
	setDuration(&v.Timeout, prefix+"TIMEOUT")
}

// Typed setters. Each mutates dst only when SIGNALBOT_<key> is set and
// parses.

func lookup(key string) (string, bool) {
	v := os.Getenv(EnvPrefix + key)
	return v, v != ""
}

func setStr(dst *string, key string) {
	if v, ok := lookup(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v, ok := lookup(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}

// setStringMap parses "a=x,b=y".
func setStringMap(dst *map[string]string, key string) {
	v, ok := lookup(key)
	if !ok {
		return
	}
	out := make(map[string]string)
	for _, pair := range strings.Split(v, ",") {
		k, val, found := strings.Cut(pair, "=")
		k, val = strings.TrimSpace(k), strings.TrimSpace(val)
		if found && k != "" && val != "" {
			out[k] = val
		}
	}
	if len(out) > 0 {
		*dst = out
	}
}
