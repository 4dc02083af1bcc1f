package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	s3blob "github.com/alanyoungcy/signalbot/internal/blob/s3"
	"github.com/alanyoungcy/signalbot/internal/cache/redis"
	"github.com/alanyoungcy/signalbot/internal/config"
	"github.com/alanyoungcy/signalbot/internal/domain"
	"github.com/alanyoungcy/signalbot/internal/notify"
	"github.com/alanyoungcy/signalbot/internal/platform/kraken"
	"github.com/alanyoungcy/signalbot/internal/platform/mexc"
	"github.com/alanyoungcy/signalbot/internal/server/handler"
	"github.com/alanyoungcy/signalbot/internal/store/postgres"
	"github.com/alanyoungcy/signalbot/internal/venue"
)

// Dependencies bundles the infrastructure the modes run on. It is built by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	PositionStore domain.PositionStore
	AlertStore    domain.AlertStore
	AuditStore    domain.AuditStore
	CatalogStore  domain.CatalogStore

	// Redis
	ClaimStore  domain.ClaimStore
	RateLimiter domain.RateLimiter
	SignalBus   domain.SignalBus
	PriceCache  domain.PriceCache

	// Blob storage; nil when no bucket is configured.
	BlobReader domain.BlobReader
	Archiver   domain.Archiver

	Venues   *venue.Registry
	Notifier *notify.Notifier

	// Health probes keyed by dependency name.
	Checks map[string]handler.HealthCheck
}

// Wire connects every configured backend and returns the dependencies
// together with a cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Checks: map[string]handler.HealthCheck{}}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:             cfg.Postgres.DSN,
		Host:            cfg.Postgres.Host,
		Port:            cfg.Postgres.Port,
		Database:        cfg.Postgres.Database,
		User:            cfg.Postgres.User,
		Password:        cfg.Postgres.Password,
		SSLMode:         cfg.Postgres.SSLMode,
		MaxConns:        cfg.Postgres.PoolMaxConns,
		MinConns:        cfg.Postgres.PoolMinConns,
		ConnectTimeout:  cfg.Postgres.ConnectTimeout.Duration,
		MaxConnLifetime: cfg.Postgres.MaxConnLifetime.Duration,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: postgres: %w", err))
	}
	closers = append(closers, pgClient.Close)

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			return fail(fmt.Errorf("wire: postgres migrations: %w", err))
		}
	}

	pool := pgClient.Pool()
	positions := postgres.NewPositionStore(pool)
	alerts := postgres.NewAlertStore(pool)
	deps.PositionStore = positions
	deps.AlertStore = alerts
	deps.AuditStore = postgres.NewAuditStore(pool)
	deps.CatalogStore = postgres.NewCatalogStore(pool)
	deps.Checks["postgres"] = pgClient.Ping

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
		KeyPrefix:  cfg.Redis.KeyPrefix,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: redis: %w", err))
	}
	closers = append(closers, func() { _ = redisClient.Close() })

	limiter := redis.NewRateLimiter(redisClient, redis.Limit{Requests: cfg.Server.RateLimit, Window: cfg.Server.RateWindow.Duration})
	if n := cfg.Executor.VenueRateLimit; n > 0 {
		limiter.SetLimit(venueLimiterPrefix, redis.Limit{Requests: n, Window: time.Second})
	}
	deps.ClaimStore = redis.NewClaimStore(redisClient)
	deps.RateLimiter = limiter
	deps.SignalBus = redis.NewSignalBus(redisClient)
	deps.PriceCache = redis.NewPriceCache(redisClient)
	deps.Checks["redis"] = redisClient.Ping

	// --- S3 blob storage ---
	if cfg.S3.Bucket != "" {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}

		reader := s3blob.NewReader(s3Client)
		deps.BlobReader = reader
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), positions, alerts, deps.AuditStore)
		deps.Checks["s3"] = func(ctx context.Context) error {
			_, err := reader.Exists(ctx, archiveProbeKey)
			return err
		}
	}

	// --- Venues ---
	deps.Venues, err = buildVenues(cfg.Venues)
	if err != nil {
		return fail(err)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramBaseURL,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}

const (
	venueLimiterPrefix = "venue:"
	archiveProbeKey    = "archive/.probe"
)

// buildVenues registers an adapter for every enabled venue.
func buildVenues(cfg config.VenuesConfig) (*venue.Registry, error) {
	reg := venue.NewRegistry()

	if v := cfg.Kraken; v.Enabled {
		secret, err := config.VenueSecret(kraken.Name, v)
		if err != nil {
			return nil, fmt.Errorf("wire: %w", err)
		}
		reg.Register(kraken.NewClient(kraken.Config{
			BaseURL:   v.BaseURL,
			APIKey:    v.APIKey,
			APISecret: secret,
			Quote:     v.Quote,
			Timeout:   v.Timeout.Duration,
		}))
	}
	if v := cfg.MEXC; v.Enabled {
		secret, err := config.VenueSecret(mexc.Name, v)
		if err != nil {
			return nil, fmt.Errorf("wire: %w", err)
		}
		reg.Register(mexc.NewClient(mexc.Config{
			BaseURL:   v.BaseURL,
			APIKey:    v.APIKey,
			APISecret: secret,
			Quote:     v.Quote,
			Timeout:   v.Timeout.Duration,
		}))
	}
	return reg, nil
}
