package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/signalbot/internal/executor"
	"github.com/alanyoungcy/signalbot/internal/feed"
	"github.com/alanyoungcy/signalbot/internal/monitor"
	"github.com/alanyoungcy/signalbot/internal/pipeline"
	"github.com/alanyoungcy/signalbot/internal/position"
	"github.com/alanyoungcy/signalbot/internal/server"
	"github.com/alanyoungcy/signalbot/internal/server/handler"
	"github.com/alanyoungcy/signalbot/internal/server/ws"
	"github.com/alanyoungcy/signalbot/internal/service"
)

// core holds the services shared by every mode.
type core struct {
	registry *position.Registry
	journal  *service.PositionService
	catalog  *service.Catalog
	executor *executor.Executor
	monitor  *monitor.Scheduler
	alerts   *service.AlertService
	archiver *pipeline.Archiver
}

func (a *App) buildCore(ctx context.Context, deps *Dependencies) (*core, error) {
	cfg := a.cfg
	c := &core{registry: position.NewRegistry()}

	if strings.EqualFold(cfg.Catalog.Source, "postgres") {
		cat, err := service.LoadCatalog(ctx, deps.CatalogStore)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		c.catalog = cat
	} else {
		c.catalog = service.NewCatalog(cfg.Catalog.Instruments, cfg.Ingest.Sources)
	}

	c.journal = service.NewPositionService(
		deps.PositionStore, deps.SignalBus, deps.AuditStore, deps.Notifier,
		service.JournalConfig{
			MaxAttempts: cfg.Persist.MaxAttempts,
			BackoffBase: cfg.Persist.BackoffBase.Duration,
			BackoffMax:  cfg.Persist.BackoffMax.Duration,
		},
		a.logger,
	)

	risk := service.NewRiskService(c.catalog, c.registry, service.RiskConfig{
		MaxActivePerVenue: cfg.Risk.MaxActivePerVenue,
		Leverage:          cfg.Risk.Leverage,
	}, a.logger)

	c.executor = executor.NewExecutor(c.registry, deps.Venues, c.journal, executor.Config{
		MaxAttempts:        cfg.Executor.MaxAttempts,
		BackoffBase:        cfg.Executor.BackoffBase.Duration,
		BackoffMax:         cfg.Executor.BackoffMax.Duration,
		CallTimeout:        cfg.Executor.CallTimeout.Duration,
		DedupWindow:        cfg.Executor.DedupWindow.Duration,
		RateLimitKeyPrefix: venueLimiterPrefix,
	}, a.logger)
	c.executor.SetRiskChecker(risk)
	c.executor.SetClaimStore(deps.ClaimStore)
	c.executor.SetPositionReader(c.journal)

	c.monitor = monitor.NewScheduler(c.registry, deps.Venues, c.journal, monitor.Config{
		Interval:               cfg.Monitor.Interval.Duration,
		MaxConsecutiveFailures: cfg.Monitor.MaxConsecutiveFailures,
		CallTimeout:            cfg.Monitor.CallTimeout.Duration,
		TakeProfitPct:          cfg.Monitor.TakeProfitPct,
		StopLossPct:            cfg.Monitor.StopLossPct,
		RateLimitKeyPrefix:     venueLimiterPrefix,
	}, a.logger)
	c.monitor.SetPriceCache(deps.PriceCache)

	if cfg.Executor.VenueRateLimit > 0 {
		c.executor.SetRateLimiter(deps.RateLimiter)
		c.monitor.SetRateLimiter(deps.RateLimiter)
	}

	c.alerts = service.NewAlertService(deps.AlertStore, c.executor, c.catalog,
		service.AlertConfig{DefaultVenue: cfg.Ingest.DefaultVenue}, a.logger)

	if cfg.Archive.Enabled && deps.Archiver != nil {
		c.archiver = pipeline.NewArchiver(deps.Archiver, cfg.Archive.RetentionDays, a.logger)
	}
	return c, nil
}

// TradeMode resumes open positions, then runs alert ingest, execution,
// monitoring, archival and the HTTP server.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode", slog.Any("venues", deps.Venues.Names()))

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}
	if _, err := c.monitor.Resume(ctx, c.journal); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.monitor.Run(ctx) })

	if a.cfg.Ingest.Enabled {
		alertFeed := feed.NewAlertFeed(deps.SignalBus, c.alerts, a.cfg.Ingest.Channel, a.logger)
		alertFeed.SetConcurrency(a.cfg.Executor.Concurrency)
		g.Go(func() error { return alertFeed.Run(ctx) })
	}

	a.startArchiver(ctx, g, c)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c, true)
	}

	return g.Wait()
}

// MonitorMode resumes and supervises open positions without accepting new
// alerts.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode", slog.Any("venues", deps.Venues.Names()))

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}
	if _, err := c.monitor.Resume(ctx, c.journal); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.monitor.Run(ctx) })

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c, false)
	}

	return g.Wait()
}

// ServerMode serves the API and the position stream only. Open positions
// are loaded for read; another process owns monitoring.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return err
	}
	open, err := c.journal.LoadOpen(ctx)
	if err != nil {
		return fmt.Errorf("app: load open positions: %w", err)
	}
	c.registry.Restore(open)

	g, ctx := errgroup.WithContext(ctx)
	a.startArchiver(ctx, g, c)
	a.startHTTPServer(ctx, g, deps, c, false)

	return g.Wait()
}

func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, c *core) {
	if c.archiver == nil {
		return
	}
	if expr := a.cfg.Archive.Cron; expr != "" {
		g.Go(func() error { return c.archiver.RunCron(ctx, expr) })
		return
	}
	interval := a.cfg.Archive.Interval.Duration
	g.Go(func() error { return c.archiver.RunEvery(ctx, interval) })
}

// startHTTPServer registers the API server and the WebSocket hub on g and
// shuts the server down when ctx ends. ingest enables POST /api/alerts.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core, ingest bool) {
	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(deps.Checks, a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, deps.Venues.Names(), a.startedAt, c.registry),
		Positions: handler.NewPositionHandler(c.registry, c.journal, a.logger),
	}
	if ingest {
		handlers.Alerts = handler.NewAlertHandler(c.alerts, a.logger)
	}
	if c.archiver != nil || deps.BlobReader != nil {
		var trigger handler.ArchiveTrigger
		if c.archiver != nil {
			trigger = c.archiver
		}
		handlers.Archive = handler.NewArchiveHandler(trigger, deps.BlobReader, a.logger)
	}
	if deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}

	hub := ws.NewHub(deps.SignalBus, c.registry, ws.Config{
		Channels:       []string{service.PositionChannel},
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	}, a.logger)

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error { return hub.Run(ctx) })
	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
}
