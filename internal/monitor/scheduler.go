// Package monitor polls venues for the state of every active position and
// drives positions to their terminal state.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
	"github.com/alanyoungcy/signalbot/internal/position"
)

// Config tunes the sweep cadence, failure threshold and exit policy.
type Config struct {
	Interval               time.Duration
	MaxConsecutiveFailures int
	CallTimeout            time.Duration
	TakeProfitPct          float64
	StopLossPct            float64
	RateLimitKeyPrefix     string
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 5
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.RateLimitKeyPrefix == "" {
		c.RateLimitKeyPrefix = "venue:"
	}
	return c
}

// VenueResolver looks up an adapter by venue id.
type VenueResolver interface {
	Get(name string) (domain.VenueAdapter, error)
}

// Journal durably records position changes.
type Journal interface {
	Record(ctx context.Context, pos domain.Position, event string) error
}

// Loader reads non-terminal positions from durable storage.
type Loader interface {
	LoadOpen(ctx context.Context) ([]domain.Position, error)
}

var swept = []domain.PositionStatus{
	domain.PositionStatusOpen,
	domain.PositionStatusMonitoring,
	domain.PositionStatusClosing,
}

// Scheduler runs periodic sweeps over the position registry. At most one
// venue call is outstanding per position; a sweep skips positions whose
// previous check has not resolved.
type Scheduler struct {
	registry *position.Registry
	venues   VenueResolver
	journal  Journal
	prices   domain.PriceCache
	limiter  domain.RateLimiter
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time

	wg sync.WaitGroup
}

// NewScheduler creates a Scheduler.
func NewScheduler(registry *position.Registry, venues VenueResolver, journal Journal, cfg Config, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		registry: registry,
		venues:   venues,
		journal:  journal,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(slog.String("component", "monitor")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetPriceCache installs the cache that receives mark prices.
func (s *Scheduler) SetPriceCache(c domain.PriceCache) { s.prices = c }

// SetRateLimiter installs the per-venue limiter consulted before each call.
func (s *Scheduler) SetRateLimiter(l domain.RateLimiter) { s.limiter = l }

// Run sweeps every Interval until ctx is cancelled, then waits for
// outstanding checks.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("monitor started", slog.Duration("interval", s.cfg.Interval))
	defer s.logger.Info("monitor stopped")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			s.Wait()
			return ctx.Err()
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep starts one check per OPEN, MONITORING or CLOSING position that has
// no call in flight and returns how many were started. It does not wait for
// them.
func (s *Scheduler) Sweep(ctx context.Context) int {
	started := 0
	for _, pos := range s.registry.ListByStatus(swept...) {
		release, ok := s.registry.TryAcquire(pos.ID)
		if !ok {
			s.logger.DebugContext(ctx, "check still in flight, skipping", slog.String("position_id", pos.ID))
			continue
		}
		started++
		s.wg.Add(1)
		go func(pos domain.Position) {
			defer s.wg.Done()
			defer release()
			s.check(ctx, pos)
		}(pos)
	}
	return started
}

// Wait blocks until every started check has resolved.
func (s *Scheduler) Wait() { s.wg.Wait() }

// Resume loads non-terminal positions at start-up. PENDING positions were
// never confirmed by a venue and are failed; the rest are restored into the
// registry. It returns the number restored.
func (s *Scheduler) Resume(ctx context.Context, loader Loader) (int, error) {
	list, err := loader.LoadOpen(ctx)
	if err != nil {
		return 0, fmt.Errorf("monitor: resume: %w", err)
	}

	restore := make([]domain.Position, 0, len(list))
	for _, p := range list {
		if p.Status != domain.PositionStatusPending {
			restore = append(restore, p)
			continue
		}
		p.Status = domain.PositionStatusFailed
		p.FailureReason = "interrupted before venue confirmation"
		p.UpdatedAt = s.now()
		s.logger.WarnContext(ctx, "failing interrupted position", slog.String("position_id", p.ID))
		s.record(ctx, p, domain.EventPositionFailed)
	}

	n := s.registry.Restore(restore)
	s.logger.InfoContext(ctx, "positions resumed",
		slog.Int("restored", n),
		slog.Int("loaded", len(list)),
	)
	return n, nil
}

func (s *Scheduler) check(ctx context.Context, pos domain.Position) {
	log := s.logger.With(
		slog.String("position_id", pos.ID),
		slog.String("venue", pos.Venue),
		slog.String("status", string(pos.Status)),
	)

	adapter, err := s.venues.Get(pos.Venue)
	if err != nil {
		s.miss(ctx, pos, err, log)
		return
	}

	ref := pos.OrderRef()
	if pos.Status == domain.PositionStatusClosing {
		if pos.CloseRef == "" {
			s.close(ctx, adapter, pos, 0, log)
			return
		}
		ref = pos.CloseOrderRef()
	}

	if !s.wait(ctx, adapter.Name(), log) {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	report, err := adapter.Query(callCtx, ref)
	cancel()

	if ctx.Err() != nil {
		return
	}
	if err != nil {
		s.miss(ctx, pos, err, log)
		return
	}
	if report.Status == domain.VenueStatusUnknown {
		s.miss(ctx, pos, fmt.Errorf("venue reported unknown state %q", report.Raw), log)
		return
	}

	s.cachePrice(ctx, pos, report.MarkPrice)
	s.apply(ctx, adapter, pos, report, log)
}

// miss counts a failed or inconclusive check and fails the position once the
// consecutive-failure threshold is reached.
func (s *Scheduler) miss(ctx context.Context, pos domain.Position, cause error, log *slog.Logger) {
	now := s.now()
	updated, err := s.registry.Update(pos.ID, pos.Status, func(p *domain.Position) {
		p.RetryCount++
		p.LastCheckedAt = now
	})
	if err != nil {
		log.DebugContext(ctx, "position moved during check", slog.String("error", err.Error()))
		return
	}

	log.WarnContext(ctx, "position check failed",
		slog.Int("retry_count", updated.RetryCount),
		slog.Int("threshold", s.cfg.MaxConsecutiveFailures),
		slog.String("error", cause.Error()),
	)

	if updated.RetryCount < s.cfg.MaxConsecutiveFailures {
		s.record(ctx, updated, domain.EventPositionUpdated)
		return
	}
	s.fail(ctx, updated, "lost track of position: "+cause.Error(), log)
}

func (s *Scheduler) apply(ctx context.Context, adapter domain.VenueAdapter, pos domain.Position, report domain.VenueReport, log *slog.Logger) {
	now := s.now()

	switch report.Status {
	case domain.VenueStatusRejected:
		pos.RetryCount = 0
		s.fail(ctx, pos, fmt.Sprintf("venue rejected position: %s", report.Raw), log)
		return

	case domain.VenueStatusClosed:
		s.closed(ctx, pos, exitPrice(report), log)
		return

	case domain.VenueStatusFilled, domain.VenueStatusPartiallyFilled:
		if pos.Status == domain.PositionStatusClosing {
			if report.Status == domain.VenueStatusFilled {
				s.closed(ctx, pos, exitPrice(report), log)
				return
			}
			s.touch(ctx, pos, now, 0, log)
			return
		}
		if pos.Status == domain.PositionStatusOpen {
			next, err := s.registry.Transition(pos.ID, domain.PositionStatusOpen, domain.PositionStatusMonitoring, func(p *domain.Position) {
				if report.AveragePrice > 0 {
					p.EntryPrice = report.AveragePrice
				}
				if report.FilledQuantity > 0 {
					p.FilledQuantity = report.FilledQuantity
				}
				p.RetryCount = 0
				p.LastCheckedAt = now
			})
			if err != nil {
				log.DebugContext(ctx, "position moved during check", slog.String("error", err.Error()))
				return
			}
			log.InfoContext(ctx, "position filled", slog.Float64("entry_price", next.EntryPrice))
			s.record(ctx, next, domain.EventPositionMonitoring)
			pos = next
		} else {
			var ok bool
			if pos, ok = s.touch(ctx, pos, now, report.FilledQuantity, log); !ok {
				return
			}
		}

		levels := LevelsFor(pos, s.cfg.TakeProfitPct, s.cfg.StopLossPct)
		if trig := Evaluate(pos.Side, report.MarkPrice, levels); trig != TriggerNone {
			log.InfoContext(ctx, "exit level reached",
				slog.String("trigger", string(trig)),
				slog.Float64("mark", report.MarkPrice),
				slog.Float64("take_profit", levels.TakeProfit),
				slog.Float64("stop_loss", levels.StopLoss),
			)
			s.close(ctx, adapter, pos, report.MarkPrice, log)
		}

	default: // PENDING_FILL
		s.touch(ctx, pos, now, 0, log)
	}
}

// touch records a successful check that changes no status. A positive
// filled updates the executed quantity of the opening order.
func (s *Scheduler) touch(ctx context.Context, pos domain.Position, now time.Time, filled float64, log *slog.Logger) (domain.Position, bool) {
	hadFailures := pos.RetryCount > 0
	next, err := s.registry.Update(pos.ID, pos.Status, func(p *domain.Position) {
		if filled > 0 {
			p.FilledQuantity = filled
		}
		p.RetryCount = 0
		p.LastCheckedAt = now
	})
	if err != nil {
		log.DebugContext(ctx, "position moved during check", slog.String("error", err.Error()))
		return pos, false
	}
	if hadFailures {
		s.record(ctx, next, domain.EventPositionUpdated)
	}
	return next, true
}

// close moves pos to CLOSING if needed and sends the offsetting order for
// the executed quantity. A partially filled opening order has its remainder
// cancelled first.
func (s *Scheduler) close(ctx context.Context, adapter domain.VenueAdapter, pos domain.Position, mark float64, log *slog.Logger) {
	if pos.Status != domain.PositionStatusClosing {
		if pos.PartiallyFilled() {
			canceller, ok := adapter.(domain.OrderCanceller)
			if ok {
				if pos, ok = s.cancelRemainder(ctx, adapter, canceller, pos, log); !ok {
					return
				}
			} else {
				log.WarnContext(ctx, "venue cannot cancel remainder, closing filled quantity",
					slog.Float64("filled", pos.FilledQuantity),
					slog.Float64("quantity", pos.Quantity),
				)
			}
		}
		filled := pos.FilledQuantity
		next, err := s.registry.Transition(pos.ID, pos.Status, domain.PositionStatusClosing, func(p *domain.Position) {
			p.FilledQuantity = filled
		})
		if err != nil {
			log.DebugContext(ctx, "position moved before close", slog.String("error", err.Error()))
			return
		}
		s.record(ctx, next, domain.EventPositionClosing)
		pos = next
	}

	if !s.wait(ctx, adapter.Name(), log) {
		return
	}

	ref := pos.OrderRef()
	ref.Quantity = pos.ExitQuantity()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	res, err := adapter.Close(callCtx, ref)
	cancel()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if !domain.IsRetryable(err) {
			s.fail(ctx, pos, fmt.Sprintf("close rejected: %v", err), log)
			return
		}
		s.miss(ctx, pos, fmt.Errorf("close: %w", err), log)
		return
	}

	if res.Confirmed {
		exit := mark
		if res.ExitPrice != nil {
			exit = *res.ExitPrice
		}
		pos.CloseRef = res.CloseRef
		s.closed(ctx, pos, exit, log)
		return
	}

	next, err := s.registry.Update(pos.ID, domain.PositionStatusClosing, func(p *domain.Position) {
		p.CloseRef = res.CloseRef
		p.RetryCount = 0
		p.LastCheckedAt = s.now()
	})
	if err != nil {
		log.DebugContext(ctx, "position moved during close", slog.String("error", err.Error()))
		return
	}
	log.InfoContext(ctx, "close order placed", slog.String("close_ref", next.CloseRef))
	s.record(ctx, next, domain.EventPositionUpdated)
}

// cancelRemainder cancels the unfilled part of pos's opening order and
// re-reads the executed quantity. It returns false when the close should be
// retried on a later sweep.
func (s *Scheduler) cancelRemainder(ctx context.Context, adapter domain.VenueAdapter, canceller domain.OrderCanceller, pos domain.Position, log *slog.Logger) (domain.Position, bool) {
	if !s.wait(ctx, adapter.Name(), log) {
		return pos, false
	}
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	err := canceller.Cancel(callCtx, pos.OrderRef())
	cancel()
	if err != nil {
		if ctx.Err() == nil {
			s.miss(ctx, pos, fmt.Errorf("cancel remainder: %w", err), log)
		}
		return pos, false
	}

	if !s.wait(ctx, adapter.Name(), log) {
		return pos, false
	}
	callCtx, cancel = context.WithTimeout(ctx, s.cfg.CallTimeout)
	report, err := adapter.Query(callCtx, pos.OrderRef())
	cancel()
	switch {
	case err != nil:
		log.WarnContext(ctx, "fill not re-read after cancel", slog.String("error", err.Error()))
	case report.FilledQuantity > 0:
		pos.FilledQuantity = report.FilledQuantity
	}
	log.InfoContext(ctx, "opening order remainder cancelled",
		slog.Float64("filled", pos.FilledQuantity),
		slog.Float64("quantity", pos.Quantity),
	)
	return pos, true
}

func (s *Scheduler) closed(ctx context.Context, pos domain.Position, exit float64, log *slog.Logger) {
	now := s.now()
	next, err := s.registry.Transition(pos.ID, pos.Status, domain.PositionStatusClosed, func(p *domain.Position) {
		if exit > 0 {
			v := exit
			p.ExitPrice = &v
		}
		if pos.CloseRef != "" {
			p.CloseRef = pos.CloseRef
		}
		p.RetryCount = 0
		p.LastCheckedAt = now
	})
	if err != nil {
		log.DebugContext(ctx, "position moved before closing", slog.String("error", err.Error()))
		return
	}
	log.InfoContext(ctx, "position closed", slog.Float64("exit_price", exit))
	s.record(ctx, next, domain.EventPositionClosed)
}

func (s *Scheduler) fail(ctx context.Context, pos domain.Position, reason string, log *slog.Logger) {
	retries := pos.RetryCount
	next, err := s.registry.Transition(pos.ID, pos.Status, domain.PositionStatusFailed, func(p *domain.Position) {
		p.FailureReason = reason
		p.RetryCount = retries
		p.LastCheckedAt = s.now()
	})
	if err != nil {
		log.DebugContext(ctx, "position moved before failing", slog.String("error", err.Error()))
		return
	}
	log.WarnContext(ctx, "position failed", slog.String("reason", reason))
	s.record(ctx, next, domain.EventPositionFailed)
}

// wait takes a rate-limiter token for venue. It returns false only when ctx
// is done; limiter errors are logged and the call proceeds.
func (s *Scheduler) wait(ctx context.Context, venue string, log *slog.Logger) bool {
	if s.limiter == nil {
		return true
	}
	if err := s.limiter.Wait(ctx, s.cfg.RateLimitKeyPrefix+venue); err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return false
		}
		log.WarnContext(ctx, "rate limiter unavailable", slog.String("error", err.Error()))
	}
	return true
}

func (s *Scheduler) cachePrice(ctx context.Context, pos domain.Position, mark float64) {
	if s.prices == nil || mark <= 0 {
		return
	}
	if err := s.prices.SetPrice(ctx, PriceKey(pos.Venue, pos.Symbol), mark, s.now()); err != nil {
		s.logger.DebugContext(ctx, "cache mark price failed", slog.String("error", err.Error()))
	}
}

func (s *Scheduler) record(ctx context.Context, pos domain.Position, event string) {
	if s.journal == nil {
		return
	}
	if err := s.journal.Record(ctx, pos, event); err != nil {
		s.logger.WarnContext(ctx, "journal record failed",
			slog.String("position_id", pos.ID),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// PriceKey is the PriceCache key for a venue instrument.
func PriceKey(venue, symbol string) string { return venue + ":" + symbol }

func exitPrice(r domain.VenueReport) float64 {
	switch {
	case r.ExitPrice != nil:
		return *r.ExitPrice
	case r.AveragePrice > 0:
		return r.AveragePrice
	}
	return r.MarkPrice
}
