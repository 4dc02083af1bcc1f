// Package executor turns validated trade signals into open positions. Each
// signal opens at most once: a signal key is held locally by the position
// registry and across processes by a domain.ClaimStore.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/alanyoungcy/signalbot/internal/domain"
	"github.com/alanyoungcy/signalbot/internal/position"
)

// Config bounds retries.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	CallTimeout time.Duration
	DedupWindow time.Duration
	// RateLimitKeyPrefix namespaces per-venue limiter keys.
	RateLimitKeyPrefix string
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = time.Minute
	}
	if c.RateLimitKeyPrefix == "" {
		c.RateLimitKeyPrefix = "venue:"
	}
	return c
}

// VenueResolver looks up an adapter by venue id. *venue.Registry satisfies
// it.
type VenueResolver interface {
	Get(name string) (domain.VenueAdapter, error)
}

// RiskChecker validates a signal against catalog and position limits.
type RiskChecker interface {
	PreTradeCheck(ctx context.Context, sig domain.TradeSignal) error
}

// Journal durably records position changes.
type Journal interface {
	Record(ctx context.Context, pos domain.Position, event string) error
}

// PositionReader loads positions that are not active in this process.
type PositionReader interface {
	Get(ctx context.Context, id string) (domain.Position, error)
}

// Executor validates signals, claims their key and opens positions with
// bounded retry.
type Executor struct {
	registry *position.Registry
	venues   VenueResolver
	journal  Journal
	risk     RiskChecker
	claims   domain.ClaimStore
	limiter  domain.RateLimiter
	reader   PositionReader
	validate *validator.Validate
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// NewExecutor creates an Executor. Claims default to an in-process Dedup.
func NewExecutor(
	registry *position.Registry,
	venues VenueResolver,
	journal Journal,
	cfg Config,
	logger *slog.Logger,
) *Executor {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "" || name == "-" {
			return strings.ToLower(f.Name)
		}
		return name
	})

	return &Executor{
		registry: registry,
		venues:   venues,
		journal:  journal,
		claims:   NewDedup(),
		validate: v,
		cfg:      cfg.withDefaults(),
		logger:   logger.With(slog.String("component", "executor")),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// SetRiskChecker installs pre-trade risk checks.
func (e *Executor) SetRiskChecker(r RiskChecker) { e.risk = r }

// SetClaimStore replaces the in-process claim table, typically with Redis.
func (e *Executor) SetClaimStore(c domain.ClaimStore) {
	if c != nil {
		e.claims = c
	}
}

// SetRateLimiter installs a per-venue limiter consulted before every call.
func (e *Executor) SetRateLimiter(l domain.RateLimiter) { e.limiter = l }

// SetPositionReader installs the lookup used when another process owns a
// signal key.
func (e *Executor) SetPositionReader(r PositionReader) { e.reader = r }

// SignalKey derives the idempotency key of a signal. Signals with the same
// venue, symbol and side received within the same window share a key.
func SignalKey(sig domain.TradeSignal, window time.Duration) string {
	bucket := sig.ReceivedAt.Truncate(window).Unix()
	return fmt.Sprintf("%s|%s|%s|%d",
		strings.ToLower(sig.Venue), strings.ToUpper(sig.Symbol), sig.Action, bucket)
}

// Submit executes sig. A signal whose key is already held returns the
// holder's position and a nil error. Failed opens return the FAILED
// position together with a *domain.ExecutionError.
func (e *Executor) Submit(ctx context.Context, sig domain.TradeSignal) (domain.Position, error) {
	adapter, err := e.check(ctx, sig)
	if err != nil {
		return domain.Position{}, &domain.ExecutionError{Stage: "validate", Err: err}
	}

	key := SignalKey(sig, e.cfg.DedupWindow)
	log := e.logger.With(
		slog.String("signal_key", key),
		slog.String("alert_id", sig.AlertID),
	)

	if existing, err := e.registry.GetByKey(key); err == nil {
		log.InfoContext(ctx, "duplicate signal", slog.String("position_id", existing.ID))
		return existing, nil
	}

	now := e.now()
	pos := domain.Position{
		ID:         uuid.NewString(),
		SignalKey:  key,
		Symbol:     strings.ToUpper(sig.Symbol),
		Side:       sig.Action,
		EntryPrice: sig.Price,
		Quantity:   sig.Quantity,
		Venue:      adapter.Name(),
		Status:     domain.PositionStatusPending,
		TakeProfit: cloneFloat(sig.TakeProfit),
		StopLoss:   cloneFloat(sig.StopLoss),
		AlertID:    sig.AlertID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := e.registry.Register(pos); err != nil {
		var dup *domain.DuplicateError
		if errors.As(err, &dup) && dup.ExistingID != "" {
			return e.existing(ctx, dup.ExistingID, key)
		}
		return domain.Position{}, &domain.ExecutionError{Stage: "register", Err: err}
	}
	log = log.With(slog.String("position_id", pos.ID))

	owner, claimed, err := e.claims.Claim(ctx, key, pos.ID, e.claimTTL())
	if err != nil {
		e.discard(ctx, pos.ID, log)
		log.ErrorContext(ctx, "claim signal key failed", slog.String("error", err.Error()))
		return domain.Position{}, &domain.ExecutionError{Stage: "claim", Err: err}
	}
	if !claimed {
		e.discard(ctx, pos.ID, log)
		log.InfoContext(ctx, "signal key owned elsewhere", slog.String("owner", owner))
		return e.existing(ctx, owner, key)
	}

	e.record(ctx, pos, domain.EventPositionPending)

	sig.ClientOrderID = pos.ID
	return e.open(ctx, adapter, sig, pos, log)
}

// check runs struct validation, venue resolution and risk checks.
func (e *Executor) check(ctx context.Context, sig domain.TradeSignal) (domain.VenueAdapter, error) {
	if err := e.validate.Struct(sig); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return nil, &domain.ValidationError{Field: fe.Field(), Reason: fmt.Sprintf("failed %q check", fe.Tag())}
		}
		return nil, &domain.ValidationError{Reason: err.Error()}
	}
	if !sig.Action.Valid() {
		return nil, &domain.ValidationError{Field: "action", Reason: fmt.Sprintf("unknown side %q", sig.Action)}
	}

	adapter, err := e.venues.Get(sig.Venue)
	if err != nil {
		return nil, &domain.ValidationError{Field: "venue", Reason: err.Error()}
	}

	if e.risk != nil {
		if err := e.risk.PreTradeCheck(ctx, sig); err != nil {
			return nil, err
		}
	}
	return adapter, nil
}

// open calls the venue with bounded exponential backoff and resolves the
// PENDING position to OPEN or FAILED.
func (e *Executor) open(ctx context.Context, adapter domain.VenueAdapter, sig domain.TradeSignal, pos domain.Position, log *slog.Logger) (domain.Position, error) {
	b := &backoff.Backoff{Min: e.cfg.BackoffBase, Max: e.cfg.BackoffMax, Factor: 2, Jitter: false}
	limiterKey := e.cfg.RateLimitKeyPrefix + adapter.Name()

	for attempt := 1; ; attempt++ {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx, limiterKey); err != nil {
				if ctx.Err() != nil {
					return e.fail(ctx, pos.ID, "abandoned", ctx.Err(), log)
				}
				log.WarnContext(ctx, "rate limiter unavailable", slog.String("error", err.Error()))
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		ref, err := adapter.Open(callCtx, sig)
		cancel()

		if err == nil {
			opened, terr := e.registry.Transition(pos.ID, domain.PositionStatusPending, domain.PositionStatusOpen, func(p *domain.Position) {
				p.VenueRef = ref.OrderID
				p.OpenedAt = e.now()
				// From here RetryCount counts consecutive monitor failures.
				p.RetryCount = 0
			})
			if terr != nil {
				log.ErrorContext(ctx, "record open failed",
					slog.String("venue_ref", ref.OrderID),
					slog.String("error", terr.Error()),
				)
				return domain.Position{}, &domain.ExecutionError{Stage: "open", Err: terr}
			}
			log.InfoContext(ctx, "position opened",
				slog.String("venue", opened.Venue),
				slog.String("venue_ref", opened.VenueRef),
				slog.Int("attempts", attempt),
			)
			e.record(ctx, opened, domain.EventPositionOpened)
			return opened, nil
		}

		if ctx.Err() != nil {
			return e.fail(ctx, pos.ID, "abandoned", err, log)
		}
		if !domain.IsRetryable(err) {
			failed, ferr := e.fail(ctx, pos.ID, fmt.Sprintf("open rejected: %v", err), err, log)
			// The venue refused the order outright, so the key is free for a
			// corrected re-delivery. An unresolved duplicate id may still
			// have an order behind it.
			var ve *domain.VenueError
			if !errors.As(err, &ve) || ve.Code != "duplicate" {
				e.release(ctx, pos, log)
			}
			return failed, ferr
		}

		if _, uerr := e.registry.Update(pos.ID, domain.PositionStatusPending, func(p *domain.Position) {
			p.RetryCount++
		}); uerr != nil {
			log.WarnContext(ctx, "retry count update failed", slog.String("error", uerr.Error()))
		}

		if attempt >= e.cfg.MaxAttempts {
			return e.fail(ctx, pos.ID, fmt.Sprintf("open failed after %d attempts: %v", attempt, err), err, log)
		}

		wait := b.Duration()
		log.WarnContext(ctx, "open failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return e.fail(ctx, pos.ID, "abandoned", ctx.Err(), log)
		case <-t.C:
		}
	}
}

func (e *Executor) fail(ctx context.Context, id, reason string, cause error, log *slog.Logger) (domain.Position, error) {
	failed, err := e.registry.Transition(id, domain.PositionStatusPending, domain.PositionStatusFailed, func(p *domain.Position) {
		p.FailureReason = reason
	})
	if err != nil {
		return domain.Position{}, &domain.ExecutionError{Stage: "open", Err: errors.Join(cause, err)}
	}
	log.WarnContext(ctx, "position failed",
		slog.String("reason", reason),
		slog.Int("retry_count", failed.RetryCount),
	)
	e.record(context.WithoutCancel(ctx), failed, domain.EventPositionFailed)
	return failed, &domain.ExecutionError{Stage: "open", Position: &failed, Err: cause}
}

// discard drops a PENDING position that never reached the venue.
func (e *Executor) discard(ctx context.Context, id string, log *slog.Logger) {
	if err := e.registry.Discard(id); err != nil {
		log.WarnContext(ctx, "discard pending position failed", slog.String("error", err.Error()))
	}
}

// release gives up pos's claim on its signal key.
func (e *Executor) release(ctx context.Context, pos domain.Position, log *slog.Logger) {
	if err := e.claims.Release(context.WithoutCancel(ctx), pos.SignalKey, pos.ID); err != nil {
		log.WarnContext(ctx, "release signal key failed", slog.String("error", err.Error()))
	}
}

// existing returns the position that owns key: the local snapshot when
// active here, otherwise the stored copy.
func (e *Executor) existing(ctx context.Context, id, key string) (domain.Position, error) {
	if p, err := e.registry.Get(id); err == nil {
		return p, nil
	}
	if e.reader != nil {
		if p, err := e.reader.Get(ctx, id); err == nil {
			return p, nil
		}
	}
	return domain.Position{}, &domain.DuplicateError{Key: key, ExistingID: id}
}

func (e *Executor) record(ctx context.Context, pos domain.Position, event string) {
	if e.journal == nil {
		return
	}
	if err := e.journal.Record(ctx, pos, event); err != nil {
		e.logger.WarnContext(ctx, "journal record failed",
			slog.String("position_id", pos.ID),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Executor) claimTTL() time.Duration {
	ttl := 2 * e.cfg.DedupWindow
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
