package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jpillora/backoff"

	"github.com/alanyoungcy/signalbot/internal/domain"
	"github.com/alanyoungcy/signalbot/internal/notify"
)

// PositionChannel is the bus channel position events are published on.
const PositionChannel = "positions"

// Notifier delivers operator notifications. *notify.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// JournalConfig bounds the persistence retry loop.
type JournalConfig struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// PositionService is the durable journal for position state. The in-memory
// registry stays authoritative; every recorded change is written through to
// the store, published on the bus and audited.
type PositionService struct {
	positions domain.PositionStore
	bus       domain.SignalBus
	audit     domain.AuditStore
	notifier  Notifier
	cfg       JournalConfig
	logger    *slog.Logger
}

// NewPositionService creates a PositionService. bus, audit and notifier may
// be nil.
func NewPositionService(
	positions domain.PositionStore,
	bus domain.SignalBus,
	audit domain.AuditStore,
	notifier Notifier,
	cfg JournalConfig,
	logger *slog.Logger,
) *PositionService {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = cfg.BackoffBase * 8
	}
	return &PositionService{
		positions: positions,
		bus:       bus,
		audit:     audit,
		notifier:  notifier,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "position_service")),
	}
}

// Record persists pos and fans the event out. A persistence failure after
// all attempts is returned as *domain.PersistenceError; the event is still
// published so subscribers see the in-memory state.
func (s *PositionService) Record(ctx context.Context, pos domain.Position, event string) error {
	persistErr := s.save(ctx, pos)
	if persistErr != nil {
		s.logger.ErrorContext(ctx, "position persistence failed",
			slog.String("position_id", pos.ID),
			slog.String("status", string(pos.Status)),
			slog.String("error", persistErr.Error()),
		)
		s.notify(ctx, notify.EventPersistenceError, "Persistence error",
			fmt.Sprintf("position %s (%s): %v", pos.ID, pos.Status, persistErr))
	}

	s.publish(ctx, pos, event)

	if s.audit != nil {
		if err := s.audit.Log(ctx, event, auditDetail(pos)); err != nil {
			s.logger.WarnContext(ctx, "audit log failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	switch event {
	case domain.EventPositionOpened:
		s.notify(ctx, notify.EventOpened, "Position opened", fmt.Sprintf("%s %s %g @ %g on %s",
			pos.Side, pos.Symbol, pos.Quantity, pos.EntryPrice, pos.Venue))
	case domain.EventPositionClosed:
		exit := 0.0
		if pos.ExitPrice != nil {
			exit = *pos.ExitPrice
		}
		s.notify(ctx, notify.EventClosed, "Position closed", fmt.Sprintf("%s %s %g entry %g exit %g on %s",
			pos.Side, pos.Symbol, pos.Quantity, pos.EntryPrice, exit, pos.Venue))
	case domain.EventPositionFailed:
		s.notify(ctx, notify.EventFailed, "Position failed", fmt.Sprintf("%s %s on %s: %s",
			pos.Side, pos.Symbol, pos.Venue, pos.FailureReason))
	}

	s.logger.DebugContext(ctx, "position recorded",
		slog.String("position_id", pos.ID),
		slog.String("event", event),
		slog.String("status", string(pos.Status)),
	)
	return persistErr
}

func (s *PositionService) save(ctx context.Context, pos domain.Position) error {
	b := &backoff.Backoff{Min: s.cfg.BackoffBase, Max: s.cfg.BackoffMax, Factor: 2}

	var lastErr error
	attempts := 0
	for attempts < s.cfg.MaxAttempts {
		attempts++
		lastErr = s.positions.Save(ctx, pos)
		if lastErr == nil {
			return nil
		}
		if attempts == s.cfg.MaxAttempts {
			break
		}

		wait := b.Duration()
		s.logger.WarnContext(ctx, "position save failed, retrying",
			slog.String("position_id", pos.ID),
			slog.Int("attempt", attempts),
			slog.Duration("wait", wait),
			slog.String("error", lastErr.Error()),
		)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			lastErr = errors.Join(lastErr, ctx.Err())
			return &domain.PersistenceError{Op: "save", ID: pos.ID, Attempts: attempts, Err: lastErr}
		case <-t.C:
		}
	}
	return &domain.PersistenceError{Op: "save", ID: pos.ID, Attempts: attempts, Err: lastErr}
}

func (s *PositionService) publish(ctx context.Context, pos domain.Position, event string) {
	if s.bus == nil {
		return
	}
	payload, err := json.Marshal(domain.PositionEvent{Event: event, Position: pos, Timestamp: time.Now().UTC()})
	if err != nil {
		s.logger.WarnContext(ctx, "marshal position event failed", slog.String("error", err.Error()))
		return
	}
	if err := s.bus.Publish(ctx, PositionChannel, payload); err != nil {
		s.logger.WarnContext(ctx, "publish position event failed",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PositionService) notify(ctx context.Context, event, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

// Get reads a position from the store.
func (s *PositionService) Get(ctx context.Context, id string) (domain.Position, error) {
	pos, err := s.positions.GetByID(ctx, id)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get %q: %w", id, err)
	}
	return pos, nil
}

// History lists positions from the store, newest first.
func (s *PositionService) History(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	list, err := s.positions.ListHistory(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: history: %w", err)
	}
	return list, nil
}

// LoadOpen returns every non-terminal position in the store.
func (s *PositionService) LoadOpen(ctx context.Context) ([]domain.Position, error) {
	list, err := s.positions.LoadOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("position_service: load open: %w", err)
	}
	return list, nil
}

func auditDetail(pos domain.Position) map[string]any {
	d := map[string]any{
		"position_id": pos.ID,
		"signal_key":  pos.SignalKey,
		"venue":       pos.Venue,
		"symbol":      pos.Symbol,
		"side":        string(pos.Side),
		"status":      string(pos.Status),
		"quantity":    pos.Quantity,
		"entry_price": pos.EntryPrice,
		"retry_count": pos.RetryCount,
	}
	if pos.VenueRef != "" {
		d["venue_ref"] = pos.VenueRef
	}
	if pos.PartiallyFilled() {
		d["filled_quantity"] = pos.FilledQuantity
	}
	if pos.ExitPrice != nil {
		d["exit_price"] = *pos.ExitPrice
	}
	if pos.FailureReason != "" {
		d["failure_reason"] = pos.FailureReason
	}
	return d
}
