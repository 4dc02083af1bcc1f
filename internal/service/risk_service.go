package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// RiskConfig holds the tunable parameters for pre-trade risk checks.
type RiskConfig struct {
	MaxActivePerVenue int // 0 disables the check
	Leverage          int // leverage applied to every order; 1 means spot
}

// ActiveCounter reports how many non-terminal positions a venue holds.
// *position.Registry satisfies it.
type ActiveCounter interface {
	CountByVenue(venue string) int
}

// RiskService checks signals against the catalog and position limits before
// anything reaches a venue.
type RiskService struct {
	catalog *Catalog
	active  ActiveCounter
	cfg     RiskConfig
	logger  *slog.Logger
}

// NewRiskService creates a RiskService.
func NewRiskService(catalog *Catalog, active ActiveCounter, cfg RiskConfig, logger *slog.Logger) *RiskService {
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	if catalog == nil {
		catalog = NewCatalog(nil, nil)
	}
	return &RiskService{
		catalog: catalog,
		active:  active,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "risk_service")),
	}
}

// PreTradeCheck returns a *domain.ValidationError naming the first failed
// check, or nil.
//
// Checks performed:
//  1. Instrument listed for the venue (skipped for an empty catalog)
//  2. Quantity within the instrument bounds
//  3. Notional within the instrument cap
//  4. Leverage within the instrument maximum
//  5. Active positions per venue below the limit
func (s *RiskService) PreTradeCheck(ctx context.Context, sig domain.TradeSignal) error {
	if err := s.checkInstrument(sig); err != nil {
		s.logger.WarnContext(ctx, "pre-trade check failed",
			slog.String("venue", sig.Venue),
			slog.String("symbol", sig.Symbol),
			slog.String("error", err.Error()),
		)
		return err
	}

	if s.cfg.MaxActivePerVenue > 0 && s.active != nil {
		if n := s.active.CountByVenue(sig.Venue); n >= s.cfg.MaxActivePerVenue {
			s.logger.WarnContext(ctx, "max active positions reached",
				slog.String("venue", sig.Venue),
				slog.Int("active", n),
				slog.Int("max", s.cfg.MaxActivePerVenue),
			)
			return &domain.ValidationError{
				Field:  "venue",
				Reason: fmt.Sprintf("max active positions reached (%d/%d)", n, s.cfg.MaxActivePerVenue),
			}
		}
	}
	return nil
}

func (s *RiskService) checkInstrument(sig domain.TradeSignal) error {
	if s.catalog.Empty() {
		return nil
	}
	if !s.catalog.HasVenue(sig.Venue) {
		return &domain.ValidationError{Field: "venue", Reason: fmt.Sprintf("venue %q not in catalog", sig.Venue)}
	}
	inst, ok := s.catalog.Instrument(sig.Venue, sig.Symbol)
	if !ok {
		return &domain.ValidationError{Field: "symbol", Reason: fmt.Sprintf("%s not listed on %s", sig.Symbol, sig.Venue)}
	}
	if inst.MinQuantity > 0 && sig.Quantity < inst.MinQuantity {
		return &domain.ValidationError{Field: "quantity", Reason: fmt.Sprintf("%g below minimum %g", sig.Quantity, inst.MinQuantity)}
	}
	if inst.MaxQuantity > 0 && sig.Quantity > inst.MaxQuantity {
		return &domain.ValidationError{Field: "quantity", Reason: fmt.Sprintf("%g above maximum %g", sig.Quantity, inst.MaxQuantity)}
	}
	if inst.MaxNotional > 0 && sig.Notional() > inst.MaxNotional {
		return &domain.ValidationError{Field: "quantity", Reason: fmt.Sprintf("notional %.2f exceeds max %.2f", sig.Notional(), inst.MaxNotional)}
	}
	if inst.MaxLeverage > 0 && s.cfg.Leverage > inst.MaxLeverage {
		return &domain.ValidationError{Field: "leverage", Reason: fmt.Sprintf("leverage %d exceeds max %d", s.cfg.Leverage, inst.MaxLeverage)}
	}
	return nil
}
