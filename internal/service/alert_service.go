package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/signalbot/internal/domain"
	"github.com/alanyoungcy/signalbot/internal/parser"
)

// Submitter hands a parsed signal to execution. *executor.Executor
// satisfies it.
type Submitter interface {
	Submit(ctx context.Context, sig domain.TradeSignal) (domain.Position, error)
}

// AlertConfig configures venue resolution for alerts that do not name one.
type AlertConfig struct {
	DefaultVenue string
}

// AlertService is the single entry point for inbound alert text, whatever
// channel delivered it.
type AlertService struct {
	alerts    domain.AlertStore
	submitter Submitter
	catalog   *Catalog
	cfg       AlertConfig
	logger    *slog.Logger
	now       func() time.Time
}

// NewAlertService creates an AlertService. alerts may be nil.
func NewAlertService(alerts domain.AlertStore, submitter Submitter, catalog *Catalog, cfg AlertConfig, logger *slog.Logger) *AlertService {
	if catalog == nil {
		catalog = NewCatalog(nil, nil)
	}
	return &AlertService{
		alerts:    alerts,
		submitter: submitter,
		catalog:   catalog,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "alert_service")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle records the raw alert, parses it, resolves the venue and submits
// the signal. The alert is marked processed, rejected or failed according
// to the outcome.
func (s *AlertService) Handle(ctx context.Context, alert domain.Alert) (domain.Position, error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.ReceivedAt.IsZero() {
		alert.ReceivedAt = s.now()
	}
	alert.Status = domain.AlertStatusReceived

	log := s.logger.With(slog.String("alert_id", alert.ID), slog.String("source", alert.Source))

	if s.alerts != nil {
		if err := s.alerts.Insert(ctx, alert); err != nil {
			log.WarnContext(ctx, "store alert failed", slog.String("error", err.Error()))
		}
	}

	sig, err := parser.Parse(alert.Text, alert.ReceivedAt)
	if err != nil {
		log.InfoContext(ctx, "alert rejected", slog.String("error", err.Error()))
		s.mark(ctx, alert.ID, domain.AlertStatusRejected, "", err.Error())
		return domain.Position{}, fmt.Errorf("alert_service: %w", err)
	}
	sig.Source = alert.Source
	sig.AlertID = alert.ID

	venue := s.resolveVenue(sig.Venue, alert.Source)
	if venue == "" {
		verr := &domain.ValidationError{Field: "venue", Reason: "no venue named and no default configured"}
		s.mark(ctx, alert.ID, domain.AlertStatusRejected, "", verr.Error())
		return domain.Position{}, fmt.Errorf("alert_service: %w", verr)
	}
	sig.Venue = venue

	pos, err := s.submitter.Submit(ctx, sig)
	if err != nil {
		status := domain.AlertStatusFailed
		if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrUnknownVenue) {
			status = domain.AlertStatusRejected
		}
		log.WarnContext(ctx, "alert not executed",
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
		s.mark(ctx, alert.ID, status, pos.ID, err.Error())
		return pos, fmt.Errorf("alert_service: submit: %w", err)
	}

	log.InfoContext(ctx, "alert processed",
		slog.String("position_id", pos.ID),
		slog.String("position_status", string(pos.Status)),
	)
	s.mark(ctx, alert.ID, domain.AlertStatusProcessed, pos.ID, "")
	return pos, nil
}

// resolveVenue picks, in order: the venue named in the alert, the venue
// mapped to the source, the configured default.
func (s *AlertService) resolveVenue(named, source string) string {
	if named != "" {
		return strings.ToLower(named)
	}
	if v, ok := s.catalog.VenueForSource(source); ok {
		return v
	}
	return strings.ToLower(s.cfg.DefaultVenue)
}

func (s *AlertService) mark(ctx context.Context, id string, status domain.AlertStatus, positionID, reason string) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.MarkProcessed(ctx, id, status, positionID, reason); err != nil {
		s.logger.WarnContext(ctx, "mark alert failed",
			slog.String("alert_id", id),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}
