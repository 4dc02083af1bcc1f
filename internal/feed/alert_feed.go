// Package feed carries inbound alerts from transports into the alert
// service.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// DefaultChannel is the bus channel alerts are published on.
const DefaultChannel = "alerts"

// DefaultConcurrency bounds how many alerts are handled at once.
const DefaultConcurrency = 8

// AlertHandler accepts one inbound alert.
type AlertHandler interface {
	Handle(ctx context.Context, alert domain.Alert) (domain.Position, error)
}

// alertMessage is the JSON shape published on the alerts channel.
type alertMessage struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}

// AlertFeed subscribes to the alerts channel and hands each message to the
// alert service.
type AlertFeed struct {
	bus         domain.SignalBus
	handler     AlertHandler
	channel     string
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// NewAlertFeed creates an AlertFeed. An empty channel means DefaultChannel.
func NewAlertFeed(bus domain.SignalBus, handler AlertHandler, channel string, logger *slog.Logger) *AlertFeed {
	if channel == "" {
		channel = DefaultChannel
	}
	return &AlertFeed{
		bus:         bus,
		handler:     handler,
		channel:     channel,
		concurrency: DefaultConcurrency,
		logger:      logger.With(slog.String("component", "alert_feed")),
		now:         time.Now,
	}
}

// SetConcurrency bounds in-flight alerts. A slow open holds one slot while
// other alerts proceed; when all slots are busy the feed stops reading.
func (f *AlertFeed) SetConcurrency(n int) {
	if n > 0 {
		f.concurrency = n
	}
}

// Run consumes alerts until ctx is done or the subscription closes. Alerts
// already being handled are waited for before Run returns.
func (f *AlertFeed) Run(ctx context.Context) error {
	ch, err := f.bus.Subscribe(ctx, f.channel)
	if err != nil {
		return fmt.Errorf("feed: subscribe %s: %w", f.channel, err)
	}
	f.logger.Info("alert feed started",
		slog.String("channel", f.channel),
		slog.Int("concurrency", f.concurrency),
	)
	defer f.logger.Info("alert feed stopped")

	var g errgroup.Group
	g.SetLimit(f.concurrency)

	for {
		select {
		case <-ctx.Done():
			_ = g.Wait()
			return ctx.Err()
		case data, ok := <-ch:
			if !ok {
				return g.Wait()
			}
			g.Go(func() error {
				f.handleMessage(ctx, data)
				return nil
			})
		}
	}
}

func (f *AlertFeed) handleMessage(ctx context.Context, data []byte) {
	alert, err := f.decode(data)
	if err != nil {
		f.logger.Warn("dropping undecodable alert",
			slog.String("error", err.Error()),
			slog.Int("payload_len", len(data)),
		)
		return
	}

	pos, err := f.handler.Handle(ctx, alert)
	switch {
	case err == nil:
		f.logger.Debug("alert handled",
			slog.String("alert_id", alert.ID),
			slog.String("position_id", pos.ID),
		)
	case errors.Is(err, domain.ErrParse), errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrDuplicate):
		f.logger.Info("alert not actioned",
			slog.String("alert_id", alert.ID),
			slog.String("reason", err.Error()),
		)
	default:
		f.logger.Warn("alert handling failed",
			slog.String("alert_id", alert.ID),
			slog.String("error", err.Error()),
		)
	}
}

// decode accepts the JSON envelope, or a bare text payload when the
// publisher does not wrap it.
func (f *AlertFeed) decode(data []byte) (domain.Alert, error) {
	var msg alertMessage
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") {
		if err := json.Unmarshal(data, &msg); err != nil {
			return domain.Alert{}, fmt.Errorf("feed: decode alert: %w", err)
		}
	} else {
		msg.Text = trimmed
	}
	if strings.TrimSpace(msg.Text) == "" {
		return domain.Alert{}, errors.New("feed: alert has no text")
	}

	alert := domain.Alert{
		ID:         msg.ID,
		Source:     msg.Source,
		Text:       msg.Text,
		ReceivedAt: msg.ReceivedAt,
		Status:     domain.AlertStatusReceived,
	}
	if alert.ReceivedAt.IsZero() {
		alert.ReceivedAt = f.now().UTC()
	}
	return alert, nil
}
