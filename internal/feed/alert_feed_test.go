package feed

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

type chanBus struct {
	ch      chan []byte
	channel string
	subErr  error
}

func (b *chanBus) Publish(context.Context, string, []byte) error { return nil }

func (b *chanBus) Subscribe(_ context.Context, channel string) (<-chan []byte, error) {
	b.channel = channel
	return b.ch, b.subErr
}

func (b *chanBus) StreamAppend(context.Context, string, []byte) error { return nil }

func (b *chanBus) StreamRead(context.Context, string, string, int) ([]domain.StreamMessage, error) {
	return nil, nil
}

type recordingHandler struct {
	mu     sync.Mutex
	alerts []domain.Alert
	err    error
}

func (h *recordingHandler) Handle(_ context.Context, a domain.Alert) (domain.Position, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.alerts = append(h.alerts, a)
	return domain.Position{ID: "pos-" + a.ID}, h.err
}

func (h *recordingHandler) received() []domain.Alert {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]domain.Alert(nil), h.alerts...)
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestAlertFeedDeliversMessages(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 4)}
	h := &recordingHandler{}
	f := NewAlertFeed(bus, h, "", quiet())
	f.SetConcurrency(1)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	f.now = func() time.Time { return now }

	bus.ch <- []byte(`{"id":"a1","source":"tg","text":"buy BTC 1 @ 42000","received_at":"2026-03-31T08:00:00Z"}`)
	bus.ch <- []byte(`not json but plain text`)
	bus.ch <- []byte(`{"id":"a3","text":"  "}`)
	bus.ch <- []byte(`{"id":"a4","text":"sell ETH 2"}`)
	close(bus.ch)

	require.NoError(t, f.Run(context.Background()))
	assert.Equal(t, DefaultChannel, bus.channel)

	got := h.received()
	require.Len(t, got, 3)
	assert.Equal(t, "a1", got[0].ID)
	assert.Equal(t, "tg", got[0].Source)
	assert.Equal(t, time.Date(2026, 3, 31, 8, 0, 0, 0, time.UTC), got[0].ReceivedAt.UTC())

	assert.Equal(t, "not json but plain text", got[1].Text)
	assert.Equal(t, now, got[1].ReceivedAt)

	assert.Equal(t, "a4", got[2].ID)
	assert.Equal(t, now, got[2].ReceivedAt)
	assert.Equal(t, domain.AlertStatusReceived, got[2].Status)
}

func TestAlertFeedHandlerErrorsDoNotStopFeed(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 2)}
	h := &recordingHandler{err: &domain.ParseError{Reason: "no action"}}
	f := NewAlertFeed(bus, h, "signals", quiet())

	bus.ch <- []byte(`{"text":"hello"}`)
	bus.ch <- []byte(`{"text":"world"}`)
	close(bus.ch)

	require.NoError(t, f.Run(context.Background()))
	assert.Equal(t, "signals", bus.channel)
	assert.Len(t, h.received(), 2)
}

func TestAlertFeedSubscribeError(t *testing.T) {
	bus := &chanBus{subErr: errors.New("redis down")}
	f := NewAlertFeed(bus, &recordingHandler{}, "", quiet())
	err := f.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "redis down")
}

func TestAlertFeedStopsOnCancel(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte)}
	f := NewAlertFeed(bus, &recordingHandler{}, "", quiet())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.Run(ctx), context.Canceled)
}

// gatedHandler blocks every alert until release is closed and tracks how
// many are in flight.
type gatedHandler struct {
	release  chan struct{}
	entered  chan struct{}
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (h *gatedHandler) Handle(_ context.Context, a domain.Alert) (domain.Position, error) {
	n := h.inFlight.Add(1)
	for {
		p := h.peak.Load()
		if n <= p || h.peak.CompareAndSwap(p, n) {
			break
		}
	}
	h.entered <- struct{}{}
	<-h.release
	h.inFlight.Add(-1)
	return domain.Position{ID: "pos-" + a.ID}, nil
}

func TestAlertFeedHandlesAlertsConcurrently(t *testing.T) {
	bus := &chanBus{ch: make(chan []byte, 4)}
	h := &gatedHandler{release: make(chan struct{}), entered: make(chan struct{}, 4)}
	f := NewAlertFeed(bus, h, "", quiet())
	f.SetConcurrency(2)

	for _, id := range []string{"a1", "a2", "a3", "a4"} {
		bus.ch <- []byte(`{"id":"` + id + `","text":"buy BTC 1 at 2"}`)
	}
	close(bus.ch)

	done := make(chan error, 1)
	go func() { done <- f.Run(context.Background()) }()

	// Two alerts are held at once before either finishes.
	for i := 0; i < 2; i++ {
		select {
		case <-h.entered:
		case <-time.After(time.Second):
			t.Fatal("alerts were not handled concurrently")
		}
	}
	close(h.release)

	require.NoError(t, <-done)
	assert.EqualValues(t, 2, h.peak.Load())
	assert.Zero(t, h.inFlight.Load())
}
