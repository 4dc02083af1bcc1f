package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/signalbot/internal/domain"
	"github.com/alanyoungcy/signalbot/internal/server/handler"
)

type emptyActive struct{}

func (emptyActive) Get(string) (domain.Position, error) { return domain.Position{}, domain.ErrNotFound }
func (emptyActive) ListByStatus(...domain.PositionStatus) []domain.Position {
	return nil
}

type echoIngester struct{}

func (echoIngester) Handle(_ context.Context, a domain.Alert) (domain.Position, error) {
	return domain.Position{ID: "p-" + a.Source, Status: domain.PositionStatusOpen}, nil
}

func TestServerRoutesAndAuth(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer(Config{APIKey: "k"}, Handlers{
		Health:    handler.NewHealthHandler(nil, logger),
		Positions: handler.NewPositionHandler(emptyActive{}, nil, logger),
		Alerts:    handler.NewAlertHandler(echoIngester{}, logger),
	}, nil, nil, logger)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/positions")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/alerts", strings.NewReader(`{"source":"x","text":"buy BTC 1"}`))
	req.Header.Set("Authorization", "Bearer k")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, string(body), `"id":"p-x"`)

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/archive/trigger", nil)
	req.Header.Set("X-API-Key", "k")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
