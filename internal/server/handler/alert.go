package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

const maxAlertBody = 16 << 10

// AlertIngester accepts inbound alerts. *service.AlertService satisfies it.
type AlertIngester interface {
	Handle(ctx context.Context, alert domain.Alert) (domain.Position, error)
}

// AlertHandler serves the HTTP ingest endpoint.
type AlertHandler struct {
	alerts AlertIngester
	logger *slog.Logger
}

// NewAlertHandler creates an AlertHandler.
func NewAlertHandler(alerts AlertIngester, logger *slog.Logger) *AlertHandler {
	return &AlertHandler{alerts: alerts, logger: logger}
}

type postAlertRequest struct {
	ID     string `json:"id"`
	Source string `json:"source"`
	Text   string `json:"text"`
}

type postAlertResponse struct {
	Position *domain.Position `json:"position,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// PostAlert ingests one alert given as JSON {"source","text"} or as a
// text/plain body, and runs it through execution synchronously.
// POST /api/alerts
func (h *AlertHandler) PostAlert(w http.ResponseWriter, r *http.Request) {
	req, err := decodeAlert(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Source == "" {
		req.Source = "http"
	}

	pos, err := h.alerts.Handle(r.Context(), domain.Alert{ID: req.ID, Source: req.Source, Text: req.Text})
	if err == nil {
		writeJSON(w, http.StatusCreated, postAlertResponse{Position: &pos})
		return
	}

	resp := postAlertResponse{Error: err.Error()}
	if pos.ID != "" {
		resp.Position = &pos
	}

	var dup *domain.DuplicateError
	switch {
	case errors.Is(err, domain.ErrParse), errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrUnknownVenue):
		writeJSON(w, http.StatusUnprocessableEntity, resp)
	case errors.As(err, &dup):
		writeJSON(w, http.StatusConflict, resp)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSON(w, http.StatusGatewayTimeout, resp)
	default:
		h.logger.WarnContext(r.Context(), "alert execution failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, resp)
	}
}

func decodeAlert(r *http.Request) (postAlertRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxAlertBody+1))
	if err != nil {
		return postAlertRequest{}, errors.New("failed to read body")
	}
	if len(body) > maxAlertBody {
		return postAlertRequest{}, errors.New("alert body too large")
	}

	var req postAlertRequest
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "text/plain" {
		req.Text = string(body)
		req.Source = r.URL.Query().Get("source")
	} else if err := json.Unmarshal(body, &req); err != nil {
		return postAlertRequest{}, errors.New("invalid JSON body")
	}

	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return postAlertRequest{}, errors.New("text is required")
	}
	return req, nil
}
