package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// ActivePositions is the in-memory registry view.
type ActivePositions interface {
	Get(id string) (domain.Position, error)
	ListByStatus(statuses ...domain.PositionStatus) []domain.Position
}

// PositionHistory is the persisted view.
type PositionHistory interface {
	Get(ctx context.Context, id string) (domain.Position, error)
	History(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error)
}

// PositionHandler serves position endpoints.
type PositionHandler struct {
	active  ActivePositions
	history PositionHistory
	logger  *slog.Logger
}

// NewPositionHandler creates a PositionHandler. history may be nil when no
// store is configured.
func NewPositionHandler(active ActivePositions, history PositionHistory, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{active: active, history: history, logger: logger}
}

type listPositionsResponse struct {
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns tracked positions, optionally filtered by a
// comma-separated status list.
// GET /api/positions?status=OPEN,MONITORING
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.PositionStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := domain.PositionStatus(strings.ToUpper(strings.TrimSpace(s)))
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, "unknown status "+s)
				return
			}
			statuses = append(statuses, st)
		}
	}

	positions := h.active.ListByStatus(statuses...)
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition looks the id up in the registry, then in the store.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if p, err := h.active.Get(id); err == nil {
		writeJSON(w, http.StatusOK, p)
		return
	}
	if h.history == nil {
		writeError(w, http.StatusNotFound, "position not found")
		return
	}

	p, err := h.history.Get(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "position not found")
	case err != nil:
		h.logger.ErrorContext(r.Context(), "get position failed",
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load position")
	default:
		writeJSON(w, http.StatusOK, p)
	}
}

// ListHistory pages through persisted positions, newest first.
// GET /api/positions/history?limit=&offset=&since=&until=
func (h *PositionHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeError(w, http.StatusServiceUnavailable, "position history not configured")
		return
	}
	positions, err := h.history.History(r.Context(), parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list position history failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}
