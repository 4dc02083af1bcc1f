package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/signalbot/internal/domain"
)

// StatusHandler reports runtime mode, uptime and position counts.
type StatusHandler struct {
	mode      string
	venues    []string
	startedAt time.Time
	active    ActivePositions
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode string, venues []string, startedAt time.Time, active ActivePositions) *StatusHandler {
	return &StatusHandler{mode: mode, venues: venues, startedAt: startedAt, active: active}
}

// GetStatus responds with the runtime summary.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	counts := map[domain.PositionStatus]int{}
	if h.active != nil {
		for _, p := range h.active.ListByStatus() {
			counts[p.Status]++
		}
	}
	venues := h.venues
	if venues == nil {
		venues = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.mode,
		"venues":         venues,
		"uptime_seconds": int64(time.Since(h.startedAt).Seconds()),
		"positions":      counts,
	})
}
