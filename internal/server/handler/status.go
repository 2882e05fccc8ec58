package handler

import (
	"log/slog"
	"net/http"

	"github.com/quantfold/arbot/internal/coordinator"
	"github.com/quantfold/arbot/internal/ledger"
	"github.com/quantfold/arbot/internal/service"
)

// StatusHandler serves the coordinator status summary and the pause
// switch.
type StatusHandler struct {
	coord    *coordinator.Coordinator
	balances *ledger.BalanceLedger
	risk     *service.RiskService
	logger   *slog.Logger
}

// NewStatusHandler creates a StatusHandler. coord may be nil when the
// process runs in server mode without a live coordinator.
func NewStatusHandler(coord *coordinator.Coordinator, balances *ledger.BalanceLedger, risk *service.RiskService, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{
		coord:    coord,
		balances: balances,
		risk:     risk,
		logger:   logger,
	}
}

// GetStatus returns the live coordinator summary.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if h.coord == nil {
		writeError(w, http.StatusServiceUnavailable, "no live coordinator in this mode")
		return
	}
	status := h.coord.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status": status,
		"paused": h.risk != nil && h.risk.Paused(),
	})
}

// ListReservations returns all live balance reservations.
// GET /api/reservations
func (h *StatusHandler) ListReservations(w http.ResponseWriter, r *http.Request) {
	if h.balances == nil {
		writeError(w, http.StatusServiceUnavailable, "no balance ledger in this mode")
		return
	}
	reservations := h.balances.ActiveReservations()
	writeJSON(w, http.StatusOK, map[string]any{
		"reservations": reservations,
		"count":        len(reservations),
	})
}

// Pause vetoes new opportunity admission.
// POST /api/admin/pause
func (h *StatusHandler) Pause(w http.ResponseWriter, r *http.Request) {
	if h.risk == nil {
		writeError(w, http.StatusServiceUnavailable, "no risk gate in this mode")
		return
	}
	h.risk.Pause()
	logHandler(h.logger, "status").Info("admission paused via api")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

// Resume re-enables opportunity admission.
// POST /api/admin/resume
func (h *StatusHandler) Resume(w http.ResponseWriter, r *http.Request) {
	if h.risk == nil {
		writeError(w, http.StatusServiceUnavailable, "no risk gate in this mode")
		return
	}
	h.risk.Resume()
	logHandler(h.logger, "status").Info("admission resumed via api")
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}
