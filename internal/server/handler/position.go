package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/quantfold/arbot/internal/service"
)

// PositionHandler serves open-position, history, and PnL queries.
type PositionHandler struct {
	positions *service.PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(positions *service.PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, logger: logger}
}

// ListPositions returns open positions, optionally filtered by exchange.
// GET /api/positions?exchange=binance_spot
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	exchange := r.URL.Query().Get("exchange")
	entries := h.positions.Open(exchange)
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": entries,
		"count":     len(entries),
		"exposure":  h.positions.Exposure(exchange),
	})
}

// ListIncomplete returns opportunity groups whose legs did not all fill.
// GET /api/positions/incomplete
func (h *PositionHandler) ListIncomplete(w http.ResponseWriter, r *http.Request) {
	groups := h.positions.IncompleteGroups()
	writeJSON(w, http.StatusOK, map[string]any{
		"groups": groups,
		"count":  len(groups),
	})
}

// GetHistory returns persisted position rows, newest first.
// GET /api/positions/history?limit=50&offset=0
func (h *PositionHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.positions.History(r.Context(), parseListOpts(r))
	if err != nil {
		logHandler(h.logger, "positions").Error("history failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list position history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"positions": records,
		"count":     len(records),
	})
}

// GetPnL returns aggregate PnL figures: realized PnL over a window plus
// the present open exposure.
// GET /api/positions/pnl?window=24h&mark=true
func (h *PositionHandler) GetPnL(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window duration")
			return
		}
		window = d
	}
	mark := r.URL.Query().Get("mark") == "true"

	realized, err := h.positions.RealizedSince(r.Context(), time.Now().UTC().Add(-window))
	if err != nil {
		logHandler(h.logger, "positions").Error("realized pnl failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to compute realized pnl")
		return
	}

	total, err := h.positions.TotalPnL(r.Context(), "", mark)
	if err != nil {
		logHandler(h.logger, "positions").Error("total pnl failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to compute total pnl")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"window":         window.String(),
		"realized_pnl":   realized,
		"total_pnl":      total,
		"mark_to_market": mark,
		"exposure":       h.positions.Exposure(""),
	})
}
