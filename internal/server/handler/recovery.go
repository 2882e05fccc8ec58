package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/quantfold/arbot/internal/domain"
	"github.com/quantfold/arbot/internal/service"
)

// RecoveryHandler serves recovery inspection and the manual
// approve/cancel surface.
type RecoveryHandler struct {
	recoveries *service.RecoveryService
	logger     *slog.Logger
}

// NewRecoveryHandler creates a RecoveryHandler.
func NewRecoveryHandler(recoveries *service.RecoveryService, logger *slog.Logger) *RecoveryHandler {
	return &RecoveryHandler{recoveries: recoveries, logger: logger}
}

// ListRecoveries returns all recoveries the coordinator tracks.
// GET /api/recoveries
func (h *RecoveryHandler) ListRecoveries(w http.ResponseWriter, r *http.Request) {
	rcs := h.recoveries.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"recoveries": rcs,
		"count":      len(rcs),
	})
}

// GetRecovery returns one recovery by id.
// GET /api/recoveries/{id}
func (h *RecoveryHandler) GetRecovery(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	rc, err := h.recoveries.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "recovery not found")
			return
		}
		logHandler(h.logger, "recoveries").Error("get failed",
			slog.String("recovery_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get recovery")
		return
	}
	writeJSON(w, http.StatusOK, rc)
}

// ApproveRecovery releases an approval-gated recovery for execution.
// POST /api/recoveries/{id}/approve
func (h *RecoveryHandler) ApproveRecovery(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	if err := h.recoveries.Approve(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "recovery not found")
			return
		}
		// Any other approve failure is a state conflict: the recovery is
		// not sitting in INITIATED awaiting approval.
		logHandler(h.logger, "recoveries").Warn("approve rejected",
			slog.String("recovery_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusConflict, "recovery is not awaiting approval")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"recovery_id": id,
		"status":      "approved",
	})
}

// cancelRequest is the optional JSON body for a cancel request.
type cancelRequest struct {
	Reason string `json:"reason"`
}

// CancelRecovery abandons a pending or in-progress recovery.
// POST /api/recoveries/{id}/cancel
func (h *RecoveryHandler) CancelRecovery(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")

	var req cancelRequest
	if r.Body != nil {
		// A missing or malformed body just means no reason was given.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "cancelled via api"
	}

	if err := h.recoveries.Cancel(r.Context(), id, req.Reason); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "recovery not found")
			return
		}
		logHandler(h.logger, "recoveries").Warn("cancel rejected",
			slog.String("recovery_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusConflict, "recovery cannot be cancelled")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"recovery_id": id,
		"status":      "cancelled",
	})
}
