package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/quantfold/arbot/internal/domain"
	"github.com/quantfold/arbot/internal/service"
)

// OperationHandler serves the operation query endpoints.
type OperationHandler struct {
	operations *service.OperationService
	logger     *slog.Logger
}

// NewOperationHandler creates an OperationHandler.
func NewOperationHandler(operations *service.OperationService, logger *slog.Logger) *OperationHandler {
	return &OperationHandler{operations: operations, logger: logger}
}

// ListOperations returns operations, optionally filtered by state.
// GET /api/operations?state=EXECUTING&limit=50&offset=0
func (h *OperationHandler) ListOperations(w http.ResponseWriter, r *http.Request) {
	state := domain.OperationState(r.URL.Query().Get("state"))
	ops, err := h.operations.List(r.Context(), state, parseListOpts(r))
	if err != nil {
		logHandler(h.logger, "operations").Error("list failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list operations")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operations": ops,
		"count":      len(ops),
	})
}

// GetOperation returns one operation by id.
// GET /api/operations/{id}
func (h *OperationHandler) GetOperation(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	op, err := h.operations.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownOperation) || errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "operation not found")
			return
		}
		logHandler(h.logger, "operations").Error("get failed",
			slog.String("operation_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get operation")
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// GetHistory returns the transition log of one operation.
// GET /api/operations/{id}/history
func (h *OperationHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := pathParam(r, "id")
	trs, err := h.operations.History(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownOperation) || errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "operation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to get history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"operation_id": id,
		"transitions":  trs,
	})
}
