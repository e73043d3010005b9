package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"apiguard/internal/queue"
	"apiguard/internal/utils"
)

// DeadLetterAdmin exposes the audit worker's dead-letter queue.
type DeadLetterAdmin interface {
	GetQueueLength(ctx context.Context) (int, error)
	GetDeadLetterItems(ctx context.Context, maxItems int) ([]queue.DeadLetterItem, error)
	RetryDeadLetterItem(ctx context.Context, id string) error
}

// AdminAuditHandler lets operators inspect and replay failed audit writes.
type AdminAuditHandler struct {
	worker DeadLetterAdmin
	logger *utils.Logger
}

func NewAdminAuditHandler(worker DeadLetterAdmin) *AdminAuditHandler {
	return &AdminAuditHandler{worker: worker, logger: utils.NewLogger("admin-audit")}
}

// AuditQueueResponse is returned by GET /admin/audit/dead-letters
type AuditQueueResponse struct {
	Pending     int                    `json:"pending"`
	DeadLetters []queue.DeadLetterItem `json:"dead_letters"`
}

// ListDeadLetters handles GET /admin/audit/dead-letters?limit=100
func (h *AdminAuditHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	pending, err := h.worker.GetQueueLength(r.Context())
	if err != nil {
		h.logger.Error("Failed to read audit queue length", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	items, err := h.worker.GetDeadLetterItems(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to read dead letters", "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if items == nil {
		items = []queue.DeadLetterItem{}
	}
	utils.RespondWithJSON(w, http.StatusOK, AuditQueueResponse{Pending: pending, DeadLetters: items})
}

// RetryDeadLetter handles POST /admin/audit/dead-letters/{id}/retry
func (h *AdminAuditHandler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.worker.RetryDeadLetterItem(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrItemNotFound) {
			utils.RespondWithError(w, http.StatusNotFound, "Dead letter item not found")
			return
		}
		h.logger.Error("Failed to retry dead letter", "id", id, "error", err)
		utils.RespondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	h.logger.Info("Dead letter requeued", "id", id)
	w.WriteHeader(http.StatusAccepted)
}
