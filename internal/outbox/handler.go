package outbox

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
)

// Handler exposes the operator surface: listing messages by status and
// manually retrying dead-lettered ones.
type Handler struct {
	store   Store
	sweeper *Sweeper
	logger  *slog.Logger
}

func NewHandler(store Store, sweeper *Sweeper, logger *slog.Logger) *Handler {
	return &Handler{
		store:   store,
		sweeper: sweeper,
		logger:  logger,
	}
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	status := Status(r.URL.Query().Get("status"))
	if status == "" {
		status = StatusFailed
	}

	switch status {
	case StatusPending, StatusSent, StatusFailed, StatusDead:
	default:
		h.writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	messages, err := h.store.ListByStatus(r.Context(), status)
	if err != nil {
		h.logger.Error("failed to list outbox messages", "error", err, "status", status)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if messages == nil {
		messages = []Message{}
	}

	h.logger.Info("outbox messages listed", "status", status, "count", len(messages))
	h.writeJSON(w, http.StatusOK, messages)
}

func (h *Handler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid message id")
		return
	}

	msg, err := h.sweeper.ManualRetry(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			h.writeError(w, http.StatusNotFound, "message not found")
			return
		}
		h.logger.Error("manual retry failed", "error", err, "message_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("manual retry triggered", "message_id", id, "status", msg.Status)
	h.writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
