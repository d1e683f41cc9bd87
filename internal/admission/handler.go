package admission

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/vportella/storeflow/internal/domain"
)

// OrderReader serves the read side of the orders API.
type OrderReader interface {
	GetByCode(ctx context.Context, code string) (*domain.Order, error)
	ListByUser(ctx context.Context, userID int64) ([]domain.Order, error)
}

type Handler struct {
	service *Service
	reader  OrderReader
	logger  *slog.Logger
}

func NewHandler(service *Service, reader OrderReader, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		reader:  reader,
		logger:  logger,
	}
}

type createOrderRequest struct {
	UserID int64         `json:"user_id"`
	Items  []RequestLine `json:"items"`
}

func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	orders, err := h.service.Admit(r.Context(), req.UserID, req.Items)
	if err != nil {
		h.writeAdmitError(w, err, req.UserID)
		return
	}

	h.logger.Info("orders created", "user_id", req.UserID, "count", len(orders))
	h.writeJSON(w, http.StatusCreated, orders)
}

func (h *Handler) writeAdmitError(w http.ResponseWriter, err error, userID int64) {
	switch {
	case errors.Is(err, ErrEmptyOrder), errors.Is(err, ErrInvalidQuantity), errors.Is(err, ErrProductUnavailable):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrDuplicateRequest):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrLockNotAcquired):
		// Contention, not a data problem; the client may retry.
		h.writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("failed to admit order", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if code == "" {
		h.writeError(w, http.StatusBadRequest, "missing order code")
		return
	}

	order, err := h.reader.GetByCode(r.Context(), code)
	if err != nil {
		h.logger.Error("failed to get order", "error", err, "order_code", code)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if order == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	h.logger.Info("order retrieved", "order_code", order.Code)
	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleListByUser(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid user_id")
		return
	}

	orders, err := h.reader.ListByUser(r.Context(), userID)
	if err != nil {
		h.logger.Error("failed to list orders", "error", err, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("orders listed", "user_id", userID, "count", len(orders))
	h.writeJSON(w, http.StatusOK, orders)
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
