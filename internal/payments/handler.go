package payments

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/shopspring/decimal"
)

type Handler struct {
	service *Service
	logger  *slog.Logger
}

func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{
		service: service,
		logger:  logger,
	}
}

type paymentRequest struct {
	OrderCode  string          `json:"order_code"`
	Amount     decimal.Decimal `json:"amount"`
	CardNumber string          `json:"card_number"`
}

func (h *Handler) HandleProcess(w http.ResponseWriter, r *http.Request) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.OrderCode == "" {
		h.writeError(w, http.StatusBadRequest, "missing order code")
		return
	}

	event, err := h.service.Process(r.Context(), req.OrderCode, req.Amount, req.CardNumber)
	if err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound):
			h.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, ErrOrderNotPending), errors.Is(err, ErrAmountMismatch):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("failed to process payment", "error", err, "order_code", req.OrderCode)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.writeJSON(w, http.StatusOK, event)
}

func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")
	if code == "" {
		h.writeError(w, http.StatusBadRequest, "missing order code")
		return
	}

	status, err := h.service.Status(r.Context(), code)
	if err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			h.writeError(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("failed to get payment status", "error", err, "order_code", code)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, status)
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
