// Package payments processes payment results for pending orders. The
// gateway itself is an opaque external call; this package owns the order
// status transition and the payment events, which ride the same outbox path
// as order creation.
package payments

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vportella/storeflow/internal/admission"
	"github.com/vportella/storeflow/internal/domain"
	"github.com/vportella/storeflow/internal/outbox"
)

var (
	ErrOrderNotFound   = errors.New("payments: order not found")
	ErrOrderNotPending = errors.New("payments: order is not pending")
	ErrAmountMismatch  = errors.New("payments: amount does not match order total")
)

type GatewayResult struct {
	TransactionID string
	Succeeded     bool
	Message       string
}

// Gateway is the external payment processor. Only its success/failure
// outcome matters here.
type Gateway interface {
	Charge(ctx context.Context, orderCode string, amount decimal.Decimal, cardNumber string) (GatewayResult, error)
}

type OrderStore interface {
	GetByCode(ctx context.Context, code string) (*domain.Order, error)
	MarkPaid(ctx context.Context, code string, paidAt time.Time, stage func(ctx context.Context, tx *sql.Tx) error) error
}

type Service struct {
	orders    OrderStore
	gateway   Gateway
	publisher *outbox.Publisher
	logger    *slog.Logger
}

func NewService(orders OrderStore, gateway Gateway, publisher *outbox.Publisher, logger *slog.Logger) *Service {
	return &Service{
		orders:    orders,
		gateway:   gateway,
		publisher: publisher,
		logger:    logger,
	}
}

// Process charges the gateway for a pending order. On success the order
// moves to PAID and a payment.processed event is staged in the same
// transaction; on failure only a payment.failed event is recorded. Either
// way the event is durable before any delivery attempt.
func (s *Service) Process(ctx context.Context, orderCode string, amount decimal.Decimal, cardNumber string) (*domain.PaymentEvent, error) {
	order, err := s.orders.GetByCode(ctx, orderCode)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderCode)
	}
	if order.Status != domain.OrderStatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrOrderNotPending, orderCode, order.Status)
	}
	if !amount.Equal(order.Total) {
		return nil, fmt.Errorf("%w: paid %s, order total %s", ErrAmountMismatch, amount, order.Total)
	}

	result, err := s.gateway.Charge(ctx, orderCode, amount, cardNumber)
	if err != nil {
		// Gateway errors are payment failures, not internal ones; record
		// and report them through the failure path.
		s.logger.Error("payment gateway error", "error", err, "order_code", orderCode)
		result = GatewayResult{
			TransactionID: uuid.NewString(),
			Succeeded:     false,
			Message:       "payment processing error: " + err.Error(),
		}
	}

	event := domain.PaymentEvent{
		OrderCode:     orderCode,
		PaymentID:     uuid.NewString(),
		Amount:        amount,
		Message:       result.Message,
		ProcessedAt:   time.Now().UTC(),
		TransactionID: result.TransactionID,
	}

	if result.Succeeded {
		event.Status = "SUCCESS"
		if err := s.recordSuccess(ctx, orderCode, &event); err != nil {
			return nil, err
		}
		s.logger.Info("payment processed", "order_code", orderCode, "payment_id", event.PaymentID)
	} else {
		event.Status = "FAILED"
		if err := s.recordFailure(ctx, orderCode, &event); err != nil {
			return nil, err
		}
		s.logger.Warn("payment failed", "order_code", orderCode, "message", result.Message)
	}

	return &event, nil
}

// PaymentStatus is the read-side view of an order's payment state.
type PaymentStatus struct {
	OrderCode string          `json:"order_code"`
	Status    string          `json:"status"`
	Amount    decimal.Decimal `json:"amount"`
	PaidAt    *time.Time      `json:"paid_at,omitempty"`
}

func (s *Service) Status(ctx context.Context, orderCode string) (*PaymentStatus, error) {
	order, err := s.orders.GetByCode(ctx, orderCode)
	if err != nil {
		return nil, fmt.Errorf("load order: %w", err)
	}
	if order == nil {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderCode)
	}

	status := &PaymentStatus{
		OrderCode: order.Code,
		Amount:    order.Total,
		PaidAt:    order.PaidAt,
	}
	switch order.Status {
	case domain.OrderStatusPaid:
		status.Status = "PAID"
	case domain.OrderStatusCancelled:
		status.Status = "CANCELLED"
	default:
		status.Status = "UNPAID"
	}
	return status, nil
}

func (s *Service) recordSuccess(ctx context.Context, orderCode string, event *domain.PaymentEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal payment event: %w", err)
	}

	var staged *outbox.Message
	err = s.orders.MarkPaid(ctx, orderCode, event.ProcessedAt, func(ctx context.Context, tx *sql.Tx) error {
		staged, err = s.publisher.StageTx(ctx, tx, domain.TopicPaymentProcessed, orderCode, payload)
		return err
	})
	if err != nil {
		if errors.Is(err, admission.ErrOrderNotFound) {
			// Lost the PENDING race; the order moved on since we read it.
			return fmt.Errorf("%w: %s", ErrOrderNotPending, orderCode)
		}
		return err
	}

	s.publisher.Dispatch(staged)
	return nil
}

func (s *Service) recordFailure(ctx context.Context, orderCode string, event *domain.PaymentEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal payment event: %w", err)
	}

	staged, err := s.publisher.Stage(ctx, domain.TopicPaymentFailed, orderCode, payload)
	if err != nil {
		return err
	}

	s.publisher.Dispatch(staged)
	return nil
}
