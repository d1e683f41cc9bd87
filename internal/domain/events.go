package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TopicOrderCreated     = "order.created"
	TopicPaymentProcessed = "payment.processed"
	TopicPaymentFailed    = "payment.failed"
)

type OrderCreatedEvent struct {
	OrderID     int64            `json:"order_id"`
	OrderCode   string           `json:"order_code"`
	UserID      int64            `json:"user_id"`
	MerchantID  int64            `json:"merchant_id"`
	TotalAmount decimal.Decimal  `json:"total_amount"`
	Status      OrderStatus      `json:"status"`
	CreatedAt   time.Time        `json:"created_at"`
	Items       []OrderItemEvent `json:"items"`
}

type OrderItemEvent struct {
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type PaymentEvent struct {
	OrderCode     string          `json:"order_code"`
	PaymentID     string          `json:"payment_id"`
	Amount        decimal.Decimal `json:"amount"`
	Status        string          `json:"status"`
	Message       string          `json:"message"`
	ProcessedAt   time.Time       `json:"processed_at"`
	TransactionID string          `json:"transaction_id"`
}
