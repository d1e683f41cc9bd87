package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusPaid      OrderStatus = "PAID"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Order is created once per (user, merchant) pair per checkout call. After
// creation only Status, PaidAt and TrackingNo change.
type Order struct {
	ID         int64           `json:"id"`
	Code       string          `json:"code"`
	UserID     int64           `json:"user_id"`
	MerchantID int64           `json:"merchant_id"`
	Total      decimal.Decimal `json:"total"`
	Status     OrderStatus     `json:"status"`
	CreatedAt  time.Time       `json:"created_at"`
	PaidAt     *time.Time      `json:"paid_at,omitempty"`
	TrackingNo *string         `json:"tracking_no,omitempty"`
	Items      []LineItem      `json:"items,omitempty"`
}

// LineItem captures the unit price at order time. Later catalog price
// changes never alter a placed order.
type LineItem struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"order_id"`
	ProductID int64           `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}
