// Package admission turns a multi-item checkout request into per-merchant
// orders with serialized, exactly-once-effective stock reservation, and
// emits an order-created event through the outbox.
package admission

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/vportella/storeflow/internal/domain"
	"github.com/vportella/storeflow/internal/outbox"
	"github.com/vportella/storeflow/internal/snowflake"
	"github.com/vportella/storeflow/internal/telemetry"
)

type RequestLine struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// Catalog resolves products for validation and merchant partitioning. The
// authoritative stock/price read happens later, under row locks.
type Catalog interface {
	Resolve(ctx context.Context, productIDs []int64) (map[int64]domain.Product, error)
}

// OrderStore executes one merchant's admission as a single transaction:
// lock and decrement stock, persist the order and its lines, then invoke
// stage to write the outbox row through the same transaction.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *domain.Order, lines []domain.LineItem, stage func(ctx context.Context, tx *sql.Tx) error) error
}

type Locker interface {
	Acquire(ctx context.Context, key, token string, ttl, wait time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) (bool, error)
}

type Guard interface {
	MarkIfAbsent(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type Service struct {
	catalog   Catalog
	store     OrderStore
	locker    Locker
	guard     Guard
	ids       *snowflake.Generator
	publisher *outbox.Publisher
	logger    *slog.Logger

	// The lock TTL must exceed the admission transaction; there is no
	// lease renewal.
	lockTTL        time.Duration
	lockWait       time.Duration
	idempotencyTTL time.Duration

	admitted metric.Int64Counter
}

func NewService(catalog Catalog, store OrderStore, locker Locker, guard Guard, ids *snowflake.Generator, publisher *outbox.Publisher, logger *slog.Logger) *Service {
	return &Service{
		catalog:        catalog,
		store:          store,
		locker:         locker,
		guard:          guard,
		ids:            ids,
		publisher:      publisher,
		logger:         logger,
		lockTTL:        30 * time.Second,
		lockWait:       5 * time.Second,
		idempotencyTTL: 24 * time.Hour,
		admitted:       telemetry.Counter("orders.admitted", "Orders admitted."),
	}
}

type merchantPartition struct {
	merchantID int64
	lines      []RequestLine
}

// Admit validates the request as a whole, then creates one order per
// merchant represented among the requested products. Each merchant order is
// an independent transaction: on failure, orders already committed for other
// merchants stand, and are returned alongside the error.
func (s *Service) Admit(ctx context.Context, userID int64, lines []RequestLine) ([]*domain.Order, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyOrder
	}
	for _, line := range lines {
		if line.Quantity <= 0 {
			return nil, fmt.Errorf("%w: product %d", ErrInvalidQuantity, line.ProductID)
		}
	}

	productIDs := make([]int64, 0, len(lines))
	for _, line := range lines {
		productIDs = append(productIDs, line.ProductID)
	}

	products, err := s.catalog.Resolve(ctx, productIDs)
	if err != nil {
		return nil, fmt.Errorf("resolve products: %w", err)
	}

	// Partial admission is never allowed: one bad reference rejects the
	// whole request before any transaction starts.
	for _, line := range lines {
		product, ok := products[line.ProductID]
		if !ok || !product.Sellable() {
			return nil, fmt.Errorf("%w: product %d", ErrProductUnavailable, line.ProductID)
		}
	}

	partitions := partitionByMerchant(lines, products)

	var orders []*domain.Order
	for _, part := range partitions {
		order, err := s.admitForMerchant(ctx, userID, part.merchantID, part.lines)
		if err != nil {
			return orders, err
		}
		orders = append(orders, order)
	}

	return orders, nil
}

// partitionByMerchant groups lines by the merchant owning each product,
// preserving request order both across partitions and within them.
func partitionByMerchant(lines []RequestLine, products map[int64]domain.Product) []merchantPartition {
	index := make(map[int64]int)
	var partitions []merchantPartition

	for _, line := range lines {
		merchantID := products[line.ProductID].MerchantID
		i, ok := index[merchantID]
		if !ok {
			i = len(partitions)
			index[merchantID] = i
			partitions = append(partitions, merchantPartition{merchantID: merchantID})
		}
		partitions[i].lines = append(partitions[i].lines, line)
	}

	return partitions
}

func (s *Service) admitForMerchant(ctx context.Context, userID, merchantID int64, lines []RequestLine) (*domain.Order, error) {
	code, err := s.ids.NextOrderCode()
	if err != nil {
		// Clock regression in the id generator is unrecoverable; do not
		// mask it as a retryable failure.
		return nil, fmt.Errorf("generate order code: %w", err)
	}

	lockKey := fmt.Sprintf("order:lock:%d", userID)
	token := uuid.NewString()

	acquired, err := s.locker.Acquire(ctx, lockKey, token, s.lockTTL, s.lockWait)
	if err != nil {
		return nil, fmt.Errorf("acquire user lock: %w", err)
	}
	if !acquired {
		return nil, fmt.Errorf("%w: user %d", ErrLockNotAcquired, userID)
	}
	defer func() {
		// Release on every exit path, even when the request context is
		// already cancelled.
		if _, err := s.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
			s.logger.Error("failed to release user lock", "error", err, "key", lockKey)
		}
	}()

	idempotencyKey := fmt.Sprintf("order:idempotency:%d:%s", userID, code)
	created, err := s.guard.MarkIfAbsent(ctx, idempotencyKey, s.idempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("check idempotency: %w", err)
	}
	if !created {
		return nil, fmt.Errorf("%w: user %d code %s", ErrDuplicateRequest, userID, code)
	}

	order := &domain.Order{
		Code:       code,
		UserID:     userID,
		MerchantID: merchantID,
		Status:     domain.OrderStatusPending,
		CreatedAt:  time.Now().UTC(),
	}

	items := make([]domain.LineItem, len(lines))
	for i, line := range lines {
		items[i] = domain.LineItem{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
		}
	}

	var staged *outbox.Message
	err = s.store.CreateOrder(ctx, order, items, func(ctx context.Context, tx *sql.Tx) error {
		payload, err := json.Marshal(orderCreatedEvent(order, items))
		if err != nil {
			return fmt.Errorf("marshal order created event: %w", err)
		}
		staged, err = s.publisher.StageTx(ctx, tx, domain.TopicOrderCreated, order.Code, payload)
		return err
	})
	if err != nil {
		return nil, err
	}

	// The outbox row is committed; delivery happens off the request path.
	s.publisher.Dispatch(staged)
	s.admitted.Add(ctx, 1)

	s.logger.Info("order admitted", "order_code", order.Code, "user_id", userID, "merchant_id", merchantID, "total", order.Total)
	return order, nil
}

func orderCreatedEvent(order *domain.Order, items []domain.LineItem) domain.OrderCreatedEvent {
	eventItems := make([]domain.OrderItemEvent, len(items))
	for i, item := range items {
		eventItems[i] = domain.OrderItemEvent{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		}
	}

	return domain.OrderCreatedEvent{
		OrderID:     order.ID,
		OrderCode:   order.Code,
		UserID:      order.UserID,
		MerchantID:  order.MerchantID,
		TotalAmount: order.Total,
		Status:      order.Status,
		CreatedAt:   order.CreatedAt,
		Items:       eventItems,
	}
}
