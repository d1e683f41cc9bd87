package admission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vportella/storeflow/internal/domain"
	"github.com/vportella/storeflow/internal/outbox"
	"github.com/vportella/storeflow/internal/snowflake"
)

type fakeCatalog struct {
	products map[int64]domain.Product
}

func (f *fakeCatalog) Resolve(_ context.Context, productIDs []int64) (map[int64]domain.Product, error) {
	resolved := make(map[int64]domain.Product)
	for _, id := range productIDs {
		if p, ok := f.products[id]; ok {
			resolved[id] = p
		}
	}
	return resolved, nil
}

// fakeOrderStore mimics the transactional repository: all lines are checked
// before any stock is touched, so a failing line leaves stock unchanged.
type fakeOrderStore struct {
	stock   map[int64]int
	prices  map[int64]decimal.Decimal
	created []*domain.Order
	nextID  int64
}

func (f *fakeOrderStore) CreateOrder(ctx context.Context, order *domain.Order, lines []domain.LineItem, stage func(ctx context.Context, tx *sql.Tx) error) error {
	for _, line := range lines {
		if f.stock[line.ProductID] < line.Quantity {
			return fmt.Errorf("%w: product %d", ErrInsufficientStock, line.ProductID)
		}
	}

	total := decimal.Zero
	for i := range lines {
		f.stock[lines[i].ProductID] -= lines[i].Quantity
		lines[i].UnitPrice = f.prices[lines[i].ProductID]
		total = total.Add(lines[i].UnitPrice.Mul(decimal.NewFromInt(int64(lines[i].Quantity))))
	}

	f.nextID++
	order.ID = f.nextID
	order.Total = total
	order.Items = lines
	f.created = append(f.created, order)

	return stage(ctx, nil)
}

type fakeLocker struct {
	mu       sync.Mutex
	denied   bool
	acquires []string
	releases []string
}

func (f *fakeLocker) Acquire(_ context.Context, key, _ string, _, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied {
		return false, nil
	}
	f.acquires = append(f.acquires, key)
	return true, nil
}

func (f *fakeLocker) Release(_ context.Context, key, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, key)
	return true, nil
}

type fakeGuard struct {
	reject bool
	marked []string
}

func (f *fakeGuard) MarkIfAbsent(_ context.Context, key string, _ time.Duration) (bool, error) {
	if f.reject {
		return false, nil
	}
	f.marked = append(f.marked, key)
	return true, nil
}

type memOutboxStore struct {
	mu       sync.Mutex
	messages []*outbox.Message
	nextID   int64
}

func (m *memOutboxStore) insert(msg *outbox.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	msg.ID = m.nextID
	clone := *msg
	m.messages = append(m.messages, &clone)
	return nil
}

func (m *memOutboxStore) InsertTx(_ context.Context, _ *sql.Tx, msg *outbox.Message) error {
	return m.insert(msg)
}

func (m *memOutboxStore) Insert(_ context.Context, msg *outbox.Message) error {
	return m.insert(msg)
}

func (m *memOutboxStore) setStatus(id int64, status outbox.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, msg := range m.messages {
		if msg.ID == id {
			msg.Status = status
		}
	}
}

func (m *memOutboxStore) MarkSent(_ context.Context, id int64) error {
	m.setStatus(id, outbox.StatusSent)
	return nil
}

func (m *memOutboxStore) MarkFailed(_ context.Context, id int64) error {
	m.setStatus(id, outbox.StatusFailed)
	return nil
}

func (m *memOutboxStore) ListRetryable(context.Context, int, time.Time) ([]outbox.Message, error) {
	return nil, nil
}

func (m *memOutboxStore) RecordRetrySuccess(context.Context, int64) error { return nil }

func (m *memOutboxStore) RecordRetryFailure(context.Context, int64, int) (outbox.Status, error) {
	return outbox.StatusFailed, nil
}

func (m *memOutboxStore) TimeoutPending(context.Context, time.Time) (int64, error) { return 0, nil }
func (m *memOutboxStore) ResetDead(context.Context, int64) error                   { return nil }

func (m *memOutboxStore) ListByStatus(context.Context, outbox.Status) ([]outbox.Message, error) {
	return nil, nil
}

func (m *memOutboxStore) GetByID(context.Context, int64) (*outbox.Message, error) { return nil, nil }

type fakeBroker struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (f *fakeBroker) Publish(_ context.Context, topic, _ string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, topic)
	return nil
}

type fixture struct {
	service  *Service
	catalog  *fakeCatalog
	store    *fakeOrderStore
	locker   *fakeLocker
	guard    *fakeGuard
	outbox   *memOutboxStore
	broker   *fakeBroker
	producer *outbox.Publisher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	price := func(s string) decimal.Decimal { return decimal.RequireFromString(s) }

	catalog := &fakeCatalog{
		products: map[int64]domain.Product{
			1: {ID: 1, MerchantID: 10, Name: "P1", Price: price("10.00"), Stock: 5, Status: domain.ProductStatusOnSale},
			2: {ID: 2, MerchantID: 20, Name: "P2", Price: price("5.00"), Stock: 5, Status: domain.ProductStatusOnSale},
			3: {ID: 3, MerchantID: 10, Name: "P3", Price: price("0.10"), Stock: 5, Status: domain.ProductStatusOnSale},
			4: {ID: 4, MerchantID: 10, Name: "P4", Price: price("1.00"), Stock: 5, Status: domain.ProductStatusOffSale},
		},
	}

	store := &fakeOrderStore{
		stock: map[int64]int{1: 5, 2: 5, 3: 5, 4: 5},
		prices: map[int64]decimal.Decimal{
			1: price("10.00"), 2: price("5.00"), 3: price("0.10"), 4: price("1.00"),
		},
	}

	locker := &fakeLocker{}
	guard := &fakeGuard{}
	outboxStore := &memOutboxStore{}
	broker := &fakeBroker{}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	publisher := outbox.NewPublisher(outboxStore, broker, logger)

	ids, err := snowflake.New(0, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	return &fixture{
		service:  NewService(catalog, store, locker, guard, ids, publisher, logger),
		catalog:  catalog,
		store:    store,
		locker:   locker,
		guard:    guard,
		outbox:   outboxStore,
		broker:   broker,
		producer: publisher,
	}
}

func TestService_Admit(t *testing.T) {
	ctx := context.Background()

	t.Run("creates one order per merchant with exact totals", func(t *testing.T) {
		f := newFixture(t)

		orders, err := f.service.Admit(ctx, 100, []RequestLine{
			{ProductID: 1, Quantity: 2},
			{ProductID: 2, Quantity: 1},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(orders) != 2 {
			t.Fatalf("expected 2 orders, got %d", len(orders))
		}

		if orders[0].MerchantID != 10 || orders[1].MerchantID != 20 {
			t.Fatalf("unexpected merchant partitioning: %d, %d", orders[0].MerchantID, orders[1].MerchantID)
		}
		if !orders[0].Total.Equal(decimal.RequireFromString("20.00")) {
			t.Errorf("expected merchant 10 total 20.00, got %s", orders[0].Total)
		}
		if !orders[1].Total.Equal(decimal.RequireFromString("5.00")) {
			t.Errorf("expected merchant 20 total 5.00, got %s", orders[1].Total)
		}

		if f.store.stock[1] != 3 {
			t.Errorf("expected product 1 stock 3, got %d", f.store.stock[1])
		}
		if f.store.stock[2] != 4 {
			t.Errorf("expected product 2 stock 4, got %d", f.store.stock[2])
		}

		for _, order := range orders {
			if order.Status != domain.OrderStatusPending {
				t.Errorf("expected PENDING status, got %s", order.Status)
			}
			if order.Code == "" {
				t.Error("expected order code to be set")
			}
		}
	})

	t.Run("decimal totals do not drift", func(t *testing.T) {
		f := newFixture(t)

		orders, err := f.service.Admit(ctx, 100, []RequestLine{{ProductID: 3, Quantity: 3}})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// 0.10 * 3 must be exactly 0.30, which float arithmetic gets wrong.
		if !orders[0].Total.Equal(decimal.RequireFromString("0.30")) {
			t.Fatalf("expected total 0.30, got %s", orders[0].Total)
		}
	})

	t.Run("stages and dispatches an outbox message per order", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.service.Admit(ctx, 100, []RequestLine{
			{ProductID: 1, Quantity: 1},
			{ProductID: 2, Quantity: 1},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		f.producer.Wait()

		if len(f.outbox.messages) != 2 {
			t.Fatalf("expected 2 outbox messages, got %d", len(f.outbox.messages))
		}
		for _, msg := range f.outbox.messages {
			if msg.Topic != domain.TopicOrderCreated {
				t.Errorf("expected topic %s, got %s", domain.TopicOrderCreated, msg.Topic)
			}
			if msg.Status != outbox.StatusSent {
				t.Errorf("expected delivered message to be SENT, got %s", msg.Status)
			}
		}
		if len(f.broker.published) != 2 {
			t.Fatalf("expected 2 broker publishes, got %d", len(f.broker.published))
		}
	})

	t.Run("broker failure leaves admission successful and row FAILED", func(t *testing.T) {
		f := newFixture(t)
		f.broker.err = errors.New("broker down")

		orders, err := f.service.Admit(ctx, 100, []RequestLine{{ProductID: 1, Quantity: 1}})
		if err != nil {
			t.Fatalf("expected admission to succeed despite broker failure, got %v", err)
		}
		if len(orders) != 1 {
			t.Fatalf("expected 1 order, got %d", len(orders))
		}

		f.producer.Wait()

		if got := f.outbox.messages[0].Status; got != outbox.StatusFailed {
			t.Fatalf("expected outbox message FAILED, got %s", got)
		}
	})

	t.Run("rejects empty request", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.service.Admit(ctx, 100, nil)
		if !errors.Is(err, ErrEmptyOrder) {
			t.Fatalf("expected ErrEmptyOrder, got %v", err)
		}
	})

	t.Run("rejects non-positive quantity", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.service.Admit(ctx, 100, []RequestLine{{ProductID: 1, Quantity: 0}})
		if !errors.Is(err, ErrInvalidQuantity) {
			t.Fatalf("expected ErrInvalidQuantity, got %v", err)
		}
	})

	t.Run("rejects whole request on unknown product", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.service.Admit(ctx, 100, []RequestLine{
			{ProductID: 1, Quantity: 1},
			{ProductID: 99, Quantity: 1},
		})
		if !errors.Is(err, ErrProductUnavailable) {
			t.Fatalf("expected ErrProductUnavailable, got %v", err)
		}
		if len(f.store.created) != 0 {
			t.Fatalf("expected no orders, got %d", len(f.store.created))
		}
		if f.store.stock[1] != 5 {
			t.Fatalf("expected stock untouched, got %d", f.store.stock[1])
		}
	})

	t.Run("rejects off-sale product", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.service.Admit(ctx, 100, []RequestLine{{ProductID: 4, Quantity: 1}})
		if !errors.Is(err, ErrProductUnavailable) {
			t.Fatalf("expected ErrProductUnavailable, got %v", err)
		}
	})

	t.Run("insufficient stock leaves stock unchanged", func(t *testing.T) {
		f := newFixture(t)

		_, err := f.service.Admit(ctx, 100, []RequestLine{{ProductID: 1, Quantity: 10}})
		if !errors.Is(err, ErrInsufficientStock) {
			t.Fatalf("expected ErrInsufficientStock, got %v", err)
		}
		if f.store.stock[1] != 5 {
			t.Fatalf("expected stock 5, got %d", f.store.stock[1])
		}
		if len(f.outbox.messages) != 0 {
			t.Fatalf("expected no outbox messages, got %d", len(f.outbox.messages))
		}
	})

	t.Run("lock contention is reported as retryable", func(t *testing.T) {
		f := newFixture(t)
		f.locker.denied = true

		_, err := f.service.Admit(ctx, 100, []RequestLine{{ProductID: 1, Quantity: 1}})
		if !errors.Is(err, ErrLockNotAcquired) {
			t.Fatalf("expected ErrLockNotAcquired, got %v", err)
		}
		if len(f.guard.marked) != 0 {
			t.Fatal("idempotency guard must not be consulted without the lock")
		}
	})

	t.Run("duplicate request releases the lock", func(t *testing.T) {
		f := newFixture(t)
		f.guard.reject = true

		_, err := f.service.Admit(ctx, 100, []RequestLine{{ProductID: 1, Quantity: 1}})
		if !errors.Is(err, ErrDuplicateRequest) {
			t.Fatalf("expected ErrDuplicateRequest, got %v", err)
		}
		if len(f.locker.releases) != len(f.locker.acquires) {
			t.Fatalf("lock not released: %d acquires, %d releases", len(f.locker.acquires), len(f.locker.releases))
		}
		if len(f.store.created) != 0 {
			t.Fatal("expected no orders for duplicate request")
		}
	})

	t.Run("lock is released on every exit path", func(t *testing.T) {
		f := newFixture(t)

		// Success path.
		if _, err := f.service.Admit(ctx, 100, []RequestLine{{ProductID: 1, Quantity: 1}}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		// Failure path inside the store.
		if _, err := f.service.Admit(ctx, 100, []RequestLine{{ProductID: 1, Quantity: 100}}); !errors.Is(err, ErrInsufficientStock) {
			t.Fatalf("expected ErrInsufficientStock, got %v", err)
		}

		if len(f.locker.releases) != len(f.locker.acquires) {
			t.Fatalf("lock not balanced: %d acquires, %d releases", len(f.locker.acquires), len(f.locker.releases))
		}
	})

	t.Run("earlier merchant orders stand when a later one fails", func(t *testing.T) {
		f := newFixture(t)
		// Merchant 10 line is fine; merchant 20 line exceeds stock.
		orders, err := f.service.Admit(ctx, 100, []RequestLine{
			{ProductID: 1, Quantity: 1},
			{ProductID: 2, Quantity: 100},
		})
		if !errors.Is(err, ErrInsufficientStock) {
			t.Fatalf("expected ErrInsufficientStock, got %v", err)
		}
		if len(orders) != 1 {
			t.Fatalf("expected 1 committed order returned, got %d", len(orders))
		}
		if f.store.stock[1] != 4 {
			t.Fatalf("expected committed decrement to stand, got stock %d", f.store.stock[1])
		}
		if f.store.stock[2] != 5 {
			t.Fatalf("expected failed partition stock unchanged, got %d", f.store.stock[2])
		}
	})

	t.Run("idempotency keys are scoped to user and order code", func(t *testing.T) {
		f := newFixture(t)

		if _, err := f.service.Admit(ctx, 100, []RequestLine{{ProductID: 1, Quantity: 1}}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(f.guard.marked) != 1 {
			t.Fatalf("expected 1 idempotency marker, got %d", len(f.guard.marked))
		}
		key := f.guard.marked[0]
		if want := "order:idempotency:100:ORD"; len(key) <= len(want) || key[:len(want)] != want {
			t.Fatalf("unexpected idempotency key %q", key)
		}
	})
}
