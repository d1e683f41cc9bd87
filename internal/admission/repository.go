package admission

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/vportella/storeflow/internal/domain"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Resolve(ctx context.Context, productIDs []int64) (map[int64]domain.Product, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, merchant_id, name, price, stock, status, version
		FROM products
		WHERE id = ANY($1)
	`, pq.Array(productIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	products := make(map[int64]domain.Product)
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.MerchantID, &p.Name, &p.Price, &p.Stock, &p.Status, &p.Version); err != nil {
			return nil, err
		}
		products[p.ID] = p
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return products, nil
}

// CreateOrder runs one merchant's admission transaction. Products are
// locked in the order they were requested; the unit price captured on each
// line and the order total come from the locked read, so concurrent catalog
// changes cannot skew a placed order.
func (r *Repository) CreateOrder(ctx context.Context, order *domain.Order, lines []domain.LineItem, stage func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	total := decimal.Zero
	for i := range lines {
		var price decimal.Decimal
		var stock int

		err := tx.QueryRowContext(ctx, `
			SELECT price, stock
			FROM products
			WHERE id = $1
			FOR UPDATE
		`, lines[i].ProductID).Scan(&price, &stock)
		if err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("%w: product %d", ErrProductUnavailable, lines[i].ProductID)
			}
			return err
		}

		if stock < lines[i].Quantity {
			return fmt.Errorf("%w: product %d has %d, requested %d", ErrInsufficientStock, lines[i].ProductID, stock, lines[i].Quantity)
		}

		_, err = tx.ExecContext(ctx, `
			UPDATE products
			SET stock = stock - $2, version = version + 1
			WHERE id = $1
		`, lines[i].ProductID, lines[i].Quantity)
		if err != nil {
			return err
		}

		lines[i].UnitPrice = price
		total = total.Add(price.Mul(decimal.NewFromInt(int64(lines[i].Quantity))))
	}

	order.Total = total

	err = tx.QueryRowContext(ctx, `
		INSERT INTO orders (code, user_id, merchant_id, total, status, create_time)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, order.Code, order.UserID, order.MerchantID, order.Total, order.Status, order.CreatedAt).Scan(&order.ID)
	if err != nil {
		return err
	}

	for i := range lines {
		lines[i].OrderID = order.ID
		err = tx.QueryRowContext(ctx, `
			INSERT INTO order_items (order_id, product_id, quantity, price)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, lines[i].OrderID, lines[i].ProductID, lines[i].Quantity, lines[i].UnitPrice).Scan(&lines[i].ID)
		if err != nil {
			return err
		}
	}
	order.Items = lines

	if err := stage(ctx, tx); err != nil {
		return err
	}

	return tx.Commit()
}

func (r *Repository) GetByCode(ctx context.Context, code string) (*domain.Order, error) {
	order := &domain.Order{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, code, user_id, merchant_id, total, status, create_time, pay_time, tracking_no
		FROM orders
		WHERE code = $1
	`, code).Scan(&order.ID, &order.Code, &order.UserID, &order.MerchantID, &order.Total, &order.Status, &order.CreatedAt, &order.PaidAt, &order.TrackingNo)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, quantity, price
		FROM order_items
		WHERE order_id = $1
		ORDER BY id
	`, order.ID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, err
		}
		order.Items = append(order.Items, item)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return order, nil
}

func (r *Repository) ListByUser(ctx context.Context, userID int64) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, code, user_id, merchant_id, total, status, create_time, pay_time, tracking_no
		FROM orders
		WHERE user_id = $1
		ORDER BY create_time DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	orderMap := make(map[int64]*domain.Order)
	var orderIDs []int64

	for rows.Next() {
		var order domain.Order
		if err := rows.Scan(&order.ID, &order.Code, &order.UserID, &order.MerchantID, &order.Total, &order.Status, &order.CreatedAt, &order.PaidAt, &order.TrackingNo); err != nil {
			return nil, err
		}
		order.Items = []domain.LineItem{}
		orderMap[order.ID] = &order
		orderIDs = append(orderIDs, order.ID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(orderIDs) == 0 {
		return []domain.Order{}, nil
	}

	itemRows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, product_id, quantity, price
		FROM order_items
		WHERE order_id = ANY($1)
		ORDER BY id
	`, pq.Array(orderIDs))
	if err != nil {
		return nil, err
	}
	defer func() { _ = itemRows.Close() }()

	for itemRows.Next() {
		var item domain.LineItem
		if err := itemRows.Scan(&item.ID, &item.OrderID, &item.ProductID, &item.Quantity, &item.UnitPrice); err != nil {
			return nil, err
		}
		order := orderMap[item.OrderID]
		order.Items = append(order.Items, item)
	}

	if err := itemRows.Err(); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, 0, len(orderIDs))
	for _, id := range orderIDs {
		orders = append(orders, *orderMap[id])
	}

	return orders, nil
}

// MarkPaid transitions a PENDING order to PAID and stages the payment event
// through the same transaction.
func (r *Repository) MarkPaid(ctx context.Context, code string, paidAt time.Time, stage func(ctx context.Context, tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, pay_time = $2
		WHERE code = $3 AND status = $4
	`, domain.OrderStatusPaid, paidAt, code, domain.OrderStatusPending)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, code)
	}

	if err := stage(ctx, tx); err != nil {
		return err
	}

	return tx.Commit()
}
