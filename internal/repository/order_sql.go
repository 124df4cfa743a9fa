package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fjod/shopcart/internal/domain"
	"github.com/google/uuid"
)

var ErrDuplicateOrder = errors.New("order with this id already exists")

func (q *sqlQueries) CreateOrder(ctx context.Context, order *domain.Order) error {
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO orders (id, user_id, total, created_at) VALUES ($1, $2, $3, $4)`,
		order.ID, order.UserID, order.Total, order.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateOrder
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for i, item := range order.Items {
		_, err := q.db.ExecContext(ctx,
			`INSERT INTO order_items (order_id, line_no, product_id, product_name, quantity, unit_price, subtotal)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			order.ID, i+1, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice, item.Subtotal)
		if err != nil {
			return fmt.Errorf("insert order item %d: %w", item.ProductID, err)
		}
	}
	return nil
}

func (q *sqlQueries) GetOrder(ctx context.Context, userID string, id uuid.UUID) (*domain.Order, error) {
	query := `SELECT id, user_id, total, created_at FROM orders WHERE id = $1 AND user_id = $2`

	var order domain.Order
	err := q.db.QueryRowContext(ctx, query, id, userID).Scan(&order.ID, &order.UserID, &order.Total, &order.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query order by id: %w", err)
	}

	if order.Items, err = q.orderItems(ctx, order.ID); err != nil {
		return nil, err
	}
	return &order, nil
}

func (q *sqlQueries) ListOrders(ctx context.Context, userID string) ([]*domain.Order, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT id, user_id, total, created_at FROM orders WHERE user_id = $1 ORDER BY created_at DESC`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("query orders by user id: %w", err)
	}

	var orders []*domain.Order
	for rows.Next() {
		var order domain.Order
		if err := rows.Scan(&order.ID, &order.UserID, &order.Total, &order.CreatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, &order)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	// items are loaded after the order cursor is closed; a *sql.Tx can only
	// run one query at a time
	for _, order := range orders {
		if order.Items, err = q.orderItems(ctx, order.ID); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

func (q *sqlQueries) orderItems(ctx context.Context, orderID uuid.UUID) ([]domain.OrderItem, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT product_id, product_name, quantity, unit_price, subtotal
		 FROM order_items WHERE order_id = $1 ORDER BY line_no`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("query order items: %w", err)
	}
	defer rows.Close()

	var items []domain.OrderItem
	for rows.Next() {
		var item domain.OrderItem
		if err := rows.Scan(&item.ProductID, &item.ProductName, &item.Quantity, &item.UnitPrice, &item.Subtotal); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return items, nil
}
