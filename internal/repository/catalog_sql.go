package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fjod/shopcart/internal/domain"
)

func (q *sqlQueries) GetProduct(ctx context.Context, id int64) (*domain.Product, error) {
	query := `SELECT id, name, price, stock FROM products WHERE id = $1`

	var p domain.Product
	err := q.db.QueryRowContext(ctx, query, id).Scan(&p.ID, &p.Name, &p.Price, &p.Stock)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrProductNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query product %d: %w", id, err)
	}
	return &p, nil
}

func (q *sqlQueries) GetProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error) {
	products := make(map[int64]domain.Product, len(ids))
	if len(ids) == 0 {
		return products, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT id, name, price, stock FROM products WHERE id IN (%s)`,
		strings.Join(placeholders, ", "))

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Stock); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products[p.ID] = p
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return products, nil
}

func (q *sqlQueries) ListProducts(ctx context.Context) ([]domain.Product, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT id, name, price, stock FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Stock); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}
	return products, nil
}

func (q *sqlQueries) DecrementStock(ctx context.Context, id int64, quantity int) error {
	if quantity < 1 {
		return domain.ErrInvalidQuantity
	}

	query := `UPDATE products SET stock = stock - $1, updated_at = $2 WHERE id = $3 AND stock >= $1`
	res, err := q.db.ExecContext(ctx, query, quantity, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("decrement stock for product %d: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// nothing updated: the product is either gone or short on stock
	var stock int
	err = q.db.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = $1`, id).Scan(&stock)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrProductNotFound
	}
	if err != nil {
		return fmt.Errorf("query stock for product %d: %w", id, err)
	}
	return &domain.InsufficientStockError{ProductID: id, Requested: quantity, Available: stock}
}

func (q *sqlQueries) SaveProduct(ctx context.Context, p domain.Product) error {
	// NUMERIC(12,2) would round anything finer without complaint
	if err := p.Validate(); err != nil {
		return err
	}
	query := `INSERT INTO products (id, name, price, stock, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $5)
	          ON CONFLICT (id) DO UPDATE
	          SET name = excluded.name, price = excluded.price, stock = excluded.stock, updated_at = excluded.updated_at`

	if _, err := q.db.ExecContext(ctx, query, p.ID, p.Name, p.Price, p.Stock, time.Now().UTC()); err != nil {
		return fmt.Errorf("save product %d: %w", p.ID, err)
	}
	return nil
}
