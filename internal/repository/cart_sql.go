package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fjod/shopcart/internal/domain"
)

func (q *sqlQueries) GetCart(ctx context.Context, userID string) (*domain.Cart, error) {
	query := `SELECT id, user_id, created_at, updated_at FROM carts WHERE user_id = $1`
	if q.lockCart {
		// a concurrent checkout of the same cart waits here, then sees it
		// cleared; AddItem's upsert on carts waits too, so no line lands
		// between this read and ClearCart
		query += ` FOR UPDATE`
	}

	var cart domain.Cart
	err := q.db.QueryRowContext(ctx, query, userID).Scan(&cart.ID, &cart.UserID, &cart.CreatedAt, &cart.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrCartNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query cart: %w", err)
	}

	rows, err := q.db.QueryContext(ctx,
		`SELECT product_id, quantity, added_at FROM cart_items WHERE cart_id = $1 ORDER BY added_at, product_id`,
		cart.ID)
	if err != nil {
		return nil, fmt.Errorf("query cart items: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item domain.LineItem
		if err := rows.Scan(&item.ProductID, &item.Quantity, &item.AddedAt); err != nil {
			return nil, fmt.Errorf("scan cart item: %w", err)
		}
		cart.Items = append(cart.Items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("row iteration error: %w", err)
	}

	return &cart, nil
}

func (q *sqlQueries) AddItem(ctx context.Context, userID string, productID int64, quantity int) error {
	if quantity < 1 {
		return domain.ErrInvalidQuantity
	}
	now := time.Now().UTC()

	// DO UPDATE instead of DO NOTHING so RETURNING yields the id of an
	// existing cart as well
	var cartID int64
	err := q.db.QueryRowContext(ctx,
		`INSERT INTO carts (user_id, created_at, updated_at) VALUES ($1, $2, $2)
		 ON CONFLICT (user_id) DO UPDATE SET updated_at = excluded.updated_at
		 RETURNING id`,
		userID, now).Scan(&cartID)
	if err != nil {
		return fmt.Errorf("upsert cart: %w", err)
	}

	_, err = q.db.ExecContext(ctx,
		`INSERT INTO cart_items (cart_id, product_id, quantity, added_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (cart_id, product_id) DO UPDATE SET quantity = cart_items.quantity + excluded.quantity`,
		cartID, productID, quantity, now)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.ErrProductNotFound
		}
		return fmt.Errorf("upsert cart item: %w", err)
	}
	return nil
}

func (q *sqlQueries) UpdateItemQuantity(ctx context.Context, userID string, productID int64, quantity int) error {
	if quantity < 1 {
		return domain.ErrInvalidQuantity
	}

	res, err := q.db.ExecContext(ctx,
		`UPDATE cart_items SET quantity = $1
		 WHERE product_id = $2 AND cart_id = (SELECT id FROM carts WHERE user_id = $3)`,
		quantity, productID, userID)
	if err != nil {
		return fmt.Errorf("update cart item: %w", err)
	}
	return requireOneRow(res, domain.ErrItemNotFound)
}

func (q *sqlQueries) RemoveItem(ctx context.Context, userID string, productID int64) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM cart_items
		 WHERE product_id = $1 AND cart_id = (SELECT id FROM carts WHERE user_id = $2)`,
		productID, userID)
	if err != nil {
		return fmt.Errorf("delete cart item: %w", err)
	}
	return requireOneRow(res, domain.ErrItemNotFound)
}

func (q *sqlQueries) ClearCart(ctx context.Context, userID string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM cart_items WHERE cart_id = (SELECT id FROM carts WHERE user_id = $1)`,
		userID)
	if err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

func requireOneRow(res sql.Result, notFound error) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return notFound
	}
	return nil
}
