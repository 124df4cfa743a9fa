package repository

import (
	"context"

	"github.com/fjod/shopcart/internal/domain"
	"github.com/google/uuid"
)

// CatalogRepository reads products and mutates their stock.
type CatalogRepository interface {
	// GetProduct returns domain.ErrProductNotFound for an unknown id
	GetProduct(ctx context.Context, id int64) (*domain.Product, error)

	// GetProducts returns the known products among ids keyed by id
	GetProducts(ctx context.Context, ids []int64) (map[int64]domain.Product, error)

	ListProducts(ctx context.Context) ([]domain.Product, error)

	// DecrementStock subtracts quantity only if enough stock is left.
	// Returns *domain.InsufficientStockError when it is not.
	DecrementStock(ctx context.Context, id int64, quantity int) error

	// SaveProduct inserts or replaces a product (seeding only)
	SaveProduct(ctx context.Context, p domain.Product) error
}

// CartRepository stores one cart per user
type CartRepository interface {
	// GetCart returns the cart with its line items or domain.ErrCartNotFound
	GetCart(ctx context.Context, userID string) (*domain.Cart, error)

	// AddItem creates the cart if needed and adds quantity to the line for
	// productID, creating the line on first add
	AddItem(ctx context.Context, userID string, productID int64, quantity int) error

	UpdateItemQuantity(ctx context.Context, userID string, productID int64, quantity int) error
	RemoveItem(ctx context.Context, userID string, productID int64) error

	// ClearCart deletes all line items; the cart itself is kept
	ClearCart(ctx context.Context, userID string) error
}

// OrderRepository is append-only
type OrderRepository interface {
	CreateOrder(ctx context.Context, order *domain.Order) error
	GetOrder(ctx context.Context, userID string, id uuid.UUID) (*domain.Order, error)
	ListOrders(ctx context.Context, userID string) ([]*domain.Order, error)
}

type OutboxRepository interface {
	InsertEvent(ctx context.Context, event *domain.OutboxEvent) error
	GetUnprocessedEvents(ctx context.Context, limit int) ([]*domain.OutboxEvent, error)
	MarkEventAsProcessed(ctx context.Context, id uuid.UUID) error
}

type Queries interface {
	CatalogRepository
	CartRepository
	OrderRepository
	OutboxRepository
}

// Store hands out Queries either in auto-commit mode or bound to a
// transaction. WithTx commits only when fn returns nil and rolls back on
// error, panic or context cancellation.
type Store interface {
	Queries() Queries
	WithTx(ctx context.Context, fn func(q Queries) error) error
	Close() error
}
