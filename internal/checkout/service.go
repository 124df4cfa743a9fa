package checkout

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/fjod/shopcart/internal/cart"
	"github.com/fjod/shopcart/internal/domain"
	"github.com/fjod/shopcart/internal/metrics"
	"github.com/fjod/shopcart/internal/repository"
	"github.com/google/uuid"
)

type Config struct {
	// MaxAttempts counts the first try
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BaseBackoff: 20 * time.Millisecond,
		MaxBackoff:  500 * time.Millisecond,
	}
}

// CacheInvalidator drops a user's cached cart once checkout has emptied it.
type CacheInvalidator interface {
	InvalidateCache(ctx context.Context, userID string)
}

type Service struct {
	store   repository.Store
	carts   CacheInvalidator
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config
}

func NewService(store repository.Store, carts CacheInvalidator, m *metrics.Metrics, logger *slog.Logger, cfg Config) *Service {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Service{
		store:   store,
		carts:   carts,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
	}
}

// Checkout turns the user's cart into an order in a single transaction.
//
// Either the order exists, stock is reduced and the cart is empty, or none of
// that happened. Storage conflicts are retried up to MaxAttempts and then
// returned wrapping domain.ErrTransactionAborted; every other error is
// returned as is.
func (s *Service) Checkout(ctx context.Context, userID string) (*domain.Order, error) {
	start := time.Now()

	var (
		order *domain.Order
		err   error
	)
	for attempt := 1; ; attempt++ {
		order, err = s.checkoutOnce(ctx, userID)
		if err == nil || !errors.Is(err, domain.ErrTransactionAborted) || attempt >= s.cfg.MaxAttempts {
			break
		}

		delay := s.backoff(attempt)
		s.metrics.CheckoutRetries.Inc()
		s.logger.WarnContext(ctx, "checkout conflict, retrying",
			"user_id", userID, "attempt", attempt, "delay", delay, "error", err)

		if !sleep(ctx, delay) {
			break
		}
	}

	s.metrics.CheckoutDuration.Observe(time.Since(start).Seconds())
	s.metrics.CheckoutTotal.WithLabelValues(resultLabel(err)).Inc()

	if err != nil {
		s.logger.InfoContext(ctx, "checkout failed", "user_id", userID, "error", err)
		return nil, err
	}

	s.carts.InvalidateCache(ctx, userID)
	s.logger.InfoContext(ctx, "checkout completed",
		"user_id", userID, "order_id", order.ID, "total", order.Total.String(), "items", len(order.Items))
	return order, nil
}

func (s *Service) checkoutOnce(ctx context.Context, userID string) (*domain.Order, error) {
	var order *domain.Order

	err := s.store.WithTx(ctx, func(q repository.Queries) error {
		userCart, err := q.GetCart(ctx, userID)
		if err != nil {
			return err
		}
		if err := cart.EnsureNonEmpty(userCart.Items); err != nil {
			return err
		}

		products, err := q.GetProducts(ctx, userCart.ProductIDs())
		if err != nil {
			return err
		}

		// all items are checked before anything is written
		for _, item := range userCart.Items {
			p, ok := products[item.ProductID]
			if !ok {
				return fmt.Errorf("product %d: %w", item.ProductID, domain.ErrProductNotFound)
			}
			if p.Stock < item.Quantity {
				return &domain.InsufficientStockError{
					ProductID: item.ProductID,
					Requested: item.Quantity,
					Available: p.Stock,
				}
			}
		}

		// a fixed lock order keeps concurrent checkouts from deadlocking
		byProduct := slices.Clone(userCart.Items)
		slices.SortFunc(byProduct, func(a, b domain.LineItem) int {
			return cmp.Compare(a.ProductID, b.ProductID)
		})
		for _, item := range byProduct {
			if err := q.DecrementStock(ctx, item.ProductID, item.Quantity); err != nil {
				return err
			}
		}

		order, err = newOrder(userID, userCart.Items, products)
		if err != nil {
			return err
		}
		if err := q.CreateOrder(ctx, order); err != nil {
			return err
		}

		event, err := orderPlacedEvent(order)
		if err != nil {
			return err
		}
		if err := q.InsertEvent(ctx, event); err != nil {
			return err
		}

		return q.ClearCart(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// newOrder snapshots the line items at the prices in products.
func newOrder(userID string, items []domain.LineItem, products map[int64]domain.Product) (*domain.Order, error) {
	total, err := cart.Total(items, products)
	if err != nil {
		return nil, err
	}

	order := &domain.Order{
		ID:        uuid.New(),
		UserID:    userID,
		Items:     make([]domain.OrderItem, 0, len(items)),
		Total:     total,
		CreatedAt: time.Now().UTC(),
	}
	for _, item := range items {
		p := products[item.ProductID]
		order.Items = append(order.Items, domain.OrderItem{
			ProductID:   p.ID,
			ProductName: p.Name,
			Quantity:    item.Quantity,
			UnitPrice:   p.Price,
			Subtotal:    cart.LineTotal(item, p),
		})
	}
	return order, nil
}

func orderPlacedEvent(order *domain.Order) (*domain.OutboxEvent, error) {
	payload, err := json.Marshal(domain.OrderPlacedEvent{
		OrderID:   order.ID.String(),
		UserID:    order.UserID,
		Items:     order.Items,
		Total:     order.Total.String(),
		CreatedAt: order.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order event: %w", err)
	}

	return &domain.OutboxEvent{
		ID:          uuid.New(),
		AggregateID: order.ID.String(),
		EventType:   domain.EventTypeOrderPlaced,
		Payload:     payload,
		CreatedAt:   order.CreatedAt,
	}, nil
}

// backoff doubles from BaseBackoff up to MaxBackoff and returns a random
// duration in the upper half of that window.
func (s *Service) backoff(attempt int) time.Duration {
	d := s.cfg.BaseBackoff << (attempt - 1)
	if d <= 0 || d > s.cfg.MaxBackoff {
		d = s.cfg.MaxBackoff
	}
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int64N(int64(half)))
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return metrics.ResultSuccess
	case errors.Is(err, domain.ErrEmptyCart):
		return metrics.ResultEmptyCart
	case errors.Is(err, domain.ErrInsufficientStock):
		return metrics.ResultInsufficientStock
	case errors.Is(err, domain.ErrNotFound):
		return metrics.ResultNotFound
	case errors.Is(err, domain.ErrTransactionAborted):
		return metrics.ResultAborted
	default:
		return metrics.ResultError
	}
}
