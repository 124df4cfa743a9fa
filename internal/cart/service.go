package cart

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fjod/shopcart/internal/cache"
	"github.com/fjod/shopcart/internal/domain"
	"github.com/fjod/shopcart/internal/repository"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

type Service struct {
	store  repository.Store
	cache  cache.CartCache
	logger *slog.Logger
	sfg    singleflight.Group // Prevents cache stampede
}

func NewService(store repository.Store, cartCache cache.CartCache, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		cache:  cartCache,
		logger: logger,
	}
}

// LineView is a cart line priced at the current catalog price.
type LineView struct {
	ProductID   int64           `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

type View struct {
	UserID string     `json:"user_id"`
	Items  []LineView `json:"items"`
	// Total is nil for an empty cart
	Total *decimal.Decimal `json:"total,omitempty"`
}

// loadTimeout bounds a shared cart load. The load is detached from the
// caller that started it so one cancelled request cannot fail the others
// waiting on the same flight.
const loadTimeout = 5 * time.Second

// GetCart returns the user's cart, or an empty one if the user never added
// anything.
func (s *Service) GetCart(ctx context.Context, userID string) (*domain.Cart, error) {
	ch := s.sfg.DoChan(userID, func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return s.loadCart(ctx, userID)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}

	// callers sharing a singleflight result must not alias its slice
	shared := res.Val.(*domain.Cart)
	cart := *shared
	cart.Items = append([]domain.LineItem(nil), shared.Items...)
	return &cart, nil
}

func (s *Service) loadCart(ctx context.Context, userID string) (*domain.Cart, error) {
	cart, err := s.cache.Get(ctx, userID)
	if err == nil {
		return cart, nil
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.WarnContext(ctx, "cache get failed", "user_id", userID, "error", err)
	}

	// read before storage: an invalidation after this point bumps it and
	// the fill below is refused
	gen, genErr := s.cache.Generation(ctx, userID)
	if genErr != nil {
		s.logger.WarnContext(ctx, "cache generation failed", "user_id", userID, "error", genErr)
	}

	cart, err = s.store.Queries().GetCart(ctx, userID)
	if errors.Is(err, domain.ErrCartNotFound) {
		now := time.Now().UTC()
		return &domain.Cart{UserID: userID, CreatedAt: now, UpdatedAt: now}, nil
	}
	if err != nil {
		return nil, err
	}

	if genErr != nil {
		return cart, nil
	}
	switch err := s.cache.Set(ctx, userID, gen, cart); {
	case errors.Is(err, cache.ErrStaleGeneration):
		s.logger.DebugContext(ctx, "cart changed during load, not cached", "user_id", userID)
	case err != nil:
		s.logger.WarnContext(ctx, "cache set failed", "user_id", userID, "error", err)
	}
	return cart, nil
}

// View prices every line at the current catalog price.
func (s *Service) View(ctx context.Context, userID string) (*View, error) {
	cart, err := s.GetCart(ctx, userID)
	if err != nil {
		return nil, err
	}

	view := &View{UserID: userID, Items: []LineView{}}
	if cart.IsEmpty() {
		return view, nil
	}

	products, err := s.store.Queries().GetProducts(ctx, cart.ProductIDs())
	if err != nil {
		return nil, err
	}

	for _, item := range cart.Items {
		p, ok := products[item.ProductID]
		if !ok {
			return nil, domain.ErrProductNotFound
		}
		view.Items = append(view.Items, LineView{
			ProductID:   p.ID,
			ProductName: p.Name,
			Quantity:    item.Quantity,
			UnitPrice:   p.Price,
			LineTotal:   LineTotal(item, p),
		})
	}

	total, err := Total(cart.Items, products)
	if err != nil {
		return nil, err
	}
	view.Total = &total
	return view, nil
}

// CartTotal returns domain.ErrEmptyCart when there is nothing to total.
func (s *Service) CartTotal(ctx context.Context, userID string) (decimal.Decimal, error) {
	cart, err := s.GetCart(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	if err := EnsureNonEmpty(cart.Items); err != nil {
		return decimal.Zero, err
	}

	products, err := s.store.Queries().GetProducts(ctx, cart.ProductIDs())
	if err != nil {
		return decimal.Zero, err
	}
	return Total(cart.Items, products)
}

func (s *Service) AddItem(ctx context.Context, userID string, productID int64, quantity int) error {
	if quantity < 1 {
		return domain.ErrInvalidQuantity
	}

	q := s.store.Queries()
	if _, err := q.GetProduct(ctx, productID); err != nil {
		return err
	}
	if err := q.AddItem(ctx, userID, productID, quantity); err != nil {
		s.logger.ErrorContext(ctx, "repo add item failed", "user_id", userID, "product_id", productID, "error", err)
		return err
	}

	s.InvalidateCache(ctx, userID)
	return nil
}

// UpdateQuantity sets a line's quantity. Zero is rejected rather than read as
// a removal; RemoveItem does that.
func (s *Service) UpdateQuantity(ctx context.Context, userID string, productID int64, quantity int) error {
	if quantity < 1 {
		return domain.ErrInvalidQuantity
	}

	if err := s.store.Queries().UpdateItemQuantity(ctx, userID, productID, quantity); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.ErrorContext(ctx, "repo update item quantity failed", "user_id", userID, "product_id", productID, "error", err)
		}
		return err
	}

	s.InvalidateCache(ctx, userID)
	return nil
}

func (s *Service) RemoveItem(ctx context.Context, userID string, productID int64) error {
	if err := s.store.Queries().RemoveItem(ctx, userID, productID); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.ErrorContext(ctx, "repo remove item failed", "user_id", userID, "product_id", productID, "error", err)
		}
		return err
	}

	s.InvalidateCache(ctx, userID)
	return nil
}

func (s *Service) ClearCart(ctx context.Context, userID string) error {
	if err := s.store.Queries().ClearCart(ctx, userID); err != nil {
		s.logger.ErrorContext(ctx, "repo clear cart failed", "user_id", userID, "error", err)
		return err
	}

	s.InvalidateCache(ctx, userID)
	return nil
}

// InvalidateCache drops the cached cart. Failures are logged only: the entry
// expires on its own.
func (s *Service) InvalidateCache(ctx context.Context, userID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := s.cache.Delete(ctx, userID); err != nil {
		s.logger.WarnContext(ctx, "cache invalidate failed", "user_id", userID, "error", err)
	}
}
