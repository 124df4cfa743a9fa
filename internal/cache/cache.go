package cache

import (
	"context"
	"errors"

	"github.com/fjod/shopcart/internal/domain"
)

// CartCache is a read-through cache of carts. Every Delete bumps a per-user
// generation; Set only writes when the generation it is given is still
// current, so a cart read before an invalidation is never cached after it.
type CartCache interface {
	Get(ctx context.Context, userID string) (*domain.Cart, error)
	// Generation must be read before the cart is loaded from storage.
	Generation(ctx context.Context, userID string) (int64, error)
	Set(ctx context.Context, userID string, gen int64, cart *domain.Cart) error
	Delete(ctx context.Context, userID string) error
}

var (
	ErrCacheMiss = errors.New("cache miss")
	// ErrStaleGeneration is returned by Set when a Delete ran after the
	// generation was read. The cart was not stored.
	ErrStaleGeneration = errors.New("cart invalidated since read")
)

// NoopCache always misses. Used when no Redis address is configured.
type NoopCache struct{}

func (NoopCache) Get(context.Context, string) (*domain.Cart, error) {
	return nil, ErrCacheMiss
}

func (NoopCache) Generation(context.Context, string) (int64, error) {
	return 0, nil
}

func (NoopCache) Set(context.Context, string, int64, *domain.Cart) error {
	return nil
}

func (NoopCache) Delete(context.Context, string) error {
	return nil
}
