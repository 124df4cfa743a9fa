package repository

import (
	"context"
	"sync"
	"testing"

	"github.com/fjod/shopcart/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestMemoryStore_WithTxHonoursCancelledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.WithTx(ctx, func(q Queries) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStore_ReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedProducts(t, store, testProduct(1, "10", 5))
	require.NoError(t, store.Queries().AddItem(ctx, "user-1", 1, 1))

	cart, err := store.Queries().GetCart(ctx, "user-1")
	require.NoError(t, err)
	cart.Items[0].Quantity = 100

	again, err := store.Queries().GetCart(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, again.Items[0].Quantity)
}

func TestMemoryStore_ConcurrentDecrements(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedProducts(t, store, testProduct(1, "10", 100))

	var wg sync.WaitGroup
	var mu sync.Mutex
	successCount := 0

	// 10 transactions of 20 each against 100 in stock: only 5 fit
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithTx(ctx, func(q Queries) error {
				return q.DecrementStock(ctx, 1, 20)
			})
			if err == nil {
				mu.Lock()
				successCount++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, domain.ErrInsufficientStock)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, successCount)
	p, err := store.Queries().GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, p.Stock)
}
