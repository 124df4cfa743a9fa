package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fjod/shopcart/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStoreSuite checks the behaviour every Store implementation shares.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"GetProduct_NotFound", testGetProductNotFound},
		{"GetProducts_SkipsUnknown", testGetProductsSkipsUnknown},
		{"ListProducts_OrderedByID", testListProductsOrdered},
		{"SaveProduct_RejectsSubCentPrice", testSaveProductPriceScale},
		{"DecrementStock", testDecrementStock},
		{"AddItem_CreatesCartLazily", testAddItemCreatesCart},
		{"AddItem_TwiceMergesIntoOneLine", testAddItemTwice},
		{"AddItem_ConcurrentSameProduct", testAddItemConcurrent},
		{"AddItem_UnknownProduct", testAddItemUnknownProduct},
		{"AddItem_InvalidQuantity", testAddItemInvalidQuantity},
		{"UpdateItemQuantity", testUpdateItemQuantity},
		{"RemoveItem", testRemoveItem},
		{"ClearCart", testClearCart},
		{"Orders", testOrders},
		{"Outbox", testOutbox},
		{"WithTx_RollsBackOnError", testWithTxRollback},
		{"WithTx_RollsBackOnPanic", testWithTxPanic},
		{"WithTx_Commits", testWithTxCommit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

func seedProducts(t *testing.T, s Store, products ...domain.Product) {
	t.Helper()
	for _, p := range products {
		require.NoError(t, s.Queries().SaveProduct(context.Background(), p))
	}
}

func testProduct(id int64, price string, stock int) domain.Product {
	return domain.Product{
		ID:    id,
		Name:  fmt.Sprintf("product-%d", id),
		Price: decimal.RequireFromString(price),
		Stock: stock,
	}
}

func testGetProductNotFound(t *testing.T, s Store) {
	_, err := s.Queries().GetProduct(context.Background(), 404)
	assert.ErrorIs(t, err, domain.ErrProductNotFound)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func testGetProductsSkipsUnknown(t *testing.T, s Store) {
	seedProducts(t, s, testProduct(1, "9.99", 3), testProduct(2, "0.50", 0))

	products, err := s.Queries().GetProducts(context.Background(), []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Len(t, products, 2)
	assert.True(t, decimal.RequireFromString("9.99").Equal(products[1].Price))
	assert.Equal(t, 0, products[2].Stock)

	empty, err := s.Queries().GetProducts(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testSaveProductPriceScale(t *testing.T, s Store) {
	ctx := context.Background()
	q := s.Queries()

	assert.ErrorIs(t, q.SaveProduct(ctx, testProduct(1, "9.999", 1)), domain.ErrInvalidPrice)
	_, err := q.GetProduct(ctx, 1)
	assert.ErrorIs(t, err, domain.ErrProductNotFound)

	require.NoError(t, q.SaveProduct(ctx, testProduct(1, "9.990", 1)))
	p, err := q.GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("9.99").Equal(p.Price))
}

func testListProductsOrdered(t *testing.T, s Store) {
	seedProducts(t, s, testProduct(3, "1", 1), testProduct(1, "1", 1), testProduct(2, "1", 1))

	products, err := s.Queries().ListProducts(context.Background())
	require.NoError(t, err)
	require.Len(t, products, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{products[0].ID, products[1].ID, products[2].ID})
}

func testDecrementStock(t *testing.T, s Store) {
	ctx := context.Background()
	q := s.Queries()
	seedProducts(t, s, testProduct(1, "10", 5))

	require.NoError(t, q.DecrementStock(ctx, 1, 3))
	p, err := q.GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Stock)

	err = q.DecrementStock(ctx, 1, 3)
	var stockErr *domain.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, int64(1), stockErr.ProductID)
	assert.Equal(t, 2, stockErr.Available)

	p, err = q.GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Stock, "failed decrement leaves stock alone")

	require.NoError(t, q.DecrementStock(ctx, 1, 2), "exact remaining stock can be taken")
	assert.ErrorIs(t, q.DecrementStock(ctx, 99, 1), domain.ErrProductNotFound)
	assert.ErrorIs(t, q.DecrementStock(ctx, 1, 0), domain.ErrInvalidQuantity)
}

func testAddItemCreatesCart(t *testing.T, s Store) {
	ctx := context.Background()
	q := s.Queries()
	seedProducts(t, s, testProduct(1, "10", 5))

	_, err := q.GetCart(ctx, "user-1")
	require.ErrorIs(t, err, domain.ErrCartNotFound)

	require.NoError(t, q.AddItem(ctx, "user-1", 1, 2))

	cart, err := q.GetCart(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", cart.UserID)
	assert.NotZero(t, cart.ID)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, 2, cart.Items[0].Quantity)
}

func testAddItemTwice(t *testing.T, s Store) {
	ctx := context.Background()
	q := s.Queries()
	seedProducts(t, s, testProduct(1, "10", 5))

	require.NoError(t, q.AddItem(ctx, "user-1", 1, 3))
	require.NoError(t, q.AddItem(ctx, "user-1", 1, 3))

	cart, err := q.GetCart(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, cart.Items, 1, "one row per (cart, product)")
	assert.Equal(t, 6, cart.Items[0].Quantity)
}

func testAddItemConcurrent(t *testing.T, s Store) {
	ctx := context.Background()
	seedProducts(t, s, testProduct(1, "10", 5))

	const workers = 8
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.Queries().AddItem(ctx, "user-1", 1, 1)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	cart, err := s.Queries().GetCart(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, workers, cart.Items[0].Quantity)
}

func testAddItemUnknownProduct(t *testing.T, s Store) {
	err := s.Queries().AddItem(context.Background(), "user-1", 42, 1)
	assert.ErrorIs(t, err, domain.ErrProductNotFound)
}

func testAddItemInvalidQuantity(t *testing.T, s Store) {
	seedProducts(t, s, testProduct(1, "10", 5))
	assert.ErrorIs(t, s.Queries().AddItem(context.Background(), "user-1", 1, 0), domain.ErrInvalidQuantity)
}

func testUpdateItemQuantity(t *testing.T, s Store) {
	ctx := context.Background()
	q := s.Queries()
	seedProducts(t, s, testProduct(1, "10", 5), testProduct(2, "10", 5))

	assert.ErrorIs(t, q.UpdateItemQuantity(ctx, "user-1", 1, 2), domain.ErrItemNotFound)

	require.NoError(t, q.AddItem(ctx, "user-1", 1, 1))
	require.NoError(t, q.UpdateItemQuantity(ctx, "user-1", 1, 7))
	assert.ErrorIs(t, q.UpdateItemQuantity(ctx, "user-1", 1, 0), domain.ErrInvalidQuantity)
	assert.ErrorIs(t, q.UpdateItemQuantity(ctx, "user-1", 2, 1), domain.ErrItemNotFound)

	cart, err := q.GetCart(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, 7, cart.Items[0].Quantity)
}

func testRemoveItem(t *testing.T, s Store) {
	ctx := context.Background()
	q := s.Queries()
	seedProducts(t, s, testProduct(1, "10", 5), testProduct(2, "10", 5))
	require.NoError(t, q.AddItem(ctx, "user-1", 1, 1))
	require.NoError(t, q.AddItem(ctx, "user-1", 2, 1))

	require.NoError(t, q.RemoveItem(ctx, "user-1", 1))
	assert.ErrorIs(t, q.RemoveItem(ctx, "user-1", 1), domain.ErrItemNotFound)
	assert.ErrorIs(t, q.RemoveItem(ctx, "user-2", 2), domain.ErrItemNotFound, "scoped to the owner")

	cart, err := q.GetCart(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)
	assert.Equal(t, int64(2), cart.Items[0].ProductID)
}

func testClearCart(t *testing.T, s Store) {
	ctx := context.Background()
	q := s.Queries()
	seedProducts(t, s, testProduct(1, "10", 5), testProduct(2, "10", 5))
	require.NoError(t, q.AddItem(ctx, "user-1", 1, 1))
	require.NoError(t, q.AddItem(ctx, "user-1", 2, 1))
	require.NoError(t, q.AddItem(ctx, "user-2", 1, 1))

	before, err := q.GetCart(ctx, "user-1")
	require.NoError(t, err)

	require.NoError(t, q.ClearCart(ctx, "user-1"))
	require.NoError(t, q.ClearCart(ctx, "no-cart-user"))

	after, err := q.GetCart(ctx, "user-1")
	require.NoError(t, err)
	assert.Empty(t, after.Items)
	assert.Equal(t, before.ID, after.ID, "cart entity is reused")

	other, err := q.GetCart(ctx, "user-2")
	require.NoError(t, err)
	assert.Len(t, other.Items, 1)
}

func testOrders(t *testing.T, s Store) {
	ctx := context.Background()
	q := s.Queries()

	older := &domain.Order{
		ID:     uuid.New(),
		UserID: "user-1",
		Items: []domain.OrderItem{
			{ProductID: 1, ProductName: "A", Quantity: 2, UnitPrice: decimal.RequireFromString("100.25"), Subtotal: decimal.RequireFromString("200.50")},
			{ProductID: 2, ProductName: "B", Quantity: 1, UnitPrice: decimal.RequireFromString("49.50"), Subtotal: decimal.RequireFromString("49.50")},
		},
		Total:     decimal.RequireFromString("250.00"),
		CreatedAt: time.Now().UTC().Add(-time.Hour),
	}
	newer := &domain.Order{
		ID:        uuid.New(),
		UserID:    "user-1",
		Items:     []domain.OrderItem{{ProductID: 1, ProductName: "A", Quantity: 1, UnitPrice: decimal.NewFromInt(1), Subtotal: decimal.NewFromInt(1)}},
		Total:     decimal.NewFromInt(1),
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, q.CreateOrder(ctx, older))
	require.NoError(t, q.CreateOrder(ctx, newer))
	assert.ErrorIs(t, q.CreateOrder(ctx, older), ErrDuplicateOrder)

	got, err := q.GetOrder(ctx, "user-1", older.ID)
	require.NoError(t, err)
	assert.Equal(t, older.ID, got.ID)
	assert.True(t, older.Total.Equal(got.Total))
	require.Len(t, got.Items, 2)
	assert.Equal(t, "A", got.Items[0].ProductName)
	assert.True(t, decimal.RequireFromString("200.50").Equal(got.Items[0].Subtotal))

	_, err = q.GetOrder(ctx, "user-2", older.ID)
	assert.ErrorIs(t, err, domain.ErrOrderNotFound, "orders are scoped to their owner")

	orders, err := q.ListOrders(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, newer.ID, orders[0].ID)
	assert.Len(t, orders[1].Items, 2)

	none, err := q.ListOrders(ctx, "user-2")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testOutbox(t *testing.T, s Store) {
	ctx := context.Background()
	q := s.Queries()

	first := &domain.OutboxEvent{ID: uuid.New(), AggregateID: "order-1", EventType: domain.EventTypeOrderPlaced,
		Payload: []byte(`{"order_id":"order-1"}`), CreatedAt: time.Now().UTC().Add(-time.Second)}
	second := &domain.OutboxEvent{ID: uuid.New(), AggregateID: "order-2", EventType: domain.EventTypeOrderPlaced,
		Payload: []byte(`{"order_id":"order-2"}`), CreatedAt: time.Now().UTC()}
	require.NoError(t, q.InsertEvent(ctx, first))
	require.NoError(t, q.InsertEvent(ctx, second))

	events, err := q.GetUnprocessedEvents(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, first.ID, events[0].ID)
	assert.JSONEq(t, `{"order_id":"order-1"}`, string(events[0].Payload))

	require.NoError(t, q.MarkEventAsProcessed(ctx, first.ID))

	events, err = q.GetUnprocessedEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, second.ID, events[0].ID)
}

func testWithTxRollback(t *testing.T, s Store) {
	ctx := context.Background()
	seedProducts(t, s, testProduct(1, "10", 5))
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(q Queries) error {
		if err := q.DecrementStock(ctx, 1, 5); err != nil {
			return err
		}
		if err := q.AddItem(ctx, "user-1", 1, 1); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)

	p, err := s.Queries().GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Stock)
	_, err = s.Queries().GetCart(ctx, "user-1")
	assert.ErrorIs(t, err, domain.ErrCartNotFound)
}

func testWithTxPanic(t *testing.T, s Store) {
	ctx := context.Background()
	seedProducts(t, s, testProduct(1, "10", 5))

	assert.PanicsWithValue(t, "boom", func() {
		_ = s.WithTx(ctx, func(q Queries) error {
			if err := q.DecrementStock(ctx, 1, 5); err != nil {
				return err
			}
			panic("boom")
		})
	})

	p, err := s.Queries().GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Stock)
}

func testWithTxCommit(t *testing.T, s Store) {
	ctx := context.Background()
	seedProducts(t, s, testProduct(1, "10", 5))

	require.NoError(t, s.WithTx(ctx, func(q Queries) error {
		if err := q.DecrementStock(ctx, 1, 2); err != nil {
			return err
		}
		return q.AddItem(ctx, "user-1", 1, 1)
	}))

	p, err := s.Queries().GetProduct(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, p.Stock)
	cart, err := s.Queries().GetCart(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, cart.Items, 1)
}
