package repository

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/fjod/shopcart/internal/domain"
	"github.com/google/uuid"
)

// MemoryStore implements Store with in-memory storage.
//
// A transaction runs against a deep copy of the state while holding the write
// lock; the copy replaces the live state only when fn succeeds. Transactions
// are therefore serialized and all-or-nothing.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	products   map[int64]domain.Product
	carts      map[string]*domain.Cart // userID -> cart
	orders     []*domain.Order         // insertion order
	outbox     []*domain.OutboxEvent
	nextCartID int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			products: make(map[int64]domain.Product),
			carts:    make(map[string]*domain.Cart),
		},
	}
}

func (s *MemoryStore) Queries() Queries {
	return &memQueries{store: s}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(q Queries) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.state.clone()
	if err := fn(&memQueries{store: s, tx: snapshot}); err != nil {
		return err
	}

	// a cancelled caller never sees a commit
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = snapshot
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func (st *memState) clone() *memState {
	c := &memState{
		products:   make(map[int64]domain.Product, len(st.products)),
		carts:      make(map[string]*domain.Cart, len(st.carts)),
		orders:     slices.Clone(st.orders),
		outbox:     make([]*domain.OutboxEvent, len(st.outbox)),
		nextCartID: st.nextCartID,
	}
	for id, p := range st.products {
		c.products[id] = p
	}
	for userID, cart := range st.carts {
		cc := *cart
		cc.Items = slices.Clone(cart.Items)
		c.carts[userID] = &cc
	}
	// outbox events are mutated by MarkEventAsProcessed, orders never are
	for i, e := range st.outbox {
		ec := *e
		c.outbox[i] = &ec
	}
	return c
}

// memQueries works on the live state under the store lock, or on a
// transaction snapshot when tx is set (the lock is then already held).
type memQueries struct {
	store *MemoryStore
	tx    *memState
}

func (q *memQueries) read(fn func(st *memState) error) error {
	if q.tx != nil {
		return fn(q.tx)
	}
	q.store.mu.RLock()
	defer q.store.mu.RUnlock()
	return fn(q.store.state)
}

func (q *memQueries) write(fn func(st *memState) error) error {
	if q.tx != nil {
		return fn(q.tx)
	}
	q.store.mu.Lock()
	defer q.store.mu.Unlock()
	return fn(q.store.state)
}

func (q *memQueries) GetProduct(_ context.Context, id int64) (*domain.Product, error) {
	var product *domain.Product
	err := q.read(func(st *memState) error {
		p, ok := st.products[id]
		if !ok {
			return domain.ErrProductNotFound
		}
		product = &p
		return nil
	})
	return product, err
}

func (q *memQueries) GetProducts(_ context.Context, ids []int64) (map[int64]domain.Product, error) {
	products := make(map[int64]domain.Product, len(ids))
	err := q.read(func(st *memState) error {
		for _, id := range ids {
			if p, ok := st.products[id]; ok {
				products[id] = p
			}
		}
		return nil
	})
	return products, err
}

func (q *memQueries) ListProducts(_ context.Context) ([]domain.Product, error) {
	var products []domain.Product
	err := q.read(func(st *memState) error {
		for _, p := range st.products {
			products = append(products, p)
		}
		return nil
	})
	sort.Slice(products, func(i, j int) bool { return products[i].ID < products[j].ID })
	return products, err
}

func (q *memQueries) DecrementStock(_ context.Context, id int64, quantity int) error {
	if quantity < 1 {
		return domain.ErrInvalidQuantity
	}
	return q.write(func(st *memState) error {
		p, ok := st.products[id]
		if !ok {
			return domain.ErrProductNotFound
		}
		if p.Stock < quantity {
			return &domain.InsufficientStockError{ProductID: id, Requested: quantity, Available: p.Stock}
		}
		p.Stock -= quantity
		st.products[id] = p
		return nil
	})
}

func (q *memQueries) SaveProduct(_ context.Context, p domain.Product) error {
	if err := p.Validate(); err != nil {
		return err
	}
	return q.write(func(st *memState) error {
		st.products[p.ID] = p
		return nil
	})
}

func (q *memQueries) GetCart(_ context.Context, userID string) (*domain.Cart, error) {
	var cart *domain.Cart
	err := q.read(func(st *memState) error {
		c, ok := st.carts[userID]
		if !ok {
			return domain.ErrCartNotFound
		}
		cc := *c
		cc.Items = slices.Clone(c.Items)
		cart = &cc
		return nil
	})
	return cart, err
}

func (q *memQueries) AddItem(_ context.Context, userID string, productID int64, quantity int) error {
	if quantity < 1 {
		return domain.ErrInvalidQuantity
	}
	return q.write(func(st *memState) error {
		if _, ok := st.products[productID]; !ok {
			return domain.ErrProductNotFound
		}

		now := time.Now().UTC()
		cart, ok := st.carts[userID]
		if !ok {
			st.nextCartID++
			cart = &domain.Cart{ID: st.nextCartID, UserID: userID, CreatedAt: now}
			st.carts[userID] = cart
		}
		cart.UpdatedAt = now

		for i := range cart.Items {
			if cart.Items[i].ProductID == productID {
				cart.Items[i].Quantity += quantity
				return nil
			}
		}
		cart.Items = append(cart.Items, domain.LineItem{ProductID: productID, Quantity: quantity, AddedAt: now})
		return nil
	})
}

func (q *memQueries) UpdateItemQuantity(_ context.Context, userID string, productID int64, quantity int) error {
	if quantity < 1 {
		return domain.ErrInvalidQuantity
	}
	return q.write(func(st *memState) error {
		cart, ok := st.carts[userID]
		if !ok {
			return domain.ErrItemNotFound
		}
		for i := range cart.Items {
			if cart.Items[i].ProductID == productID {
				cart.Items[i].Quantity = quantity
				return nil
			}
		}
		return domain.ErrItemNotFound
	})
}

func (q *memQueries) RemoveItem(_ context.Context, userID string, productID int64) error {
	return q.write(func(st *memState) error {
		cart, ok := st.carts[userID]
		if !ok {
			return domain.ErrItemNotFound
		}
		for i := range cart.Items {
			if cart.Items[i].ProductID == productID {
				cart.Items = slices.Delete(cart.Items, i, i+1)
				return nil
			}
		}
		return domain.ErrItemNotFound
	})
}

func (q *memQueries) ClearCart(_ context.Context, userID string) error {
	return q.write(func(st *memState) error {
		if cart, ok := st.carts[userID]; ok {
			cart.Items = nil
		}
		return nil
	})
}

func (q *memQueries) CreateOrder(_ context.Context, order *domain.Order) error {
	return q.write(func(st *memState) error {
		for _, o := range st.orders {
			if o.ID == order.ID {
				return ErrDuplicateOrder
			}
		}
		oc := *order
		oc.Items = slices.Clone(order.Items)
		st.orders = append(st.orders, &oc)
		return nil
	})
}

func (q *memQueries) GetOrder(_ context.Context, userID string, id uuid.UUID) (*domain.Order, error) {
	var order *domain.Order
	err := q.read(func(st *memState) error {
		for _, o := range st.orders {
			if o.ID == id && o.UserID == userID {
				oc := *o
				oc.Items = slices.Clone(o.Items)
				order = &oc
				return nil
			}
		}
		return domain.ErrOrderNotFound
	})
	return order, err
}

func (q *memQueries) ListOrders(_ context.Context, userID string) ([]*domain.Order, error) {
	var orders []*domain.Order
	err := q.read(func(st *memState) error {
		// newest first
		for i := len(st.orders) - 1; i >= 0; i-- {
			o := st.orders[i]
			if o.UserID != userID {
				continue
			}
			oc := *o
			oc.Items = slices.Clone(o.Items)
			orders = append(orders, &oc)
		}
		return nil
	})
	return orders, err
}

func (q *memQueries) InsertEvent(_ context.Context, event *domain.OutboxEvent) error {
	return q.write(func(st *memState) error {
		ec := *event
		ec.Payload = slices.Clone(event.Payload)
		st.outbox = append(st.outbox, &ec)
		return nil
	})
}

func (q *memQueries) GetUnprocessedEvents(_ context.Context, limit int) ([]*domain.OutboxEvent, error) {
	var events []*domain.OutboxEvent
	err := q.read(func(st *memState) error {
		for _, e := range st.outbox {
			if len(events) >= limit {
				break
			}
			if e.ProcessedAt == nil {
				ec := *e
				events = append(events, &ec)
			}
		}
		return nil
	})
	return events, err
}

func (q *memQueries) MarkEventAsProcessed(_ context.Context, id uuid.UUID) error {
	return q.write(func(st *memState) error {
		for _, e := range st.outbox {
			if e.ID == id {
				now := time.Now().UTC()
				e.ProcessedAt = &now
				return nil
			}
		}
		return nil
	})
}
