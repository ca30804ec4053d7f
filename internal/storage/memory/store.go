// Package memory is a mutex-guarded store with the same behaviour as the
// Postgres repository. It backs local development (STORE_DRIVER=memory) and
// the end-to-end tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/account"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/cart"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/catalog"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/order"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/outbox"
)

type Store struct {
	mu       sync.Mutex
	users    map[string]account.User
	carts    map[string]cart.Cart
	products map[string]catalog.Product
	orders   map[string]order.Order
	byRef    map[string]string
	outbox   []outbox.Message
	now      func() time.Time
}

func New() *Store {
	return &Store{
		users:    make(map[string]account.User),
		carts:    make(map[string]cart.Cart),
		products: make(map[string]catalog.Product),
		orders:   make(map[string]order.Order),
		byRef:    make(map[string]string),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) PutUser(u account.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Store) PutCart(c cart.Cart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.Items = slices.Clone(c.Items)
	s.carts[c.UserID] = c
}

func (s *Store) PutProduct(p catalog.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.Variants = slices.Clone(p.Variants)
	s.products[p.ID] = p
}

func (s *Store) GetUser(_ context.Context, id string) (*account.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, account.ErrUserNotFound)
	}
	return &u, nil
}

// GetCart returns an empty cart for users that never stored one.
func (s *Store) GetCart(_ context.Context, userID string) (*cart.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.carts[userID]
	if !ok {
		return &cart.Cart{UserID: userID}, nil
	}
	c.Items = slices.Clone(c.Items)
	return &c, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*catalog.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", id, catalog.ErrProductNotFound)
	}
	p.Variants = slices.Clone(p.Variants)
	return &p, nil
}

// Stock returns the current stock of a variant, for assertions.
func (s *Store) Stock(productName, variant string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.products {
		if p.Name != productName {
			continue
		}
		for _, v := range p.Variants {
			if v.Tag == variant {
				return v.Stock, true
			}
		}
	}
	return 0, false
}

func (s *Store) CreateOrder(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byRef[o.ExternalReferenceID]; dup {
		return fmt.Errorf("reference %s: %w", o.ExternalReferenceID, order.ErrDuplicateReference)
	}
	now := s.now()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	if o.PaymentStatus == "" {
		o.PaymentStatus = order.StatusPending
	}
	stored := *o
	stored.Items = slices.Clone(o.Items)
	s.orders[o.ID] = stored
	s.byRef[o.ExternalReferenceID] = o.ID
	return nil
}

func (s *Store) GetOrder(_ context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, order.ErrOrderNotFound)
	}
	return cloneOrder(o), nil
}

// ListOrders returns every order, newest first.
func (s *Store) ListOrders(_ context.Context) ([]order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]order.Order, 0, len(s.orders))
	for _, o := range s.orders {
		out = append(out, *cloneOrder(o))
	}
	slices.SortFunc(out, func(a, b order.Order) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (s *Store) FindOrderByReference(_ context.Context, reference string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRef[reference]
	if !ok {
		return nil, fmt.Errorf("reference %s: %w", reference, order.ErrOrderNotFound)
	}
	return cloneOrder(s.orders[id]), nil
}

// ApplyPayment writes the update under the store lock, so the returned
// previous status is exactly what this write replaced. An approved order is
// left as it is.
func (s *Store) ApplyPayment(_ context.Context, orderID string, u order.PaymentUpdate) (order.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return order.Transition{}, fmt.Errorf("order %s: %w", orderID, order.ErrOrderNotFound)
	}
	previous := o.PaymentStatus
	if previous == order.StatusApproved {
		return order.Transition{
			Order:          *cloneOrder(o),
			PreviousStatus: previous,
			Retained:       u.PaymentID != o.ExternalPaymentID || u.Status != order.StatusApproved,
		}, nil
	}
	o.ExternalPaymentID = u.PaymentID
	o.PaymentStatus = u.Status
	o.StatusDetail = u.StatusDetail
	o.ApprovedAt = u.ApprovedAt
	o.UpdatedAt = s.now()

	tr := order.Transition{Order: *cloneOrder(o), PreviousStatus: previous}
	if tr.Changed() {
		msg, err := outbox.ForTransition(tr)
		if err != nil {
			return order.Transition{}, err
		}
		s.outbox = append(s.outbox, msg)
	}
	s.orders[orderID] = o
	return tr, nil
}

// RunApprovalEffects sets the order's effects marker and runs fn while
// holding the store lock. When fn fails, carts, stock and the marker are
// restored to their state before the call. It returns false without calling
// fn when the order is not approved or its effects were already applied.
func (s *Store) RunApprovalEffects(_ context.Context, orderID string, fn func(order.Effects) error) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return false, fmt.Errorf("order %s: %w", orderID, order.ErrOrderNotFound)
	}
	if !o.EffectsPending() {
		return false, nil
	}

	carts := maps.Clone(s.carts)
	products := make(map[string]catalog.Product, len(s.products))
	for id, p := range s.products {
		p.Variants = slices.Clone(p.Variants)
		products[id] = p
	}

	if err := fn(lockedEffects{s}); err != nil {
		s.carts = carts
		s.products = products
		return false, err
	}
	now := s.now()
	o.EffectsAppliedAt = &now
	s.orders[orderID] = o
	return true, nil
}

// lockedEffects runs effects against a store whose lock is already held.
type lockedEffects struct{ s *Store }

func (l lockedEffects) ClearCart(_ context.Context, userID string) error {
	l.s.clearCart(userID)
	return nil
}

func (l lockedEffects) DecrementStock(_ context.Context, productName, variant string, qty int) (catalog.StockChange, error) {
	return l.s.decrementStock(productName, variant, qty)
}

func (s *Store) ClearCart(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearCart(userID)
	return nil
}

func (s *Store) clearCart(userID string) {
	c, ok := s.carts[userID]
	if !ok {
		return
	}
	c.Items = nil
	c.UpdatedAt = s.now()
	s.carts[userID] = c
}

func (s *Store) DecrementStock(_ context.Context, productName, variant string, qty int) (catalog.StockChange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decrementStock(productName, variant, qty)
}

func (s *Store) decrementStock(productName, variant string, qty int) (catalog.StockChange, error) {
	change := catalog.StockChange{ProductName: productName, Variant: variant, Requested: qty}
	for id, p := range s.products {
		if p.Name != productName {
			continue
		}
		for i, v := range p.Variants {
			if v.Tag != variant {
				continue
			}
			change.Previous = v.Stock
			change.Current = max(v.Stock-qty, 0)
			p.Variants[i].Stock = change.Current
			s.products[id] = p
			if change.Clamped() {
				return change, fmt.Errorf("%s/%s: %w", productName, variant, catalog.ErrStockUnderflow)
			}
			return change, nil
		}
	}
	return change, fmt.Errorf("%s/%s: %w", productName, variant, catalog.ErrVariantNotFound)
}

// Outbox returns the messages recorded so far.
func (s *Store) Outbox() []outbox.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.outbox)
}

func cloneOrder(o order.Order) *order.Order {
	o.Items = slices.Clone(o.Items)
	return &o
}
