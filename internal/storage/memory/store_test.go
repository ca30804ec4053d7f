package memory

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/cart"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/catalog"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/events"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/order"
)

func seededStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	require.NoError(t, s.CreateOrder(t.Context(), &order.Order{
		ID:                  "ord-1",
		UserID:              "u-1",
		ExternalReferenceID: "PREF-1",
		Items:               []order.LineItem{{Title: "Shirt", Quantity: 2, UnitPrice: 10, Variant: "M"}},
	}))
	s.PutProduct(catalog.Product{ID: "p-1", Name: "Shirt", Variants: []catalog.Variant{{Tag: "M", Stock: 5}}})
	s.PutCart(cart.Cart{UserID: "u-1", Items: []cart.Item{{ProductID: "p-1", Quantity: 2, Variant: "M"}}})
	return s
}

func TestCreateOrderRejectsDuplicateReference(t *testing.T) {
	s := seededStore(t)
	err := s.CreateOrder(t.Context(), &order.Order{ID: "ord-2", ExternalReferenceID: "PREF-1"})
	assert.ErrorIs(t, err, order.ErrDuplicateReference)

	o, err := s.FindOrderByReference(t.Context(), "PREF-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, o.PaymentStatus)

	_, err = s.FindOrderByReference(t.Context(), "missing")
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestApplyPaymentReportsPreviousStatus(t *testing.T) {
	s := seededStore(t)
	approvedAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	u := order.PaymentUpdate{PaymentID: "PAY-1", Status: order.StatusApproved, StatusDetail: "accredited", ApprovedAt: &approvedAt}

	tr, err := s.ApplyPayment(t.Context(), "ord-1", u)
	require.NoError(t, err)
	assert.True(t, tr.BecameApproved())
	assert.Equal(t, "PAY-1", tr.Order.ExternalPaymentID)

	tr, err = s.ApplyPayment(t.Context(), "ord-1", u)
	require.NoError(t, err)
	assert.False(t, tr.BecameApproved())
	assert.Equal(t, order.StatusApproved, tr.PreviousStatus)

	msgs := s.Outbox()
	require.Len(t, msgs, 1)
	assert.Equal(t, events.EventPaymentApproved, msgs[0].EventType)
	assert.Equal(t, "ord-1", msgs[0].AggregateID)
}

func TestApplyPaymentKeepsApprovedOrder(t *testing.T) {
	s := seededStore(t)
	approvedAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	_, err := s.ApplyPayment(t.Context(), "ord-1", order.PaymentUpdate{PaymentID: "PAY-1", Status: order.StatusApproved, ApprovedAt: &approvedAt})
	require.NoError(t, err)

	tr, err := s.ApplyPayment(t.Context(), "ord-1", order.PaymentUpdate{PaymentID: "PAY-0", Status: order.StatusRejected, StatusDetail: "cc_rejected_other_reason"})
	require.NoError(t, err)
	assert.True(t, tr.Retained)
	assert.False(t, tr.Changed())
	assert.Equal(t, order.StatusApproved, tr.Order.PaymentStatus)

	o, err := s.GetOrder(t.Context(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "PAY-1", o.ExternalPaymentID)
	assert.Equal(t, &approvedAt, o.ApprovedAt)
	assert.Len(t, s.Outbox(), 1)
}

func TestRunApprovalEffectsClaimsOnce(t *testing.T) {
	s := seededStore(t)
	fx := func(e order.Effects) error {
		require.NoError(t, e.ClearCart(t.Context(), "u-1"))
		_, err := e.DecrementStock(t.Context(), "Shirt", "M", 2)
		return err
	}

	ran, err := s.RunApprovalEffects(t.Context(), "ord-1", fx)
	require.NoError(t, err)
	assert.False(t, ran, "pending order has no effects to run")

	_, err = s.ApplyPayment(t.Context(), "ord-1", order.PaymentUpdate{PaymentID: "PAY-1", Status: order.StatusApproved})
	require.NoError(t, err)

	ran, err = s.RunApprovalEffects(t.Context(), "ord-1", fx)
	require.NoError(t, err)
	assert.True(t, ran)
	ran, err = s.RunApprovalEffects(t.Context(), "ord-1", fx)
	require.NoError(t, err)
	assert.False(t, ran)

	stock, _ := s.Stock("Shirt", "M")
	assert.Equal(t, 3, stock)
	o, err := s.GetOrder(t.Context(), "ord-1")
	require.NoError(t, err)
	assert.NotNil(t, o.EffectsAppliedAt)
}

func TestRunApprovalEffectsRollsBackOnFailure(t *testing.T) {
	s := seededStore(t)
	_, err := s.ApplyPayment(t.Context(), "ord-1", order.PaymentUpdate{PaymentID: "PAY-1", Status: order.StatusApproved})
	require.NoError(t, err)

	boom := errors.New("boom")
	ran, err := s.RunApprovalEffects(t.Context(), "ord-1", func(e order.Effects) error {
		require.NoError(t, e.ClearCart(t.Context(), "u-1"))
		_, _ = e.DecrementStock(t.Context(), "Shirt", "M", 2)
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, ran)

	stock, _ := s.Stock("Shirt", "M")
	assert.Equal(t, 5, stock)
	c, err := s.GetCart(t.Context(), "u-1")
	require.NoError(t, err)
	assert.False(t, c.IsEmpty())
	o, err := s.GetOrder(t.Context(), "ord-1")
	require.NoError(t, err)
	assert.True(t, o.EffectsPending())
}

func TestConcurrentApplyPaymentApprovesOnce(t *testing.T) {
	s := seededStore(t)
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		approved int
	)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr, err := s.ApplyPayment(t.Context(), "ord-1", order.PaymentUpdate{PaymentID: "PAY-1", Status: order.StatusApproved})
			assert.NoError(t, err)
			if tr.BecameApproved() {
				mu.Lock()
				approved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, approved)
}

func TestDecrementStock(t *testing.T) {
	s := seededStore(t)

	change, err := s.DecrementStock(t.Context(), "Shirt", "M", 2)
	require.NoError(t, err)
	assert.Equal(t, 5, change.Previous)
	assert.Equal(t, 3, change.Current)

	change, err = s.DecrementStock(t.Context(), "Shirt", "M", 10)
	assert.ErrorIs(t, err, catalog.ErrStockUnderflow)
	assert.Equal(t, 0, change.Current)
	stock, ok := s.Stock("Shirt", "M")
	assert.True(t, ok)
	assert.Equal(t, 0, stock)

	_, err = s.DecrementStock(t.Context(), "Shirt", "XL", 1)
	assert.ErrorIs(t, err, catalog.ErrVariantNotFound)
}

func TestClearCart(t *testing.T) {
	s := seededStore(t)
	require.NoError(t, s.ClearCart(t.Context(), "u-1"))
	c, err := s.GetCart(t.Context(), "u-1")
	require.NoError(t, err)
	assert.True(t, c.IsEmpty())

	assert.NoError(t, s.ClearCart(t.Context(), "nobody"))
}

func TestListOrdersNewestFirst(t *testing.T) {
	s := New()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.CreateOrder(t.Context(), &order.Order{ID: id, ExternalReferenceID: "ref-" + id, CreatedAt: base.Add(time.Duration(i) * time.Hour)}))
	}
	list, err := s.ListOrders(t.Context())
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{list[0].ID, list[1].ID, list[2].ID})
}
