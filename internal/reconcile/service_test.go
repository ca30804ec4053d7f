package reconcile

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/cart"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/catalog"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/fetch"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/gateway"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/notification"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/order"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/storage/memory"
)

type mockMerchant struct{ mock.Mock }

func (m *mockMerchant) GetMerchantOrder(ctx context.Context, id string) (*gateway.MerchantOrder, error) {
	args := m.Called(ctx, id)
	mo, _ := args.Get(0).(*gateway.MerchantOrder)
	return mo, args.Error(1)
}

// stubFetcher serves payments by id; unknown ids are not found.
type stubFetcher struct {
	mu       sync.Mutex
	payments map[string]*gateway.Payment
	calls    int
}

func (f *stubFetcher) FetchPayment(_ context.Context, id string) (*gateway.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	p, ok := f.payments[id]
	if !ok {
		return nil, fetch.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

type fixture struct {
	store    *memory.Store
	fetcher  *stubFetcher
	merchant *mockMerchant
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	store.PutProduct(catalog.Product{ID: "p-1", Name: "Remera", Variants: []catalog.Variant{{Tag: "M", Stock: 10}}})
	store.PutCart(cart.Cart{UserID: "u-1", Items: []cart.Item{{ProductID: "p-1", Quantity: 2, Variant: "M"}}})
	require.NoError(t, store.CreateOrder(t.Context(), &order.Order{
		ID:                  "ord-1",
		UserID:              "u-1",
		ExternalReferenceID: "PREF-1",
		Items:               []order.LineItem{{Title: "Remera", Quantity: 2, UnitPrice: 100, Variant: "M"}},
	}))

	logger := log.New(io.Discard, "", 0)
	f := &fixture{
		store:    store,
		fetcher:  &stubFetcher{payments: map[string]*gateway.Payment{}},
		merchant: &mockMerchant{},
	}
	f.svc = NewService(f.merchant, f.fetcher, store, NewApplier(store, logger), logger)
	return f
}

func (f *fixture) addPayment(id, status, orderRef string) {
	f.fetcher.payments[id] = &gateway.Payment{
		ID:           gateway.ID(id),
		Status:       status,
		StatusDetail: "detail-" + status,
		Order:        gateway.PaymentOrder{ID: gateway.ID(orderRef)},
	}
}

func (f *fixture) assertSideEffects(t *testing.T, wantStock int, wantCartEmpty bool) {
	t.Helper()
	stock, ok := f.store.Stock("Remera", "M")
	require.True(t, ok)
	assert.Equal(t, wantStock, stock)
	c, err := f.store.GetCart(t.Context(), "u-1")
	require.NoError(t, err)
	assert.Equal(t, wantCartEmpty, c.IsEmpty())
}

func TestApprovedPaymentRunsSideEffectsOnce(t *testing.T) {
	f := newFixture(t)
	f.addPayment("PAY1", "approved", "PREF-1")

	res, err := f.svc.Handle(t.Context(), notification.Payment("PAY1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, res.Outcome)
	assert.Equal(t, "ord-1", res.OrderID)
	require.NotNil(t, res.Effects)
	assert.NoError(t, res.Effects.Err)
	f.assertSideEffects(t, 8, true)

	o, err := f.store.GetOrder(t.Context(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusApproved, o.PaymentStatus)
	assert.Equal(t, "PAY1", o.ExternalPaymentID)
	assert.Equal(t, "detail-approved", o.StatusDetail)

	// Refill the cart: a redelivery must not clear it or touch stock again.
	f.store.PutCart(cart.Cart{UserID: "u-1", Items: []cart.Item{{ProductID: "p-1", Quantity: 1, Variant: "M"}}})
	res, err = f.svc.Handle(t.Context(), notification.Payment("PAY1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, res.Outcome)
	assert.Nil(t, res.Effects)
	f.assertSideEffects(t, 8, false)
}

func TestConcurrentDuplicateDeliveries(t *testing.T) {
	f := newFixture(t)
	f.addPayment("PAY1", "approved", "PREF-1")

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 10)
	for i := range outcomes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.Handle(context.Background(), notification.Payment("PAY1"))
			assert.NoError(t, err)
			outcomes[i] = res.Outcome
		}()
	}
	wg.Wait()

	approved := 0
	for _, o := range outcomes {
		if o == OutcomeApproved {
			approved++
		}
	}
	assert.Equal(t, 1, approved)
	f.assertSideEffects(t, 8, true)
}

func TestPendingPaymentIsRecordedWithoutSideEffects(t *testing.T) {
	f := newFixture(t)
	f.addPayment("PAY2", "pending", "PREF-1")

	res, err := f.svc.Handle(t.Context(), notification.Payment("PAY2"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, res.Outcome)
	f.assertSideEffects(t, 10, false)

	o, err := f.store.GetOrder(t.Context(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, "PAY2", o.ExternalPaymentID)
}

func TestMerchantOrderRedirectMatchesDirectDelivery(t *testing.T) {
	f := newFixture(t)
	f.addPayment("PAY1", "approved", "PREF-1")
	f.merchant.On("GetMerchantOrder", mock.Anything, "9001").Return(&gateway.MerchantOrder{
		ID: "9001",
		Payments: []gateway.MerchantOrderPayment{
			{ID: "PAY0", Status: "rejected"},
			{ID: "PAY1", Status: "approved"},
		},
	}, nil).Once()

	res, err := f.svc.Handle(t.Context(), notification.MerchantOrder("9001"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, res.Outcome)
	assert.Equal(t, "PAY1", res.PaymentID)
	f.assertSideEffects(t, 8, true)
	f.merchant.AssertExpectations(t)
}

func TestMerchantOrderWithoutApprovedPayment(t *testing.T) {
	f := newFixture(t)
	f.merchant.On("GetMerchantOrder", mock.Anything, "9002").Return(&gateway.MerchantOrder{
		ID:       "9002",
		Payments: []gateway.MerchantOrderPayment{{ID: "PAY0", Status: "pending"}},
	}, nil)

	res, err := f.svc.Handle(t.Context(), notification.MerchantOrder("9002"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoApprovedPayment, res.Outcome)
	assert.Zero(t, f.fetcher.calls)
	f.assertSideEffects(t, 10, false)
}

func TestMerchantOrderGatewayErrors(t *testing.T) {
	f := newFixture(t)
	f.merchant.On("GetMerchantOrder", mock.Anything, "404").Return(nil, &gateway.StatusError{Op: "get", StatusCode: 404})
	f.merchant.On("GetMerchantOrder", mock.Anything, "503").Return(nil, &gateway.StatusError{Op: "get", StatusCode: 503})

	res, err := f.svc.Handle(t.Context(), notification.MerchantOrder("404"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMerchantOrderGone, res.Outcome)

	_, err = f.svc.Handle(t.Context(), notification.MerchantOrder("503"))
	assert.ErrorIs(t, err, gateway.ErrGatewayUnavailable)
}

func TestPaymentNotFoundPropagates(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Handle(t.Context(), notification.Payment("missing"))
	assert.ErrorIs(t, err, fetch.ErrPaymentNotFound)
	f.assertSideEffects(t, 10, false)
}

func TestUncorrelatedPaymentIsAcknowledged(t *testing.T) {
	f := newFixture(t)
	f.addPayment("PAY3", "approved", "PREF-UNKNOWN")

	res, err := f.svc.Handle(t.Context(), notification.Payment("PAY3"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUncorrelated, res.Outcome)
	f.assertSideEffects(t, 10, false)
}

func TestCorrelationFallsBackToPreferenceMetadata(t *testing.T) {
	f := newFixture(t)
	f.fetcher.payments["PAY4"] = &gateway.Payment{
		ID:       "PAY4",
		Status:   "approved",
		Order:    gateway.PaymentOrder{ID: "777"},
		Metadata: map[string]any{"preference_id": "PREF-1"},
	}

	res, err := f.svc.Handle(t.Context(), notification.Payment("PAY4"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, res.Outcome)
	assert.Equal(t, "metadata.preference_id", res.Fallback)
}

func TestUnhandledEventIsIgnored(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Handle(t.Context(), notification.Event{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, res.Outcome)
	assert.Zero(t, f.fetcher.calls)
}

func TestRedirectDepthIsBounded(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.handle(t.Context(), notification.MerchantOrder("1"), maxRedirects)
	assert.ErrorIs(t, err, ErrRedirectDepth)
	f.merchant.AssertNotCalled(t, "GetMerchantOrder", mock.Anything, mock.Anything)
}

type failingOrders struct{ *memory.Store }

func (failingOrders) ApplyPayment(context.Context, string, order.PaymentUpdate) (order.Transition, error) {
	return order.Transition{}, errors.New("connection reset")
}

func TestStoreFailureIsReturned(t *testing.T) {
	f := newFixture(t)
	f.addPayment("PAY1", "approved", "PREF-1")
	svc := NewService(f.merchant, f.fetcher, failingOrders{f.store}, nil, log.New(io.Discard, "", 0))

	_, err := svc.Handle(t.Context(), notification.Payment("PAY1"))
	assert.Error(t, err)
	f.assertSideEffects(t, 10, false)
}

func TestLateRejectionDoesNotReopenApprovedOrder(t *testing.T) {
	f := newFixture(t)
	f.addPayment("PAY1", "approved", "PREF-1")
	f.addPayment("PAY0", "rejected", "PREF-1")

	res, err := f.svc.Handle(t.Context(), notification.Payment("PAY1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, res.Outcome)
	f.assertSideEffects(t, 8, true)

	res, err = f.svc.Handle(t.Context(), notification.Payment("PAY0"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, res.Outcome)
	require.NotNil(t, res.Transition)
	assert.True(t, res.Transition.Retained)

	o, err := f.store.GetOrder(t.Context(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusApproved, o.PaymentStatus)
	assert.Equal(t, "PAY1", o.ExternalPaymentID)

	f.store.PutCart(cart.Cart{UserID: "u-1", Items: []cart.Item{{ProductID: "p-1", Quantity: 1, Variant: "M"}}})
	res, err = f.svc.Handle(t.Context(), notification.Payment("PAY1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRecorded, res.Outcome)
	assert.Nil(t, res.Effects)
	f.assertSideEffects(t, 8, false)
	assert.Len(t, f.store.Outbox(), 1)
}

// cancelAfterWrite cancels the caller's context as soon as the status write
// has been stored, like a provider hanging up mid-request.
type cancelAfterWrite struct {
	*memory.Store
	cancel context.CancelFunc
}

func (c cancelAfterWrite) ApplyPayment(ctx context.Context, id string, u order.PaymentUpdate) (order.Transition, error) {
	tr, err := c.Store.ApplyPayment(ctx, id, u)
	c.cancel()
	return tr, err
}

// ctxEffects fails statements on a done context, as database/sql does.
type ctxEffects struct{ order.Effects }

func (e ctxEffects) ClearCart(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return e.Effects.ClearCart(ctx, userID)
}

func (e ctxEffects) DecrementStock(ctx context.Context, name, variant string, qty int) (catalog.StockChange, error) {
	if err := ctx.Err(); err != nil {
		return catalog.StockChange{}, err
	}
	return e.Effects.DecrementStock(ctx, name, variant, qty)
}

type ctxEffectsStore struct{ *memory.Store }

func (c ctxEffectsStore) RunApprovalEffects(ctx context.Context, orderID string, fn func(order.Effects) error) (bool, error) {
	return c.Store.RunApprovalEffects(ctx, orderID, func(fx order.Effects) error { return fn(ctxEffects{fx}) })
}

func TestSideEffectsSurviveCallerCancellation(t *testing.T) {
	f := newFixture(t)
	f.addPayment("PAY1", "approved", "PREF-1")
	logger := log.New(io.Discard, "", 0)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	svc := NewService(f.merchant, f.fetcher, cancelAfterWrite{f.store, cancel}, NewApplier(ctxEffectsStore{f.store}, logger), logger)

	res, err := svc.Handle(ctx, notification.Payment("PAY1"))
	require.NoError(t, err)
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
	assert.Equal(t, OutcomeApproved, res.Outcome)
	f.assertSideEffects(t, 8, true)
}

func TestFailedSideEffectsAreRetriedOnRedelivery(t *testing.T) {
	f := newFixture(t)
	f.addPayment("PAY1", "approved", "PREF-1")
	logger := log.New(io.Discard, "", 0)

	broken := NewService(f.merchant, f.fetcher, f.store, NewApplier(brokenStockStore{f.store}, logger), logger)
	_, err := broken.Handle(t.Context(), notification.Payment("PAY1"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, fetch.ErrPaymentNotFound)
	f.assertSideEffects(t, 10, false)

	o, err := f.store.GetOrder(t.Context(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, order.StatusApproved, o.PaymentStatus)
	assert.True(t, o.EffectsPending())

	res, err := f.svc.Handle(t.Context(), notification.Payment("PAY1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, res.Outcome)
	f.assertSideEffects(t, 8, true)
}

func TestCorrelationFallsBackToExternalReference(t *testing.T) {
	f := newFixture(t)
	f.fetcher.payments["PAY5"] = &gateway.Payment{
		ID:                "PAY5",
		Status:            "approved",
		Order:             gateway.PaymentOrder{ID: "778"},
		ExternalReference: "ord-1",
	}

	res, err := f.svc.Handle(t.Context(), notification.Payment("PAY5"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, res.Outcome)
	assert.Equal(t, "ord-1", res.OrderID)
	assert.Equal(t, "external_reference", res.Fallback)
}
