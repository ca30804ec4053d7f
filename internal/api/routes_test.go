package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/account"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/checkout"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/gateway"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/order"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/storage/memory"
)

type stubCheckout struct {
	res *checkout.Result
	err error
}

func (s stubCheckout) CreatePreference(context.Context, string) (*checkout.Result, error) {
	return s.res, s.err
}

type allowList map[string]bool

func (a allowList) Check(_ context.Context, user, object, relation string) (bool, error) {
	return a[user+"|"+relation+"|"+object], nil
}

func TestCheckoutRoute(t *testing.T) {
	cases := []struct {
		name   string
		user   string
		svc    stubCheckout
		status int
	}{
		{"created", "u-1", stubCheckout{res: &checkout.Result{OrderID: "o-1", PreferenceID: "PREF-1", InitPoint: "https://mp/PREF-1"}}, http.StatusOK},
		{"missing user", "", stubCheckout{}, http.StatusUnauthorized},
		{"unknown user", "u-1", stubCheckout{err: account.ErrUserNotFound}, http.StatusNotFound},
		{"empty cart", "u-1", stubCheckout{err: checkout.ErrEmptyCart}, http.StatusBadRequest},
		{"invalid cart", "u-1", stubCheckout{err: checkout.ErrInvalidCart}, http.StatusBadRequest},
		{"gateway down", "u-1", stubCheckout{err: gateway.ErrGatewayUnavailable}, http.StatusBadGateway},
		{"gateway rejected", "u-1", stubCheckout{err: &gateway.StatusError{Op: "create preference", StatusCode: 400}}, http.StatusBadGateway},
		{"store failure", "u-1", stubCheckout{err: errors.New("db down")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mux := http.NewServeMux()
			RegisterCheckoutRoutes(mux, tc.svc, quietLogger())

			req := httptest.NewRequest(http.MethodPost, "/api/payments/preference", nil)
			if tc.user != "" {
				req.Header.Set("X-User", tc.user)
			}
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, req)
			assert.Equal(t, tc.status, w.Code)
			if tc.status == http.StatusOK {
				var body map[string]string
				require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
				assert.Equal(t, "PREF-1", body["id"])
				assert.Equal(t, "o-1", body["order_id"])
			}
		})
	}
}

func TestOrdersRoutes(t *testing.T) {
	store := memory.New()
	require.NoError(t, store.CreateOrder(context.Background(), &order.Order{
		ID:                  "o-1",
		UserID:              "u-1",
		ExternalReferenceID: "PREF-1",
		Items:               []order.LineItem{{Title: "SHIRT", Quantity: 2, UnitPrice: 10, Variant: "M"}},
	}))
	az := allowList{
		"user:admin|viewer|store:default": true,
		"user:u-1|viewer|order:o-1":       true,
	}
	mux := http.NewServeMux()
	RegisterOrdersRoutes(mux, store, az, quietLogger())

	get := func(path, user string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("X-User", user)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		return w
	}

	w := get("/api/orders", "admin")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct{ Orders []order.Order }
	require.NoError(t, json.NewDecoder(w.Body).Decode(&list))
	require.Len(t, list.Orders, 1)
	assert.Equal(t, order.StatusPending, list.Orders[0].PaymentStatus)

	assert.Equal(t, http.StatusForbidden, get("/api/orders", "u-1").Code)

	w = get("/api/orders/o-1", "u-1")
	require.Equal(t, http.StatusOK, w.Code)
	var one struct {
		Order order.Order
		Total float64
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&one))
	assert.Equal(t, "PREF-1", one.Order.ExternalReferenceID)
	assert.Equal(t, 20.0, one.Total)

	assert.Equal(t, http.StatusForbidden, get("/api/orders/o-1", "u-2").Code)
}

func TestOrdersRouteNotFound(t *testing.T) {
	mux := http.NewServeMux()
	RegisterOrdersRoutes(mux, memory.New(), allowList{"user:u-1|viewer|order:missing": true}, quietLogger())

	req := httptest.NewRequest(http.MethodGet, "/api/orders/missing", nil)
	req.Header.Set("X-User", "u-1")
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestResyncForwardsToRuntime(t *testing.T) {
	var (
		mu    sync.Mutex
		paths []string
		body  map[string]any
	)
	runtime := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer runtime.Close()

	mux := http.NewServeMux()
	RegisterResyncRoutes(mux, runtime.URL+"/", runtime.Client(), quietLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/payments/123/resync", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)

	assert.Equal(t, http.StatusAccepted, w.Code)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"POST /payments.sv1.PaymentSync/123/Resync/send"}, paths)
	assert.Equal(t, "123", body["payment_id"])
}

func TestResyncRuntimeFailure(t *testing.T) {
	runtime := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer runtime.Close()

	mux := http.NewServeMux()
	RegisterResyncRoutes(mux, runtime.URL, runtime.Client(), quietLogger())

	req := httptest.NewRequest(http.MethodPost, "/api/payments/123/resync", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestNewMuxHealthAndMetrics(t *testing.T) {
	mux := NewMux(Deps{Reconciler: &stubReconciler{}, Logger: quietLogger()})

	for _, path := range []string{"/healthz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}
