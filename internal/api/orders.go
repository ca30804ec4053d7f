package api

import (
	"context"
	"errors"
	"log"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/authz"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/order"
)

type OrderReader interface {
	GetOrder(ctx context.Context, id string) (*order.Order, error)
	ListOrders(ctx context.Context) ([]order.Order, error)
}

// RegisterOrdersRoutes wires the read-only orders API. Listing requires
// viewer on store:default; a single order requires viewer on that order.
func RegisterOrdersRoutes(mux *http.ServeMux, orders OrderReader, az authz.Client, logger *log.Logger) {
	if logger == nil {
		logger = log.Default()
	}
	list := authz.Require(az, func(*http.Request) (string, string) {
		return "store:default", "viewer"
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleOrdersList(orders, logger, w, r)
	}))
	one := authz.Require(az, func(r *http.Request) (string, string) {
		return "order:" + r.PathValue("id"), "viewer"
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleOrderGet(orders, logger, w, r)
	}))

	mux.Handle("GET /api/orders", otelhttp.NewHandler(list, "orders-list"))
	mux.Handle("GET /api/orders/{id}", otelhttp.NewHandler(one, "orders-get"))
}

func handleOrdersList(orders OrderReader, logger *log.Logger, w http.ResponseWriter, r *http.Request) {
	list, err := orders.ListOrders(r.Context())
	if err != nil {
		logger.Printf("[Orders] list failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	if list == nil {
		list = []order.Order{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": list})
}

func handleOrderGet(orders OrderReader, logger *log.Logger, w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	o, err := orders.GetOrder(r.Context(), id)
	if errors.Is(err, order.ErrOrderNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
		return
	}
	if err != nil {
		logger.Printf("[Orders] get %s failed: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": o, "total": o.Total()})
}
