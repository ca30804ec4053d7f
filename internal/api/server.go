// Package api exposes the HTTP surface: the provider webhook, checkout,
// order reads and manual resync.
package api

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/authz"
)

// Deps holds everything the HTTP surface needs. Nil optional fields leave
// their routes unmounted.
type Deps struct {
	Reconciler Reconciler
	Checkout   PreferenceService
	Orders     OrderReader
	Authz      authz.Client
	RuntimeURL string
	Logger     *log.Logger
}

// NewMux builds the service's router including /healthz and /metrics.
func NewMux(d Deps) *http.ServeMux {
	if d.Authz == nil {
		d.Authz = &authz.NoopClient{}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	RegisterWebhookRoutes(mux, d.Reconciler, d.Logger)
	if d.Checkout != nil {
		RegisterCheckoutRoutes(mux, d.Checkout, d.Logger)
	}
	if d.Orders != nil {
		RegisterOrdersRoutes(mux, d.Orders, d.Authz, d.Logger)
	}
	if d.RuntimeURL != "" {
		RegisterResyncRoutes(mux, d.RuntimeURL, nil, d.Logger)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
