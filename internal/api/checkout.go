package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/account"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/checkout"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/gateway"
)

type PreferenceService interface {
	CreatePreference(ctx context.Context, userID string) (*checkout.Result, error)
}

// RegisterCheckoutRoutes mounts preference creation for the calling user,
// identified by the X-User header.
func RegisterCheckoutRoutes(mux *http.ServeMux, svc PreferenceService, logger *log.Logger) {
	if logger == nil {
		logger = log.Default()
	}
	mux.Handle("POST /api/payments/preference", otelhttp.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User"))
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing X-User header"})
			return
		}
		res, err := svc.CreatePreference(r.Context(), userID)
		if err != nil {
			status := checkoutStatus(err)
			logger.Printf("[Checkout] preference for %s failed with %d: %v", userID, status, err)
			writeJSON(w, status, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, res)
	}), "payments-preference"))
}

func checkoutStatus(err error) int {
	switch {
	case errors.Is(err, account.ErrUserNotFound):
		return http.StatusNotFound
	case errors.Is(err, checkout.ErrEmptyCart), errors.Is(err, checkout.ErrInvalidCart):
		return http.StatusBadRequest
	case errors.Is(err, gateway.ErrGatewayUnavailable), errors.Is(err, gateway.ErrNotFound):
		return http.StatusBadGateway
	default:
		var se *gateway.StatusError
		if errors.As(err, &se) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	}
}
