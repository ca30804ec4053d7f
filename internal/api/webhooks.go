package api

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/fetch"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/metrics"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/notification"
	"github.com/AnthonyGillesRudolfo/storefront-payments/internal/reconcile"
)

const maxWebhookBody = 1 << 20

// Reconciler runs the payment pipeline for one normalized event.
type Reconciler interface {
	Handle(ctx context.Context, ev notification.Event) (reconcile.Result, error)
}

// RegisterWebhookRoutes mounts the payment notification endpoint. The
// provider delivers IPN probes as GET with query parameters and webhooks as
// POST, so both methods are accepted.
func RegisterWebhookRoutes(mux *http.ServeMux, rec Reconciler, logger *log.Logger) {
	h := otelhttp.NewHandler(WebhookHandler(rec, logger), "payment-webhook")
	mux.Handle("POST /api/payments/webhook", h)
	mux.Handle("GET /api/payments/webhook", h)
}

// WebhookHandler answers with a bare status code: 200 when the notification
// was handled or deliberately ignored, 404 when the payment never became
// readable, 500 for anything the provider should redeliver.
func WebhookHandler(rec Reconciler, logger *log.Logger) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			logger.Printf("[Webhook] failed to read body: %v", err)
			respondStatus(w, notification.KindUnhandled, http.StatusInternalServerError)
			return
		}

		ev := notification.Normalize(notification.Parse(r.URL.Query(), body))
		if ev.Kind == notification.KindUnhandled {
			logger.Printf("[Webhook] ignoring notification query=%q", r.URL.RawQuery)
			respondStatus(w, ev.Kind, http.StatusOK)
			return
		}
		logger.Printf("[Webhook] received %s", ev)

		res, err := rec.Handle(r.Context(), ev)
		status := webhookStatus(err)
		if err != nil {
			logger.Printf("[Webhook] %s failed with %d: %v", ev, status, err)
		} else {
			logger.Printf("[Webhook] %s -> %s (order=%q payment=%q status=%q)", ev, res.Outcome, res.OrderID, res.PaymentID, res.Status)
			if res.Effects != nil && res.Effects.Err != nil {
				logger.Printf("[Webhook] side effects for order %s reported problems: %v", res.OrderID, res.Effects.Err)
			}
		}
		respondStatus(w, ev.Kind, status)
	})
}

func webhookStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, fetch.ErrPaymentNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func respondStatus(w http.ResponseWriter, kind notification.Kind, status int) {
	metrics.WebhooksTotal.WithLabelValues(kind.String(), strconv.Itoa(status)).Inc()
	w.WriteHeader(status)
}
