package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// PaymentSyncService is the Restate virtual object that re-runs
// reconciliation for one payment id.
const PaymentSyncService = "payments.sv1.PaymentSync"

// RegisterResyncRoutes forwards manual reconciliation requests to the
// Restate runtime as one-way sends keyed by payment id, so concurrent
// requests for the same payment are serialized by the runtime.
func RegisterResyncRoutes(mux *http.ServeMux, runtimeURL string, client *http.Client, logger *log.Logger) {
	if logger == nil {
		logger = log.Default()
	}
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}
	runtimeURL = strings.TrimRight(runtimeURL, "/")

	mux.Handle("POST /api/payments/{id}/resync", otelhttp.NewHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paymentID := strings.TrimSpace(r.PathValue("id"))
		if paymentID == "" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payment id required"})
			return
		}
		target := fmt.Sprintf("%s/%s/%s/Resync/send", runtimeURL, PaymentSyncService, url.PathEscape(paymentID))
		if err := postJSON(r.Context(), client, target, map[string]any{"payment_id": paymentID}); err != nil {
			logger.Printf("[Resync] failed to enqueue payment %s: %v", paymentID, err)
			writeJSON(w, http.StatusBadGateway, map[string]any{"error": "failed to reach Restate runtime", "detail": err.Error()})
			return
		}
		logger.Printf("[Resync] enqueued payment %s", paymentID)
		writeJSON(w, http.StatusAccepted, map[string]any{"payment_id": paymentID, "queued": true})
	}), "payments-resync"))
}

func postJSON(ctx context.Context, client *http.Client, target string, body any) error {
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}
