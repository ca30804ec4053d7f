package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics for the payment reconciliation pipeline
var (
	WebhooksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_webhooks_total",
			Help: "Payment notifications received, by normalized kind and HTTP status",
		},
		[]string{"kind", "status"},
	)

	ReconcileOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_reconcile_outcomes_total",
			Help: "Reconciliation results by outcome",
		},
		[]string{"outcome"},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "payment_reconcile_duration_seconds",
			Help:    "Duration of one reconciliation including gateway retries",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 20, 40, 80},
		},
	)

	FetchAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_fetch_attempts_total",
			Help: "Gateway payment lookups, by result",
		},
		[]string{"result"},
	)

	SideEffectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_side_effects_total",
			Help: "Side effects run after approval, by effect and result",
		},
		[]string{"effect", "result"},
	)

	OutboxPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_outbox_published_total",
			Help: "Outbox messages relayed to Kafka, by result",
		},
		[]string{"result"},
	)
)

var registerOnce sync.Once

// Register registers all Prometheus metrics with the default registry.
// Calling it more than once is harmless.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(WebhooksTotal)
		prometheus.MustRegister(ReconcileOutcomesTotal)
		prometheus.MustRegister(ReconcileDuration)
		prometheus.MustRegister(FetchAttemptsTotal)
		prometheus.MustRegister(SideEffectsTotal)
		prometheus.MustRegister(OutboxPublishedTotal)
	})
}

// ObserveFetchAttempt matches fetch.AttemptObserver.
func ObserveFetchAttempt(_ int, err error) {
	if err != nil {
		FetchAttemptsTotal.WithLabelValues("miss").Inc()
		return
	}
	FetchAttemptsTotal.WithLabelValues("hit").Inc()
}
