package studiometrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GenerationsTotal counts generation requests by operation and outcome.
	GenerationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memorial",
		Subsystem: "studio",
		Name:      "generations_total",
		Help:      "Total generation requests by operation and outcome.",
	}, []string{"operation", "outcome"})

	// ModelDuration tracks image model latency.
	ModelDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "memorial",
		Subsystem: "studio",
		Name:      "model_duration_seconds",
		Help:      "Image model call duration in seconds.",
		Buckets:   []float64{1, 2.5, 5, 10, 20, 30, 60, 120},
	}, []string{"operation"})

	// PostProcessFailures counts best-effort upload and record failures.
	PostProcessFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memorial",
		Subsystem: "studio",
		Name:      "postprocess_failures_total",
		Help:      "Non-fatal failures after a successful generation, by stage.",
	}, []string{"stage"})

	// WebhookRequestsTotal counts payment webhook requests by provider, event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memorial",
		Subsystem: "studio",
		Name:      "webhook_requests_total",
		Help:      "Total payment webhook requests by provider, event type and HTTP status.",
	}, []string{"provider", "event_type", "status"})

	// WebhookDuration tracks payment webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "memorial",
		Subsystem: "studio",
		Name:      "webhook_duration_seconds",
		Help:      "Payment webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"provider", "event_type"})

	// OrdersTotal counts order intake outcomes (created, duplicate, anomaly).
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "memorial",
		Subsystem: "studio",
		Name:      "orders_total",
		Help:      "Paid-order intake outcomes.",
	}, []string{"provider", "outcome"})
)
