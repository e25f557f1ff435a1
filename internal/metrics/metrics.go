package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequestsTotal counts billing webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crewdeck",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total Stripe webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks billing webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "crewdeck",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Stripe webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// BillingOperationsTotal counts billing operations by name and outcome.
	BillingOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crewdeck",
		Subsystem: "billing",
		Name:      "operations_total",
		Help:      "Billing operations by operation name and outcome.",
	}, []string{"operation", "outcome"})

	// ReconcileRecordsTotal counts reconciliation record outcomes.
	ReconcileRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crewdeck",
		Subsystem: "billing",
		Name:      "reconcile_records_total",
		Help:      "Subscription records processed by the reconciler, by result.",
	}, []string{"result"})

	// IdentityEventsTotal counts identity webhook events by type and outcome.
	IdentityEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "crewdeck",
		Subsystem: "identity",
		Name:      "events_total",
		Help:      "Identity provider webhook events by event type and outcome.",
	}, []string{"event_type", "outcome"})
)
