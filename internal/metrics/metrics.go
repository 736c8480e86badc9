package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DeliveriesCreated counts deliveries written by campaign expansion
	DeliveriesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailer_deliveries_created_total",
			Help: "Total number of deliveries created by campaign expansion",
		},
	)

	// ExpansionSkipped counts candidates skipped during expansion by reason
	ExpansionSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_expansion_skipped_total",
			Help: "Candidates skipped during expansion",
		},
		[]string{"reason"},
	)

	// TasksEnqueued counts dispatch tasks enqueued by the selectors
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_tasks_enqueued_total",
			Help: "Dispatch tasks enqueued",
		},
		[]string{"source"},
	)

	EnqueueErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_enqueue_errors_total",
			Help: "Dispatch tasks that could not be enqueued",
		},
		[]string{"source"},
	)

	// DispatchOutcomes counts dispatch attempts by outcome
	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_dispatch_outcomes_total",
			Help: "Dispatch attempts by outcome",
		},
		[]string{"outcome"},
	)

	// SendsTotal counts transport sends by provider and result
	SendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_sends_total",
			Help: "Transport sends by provider and result",
		},
		[]string{"provider", "result"},
	)

	SendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mailer_send_latency_seconds",
			Help:    "Send strategy latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	// CriticalErrors counts classified critical failures by category
	CriticalErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mailer_critical_errors_total",
			Help: "Critical transport failures by category",
		},
		[]string{"category"},
	)

	CampaignsPaused = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailer_campaigns_paused_total",
			Help: "Campaigns paused automatically by the breaker",
		},
	)

	// PersistFailures counts sends that succeeded but could not be recorded
	PersistFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mailer_persist_failures_total",
			Help: "Successful sends whose delivered state failed to persist",
		},
	)
)
