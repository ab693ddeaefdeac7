package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ItemsEnqueued tracks total items enqueued per type
	ItemsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_outbox_enqueued_total",
			Help: "Total number of items enqueued",
		},
		[]string{"type"},
	)

	// Attempts tracks drain attempts per type and result
	Attempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_outbox_attempts_total",
			Help: "Total number of delivery attempts",
		},
		[]string{"type", "result"},
	)

	// QueueDepth tracks current item counts per status
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "relay_outbox_items",
			Help: "Current number of outbox items by status",
		},
		[]string{"status"},
	)

	// DrainDuration tracks how long a full drain pass takes
	DrainDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relay_outbox_drain_seconds",
			Help:    "Duration of a drain pass in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)
