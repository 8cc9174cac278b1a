package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_broker_messages_ingested_total",
			Help: "Total number of ingestion attempts by outcome",
		},
		[]string{"status"},
	)

	MessageBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inbox_broker_message_bytes_total",
			Help: "Total bytes of accepted message bodies",
		},
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inbox_broker_ingest_duration_seconds",
			Help:    "Duration of ingestion from gate to committed append",
			Buckets: prometheus.DefBuckets,
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inbox_broker_rate_limit_hits_total",
			Help: "Total number of ingestions rejected by the rate limiter",
		},
	)

	// Lifecycle metrics
	InboxesCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inbox_broker_inboxes_created_total",
			Help: "Total number of inboxes created",
		},
	)

	InboxesDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inbox_broker_inboxes_deleted_total",
			Help: "Total number of inboxes deleted",
		},
	)

	// Fan-out metrics
	ActiveSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "inbox_broker_active_subscribers",
			Help: "Current number of live subscriptions across all inboxes",
		},
	)

	FanoutDelivered = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "inbox_broker_fanout_delivered_total",
			Help: "Total number of messages handed to live subscribers",
		},
	)

	SubscribersDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_broker_subscribers_dropped_total",
			Help: "Total number of subscriptions ended by the broker, by reason",
		},
		[]string{"reason"},
	)

	RelayErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inbox_broker_relay_errors_total",
			Help: "Total number of message bus relay failures",
		},
		[]string{"operation"},
	)

	// Query metrics
	QueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inbox_broker_query_duration_seconds",
			Help:    "Duration of message retrieval queries",
			Buckets: prometheus.DefBuckets,
		},
	)
)
