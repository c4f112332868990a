// Package metrics provides Prometheus metrics for the Trellis service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEventsTotal tracks received webhook events by provider and outcome
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "webhooks",
			Name:      "events_total",
			Help:      "Total number of webhook events received by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)

	// WebhookFanoutConnections tracks how many connections each event routes to
	WebhookFanoutConnections = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trellis",
			Subsystem: "webhooks",
			Name:      "fanout_connections",
			Help:      "Number of connections matched per webhook event",
			Buckets:   []float64{0, 1, 2, 3, 5, 10, 25, 50},
		},
		[]string{"provider"},
	)

	// SignatureFailuresTotal tracks rejected webhook signatures
	SignatureFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "webhooks",
			Name:      "signature_failures_total",
			Help:      "Total number of webhook requests rejected for bad signatures",
		},
		[]string{"provider"},
	)

	// EntryUpsertsTotal tracks content upserts by provider and operation
	EntryUpsertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "ingest",
			Name:      "entry_upserts_total",
			Help:      "Total number of raw entry upserts by provider and operation",
		},
		[]string{"provider", "operation"},
	)

	// IngestDuration tracks end-to-end ingest duration per item
	IngestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trellis",
			Subsystem: "ingest",
			Name:      "item_duration_seconds",
			Help:      "Duration of fetching, embedding and upserting a single item",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"provider"},
	)

	// TokenRefreshesTotal tracks provider token refresh operations
	TokenRefreshesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "tokens",
			Name:      "refreshes_total",
			Help:      "Total number of provider token refresh operations by status",
		},
		[]string{"provider", "status"},
	)

	// EmbeddingRequestsTotal tracks embedding service calls
	EmbeddingRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "embedding",
			Name:      "requests_total",
			Help:      "Total number of embedding requests by status",
		},
		[]string{"status"},
	)

	// QueueJobsProcessed tracks backfill jobs processed from the queue
	QueueJobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total number of backfill jobs processed from the queue",
		},
		[]string{"status"},
	)

	// QueueJobsInFlight tracks jobs currently being processed
	QueueJobsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "trellis",
			Subsystem: "queue",
			Name:      "jobs_in_flight",
			Help:      "Number of backfill jobs currently being processed",
		},
	)

	// DLQJobsTotal tracks jobs sent to the dead letter queue
	DLQJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "dlq",
			Name:      "jobs_total",
			Help:      "Total number of jobs sent to dead letter queue",
		},
		[]string{"tenant_id", "reason"},
	)

	// WatchRenewalsTotal tracks Gmail watch renewals by the scheduler
	WatchRenewalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "scheduler",
			Name:      "watch_renewals_total",
			Help:      "Total number of mailbox watch renewals by status",
		},
		[]string{"status"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trellis",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "trellis",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)

	// RateLimitWaitTime tracks time spent waiting on provider rate limits
	RateLimitWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trellis",
			Subsystem: "ratelimit",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for provider rate limits in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"provider"},
	)
)

// RecordWebhookEvent records a webhook event metric
func RecordWebhookEvent(provider, outcome string) {
	WebhookEventsTotal.WithLabelValues(provider, outcome).Inc()
}

// RecordFanout records how many connections an event was routed to
func RecordFanout(provider string, connections int) {
	WebhookFanoutConnections.WithLabelValues(provider).Observe(float64(connections))
}

// RecordEntryUpsert records a raw entry upsert
func RecordEntryUpsert(provider, operation string) {
	EntryUpsertsTotal.WithLabelValues(provider, operation).Inc()
}

// RecordTokenRefresh records a token refresh operation
func RecordTokenRefresh(provider, status string) {
	TokenRefreshesTotal.WithLabelValues(provider, status).Inc()
}

// RecordQueueJob records a queue job processing metric
func RecordQueueJob(status string) {
	QueueJobsProcessed.WithLabelValues(status).Inc()
}

// RecordDLQJob records a dead letter queue job
func RecordDLQJob(tenantID, reason string) {
	DLQJobsTotal.WithLabelValues(tenantID, reason).Inc()
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}
