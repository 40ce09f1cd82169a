// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubmissionsTotal counts accepted submissions by source (single, batch).
	SubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrolid_submissions_total",
		Help: "Accepted enrollment submissions",
	}, []string{"source"})

	// ProcessedTotal counts completed pipeline runs by terminal status.
	ProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrolid_processed_total",
		Help: "Pipeline runs by terminal status",
	}, []string{"status"})

	// StageDuration observes per-stage latency.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enrolid_stage_duration_seconds",
		Help:    "Pipeline stage latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	// QueueDepth tracks the pending submission queue.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "enrolid_queue_depth",
		Help: "Submissions waiting in the work queue",
	})

	// InFlight tracks submissions currently owned by a worker.
	InFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "enrolid_inflight",
		Help: "Submissions being processed",
	})

	// DuplicateVerdicts counts dedup outcomes by band.
	DuplicateVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrolid_duplicate_verdicts_total",
		Help: "Dedup verdicts by confidence band",
	}, []string{"band"})

	// CacheOps counts embedding cache hits and misses.
	CacheOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrolid_embedding_cache_ops_total",
		Help: "Embedding cache operations",
	}, []string{"result"})

	// IndexSize tracks live vectors in the ANN index.
	IndexSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "enrolid_index_vectors",
		Help: "Live vectors in the similarity index",
	})

	// BreakerState reports circuit breaker state (0 closed, 1 open, 2 half-open).
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "enrolid_breaker_state",
		Help: "Circuit breaker state per dependency",
	}, []string{"name"})

	// DeadLetters counts submissions deposited in the dead letter sink.
	DeadLetters = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrolid_dead_letters_total",
		Help: "Operations exhausted into the dead letter sink",
	}, []string{"kind"})

	// HTTPDuration observes REST handler latency.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "enrolid_http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route", "status"})

	// RateLimited counts requests rejected by the rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enrolid_rate_limited_total",
		Help: "Requests rejected with 429",
	})

	// WebhookDeliveries counts webhook delivery outcomes.
	WebhookDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enrolid_webhook_deliveries_total",
		Help: "Webhook delivery outcomes",
	}, []string{"outcome"})
)
