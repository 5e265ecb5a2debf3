package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP request metrics
	HttpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsledger_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_code"},
	)

	HttpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "newsledger_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Ledger metrics
	ItemsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsledger_items_ingested_total",
			Help: "Total number of items recorded in the ledger",
		},
		[]string{"source", "duplicate"},
	)

	ClustersCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "newsledger_clusters_created_total",
			Help: "Total number of clusters opened",
		},
	)

	FeedFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsledger_feed_fetches_total",
			Help: "Total number of feed fetches",
		},
		[]string{"source", "status"},
	)

	// Policy and draft lifecycle metrics
	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsledger_policy_decisions_total",
			Help: "Total number of policy decisions by outcome",
		},
		[]string{"outcome"},
	)

	DraftTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsledger_draft_transitions_total",
			Help: "Total number of draft status transitions",
		},
		[]string{"to"},
	)

	PendingDrafts = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "newsledger_pending_drafts",
			Help: "Drafts in the ledger document by status",
		},
		[]string{"status"},
	)

	ReviewCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsledger_review_calls_total",
			Help: "Total number of review channel calls",
		},
		[]string{"operation", "status"},
	)

	ScoreFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "newsledger_score_fallbacks_total",
			Help: "Times the learned scorer failed and rule scoring was used",
		},
	)

	Publishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsledger_publishes_total",
			Help: "Total number of publish attempts",
		},
		[]string{"status"},
	)

	NatsMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsledger_nats_messages_published_total",
			Help: "Total number of NATS messages published",
		},
		[]string{"subject", "status"},
	)

	ComponentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "newsledger_component_failures_total",
			Help: "Total number of recorded component failures",
		},
		[]string{"component", "action"},
	)
)
