// Package metrics declares the Prometheus collectors shared by chatsyncd
// and the client library.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Cache metrics
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_cache_lookups_total",
			Help: "Memoized endpoint lookups by class and result",
		},
		[]string{"class", "result"}, // result: "hit" or "miss"
	)

	CacheInvalidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_cache_invalidations_total",
			Help: "Cache entries removed by tag invalidation",
		},
		[]string{"tag_class"},
	)

	// Coalescer metrics
	CoalescedDispatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_coalesced_dispatches_total",
			Help: "Transport calls issued by the request coalescer",
		},
		[]string{"kind"}, // "read" or "write"
	)

	CoalescedCallers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_coalesced_callers_total",
			Help: "Read callers satisfied by a shared dispatch",
		},
	)

	StaleServed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_stale_served_total",
			Help: "Reads answered from the stale cache after a failed dispatch",
		},
	)

	// Delivery metrics
	DeliveryOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_delivery_outcomes_total",
			Help: "Outbound message outcomes",
		},
		[]string{"outcome"}, // "acked", "rejected", "timeout", "persisted", "persist_failed"
	)

	// Hub metrics
	HubSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_hub_sessions",
			Help: "Open push sessions",
		},
	)

	HubEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_hub_events_total",
			Help: "Inbound push events by name",
		},
		[]string{"event"},
	)

	HubOverflows = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_hub_overflows_total",
			Help: "Push sessions closed because their send buffer was full",
		},
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_rate_limit_hits_total",
			Help: "Push events dropped by the per-session rate limiter",
		},
	)
)
