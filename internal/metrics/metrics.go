// Package metrics defines Prometheus collectors for the invalidation service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	// ConnectionsCurrent tracks the number of live WebSocket connections
	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "entitysync_connections_current",
			Help: "Number of live WebSocket connections",
		},
	)

	// ConnectionsTotal tracks accepted connections since process start
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entitysync_connections_total",
			Help: "Total accepted WebSocket connections",
		},
	)

	// AuthFailuresTotal tracks rejected connections by failure class
	AuthFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitysync_auth_failures_total",
			Help: "Authentication failures by reason (missing/invalid)",
		},
		[]string{"reason"},
	)

	// MessagesDroppedTotal tracks frames dropped because the connection was
	// gone or its send buffer was full
	MessagesDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entitysync_messages_dropped_total",
			Help: "Outbound frames dropped due to dead or slow connections",
		},
	)

	// RateLimitedUpgradesTotal tracks upgrade requests rejected by the
	// per-client rate limiter
	RateLimitedUpgradesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entitysync_rate_limited_upgrades_total",
			Help: "Upgrade requests rejected by the per-client rate limiter",
		},
	)

	// PingFailuresTotal tracks keepalive ping write failures
	PingFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entitysync_ping_failures_total",
			Help: "WebSocket keepalive ping failures",
		},
	)
)

// Protocol metrics
var (
	// ClientMessagesTotal tracks inbound frames by discriminator type
	ClientMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitysync_client_messages_total",
			Help: "Inbound client frames by message type",
		},
		[]string{"type"},
	)

	// MalformedMessagesTotal tracks non-parseable inbound frames
	MalformedMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entitysync_malformed_messages_total",
			Help: "Inbound frames that failed to parse",
		},
	)

	// TokenWarningsSentTotal tracks TOKEN_EXPIRING_SOON frames sent
	TokenWarningsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entitysync_token_warnings_sent_total",
			Help: "Token expiry warnings delivered to clients",
		},
	)
)

// Subscription metrics
var (
	// SubscriptionBucketsCurrent tracks live (user, entity code) buckets
	SubscriptionBucketsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "entitysync_subscription_buckets_current",
			Help: "Number of (user, entity code) subscription buckets",
		},
	)

	// StaleSubscriptionsSweptTotal tracks buckets removed by the stale sweep
	StaleSubscriptionsSweptTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entitysync_stale_subscriptions_swept_total",
			Help: "Subscription buckets removed by the stale sweep",
		},
	)
)

// Watcher metrics
var (
	// WatcherPollDuration tracks change-log poll latency in seconds
	WatcherPollDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "entitysync_watcher_poll_duration_seconds",
			Help:    "Change-log poll duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	// WatcherPollErrorsTotal tracks failed change-log queries
	WatcherPollErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entitysync_watcher_poll_errors_total",
			Help: "Change-log queries that failed",
		},
	)

	// WatcherCursor tracks the last fully processed change-log cursor
	WatcherCursor = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "entitysync_watcher_cursor",
			Help: "Last fully processed change-log cursor",
		},
	)

	// InvalidationsSentTotal tracks INVALIDATE frames pushed to clients
	InvalidationsSentTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "entitysync_invalidations_sent_total",
			Help: "INVALIDATE frames pushed to clients",
		},
	)

	// WatcherBreakerState tracks the change-log circuit breaker state
	// (0=closed, 1=half-open, 2=open)
	WatcherBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "entitysync_watcher_breaker_state",
			Help: "Change-log circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	// WatcherBreakerStateChanges tracks breaker state transitions
	WatcherBreakerStateChanges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "entitysync_watcher_breaker_state_changes_total",
			Help: "Change-log circuit breaker state transitions by new state",
		},
		[]string{"state"},
	)
)
