// Package metrics holds the prometheus collectors shared by the reconciler,
// the session layer and the feeds.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// FeedEvents counts feed notifications by kind and outcome (applied, duplicate, foreign, tombstoned, missing).
	FeedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelf_feed_events_total",
		Help: "Feed notifications handled by the reconciler, by kind and outcome",
	}, []string{"kind", "outcome"})

	// FeedDropped counts notifications a feed could not deliver to a slow subscriber.
	FeedDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelf_feed_dropped_total",
		Help: "Feed notifications dropped before reaching a subscriber",
	}, []string{"feed"})

	// Loads counts full loads by result.
	Loads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelf_loads_total",
		Help: "Full bookmark loads by result",
	}, []string{"result"})

	// GatewayErrors counts failed gateway calls by operation.
	GatewayErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelf_gateway_errors_total",
		Help: "Failed persistence gateway calls by operation",
	}, []string{"op"})

	// RateLimited counts requests rejected by a rate limiter, by limiter name.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shelf_rate_limited_total",
		Help: "Requests rejected with 429 by rate limiter",
	}, []string{"limiter"})

	// ActiveSessions is the number of live per-user sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "shelf_active_sessions",
		Help: "Live per-user sessions",
	})
)
