// Package metrics registers the engine's Prometheus collectors. Exposition
// (an HTTP handler, a push gateway) is the embedder's concern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ChunksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_chunks_executed_total",
		Help: "Chunks reaching a terminal state, by outcome.",
	}, []string{"symbol", "outcome"})

	PostOnlyRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hedge_post_only_rejections_total",
		Help: "Spot submissions rejected by post-only taker protection.",
	})

	MarketFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_market_fallbacks_total",
		Help: "Naked-position resolutions that reached the market fallback.",
	}, []string{"venue"})

	NakedPositionSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hedge_naked_position_seconds",
		Help:    "Time between the first leg filling and the hedge closing.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 8),
	})

	SpreadAborts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hedge_spread_aborts_total",
		Help: "Trades aborted because the spread exceeded the maximum.",
	})

	ReconciliationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_reconciliation_outcomes_total",
		Help: "Fee reconciliation top-up outcomes.",
	}, []string{"status"})

	VenueRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hedge_venue_request_seconds",
		Help:    "Venue REST request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"venue", "op"})

	StreamEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hedge_stream_events_total",
		Help: "Order events ingested from venue streams.",
	}, []string{"venue", "status"})
)
