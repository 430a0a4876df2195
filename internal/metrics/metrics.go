// Package metrics declares the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BacktestRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocbot_backtest_runs_total",
			Help: "Backtest runs by outcome kind",
		},
		[]string{"result"},
	)

	BacktestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "allocbot_backtest_duration_seconds",
			Help:    "Wall time of a single-ticker backtest including price loading",
			Buckets: prometheus.DefBuckets,
		},
	)

	PriceFetchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocbot_price_fetch_total",
			Help: "Upstream price fetches by provider and result",
		},
		[]string{"provider", "result"},
	)

	PriceCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocbot_price_cache_total",
			Help: "Price cache lookups by result (hit, miss, stale)",
		},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocbot_http_requests_total",
			Help: "HTTP requests by route and status code",
		},
		[]string{"route", "code"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "allocbot_http_request_duration_seconds",
			Help:    "HTTP request latency by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	DatabaseQueriesDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "allocbot_db_queries_duration_seconds",
			Help: "Database operation duration",
		},
		[]string{"operation"},
	)
)
