// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CatalogRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filmcache_catalog_requests_total",
			Help: "Catalog API requests by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"},
	)

	CatalogBreakerState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filmcache_catalog_breaker_state",
			Help: "Catalog circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
	)

	PagesSynced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filmcache_pages_synced_total",
			Help: "Catalog pages fetched and stored, by source",
		},
		[]string{"source"},
	)

	PageFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filmcache_page_failures_total",
			Help: "Failed page fetches, by source",
		},
		[]string{"source"},
	)

	ItemsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filmcache_items_upserted_total",
			Help: "Items written to the local store",
		},
		[]string{"op"},
	)

	Subscriptions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filmcache_store_subscriptions",
			Help: "Open live-query subscriptions",
		},
	)
)
