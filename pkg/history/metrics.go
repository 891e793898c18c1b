package history

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	storeCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histmanager_store_calls_total",
		Help: "Store calls issued by the history manager, by tier, operation and outcome.",
	}, []string{"tier", "operation", "outcome"})

	storeCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "histmanager_store_call_duration_seconds",
		Help:    "Latency of store calls issued by the history manager.",
		Buckets: prometheus.DefBuckets,
	}, []string{"tier", "operation"})

	stitchedTrendBuckets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "histmanager_trend_buckets_total",
		Help: "Trend buckets considered while stitching, by whether they were kept or dropped as covered by history.",
	}, []string{"result"})

	unavailableItemsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "histmanager_unavailable_items_total",
		Help: "Items omitted from a response because a store call failed.",
	})
)
