package upstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markschecker_upstream_requests_total",
			Help: "Total number of storefront requests by endpoint and status",
		},
		[]string{"endpoint", "status"}, // status: HTTP code, "timeout" or "network"
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "markschecker_upstream_request_duration_seconds",
			Help:    "Storefront request duration by endpoint",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)
)
