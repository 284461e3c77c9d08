package checker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	strategyOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markschecker_strategy_outcomes_total",
			Help: "Strategy attempts by strategy, verdict and status",
		},
		[]string{"strategy", "verdict", "status"},
	)

	termResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markschecker_term_results_total",
			Help: "Terminal term results by status",
		},
		[]string{"status"},
	)

	chunkDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "markschecker_chunk_duration_seconds",
			Help:    "Wall time of one chunk run",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		},
	)

	regionResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "markschecker_region_resolutions_total",
			Help: "Region resolutions by path (api, fallback, unknown)",
		},
		[]string{"path"},
	)
)
