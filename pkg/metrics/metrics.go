package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildInfo carries build metadata as constant labels, set once at startup.
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "dimsync",
		Name:      "build_info",
		Help:      "Build information for the dimsync binary.",
	}, []string{"version", "commit", "date"})

	// StagedRows counts rows loaded into a dimension staging table.
	StagedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dimsync",
		Name:      "staged_rows_total",
		Help:      "Number of change rows loaded into staging, by dimension table.",
	}, []string{"table"})

	// Merges counts merge executions by dimension table and outcome.
	Merges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dimsync",
		Name:      "merges_total",
		Help:      "Number of merge operations executed, by dimension table and status.",
	}, []string{"table", "status"})

	// MergedRows counts target rows affected by merge operations.
	MergedRows = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dimsync",
		Name:      "merged_rows_total",
		Help:      "Number of target rows written by merge operations, by dimension table.",
	}, []string{"table"})

	// MergeDuration observes end-to-end apply latency per dimension table.
	MergeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "dimsync",
		Name:      "merge_duration_seconds",
		Help:      "End-to-end duration of apply operations, by dimension table.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	}, []string{"table"})
)
