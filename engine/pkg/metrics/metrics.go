package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flume_engine_build_info",
			Help: "Build information of the flume engine",
		},
		[]string{"version", "commit", "date"},
	)

	RowsReadTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flume_engine_rows_read_total",
			Help: "Total number of rows pulled from source streams",
		},
		[]string{"table"},
	)

	MergeRowsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flume_engine_merge_rows_total",
			Help: "Total number of delta merge outcomes",
		},
		[]string{"table", "operation"},
	)

	MergeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flume_engine_merge_duration_seconds",
			Help:    "Duration of delta merge passes",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s (~6.8 minutes)
		},
		[]string{"table", "strategy"},
	)

	BatchFlushTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flume_engine_batch_flush_total",
			Help: "Total number of writer batch flushes",
		},
		[]string{"table", "operation", "status"},
	)

	BatchFlushDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flume_engine_batch_flush_duration_seconds",
			Help:    "Duration of writer batch flushes",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 0.001s to ~4.1s
		},
	)

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flume_engine_runs_total",
			Help: "Total number of pipeline runs",
		},
		[]string{"status"},
	)
)
