package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IngestRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_runs_total",
		Help: "Total number of ingestion runs by outcome status",
	}, []string{"scope", "status"})

	IngestRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_run_duration_seconds",
		Help:    "Wall time of ingestion runs",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{"scope"})

	IngestStageFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_stage_failures_total",
		Help: "Total number of runs that failed, by stage",
	}, []string{"stage"})

	UpstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "upstream_requests_total",
		Help: "Total number of marketplace API requests",
	}, []string{"op", "status"})

	UpstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "upstream_request_duration_seconds",
		Help:    "Latency of marketplace API requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	PagesFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_pages_fetched_total",
		Help: "Total number of order pages fetched",
	}, []string{"scope"})

	OrdersFetchedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_orders_fetched_total",
		Help: "Total number of distinct orders fetched",
	}, []string{"scope"})

	RowsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warehouse_rows_appended_total",
		Help: "Total number of rows appended per table",
	}, []string{"table"})

	ValidationChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "validation_checks_total",
		Help: "Total number of validation checks by result",
	}, []string{"check", "result"})

	RunLockConflictsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "run_lock_conflicts_total",
		Help: "Total number of runs rejected because another run held the lock",
	}, []string{"scope"})

	SideEffectFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "run_side_effect_failures_total",
		Help: "Total number of failed post-run side effects (event publish, result cache)",
	}, []string{"effect"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
