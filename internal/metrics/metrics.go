package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FetchRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dailyclimate_fetch_requests_total",
			Help: "Total requests made to the data publisher",
		},
		[]string{"kind", "status"},
	)

	FetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dailyclimate_fetch_latency_seconds",
			Help:    "Publisher request latency in seconds (time to response headers)",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)

	ArchivesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dailyclimate_archives_total",
			Help: "Daily archives imported, by outcome",
		},
		[]string{"outcome"},
	)

	RowsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dailyclimate_rows_upserted_total",
			Help: "Rows written by the batch writer (inserted vs updated is approximate)",
		},
		[]string{"table", "action"},
	)

	RecordsSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dailyclimate_records_skipped_total",
			Help: "Malformed records dropped during parsing",
		},
		[]string{"kind"},
	)

	LockRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dailyclimate_lock_retries_total",
			Help: "Batch writes retried after storage lock contention",
		},
		[]string{"table"},
	)

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dailyclimate_jobs_total",
			Help: "Background jobs finished, by type and terminal status",
		},
		[]string{"type", "status"},
	)

	ReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dailyclimate_reports_total",
			Help: "Report generations, by outcome code",
		},
		[]string{"outcome"},
	)

	ReportDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dailyclimate_report_duration_seconds",
			Help:    "Report generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReportCacheTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dailyclimate_report_cache_total",
			Help: "Report cache lookups, by result",
		},
		[]string{"result"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dailyclimate_http_requests_total",
			Help: "API requests served, by route and status code",
		},
		[]string{"route", "status"},
	)
)
