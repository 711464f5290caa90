// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hubsync"

// Run metrics
var (
	// RunsTotal counts finished runs by trigger and final status.
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of ingestion runs by trigger and status",
		},
		[]string{"trigger", "status"},
	)

	// RunDuration tracks wall-clock run duration.
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Ingestion run duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
		},
	)

	// RunInProgress is 1 while a run is active.
	RunInProgress = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_in_progress",
			Help:      "Whether an ingestion run is currently active",
		},
	)

	// TriggersRejected counts triggers refused because a run was active.
	TriggersRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "triggers_rejected_total",
			Help:      "Total number of run triggers rejected because a run was already active",
		},
	)

	// LastRunTimestamp is the unix time the last run finished.
	LastRunTimestamp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time at which the last ingestion run finished",
		},
	)
)

// Region metrics
var (
	// RegionFetchesTotal counts region outcomes. result is "ok" or the
	// failure kind.
	RegionFetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "region_fetches_total",
			Help:      "Total number of region fetches by region and result",
		},
		[]string{"region", "result"},
	)

	// PagesFetched counts upstream pages read.
	PagesFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_fetched_total",
			Help:      "Total number of findings pages fetched",
		},
		[]string{"region"},
	)

	// FetchRetries counts retried upstream requests by failure kind.
	FetchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_retries_total",
			Help:      "Total number of retried findings requests",
		},
		[]string{"region", "kind"},
	)
)

// Finding metrics
var (
	// FindingsProcessed counts findings by outcome: created, changed,
	// unchanged, malformed, or storage_failed.
	FindingsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "findings_processed_total",
			Help:      "Total number of findings processed by outcome",
		},
		[]string{"outcome"},
	)
)

// Finding outcomes.
const (
	OutcomeCreated       = "created"
	OutcomeChanged       = "changed"
	OutcomeUnchanged     = "unchanged"
	OutcomeMalformed     = "malformed"
	OutcomeStorageFailed = "storage_failed"
)
