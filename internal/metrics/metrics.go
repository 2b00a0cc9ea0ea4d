// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

// Package metrics registers the Prometheus instrumentation for the pipeline:
// ingestion throughput, gate decisions, store writes, queue activity, and
// delivery outcomes. All metrics are registered on the default registry and
// exposed via /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion metrics.

	BatchesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackhouse_batches_received_total",
			Help: "Total ingestion batches received",
		},
		[]string{"outcome"}, // accepted, auth_rejected, rate_limited, malformed
	)

	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackhouse_events_ingested_total",
			Help: "Total events by ingestion outcome",
		},
		[]string{"outcome"}, // stored, quarantined, deduplicated
	)

	IngestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trackhouse_ingest_duration_seconds",
			Help:    "Duration of the synchronous ingestion path",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Gate metrics.

	GateChecks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackhouse_gate_checks_total",
			Help: "Keyed-store gate decisions",
		},
		[]string{"check", "result"}, // check: dedupe, rate_limit; result: pass, reject, error
	)

	// Store metrics.

	StoreBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "trackhouse_store_batch_duration_seconds",
			Help:    "Duration of batched event inserts",
			Buckets: prometheus.DefBuckets,
		},
	)

	StoreRowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackhouse_store_rows_written_total",
			Help: "Rows written to the analytical store",
		},
		[]string{"table"},
	)

	// Queue metrics.

	JobsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackhouse_jobs_enqueued_total",
			Help: "Jobs enqueued per queue",
		},
		[]string{"queue"},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackhouse_jobs_completed_total",
			Help: "Jobs finished per queue and outcome",
		},
		[]string{"queue", "outcome"}, // succeeded, failed, exhausted
	)

	JobAttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trackhouse_job_attempt_duration_seconds",
			Help:    "Duration of individual job attempts",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// Delivery metrics.

	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackhouse_delivery_attempts_total",
			Help: "Conversion delivery attempts by classification",
		},
		[]string{"result"}, // delivered, retryable, terminal
	)

	DeliveryLogEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackhouse_delivery_log_entries_total",
			Help: "Durable delivery log entries by status",
		},
		[]string{"status"},
	)

	// Background job metrics.

	AggregatesReplaced = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackhouse_aggregates_replaced_total",
			Help: "Daily aggregate recompute runs",
		},
	)

	ExportsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "trackhouse_exports_total",
			Help: "Export jobs by outcome",
		},
		[]string{"outcome"}, // completed, failed
	)

	RetentionRowsPurged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "trackhouse_retention_rows_purged_total",
			Help: "Rows removed by retention enforcement",
		},
	)

	// HTTP metrics.

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "trackhouse_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	HTTPActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "trackhouse_http_active_requests",
			Help: "Requests currently being served",
		},
	)
)

// RecordHTTPRequest records one served request.
func RecordHTTPRequest(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// TrackActiveRequest adjusts the in-flight request gauge.
func TrackActiveRequest(start bool) {
	if start {
		HTTPActiveRequests.Inc()
	} else {
		HTTPActiveRequests.Dec()
	}
}
