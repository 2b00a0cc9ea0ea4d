// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

package queue

import "time"

// Queue topics. Each topic carries exactly one payload type and owns its
// retry policy.
const (
	TopicConversionDelivery = "conversion.delivery"
	TopicAggregationBuild   = "aggregation.build"
	TopicExportRun          = "export.run"
	TopicRetentionEnforce   = "retention.enforce"

	// TopicPoison receives jobs whose retry budget is exhausted.
	TopicPoison = "jobs.poison"
)

// ConversionJob asks the delivery worker to forward one stored event to the
// project's conversion destination. Its message UUID is
// "<project_id>:<event_id>", which makes re-enqueues of the same event
// detectable before they reach the queue.
type ConversionJob struct {
	ProjectID string `json:"project_id"`
	EventID   string `json:"event_id"`
}

// AggregationJob asks the aggregation builder to recompute one project-day.
type AggregationJob struct {
	ProjectID string    `json:"project_id"`
	Date      time.Time `json:"date"`
}

// ExportJob carries the identifier of a persisted export_jobs row; all other
// parameters live in the row.
type ExportJob struct {
	JobID string `json:"job_id"`
}

// RetentionJob asks the retention enforcer to purge one project.
type RetentionJob struct {
	ProjectID string    `json:"project_id"`
	Cutoff    time.Time `json:"cutoff"`
}
