// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

// Package retention purges events and delivery log rows older than each
// project's retention window. A purge that finds nothing is a no-op.
package retention

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/trackhouse/trackhouse/internal/logging"
	"github.com/trackhouse/trackhouse/internal/queue"
)

// Store is the slice of the event store the enforcer needs.
type Store interface {
	PurgeBefore(ctx context.Context, projectID string, cutoff time.Time) (int64, error)
}

// Enforcer removes expired rows per project.
type Enforcer struct {
	store Store
}

func NewEnforcer(store Store) *Enforcer {
	return &Enforcer{store: store}
}

// CutoffFor returns the purge boundary for a retention window. Windows of
// zero or fewer days disable purging by pushing the cutoff to the epoch.
func CutoffFor(now time.Time, retentionDays int) time.Time {
	if retentionDays <= 0 {
		return time.Unix(0, 0).UTC()
	}
	return now.UTC().AddDate(0, 0, -retentionDays)
}

// Purge deletes rows older than cutoff for one project.
func (e *Enforcer) Purge(ctx context.Context, projectID string, cutoff time.Time) error {
	removed, err := e.store.PurgeBefore(ctx, projectID, cutoff)
	if err != nil {
		return fmt.Errorf("purge project %s: %w", projectID, err)
	}
	logging.Ctx(ctx).Info().
		Str("project_id", projectID).
		Time("cutoff", cutoff).
		Int64("rows", removed).
		Msg("Retention purge complete")
	return nil
}

// HandleJob adapts Purge to the job queue.
func (e *Enforcer) HandleJob(ctx context.Context, msg *message.Message) error {
	var job queue.RetentionJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return queue.Terminal(fmt.Errorf("decode retention job: %w", err))
	}
	if job.Cutoff.IsZero() || job.Cutoff.Unix() <= 0 {
		// Retention disabled for this project.
		return nil
	}
	return e.Purge(ctx, job.ProjectID, job.Cutoff)
}
