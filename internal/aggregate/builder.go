// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

// Package aggregate recomputes per-project daily rollups. A rebuild always
// replaces the whole (project, date) slice, so reruns and backfills are safe.
package aggregate

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/trackhouse/trackhouse/internal/logging"
	"github.com/trackhouse/trackhouse/internal/queue"
)

// Store is the slice of the event store the builder needs.
type Store interface {
	ReplaceDailyAggregates(ctx context.Context, projectID string, date time.Time) (int, error)
}

// Builder rebuilds daily aggregates.
type Builder struct {
	store Store
}

func NewBuilder(store Store) *Builder {
	return &Builder{store: store}
}

// BuildDaily recomputes one project-day.
func (b *Builder) BuildDaily(ctx context.Context, projectID string, date time.Time) error {
	day := date.UTC().Truncate(24 * time.Hour)
	rows, err := b.store.ReplaceDailyAggregates(ctx, projectID, day)
	if err != nil {
		return fmt.Errorf("rebuild aggregates for %s/%s: %w", projectID, day.Format("2006-01-02"), err)
	}
	logging.Ctx(ctx).Info().
		Str("project_id", projectID).
		Str("date", day.Format("2006-01-02")).
		Int("rows", rows).
		Msg("Daily aggregates rebuilt")
	return nil
}

// HandleJob adapts BuildDaily to the job queue.
func (b *Builder) HandleJob(ctx context.Context, msg *message.Message) error {
	var job queue.AggregationJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return queue.Terminal(fmt.Errorf("decode aggregation job: %w", err))
	}
	return b.BuildDaily(ctx, job.ProjectID, job.Date)
}
