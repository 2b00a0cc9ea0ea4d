// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/trackhouse/trackhouse/internal/logging"
	"github.com/trackhouse/trackhouse/internal/metrics"
	"github.com/trackhouse/trackhouse/internal/models"
)

// ReplaceDailyAggregates recomputes the rollup for one (project, date) from
// raw events and fully replaces the existing rows in a single transaction.
// Rerunning for the same inputs produces identical rows, so backfills are
// safe. Returns the number of aggregate rows written.
func (db *DB) ReplaceDailyAggregates(ctx context.Context, projectID string, date time.Time) (int, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	day := date.UTC().Truncate(24 * time.Hour)
	next := day.Add(24 * time.Hour)

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil {
				logging.Error().Err(rbErr).Msg("Aggregate rollback failed")
			}
		}
	}()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM daily_aggregates WHERE project_id = ? AND date = ?`,
		projectID, day,
	); err != nil {
		return 0, fmt.Errorf("clear existing aggregates: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`INSERT INTO daily_aggregates
			(project_id, date, event_name, count, unique_users, unique_sessions, computed_at)
		 SELECT
			project_id,
			CAST(? AS DATE),
			event_name,
			COUNT(*),
			COUNT(DISTINCT anonymous_id) FILTER (WHERE anonymous_id <> ''),
			COUNT(DISTINCT session_id) FILTER (WHERE session_id <> ''),
			?
		 FROM events
		 WHERE project_id = ? AND event_time >= ? AND event_time < ?
		 GROUP BY project_id, event_name`,
		day, time.Now().UTC(), projectID, day, next,
	)
	if err != nil {
		return 0, fmt.Errorf("insert aggregates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	committed = true

	rows, err := result.RowsAffected()
	if err != nil {
		rows = 0
	}
	metrics.AggregatesReplaced.Inc()
	metrics.StoreRowsWritten.WithLabelValues("daily_aggregates").Add(float64(rows))
	return int(rows), nil
}

// GetDailyAggregates returns the rollup rows for one (project, date).
func (db *DB) GetDailyAggregates(ctx context.Context, projectID string, date time.Time) ([]models.DailyAggregate, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	day := date.UTC().Truncate(24 * time.Hour)
	rows, err := db.conn.QueryContext(ctx,
		`SELECT project_id, date, event_name, count, unique_users, unique_sessions, computed_at
		 FROM daily_aggregates
		 WHERE project_id = ? AND date = ?
		 ORDER BY event_name`,
		projectID, day,
	)
	if err != nil {
		return nil, fmt.Errorf("query daily aggregates: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Warn().Err(closeErr).Msg("Failed to close rows")
		}
	}()

	var aggregates []models.DailyAggregate
	for rows.Next() {
		var a models.DailyAggregate
		if err := rows.Scan(&a.ProjectID, &a.Date, &a.EventName, &a.Count, &a.UniqueUsers, &a.UniqueSessions, &a.ComputedAt); err != nil {
			return nil, fmt.Errorf("scan aggregate: %w", err)
		}
		aggregates = append(aggregates, a)
	}
	return aggregates, rows.Err()
}
