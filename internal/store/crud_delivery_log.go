// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trackhouse/trackhouse/internal/logging"
	"github.com/trackhouse/trackhouse/internal/metrics"
	"github.com/trackhouse/trackhouse/internal/models"
)

// InsertDeliveryLogEntry appends one delivery outcome. The delivery log is
// append-only and is the sole durable record of delivery history.
func (db *DB) InsertDeliveryLogEntry(ctx context.Context, entry *models.DeliveryLogEntry) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO delivery_log (id, project_id, event_id, status, attempts, last_error, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ProjectID, entry.EventID, entry.Status, entry.Attempts, entry.LastError, entry.Timestamp.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert delivery log entry: %w", err)
	}
	metrics.StoreRowsWritten.WithLabelValues("delivery_log").Inc()
	metrics.DeliveryLogEntries.WithLabelValues(entry.Status).Inc()
	return nil
}

// GetDeliveryLog returns a project's newest delivery log entries.
func (db *DB) GetDeliveryLog(ctx context.Context, projectID string, limit int) ([]models.DeliveryLogEntry, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, project_id, event_id, status, attempts, last_error, timestamp
		 FROM delivery_log
		 WHERE project_id = ?
		 ORDER BY timestamp DESC
		 LIMIT ?`,
		projectID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query delivery log: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Warn().Err(closeErr).Msg("Failed to close rows")
		}
	}()

	var entries []models.DeliveryLogEntry
	for rows.Next() {
		var e models.DeliveryLogEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.EventID, &e.Status, &e.Attempts, &e.LastError, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan delivery log entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountDeliveryLogEntries counts entries for one (project, event) pair.
// Used by tests and the audit query surface.
func (db *DB) CountDeliveryLogEntries(ctx context.Context, projectID, eventID, status string) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var count int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_log WHERE project_id = ? AND event_id = ? AND status = ?`,
		projectID, eventID, status,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count delivery log entries: %w", err)
	}
	return count, nil
}
