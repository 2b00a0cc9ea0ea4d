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
)

// Privacy mutations are the only updates the events table ever sees. Both
// operations are bulk and eventually visible; callers must not assume
// immediate read-after-write consistency across instances.

// DeleteUserData hard-deletes every event attributed to an anonymous ID
// within a project. Returns the number of rows removed.
func (db *DB) DeleteUserData(ctx context.Context, projectID, anonymousID string) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	result, err := db.conn.ExecContext(ctx,
		`DELETE FROM events WHERE project_id = ? AND anonymous_id = ?`,
		projectID, anonymousID,
	)
	if err != nil {
		return 0, fmt.Errorf("delete user data: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		rows = 0
	}
	logging.Ctx(ctx).Info().
		Str("project_id", projectID).
		Int64("rows", rows).
		Msg("User data deleted")
	return rows, nil
}

// AnonymizeUserData rewrites every matching row's identity to a freshly
// generated anonymous token and scrubs IP and user agent, preserving
// aggregate counts. Returns the new token.
func (db *DB) AnonymizeUserData(ctx context.Context, projectID, anonymousID string) (string, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	newToken := "anon-" + uuid.New().String()

	result, err := db.conn.ExecContext(ctx,
		`UPDATE events
		 SET anonymous_id = ?, user_id = '', email = '', phone = '', external_id = '',
		     ip_address = '', user_agent = '', raw_payload = ''
		 WHERE project_id = ? AND anonymous_id = ?`,
		newToken, projectID, anonymousID,
	)
	if err != nil {
		return "", fmt.Errorf("anonymize user data: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		rows = 0
	}
	logging.Ctx(ctx).Info().
		Str("project_id", projectID).
		Int64("rows", rows).
		Msg("User data anonymized")
	return newToken, nil
}

// PurgeBefore bulk-deletes raw events and delivery log rows older than the
// cutoff for one project. Idempotent; rerunning with the same cutoff after
// the rows are gone removes nothing.
func (db *DB) PurgeBefore(ctx context.Context, projectID string, cutoff time.Time) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var total int64

	result, err := db.conn.ExecContext(ctx,
		`DELETE FROM events WHERE project_id = ? AND event_time < ?`,
		projectID, cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge events: %w", err)
	}
	if rows, raErr := result.RowsAffected(); raErr == nil {
		total += rows
	}

	result, err = db.conn.ExecContext(ctx,
		`DELETE FROM delivery_log WHERE project_id = ? AND timestamp < ?`,
		projectID, cutoff.UTC(),
	)
	if err != nil {
		return total, fmt.Errorf("purge delivery log: %w", err)
	}
	if rows, raErr := result.RowsAffected(); raErr == nil {
		total += rows
	}

	metrics.RetentionRowsPurged.Add(float64(total))
	return total, nil
}
