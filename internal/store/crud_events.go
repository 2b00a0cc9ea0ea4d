// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/trackhouse/trackhouse/internal/logging"
	"github.com/trackhouse/trackhouse/internal/metrics"
	"github.com/trackhouse/trackhouse/internal/models"
)

// ErrEventNotFound is returned when a (project, event) lookup matches no row.
var ErrEventNotFound = errors.New("event not found")

const eventColumns = `id, project_id, event_id, event_name, event_time, received_at,
	anonymous_id, user_id, session_id, page_url, referrer,
	utm_source, utm_medium, utm_campaign, consent,
	order_id, value, currency, email, phone, external_id,
	ip_address, user_agent, raw_payload, created_at`

// InsertEventsBatch writes a normalized batch inside one transaction using a
// prepared statement. Rows violating the (project_id, event_id) unique index
// are skipped via ON CONFLICT DO NOTHING and counted as duplicates.
func (db *DB) InsertEventsBatch(ctx context.Context, events []*models.NormalizedEvent) (inserted, duplicates int, err error) {
	if len(events) == 0 {
		return 0, 0, nil
	}
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	start := time.Now()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				logging.Error().Err(rbErr).AnErr("original_error", err).Msg("Transaction rollback failed")
			}
		}
	}()

	query := `INSERT INTO events (` + eventColumns + `) VALUES (
		?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
	) ON CONFLICT DO NOTHING`

	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return 0, 0, fmt.Errorf("prepare statement: %w", err)
	}
	defer func() {
		if closeErr := stmt.Close(); closeErr != nil {
			logging.Warn().Err(closeErr).Msg("Failed to close prepared statement")
		}
	}()

	now := time.Now().UTC()
	for _, event := range events {
		if event.ID == uuid.Nil {
			event.ID = uuid.New()
		}
		if event.CreatedAt.IsZero() {
			event.CreatedAt = now
		}

		var value sql.NullFloat64
		if event.Value != nil {
			value = sql.NullFloat64{Float64: *event.Value, Valid: true}
		}

		result, execErr := stmt.ExecContext(ctx,
			event.ID, event.ProjectID, event.EventID, event.EventName,
			event.EventTime.UTC(), event.ReceivedAt.UTC(),
			event.AnonymousID, event.UserID, event.SessionID,
			event.PageURL, event.Referrer,
			event.UTMSource, event.UTMMedium, event.UTMCampaign,
			strings.Join(event.Consent, ","),
			event.OrderID, value, event.Currency,
			event.Email, event.Phone, event.ExternalID,
			event.IPAddress, event.UserAgent, event.RawPayload,
			event.CreatedAt.UTC(),
		)
		if execErr != nil {
			err = fmt.Errorf("insert event %s: %w", event.EventID, execErr)
			return 0, 0, err
		}

		affected, raErr := result.RowsAffected()
		if raErr != nil || affected > 0 {
			inserted++
		} else {
			duplicates++
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit transaction: %w", err)
	}

	metrics.StoreBatchDuration.Observe(time.Since(start).Seconds())
	metrics.StoreRowsWritten.WithLabelValues("events").Add(float64(inserted))
	return inserted, duplicates, nil
}

// InsertInvalidEvent quarantines a malformed event. Quarantine rows are
// never auto-retried.
func (db *DB) InsertInvalidEvent(ctx context.Context, entry *models.InvalidEvent) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.ReceivedAt.IsZero() {
		entry.ReceivedAt = time.Now().UTC()
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO invalid_events (id, request_id, project_id, reason, raw_payload, received_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.RequestID, entry.ProjectID, entry.Reason, entry.RawPayload, entry.ReceivedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert invalid event: %w", err)
	}
	metrics.StoreRowsWritten.WithLabelValues("invalid_events").Inc()
	return nil
}

// GetEvent loads one stored event by its client-supplied identifier.
// Returns ErrEventNotFound when the (project, event) pair does not exist.
func (db *DB) GetEvent(ctx context.Context, projectID, eventID string) (*models.NormalizedEvent, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE project_id = ? AND event_id = ?`,
		projectID, eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("query event: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Warn().Err(closeErr).Msg("Failed to close rows")
		}
	}()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, ErrEventNotFound
	}
	return &events[0], nil
}

// GetRecentEvents returns a project's newest events for the read-only API.
func (db *DB) GetRecentEvents(ctx context.Context, projectID string, limit, offset int) ([]models.NormalizedEvent, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE project_id = ?
		 ORDER BY event_time DESC, event_id DESC
		 LIMIT ? OFFSET ?`,
		projectID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Warn().Err(closeErr).Msg("Failed to close rows")
		}
	}()

	return scanEvents(rows)
}

// FetchEventPage returns one bounded page of a project's events within
// [rangeStart, rangeEnd), using keyset pagination on (event_time, event_id).
// Pass zero values for after/afterID to fetch the first page.
func (db *DB) FetchEventPage(ctx context.Context, projectID string, rangeStart, rangeEnd time.Time, after time.Time, afterID string, limit int) ([]models.NormalizedEvent, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if limit <= 0 {
		limit = 1000
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE project_id = ?
		   AND event_time >= ? AND event_time < ?
		   AND (event_time > ? OR (event_time = ? AND event_id > ?))
		 ORDER BY event_time ASC, event_id ASC
		 LIMIT ?`,
		projectID, rangeStart.UTC(), rangeEnd.UTC(), after.UTC(), after.UTC(), afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query event page: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Warn().Err(closeErr).Msg("Failed to close rows")
		}
	}()

	return scanEvents(rows)
}

// GetProjectStats returns total and per-event-name counts for a project.
func (db *DB) GetProjectStats(ctx context.Context, projectID string) (*models.ProjectStats, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	stats := &models.ProjectStats{
		ProjectID:   projectID,
		ByEventName: make(map[string]int64),
	}

	row := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(event_time), MAX(event_time) FROM events WHERE project_id = ?`,
		projectID,
	)
	var first, last sql.NullTime
	if err := row.Scan(&stats.TotalEvents, &first, &last); err != nil {
		return nil, fmt.Errorf("query project totals: %w", err)
	}
	if first.Valid {
		stats.FirstEvent = &first.Time
	}
	if last.Valid {
		stats.LastEvent = &last.Time
	}

	rows, err := db.conn.QueryContext(ctx,
		`SELECT event_name, COUNT(*) FROM events WHERE project_id = ? GROUP BY event_name`,
		projectID,
	)
	if err != nil {
		return nil, fmt.Errorf("query per-event counts: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logging.Warn().Err(closeErr).Msg("Failed to close rows")
		}
	}()
	for rows.Next() {
		var name string
		var count int64
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("scan event count: %w", err)
		}
		stats.ByEventName[name] = count
	}
	return stats, rows.Err()
}

// GetUserEventCount counts a project's events attributed to an anonymous ID.
func (db *DB) GetUserEventCount(ctx context.Context, projectID, anonymousID string) (int64, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	var count int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE project_id = ? AND anonymous_id = ?`,
		projectID, anonymousID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("query user event count: %w", err)
	}
	return count, nil
}

// scanEvents reads event rows into models.
func scanEvents(rows *sql.Rows) ([]models.NormalizedEvent, error) {
	var events []models.NormalizedEvent
	for rows.Next() {
		var e models.NormalizedEvent
		var consent string
		var value sql.NullFloat64
		if err := rows.Scan(
			&e.ID, &e.ProjectID, &e.EventID, &e.EventName, &e.EventTime, &e.ReceivedAt,
			&e.AnonymousID, &e.UserID, &e.SessionID, &e.PageURL, &e.Referrer,
			&e.UTMSource, &e.UTMMedium, &e.UTMCampaign, &consent,
			&e.OrderID, &value, &e.Currency, &e.Email, &e.Phone, &e.ExternalID,
			&e.IPAddress, &e.UserAgent, &e.RawPayload, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if consent != "" {
			e.Consent = strings.Split(consent, ",")
		}
		if value.Valid {
			v := value.Float64
			e.Value = &v
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
