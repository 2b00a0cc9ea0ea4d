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
	"time"

	"github.com/google/uuid"

	"github.com/trackhouse/trackhouse/internal/models"
)

// ErrExportJobNotFound is returned when an export job ID is unknown.
var ErrExportJobNotFound = errors.New("export job not found")

// InsertExportJob records a new export request in the queued state.
func (db *DB) InsertExportJob(ctx context.Context, job *models.ExportJob) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.ExportStatusQueued
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO export_jobs
			(id, project_id, type, range_start, range_end, format, status, result_pointer, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ProjectID, job.Type, job.RangeStart.UTC(), job.RangeEnd.UTC(),
		job.Format, job.Status, job.ResultPointer, job.Error, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert export job: %w", err)
	}
	return nil
}

// UpdateExportJob transitions a job's status. A completed job records its
// result pointer; a failed job records the error and no pointer.
func (db *DB) UpdateExportJob(ctx context.Context, id uuid.UUID, status, resultPointer, errMsg string) error {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	result, err := db.conn.ExecContext(ctx,
		`UPDATE export_jobs SET status = ?, result_pointer = ?, error = ?, updated_at = ? WHERE id = ?`,
		status, resultPointer, errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update export job: %w", err)
	}
	rows, err := result.RowsAffected()
	if err == nil && rows == 0 {
		return ErrExportJobNotFound
	}
	return nil
}

// GetExportJob loads one export job by ID.
func (db *DB) GetExportJob(ctx context.Context, id uuid.UUID) (*models.ExportJob, error) {
	ctx, cancel := db.ensureContext(ctx)
	defer cancel()

	row := db.conn.QueryRowContext(ctx,
		`SELECT id, project_id, type, range_start, range_end, format, status, result_pointer, error, created_at, updated_at
		 FROM export_jobs WHERE id = ?`,
		id,
	)
	job := &models.ExportJob{}
	err := row.Scan(&job.ID, &job.ProjectID, &job.Type, &job.RangeStart, &job.RangeEnd,
		&job.Format, &job.Status, &job.ResultPointer, &job.Error, &job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrExportJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query export job: %w", err)
	}
	return job, nil
}
