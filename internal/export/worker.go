// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

// Package export streams stored events into CSV or JSON-lines files and
// hands them to an object store. Rows are fetched in keyset-paginated pages
// so an export never loads a full date range into memory.
package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/trackhouse/trackhouse/internal/logging"
	"github.com/trackhouse/trackhouse/internal/metrics"
	"github.com/trackhouse/trackhouse/internal/models"
	"github.com/trackhouse/trackhouse/internal/queue"
)

// Store is the slice of the event store the worker needs.
type Store interface {
	GetExportJob(ctx context.Context, id uuid.UUID) (*models.ExportJob, error)
	UpdateExportJob(ctx context.Context, id uuid.UUID, status, resultPointer, errMsg string) error
	FetchEventPage(ctx context.Context, projectID string, rangeStart, rangeEnd, after time.Time, afterID string, limit int) ([]models.NormalizedEvent, error)
}

// Worker executes persisted export jobs.
type Worker struct {
	store    Store
	objects  ObjectStore
	pageSize int
}

// NewWorker wires the export worker. pageSize bounds rows per store fetch.
func NewWorker(store Store, objects ObjectStore, pageSize int) *Worker {
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &Worker{store: store, objects: objects, pageSize: pageSize}
}

// Run executes one export job end to end. On any failure the job row is
// marked failed with the error and no result pointer is recorded.
func (w *Worker) Run(ctx context.Context, jobID uuid.UUID) error {
	job, err := w.store.GetExportJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load export job: %w", err)
	}
	if job.Status == models.ExportStatusCompleted {
		// Redelivered job that already finished.
		return nil
	}
	if err := w.store.UpdateExportJob(ctx, jobID, models.ExportStatusRunning, "", ""); err != nil {
		return fmt.Errorf("mark export running: %w", err)
	}

	pointer, runErr := w.export(ctx, job)
	if runErr != nil {
		metrics.ExportsCompleted.WithLabelValues("failed").Inc()
		if updErr := w.store.UpdateExportJob(ctx, jobID, models.ExportStatusFailed, "", runErr.Error()); updErr != nil {
			return errors.Join(runErr, updErr)
		}
		return runErr
	}

	if err := w.store.UpdateExportJob(ctx, jobID, models.ExportStatusCompleted, pointer, ""); err != nil {
		return fmt.Errorf("mark export completed: %w", err)
	}
	metrics.ExportsCompleted.WithLabelValues("completed").Inc()
	logging.Ctx(ctx).Info().
		Str("job_id", jobID.String()).
		Str("project_id", job.ProjectID).
		Str("pointer", pointer).
		Msg("Export completed")
	return nil
}

// export spools the full file locally before uploading, so the object store
// only ever sees complete files.
func (w *Worker) export(ctx context.Context, job *models.ExportJob) (string, error) {
	spool, err := os.CreateTemp("", "trackhouse-export-*")
	if err != nil {
		return "", fmt.Errorf("create export spool: %w", err)
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spool.Name())
	}()

	var write func(events []models.NormalizedEvent) error
	var flush func() error
	switch job.Format {
	case models.ExportFormatCSV:
		cw := csv.NewWriter(spool)
		if err := cw.Write(csvHeader); err != nil {
			return "", fmt.Errorf("write csv header: %w", err)
		}
		write = func(events []models.NormalizedEvent) error {
			for i := range events {
				if err := cw.Write(csvRow(&events[i])); err != nil {
					return err
				}
			}
			return nil
		}
		flush = func() error {
			cw.Flush()
			return cw.Error()
		}
	case models.ExportFormatJSON:
		enc := json.NewEncoder(spool)
		write = func(events []models.NormalizedEvent) error {
			for i := range events {
				if err := enc.Encode(&events[i]); err != nil {
					return err
				}
			}
			return nil
		}
		flush = func() error { return nil }
	default:
		return "", fmt.Errorf("unknown export format %q", job.Format)
	}

	var after time.Time
	var afterID string
	for {
		page, err := w.store.FetchEventPage(ctx, job.ProjectID, job.RangeStart, job.RangeEnd, after, afterID, w.pageSize)
		if err != nil {
			return "", fmt.Errorf("fetch export page: %w", err)
		}
		if len(page) == 0 {
			break
		}
		if err := write(page); err != nil {
			return "", fmt.Errorf("write export rows: %w", err)
		}
		last := &page[len(page)-1]
		after, afterID = last.EventTime, last.EventID
	}
	if err := flush(); err != nil {
		return "", fmt.Errorf("flush export: %w", err)
	}

	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("rewind spool: %w", err)
	}
	key := fmt.Sprintf("exports/%s/%s.%s", job.ProjectID, job.ID, job.Format)
	pointer, err := w.objects.Put(ctx, key, spool)
	if err != nil {
		return "", fmt.Errorf("upload export: %w", err)
	}
	return pointer, nil
}

// HandleJob adapts Run to the job queue.
func (w *Worker) HandleJob(ctx context.Context, msg *message.Message) error {
	var job queue.ExportJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return queue.Terminal(fmt.Errorf("decode export job: %w", err))
	}
	id, err := uuid.Parse(job.JobID)
	if err != nil {
		return queue.Terminal(fmt.Errorf("parse export job id: %w", err))
	}
	return w.Run(ctx, id)
}

var csvHeader = []string{
	"event_id", "event_name", "event_time",
	"anonymous_id", "user_id", "session_id",
	"page_url", "referrer",
	"utm_source", "utm_medium", "utm_campaign",
	"order_id", "value", "currency",
}

func csvRow(ev *models.NormalizedEvent) []string {
	value := ""
	if ev.Value != nil {
		value = strconv.FormatFloat(*ev.Value, 'f', -1, 64)
	}
	return []string{
		ev.EventID, ev.EventName, ev.EventTime.UTC().Format(time.RFC3339),
		ev.AnonymousID, ev.UserID, ev.SessionID,
		ev.PageURL, ev.Referrer,
		ev.UTMSource, ev.UTMMedium, ev.UTMCampaign,
		ev.OrderID, value, ev.Currency,
	}
}
