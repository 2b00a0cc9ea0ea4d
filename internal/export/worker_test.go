// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/trackhouse/trackhouse/internal/models"
)

type fakeStore struct {
	mu     sync.Mutex
	jobs   map[uuid.UUID]*models.ExportJob
	events []models.NormalizedEvent
}

func newFakeStore(job *models.ExportJob, events []models.NormalizedEvent) *fakeStore {
	sort.Slice(events, func(i, j int) bool {
		if !events[i].EventTime.Equal(events[j].EventTime) {
			return events[i].EventTime.Before(events[j].EventTime)
		}
		return events[i].EventID < events[j].EventID
	})
	return &fakeStore{
		jobs:   map[uuid.UUID]*models.ExportJob{job.ID: job},
		events: events,
	}
}

func (s *fakeStore) GetExportJob(_ context.Context, id uuid.UUID) (*models.ExportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.New("export job not found")
	}
	cp := *job
	return &cp, nil
}

func (s *fakeStore) UpdateExportJob(_ context.Context, id uuid.UUID, status, pointer, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	job.Status = status
	job.ResultPointer = pointer
	job.Error = errMsg
	return nil
}

func (s *fakeStore) FetchEventPage(_ context.Context, projectID string, rangeStart, rangeEnd, after time.Time, afterID string, limit int) ([]models.NormalizedEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var page []models.NormalizedEvent
	for _, ev := range s.events {
		if ev.ProjectID != projectID {
			continue
		}
		if ev.EventTime.Before(rangeStart) || !ev.EventTime.Before(rangeEnd) {
			continue
		}
		if !(ev.EventTime.After(after) || (ev.EventTime.Equal(after) && ev.EventID > afterID)) {
			continue
		}
		page = append(page, ev)
		if len(page) == limit {
			break
		}
	}
	return page, nil
}

func (s *fakeStore) job(id uuid.UUID) models.ExportJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func exportFixture(format string, count int) (*models.ExportJob, []models.NormalizedEvent) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	job := &models.ExportJob{
		ID:         uuid.New(),
		ProjectID:  "p1",
		Type:       "events",
		RangeStart: base,
		RangeEnd:   base.AddDate(0, 0, 1),
		Format:     format,
		Status:     models.ExportStatusQueued,
	}
	var events []models.NormalizedEvent
	for i := 0; i < count; i++ {
		events = append(events, models.NormalizedEvent{
			ProjectID:   "p1",
			EventID:     fmt.Sprintf("e%03d", i),
			EventName:   "page_view",
			EventTime:   base.Add(time.Duration(i) * time.Minute),
			AnonymousID: "A1",
		})
	}
	return job, events
}

func TestRunCSVExport(t *testing.T) {
	t.Parallel()

	job, events := exportFixture(models.ExportFormatCSV, 7)
	store := newFakeStore(job, events)
	objects := NewMemoryStore()
	// Page size of 3 forces several keyset pages.
	w := NewWorker(store, objects, 3)

	if err := w.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := store.job(job.ID)
	if got.Status != models.ExportStatusCompleted {
		t.Fatalf("status = %q, want completed", got.Status)
	}
	wantKey := fmt.Sprintf("exports/p1/%s.csv", job.ID)
	if got.ResultPointer != "mem://"+wantKey {
		t.Errorf("pointer = %q, want mem://%s", got.ResultPointer, wantKey)
	}

	obj, err := objects.Get(context.Background(), wantKey)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	defer obj.Close()

	records, err := csv.NewReader(obj).ReadAll()
	if err != nil {
		t.Fatalf("parse csv: %v", err)
	}
	if len(records) != 8 { // header + 7 rows
		t.Fatalf("got %d csv records, want 8", len(records))
	}
	if records[0][0] != "event_id" {
		t.Errorf("missing header row: %v", records[0])
	}
	if records[1][0] != "e000" || records[7][0] != "e006" {
		t.Errorf("rows out of order: first=%v last=%v", records[1], records[7])
	}
}

func TestRunJSONExport(t *testing.T) {
	t.Parallel()

	job, events := exportFixture(models.ExportFormatJSON, 4)
	store := newFakeStore(job, events)
	objects := NewMemoryStore()
	w := NewWorker(store, objects, 2)

	if err := w.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("run: %v", err)
	}

	key := fmt.Sprintf("exports/p1/%s.json", job.ID)
	obj, err := objects.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("read object: %v", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d json lines, want 4", len(lines))
	}
	if !strings.Contains(lines[0], `"event_id":"e000"`) {
		t.Errorf("first line wrong: %s", lines[0])
	}
}

type failingObjects struct{}

func (failingObjects) Put(context.Context, string, io.Reader) (string, error) {
	return "", errors.New("upload refused")
}

func (failingObjects) Get(context.Context, string) (io.ReadCloser, error) {
	return nil, ErrObjectNotFound
}

func TestRunFailureRecordsNoPointer(t *testing.T) {
	t.Parallel()

	job, events := exportFixture(models.ExportFormatCSV, 2)
	store := newFakeStore(job, events)
	w := NewWorker(store, failingObjects{}, 10)

	if err := w.Run(context.Background(), job.ID); err == nil {
		t.Fatal("expected upload failure")
	}

	got := store.job(job.ID)
	if got.Status != models.ExportStatusFailed {
		t.Errorf("status = %q, want failed", got.Status)
	}
	if got.ResultPointer != "" {
		t.Errorf("failed job recorded pointer %q", got.ResultPointer)
	}
	if !strings.Contains(got.Error, "upload refused") {
		t.Errorf("error not recorded: %q", got.Error)
	}
}

func TestRunCompletedJobIsNoOp(t *testing.T) {
	t.Parallel()

	job, events := exportFixture(models.ExportFormatCSV, 1)
	job.Status = models.ExportStatusCompleted
	job.ResultPointer = "mem://already"
	store := newFakeStore(job, events)
	w := NewWorker(store, failingObjects{}, 10)

	if err := w.Run(context.Background(), job.ID); err != nil {
		t.Fatalf("rerun of completed job: %v", err)
	}
	if got := store.job(job.ID); got.ResultPointer != "mem://already" {
		t.Errorf("completed job was mutated: %+v", got)
	}
}

func TestFilesystemStoreRoundTrip(t *testing.T) {
	t.Parallel()

	fs, err := NewFilesystemStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx := context.Background()
	pointer, err := fs.Put(ctx, "exports/p1/x.csv", strings.NewReader("a,b\n1,2\n"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !strings.HasPrefix(pointer, "file://") {
		t.Errorf("pointer = %q, want file:// prefix", pointer)
	}

	obj, err := fs.Get(ctx, "exports/p1/x.csv")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer obj.Close()
	data, err := io.ReadAll(obj)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "a,b\n1,2\n" {
		t.Errorf("round trip lost data: %q", data)
	}

	if _, err := fs.Get(ctx, "exports/p1/missing.csv"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("missing key: got %v, want ErrObjectNotFound", err)
	}

	// Path traversal stays inside the root.
	if _, err := fs.Put(ctx, "../outside.txt", strings.NewReader("x")); err != nil {
		t.Fatalf("put traversal key: %v", err)
	}
	if _, err := fs.Get(ctx, "outside.txt"); err != nil {
		t.Errorf("traversal key not confined to root: %v", err)
	}
}
