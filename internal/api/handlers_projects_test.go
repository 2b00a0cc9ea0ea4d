// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/trackhouse/trackhouse/internal/models"
)

func seedEvents(t *testing.T, api *testAPI, events ...*models.NormalizedEvent) {
	t.Helper()
	inserted, dupes, err := api.db.InsertEventsBatch(context.Background(), events)
	if err != nil {
		t.Fatalf("seed events: %v", err)
	}
	if inserted != len(events) || dupes != 0 {
		t.Fatalf("seeded %d/%d events, %d duplicates", inserted, len(events), dupes)
	}
}

func storedEvent(projectID, eventID, name, anonymousID string) *models.NormalizedEvent {
	now := time.Now().UTC().Truncate(time.Second)
	return &models.NormalizedEvent{
		ID:          uuid.New(),
		ProjectID:   projectID,
		EventID:     eventID,
		EventName:   name,
		EventTime:   now,
		ReceivedAt:  now,
		AnonymousID: anonymousID,
		SessionID:   "s1",
		Email:       "user@example.com",
	}
}

func getJSON(t *testing.T, api *testAPI, path string, out any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil && rec.Code < 300 {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		// data is omitted when the payload is empty.
		if len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, out); err != nil {
				t.Fatalf("decode data: %v", err)
			}
		}
	}
	return rec
}

func postJSON(t *testing.T, api *testAPI, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, strings.NewReader(string(payload))))
	if out != nil && rec.Code < 300 {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &envelope); err != nil {
			t.Fatalf("decode envelope: %v", err)
		}
		if len(envelope.Data) > 0 {
			if err := json.Unmarshal(envelope.Data, out); err != nil {
				t.Fatalf("decode data: %v", err)
			}
		}
	}
	return rec
}

func TestProjectEventsAndStats(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t)
	seedEvents(t, api,
		storedEvent("p1", "e1", "page_view", "A1"),
		storedEvent("p1", "e2", "purchase", "A1"),
		storedEvent("p1", "e3", "page_view", "A2"),
	)

	var events []models.NormalizedEvent
	rec := getJSON(t, api, "/api/v1/projects/p1/events?limit=2", &events)
	if rec.Code != http.StatusOK {
		t.Fatalf("events status = %d", rec.Code)
	}
	if len(events) != 2 {
		t.Errorf("got %d events, want 2 (limit)", len(events))
	}

	var stats models.ProjectStats
	rec = getJSON(t, api, "/api/v1/projects/p1/stats", &stats)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rec.Code)
	}
	if stats.TotalEvents != 3 {
		t.Errorf("TotalEvents = %d, want 3", stats.TotalEvents)
	}
	if stats.ByEventName["page_view"] != 2 {
		t.Errorf("page_view count = %d, want 2", stats.ByEventName["page_view"])
	}
}

func TestProjectEndpointsUnknownProject(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t)
	for _, path := range []string{
		"/api/v1/projects/nope/events",
		"/api/v1/projects/nope/stats",
		"/api/v1/projects/nope/delivery-log",
	} {
		rec := getJSON(t, api, path, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status = %d, want 404", path, rec.Code)
		}
	}
}

func TestProjectAggregatesDateValidation(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t)

	rec := getJSON(t, api, "/api/v1/projects/p1/aggregates?date=not-a-date", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad date: status = %d, want 400", rec.Code)
	}
	rec = getJSON(t, api, "/api/v1/projects/p1/aggregates", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("missing date: status = %d, want 400", rec.Code)
	}

	var aggregates []models.DailyAggregate
	rec = getJSON(t, api, "/api/v1/projects/p1/aggregates?date=2026-08-01", &aggregates)
	if rec.Code != http.StatusOK {
		t.Errorf("valid date: status = %d, want 200", rec.Code)
	}
	if len(aggregates) != 0 {
		t.Errorf("expected no aggregates, got %d", len(aggregates))
	}
}

func TestPrivacyDeleteRemovesIdentity(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t)
	seedEvents(t, api,
		storedEvent("p1", "e1", "page_view", "A1"),
		storedEvent("p1", "e2", "purchase", "A1"),
		storedEvent("p1", "e3", "page_view", "A2"),
	)

	var result map[string]int64
	rec := postJSON(t, api, "/api/v1/projects/p1/privacy/delete", privacyRequest{AnonymousID: "A1"}, &result)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if result["removed_events"] != 2 {
		t.Errorf("removed_events = %d, want 2", result["removed_events"])
	}

	stats, err := api.db.GetProjectStats(context.Background(), "p1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEvents != 1 {
		t.Errorf("remaining events = %d, want 1", stats.TotalEvents)
	}
}

func TestPrivacyAnonymizeReturnsToken(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t)
	seedEvents(t, api, storedEvent("p1", "e1", "purchase", "A1"))

	var result map[string]string
	rec := postJSON(t, api, "/api/v1/projects/p1/privacy/anonymize", privacyRequest{AnonymousID: "A1"}, &result)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	token := result["anonymized_token"]
	if token == "" || token == "A1" {
		t.Errorf("anonymized_token = %q, want a fresh token", token)
	}

	// Totals survive anonymization.
	stats, err := api.db.GetProjectStats(context.Background(), "p1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.TotalEvents != 1 {
		t.Errorf("TotalEvents = %d, want 1", stats.TotalEvents)
	}
}

func TestPrivacyRequiresAnonymousID(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t)
	rec := postJSON(t, api, "/api/v1/projects/p1/privacy/delete", privacyRequest{}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestExportLifecycleOverHTTP(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t)

	var job models.ExportJob
	rec := postJSON(t, api, "/api/v1/projects/p1/exports", exportRequest{
		RangeStart: time.Now().Add(-24 * time.Hour),
		RangeEnd:   time.Now(),
		Format:     models.ExportFormatCSV,
	}, &job)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("create status = %d, body %s", rec.Code, rec.Body.String())
	}
	if job.ID == uuid.Nil || job.Status != models.ExportStatusQueued || job.Type != "events" {
		t.Errorf("unexpected job: %+v", job)
	}

	var fetched models.ExportJob
	rec = getJSON(t, api, "/api/v1/projects/p1/exports/"+job.ID.String(), &fetched)
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d", rec.Code)
	}
	if fetched.ID != job.ID || fetched.ProjectID != "p1" {
		t.Errorf("fetched wrong job: %+v", fetched)
	}

	// Another tenant cannot read it.
	rec = getJSON(t, api, "/api/v1/projects/p2/exports/"+job.ID.String(), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("cross-project get: status = %d, want 404", rec.Code)
	}
}

func TestCreateExportValidation(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t)

	rec := postJSON(t, api, "/api/v1/projects/p1/exports", exportRequest{
		RangeStart: time.Now().Add(-time.Hour),
		RangeEnd:   time.Now(),
		Format:     "xml",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad format: status = %d, want 400", rec.Code)
	}

	rec = postJSON(t, api, "/api/v1/projects/p1/exports", exportRequest{
		RangeStart: time.Now(),
		RangeEnd:   time.Now().Add(-time.Hour),
		Format:     models.ExportFormatCSV,
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("inverted range: status = %d, want 400", rec.Code)
	}

	rec = getJSON(t, api, "/api/v1/projects/p1/exports/not-a-uuid", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad job id: status = %d, want 400", rec.Code)
	}

	rec = getJSON(t, api, "/api/v1/projects/p1/exports/"+uuid.NewString(), nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing job: status = %d, want 404", rec.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t)

	rec := getJSON(t, api, "/api/v1/health/live", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("live: status = %d", rec.Code)
	}
	rec = getJSON(t, api, "/api/v1/health/ready", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("ready: status = %d", rec.Code)
	}
}

func TestJobsHistoryEndpoint(t *testing.T) {
	t.Parallel()

	api := newTestAPI(t)
	var entries []any
	rec := getJSON(t, api, "/api/v1/jobs/history", &entries)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(entries) != 0 {
		t.Errorf("expected empty history, got %d entries", len(entries))
	}
}
