// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/trackhouse/trackhouse/internal/config"
	"github.com/trackhouse/trackhouse/internal/models"
	"github.com/trackhouse/trackhouse/internal/queue"
	"github.com/trackhouse/trackhouse/internal/store"
)

// resolveProject loads the project from the URL or writes a 404.
func (h *Handler) resolveProject(w http.ResponseWriter, r *http.Request) (*config.ProjectConfig, bool) {
	project, err := h.registry.ByID(chi.URLParam(r, "projectID"))
	if err != nil {
		respondError(w, http.StatusNotFound, "UNKNOWN_PROJECT", "project not found", nil)
		return nil, false
	}
	return project, true
}

func intQueryParam(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

// ProjectEvents returns a project's newest events.
func (h *Handler) ProjectEvents(w http.ResponseWriter, r *http.Request) {
	project, ok := h.resolveProject(w, r)
	if !ok {
		return
	}
	limit := intQueryParam(r, "limit", 100)
	offset := intQueryParam(r, "offset", 0)

	events, err := h.db.GetRecentEvents(r.Context(), project.ID, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to query events", err)
		return
	}
	respondData(w, http.StatusOK, events)
}

// ProjectStats returns event totals and per-name counts.
func (h *Handler) ProjectStats(w http.ResponseWriter, r *http.Request) {
	project, ok := h.resolveProject(w, r)
	if !ok {
		return
	}
	stats, err := h.db.GetProjectStats(r.Context(), project.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to query stats", err)
		return
	}
	respondData(w, http.StatusOK, stats)
}

// ProjectAggregates returns the daily rollup for ?date=YYYY-MM-DD.
func (h *Handler) ProjectAggregates(w http.ResponseWriter, r *http.Request) {
	project, ok := h.resolveProject(w, r)
	if !ok {
		return
	}
	date, err := time.Parse("2006-01-02", r.URL.Query().Get("date"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_DATE", "date must be YYYY-MM-DD", nil)
		return
	}
	aggregates, err := h.db.GetDailyAggregates(r.Context(), project.ID, date)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to query aggregates", err)
		return
	}
	respondData(w, http.StatusOK, aggregates)
}

// ProjectDeliveryLog returns the newest delivery log entries.
func (h *Handler) ProjectDeliveryLog(w http.ResponseWriter, r *http.Request) {
	project, ok := h.resolveProject(w, r)
	if !ok {
		return
	}
	entries, err := h.db.GetDeliveryLog(r.Context(), project.ID, intQueryParam(r, "limit", 100))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to query delivery log", err)
		return
	}
	respondData(w, http.StatusOK, entries)
}

type privacyRequest struct {
	AnonymousID string `json:"anonymous_id"`
}

func decodePrivacyRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req privacyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AnonymousID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "anonymous_id is required", nil)
		return "", false
	}
	return req.AnonymousID, true
}

// PrivacyDelete removes every event belonging to one identity.
func (h *Handler) PrivacyDelete(w http.ResponseWriter, r *http.Request) {
	project, ok := h.resolveProject(w, r)
	if !ok {
		return
	}
	anonymousID, ok := decodePrivacyRequest(w, r)
	if !ok {
		return
	}
	removed, err := h.db.DeleteUserData(r.Context(), project.ID, anonymousID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to delete user data", err)
		return
	}
	respondData(w, http.StatusOK, map[string]int64{"removed_events": removed})
}

// PrivacyAnonymize rewrites one identity to a fresh anonymous token and
// scrubs PII while preserving aggregate counts.
func (h *Handler) PrivacyAnonymize(w http.ResponseWriter, r *http.Request) {
	project, ok := h.resolveProject(w, r)
	if !ok {
		return
	}
	anonymousID, ok := decodePrivacyRequest(w, r)
	if !ok {
		return
	}
	token, err := h.db.AnonymizeUserData(r.Context(), project.ID, anonymousID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to anonymize user data", err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"anonymized_token": token})
}

type exportRequest struct {
	Type       string    `json:"type"`
	RangeStart time.Time `json:"range_start"`
	RangeEnd   time.Time `json:"range_end"`
	Format     string    `json:"format"`
}

// CreateExport persists an export job and enqueues its run.
func (h *Handler) CreateExport(w http.ResponseWriter, r *http.Request) {
	project, ok := h.resolveProject(w, r)
	if !ok {
		return
	}
	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_REQUEST", "request body is not a valid export request", err)
		return
	}
	if req.Format != models.ExportFormatCSV && req.Format != models.ExportFormatJSON {
		respondError(w, http.StatusBadRequest, "INVALID_FORMAT", "format must be csv or json", nil)
		return
	}
	if !req.RangeStart.Before(req.RangeEnd) {
		respondError(w, http.StatusBadRequest, "INVALID_RANGE", "range_start must precede range_end", nil)
		return
	}
	if req.Type == "" {
		req.Type = "events"
	}

	job := &models.ExportJob{
		ProjectID:  project.ID,
		Type:       req.Type,
		RangeStart: req.RangeStart,
		RangeEnd:   req.RangeEnd,
		Format:     req.Format,
	}
	if err := h.db.InsertExportJob(r.Context(), job); err != nil {
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to create export job", err)
		return
	}
	if err := h.scheduler.EnqueueExport(r.Context(), queue.ExportJob{JobID: job.ID.String()}); err != nil {
		respondError(w, http.StatusInternalServerError, "QUEUE_ERROR", "failed to enqueue export job", err)
		return
	}
	respondData(w, http.StatusAccepted, job)
}

// GetExport returns one export job's state.
func (h *Handler) GetExport(w http.ResponseWriter, r *http.Request) {
	project, ok := h.resolveProject(w, r)
	if !ok {
		return
	}
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_JOB_ID", "job id must be a UUID", nil)
		return
	}
	job, err := h.db.GetExportJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrExportJobNotFound) {
			respondError(w, http.StatusNotFound, "UNKNOWN_JOB", "export job not found", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to query export job", err)
		return
	}
	if job.ProjectID != project.ID {
		respondError(w, http.StatusNotFound, "UNKNOWN_JOB", "export job not found", nil)
		return
	}
	respondData(w, http.StatusOK, job)
}
