// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/trackhouse/trackhouse/internal/config"
	"github.com/trackhouse/trackhouse/internal/gate"
	"github.com/trackhouse/trackhouse/internal/logging"
	"github.com/trackhouse/trackhouse/internal/metrics"
	"github.com/trackhouse/trackhouse/internal/models"
	"github.com/trackhouse/trackhouse/internal/normalizer"
	"github.com/trackhouse/trackhouse/internal/queue"
)

// Ingestion request headers.
const (
	HeaderAPIKey    = "X-Trackhouse-Key"
	HeaderTimestamp = "X-Trackhouse-Timestamp"
	HeaderSignature = "X-Trackhouse-Signature"
)

// maxIngestBody bounds the raw request size ahead of the batch size check.
const maxIngestBody = 4 << 20

type ingestRequest struct {
	Events []models.RawEvent `json:"events"`
}

// Ingest accepts one signed event batch. Batch-level failures (auth,
// signature, rate limit, shape) reject the whole request; event-level
// failures quarantine or deduplicate individual events while the rest of
// the batch lands.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := time.Now()
	defer func() {
		metrics.IngestDuration.Observe(time.Since(start).Seconds())
	}()

	project, err := h.registry.ByAPIKey(r.Header.Get(HeaderAPIKey))
	if err != nil {
		metrics.BatchesReceived.WithLabelValues("auth_rejected").Inc()
		respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unknown API key", nil)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxIngestBody+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "READ_ERROR", "failed to read request body", err)
		return
	}
	if len(body) > maxIngestBody {
		metrics.BatchesReceived.WithLabelValues("too_large").Inc()
		respondError(w, http.StatusRequestEntityTooLarge, "BODY_TOO_LARGE", "request body exceeds limit", nil)
		return
	}

	timestamp := r.Header.Get(HeaderTimestamp)
	if err := h.verifier.VerifyRequest(project.ID, r.Header.Get(HeaderSignature), timestamp, body); err != nil {
		metrics.BatchesReceived.WithLabelValues("signature_rejected").Inc()
		respondError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed", err)
		return
	}

	limit := project.RateLimit
	if limit <= 0 {
		limit = h.cfg.Gate.RateLimit
	}
	if err := h.gate.CheckRateLimit(ctx, project.ID, limit); err != nil {
		if errors.Is(err, gate.ErrRateLimited) {
			metrics.BatchesReceived.WithLabelValues("rate_limited").Inc()
			respondError(w, http.StatusTooManyRequests, "RATE_LIMITED", "project rate limit exceeded", nil)
			return
		}
		respondError(w, http.StatusInternalServerError, "GATE_ERROR", "rate limit check failed", err)
		return
	}

	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		metrics.BatchesReceived.WithLabelValues("malformed").Inc()
		respondError(w, http.StatusBadRequest, "MALFORMED_BATCH", "request body is not a valid batch", err)
		return
	}
	if len(req.Events) == 0 {
		metrics.BatchesReceived.WithLabelValues("malformed").Inc()
		respondError(w, http.StatusBadRequest, "EMPTY_BATCH", "batch contains no events", nil)
		return
	}
	if maxEvents := h.cfg.Ingest.MaxBatchSize; len(req.Events) > maxEvents {
		metrics.BatchesReceived.WithLabelValues("too_large").Inc()
		respondError(w, http.StatusBadRequest, "BATCH_TOO_LARGE",
			fmt.Sprintf("batch exceeds %d events", maxEvents), nil)
		return
	}

	batch := &models.IncomingEventBatch{
		RequestID: logging.RequestIDFromContext(ctx),
		ProjectID: project.ID,
		RawBody:   body,
		Events:    req.Events,
	}
	result := h.norm.NormalizeBatch(batch, clientIP(r), r.UserAgent())

	// Dedup keys claimed for this request. They are only final once the
	// batch commits; until then a failure must hand them back so an
	// identical client retry is not swallowed as a duplicate.
	accepted := make([]*models.NormalizedEvent, 0, len(result.Accepted))
	claims := make([]dedupeClaim, 0, len(result.Accepted))
	deduplicated := 0
	for _, ev := range result.Accepted {
		first, err := h.gate.CheckDedupe(ctx, project.ID, ev.EventID, gate.DedupeGeneric)
		if err != nil {
			h.releaseClaims(ctx, project.ID, claims)
			respondError(w, http.StatusInternalServerError, "GATE_ERROR", "dedupe check failed", err)
			return
		}
		if !first {
			deduplicated++
			continue
		}
		claims = append(claims, dedupeClaim{key: ev.EventID, kind: gate.DedupeGeneric})
		if ev.OrderID != "" {
			firstOrder, err := h.gate.CheckDedupe(ctx, project.ID, ev.OrderID, gate.DedupeCommerce)
			if err != nil {
				h.releaseClaims(ctx, project.ID, claims)
				respondError(w, http.StatusInternalServerError, "GATE_ERROR", "order dedupe check failed", err)
				return
			}
			if !firstOrder {
				deduplicated++
				continue
			}
			claims = append(claims, dedupeClaim{key: ev.OrderID, kind: gate.DedupeCommerce})
		}
		accepted = append(accepted, ev)
	}

	inserted, duplicates, err := h.db.InsertEventsBatch(ctx, accepted)
	if err != nil {
		h.releaseClaims(ctx, project.ID, claims)
		respondError(w, http.StatusInternalServerError, "STORE_ERROR", "failed to store events", err)
		return
	}
	deduplicated += duplicates

	for _, invalid := range result.Quarantined {
		if err := h.db.InsertInvalidEvent(ctx, invalid); err != nil {
			logging.Ctx(ctx).Error().Err(err).Msg("Failed to quarantine event")
		}
	}

	h.enqueueConversions(ctx, &project.Integration, accepted)

	metrics.BatchesReceived.WithLabelValues("accepted").Inc()
	metrics.EventsIngested.WithLabelValues("accepted").Add(float64(inserted))
	metrics.EventsIngested.WithLabelValues("quarantined").Add(float64(len(result.Quarantined)))
	metrics.EventsIngested.WithLabelValues("deduplicated").Add(float64(deduplicated))

	respondData(w, http.StatusAccepted, models.IngestResult{
		Accepted:     inserted,
		Quarantined:  len(result.Quarantined),
		Deduplicated: deduplicated,
	})
}

type dedupeClaim struct {
	key  string
	kind gate.DedupeKind
}

// releaseClaims hands dedup keys back after a failed batch. A key that
// cannot be released stays claimed until its TTL expires; that retry window
// loss is logged rather than surfaced.
func (h *Handler) releaseClaims(ctx context.Context, projectID string, claims []dedupeClaim) {
	for _, c := range claims {
		if err := h.gate.ReleaseDedupe(ctx, projectID, c.key, c.kind); err != nil {
			logging.Ctx(ctx).Error().
				Err(err).
				Str("project_id", projectID).
				Str("key", c.key).
				Msg("Failed to release dedup claim")
		}
	}
}

// enqueueConversions schedules delivery for stored events that qualify.
// Enqueue failures are logged, never surfaced to the client; the batch is
// already durable at this point.
func (h *Handler) enqueueConversions(ctx context.Context, integration *config.IntegrationConfig, events []*models.NormalizedEvent) {
	for _, ev := range events {
		if !normalizer.Eligible(ev, integration) {
			continue
		}
		if _, err := h.scheduler.EnqueueConversion(ctx, queue.ConversionJob{
			ProjectID: ev.ProjectID,
			EventID:   ev.EventID,
		}); err != nil {
			logging.Ctx(ctx).Error().
				Err(err).
				Str("event_id", ev.EventID).
				Msg("Failed to enqueue conversion")
		}
	}
}

func clientIP(r *http.Request) string {
	return r.RemoteAddr
}
