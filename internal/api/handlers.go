// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

// Package api exposes the ingestion endpoint, the read-only collaborator
// surface, privacy operations, and export management over a chi router.
package api

import (
	"net/http"

	"github.com/trackhouse/trackhouse/internal/config"
	"github.com/trackhouse/trackhouse/internal/gate"
	"github.com/trackhouse/trackhouse/internal/normalizer"
	"github.com/trackhouse/trackhouse/internal/queue"
	"github.com/trackhouse/trackhouse/internal/signature"
	"github.com/trackhouse/trackhouse/internal/store"
	"github.com/trackhouse/trackhouse/internal/tenant"
)

// Handler owns the HTTP handlers and their collaborators.
type Handler struct {
	cfg       *config.Config
	db        *store.DB
	gate      *gate.Gate
	norm      *normalizer.Normalizer
	verifier  *signature.Verifier
	registry  tenant.Registry
	scheduler *queue.Scheduler
}

// NewHandler wires the API handlers.
func NewHandler(
	cfg *config.Config,
	db *store.DB,
	g *gate.Gate,
	norm *normalizer.Normalizer,
	verifier *signature.Verifier,
	registry tenant.Registry,
	scheduler *queue.Scheduler,
) *Handler {
	return &Handler{
		cfg:       cfg,
		db:        db,
		gate:      g,
		norm:      norm,
		verifier:  verifier,
		registry:  registry,
		scheduler: scheduler,
	}
}

// HealthLive reports process liveness.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HealthReady reports readiness: the event store must answer a ping.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "NOT_READY", "event store unavailable", err)
		return
	}
	respondData(w, http.StatusOK, map[string]string{"status": "ready"})
}

// JobsHistory returns the finished-job ring, newest first.
func (h *Handler) JobsHistory(w http.ResponseWriter, r *http.Request) {
	respondData(w, http.StatusOK, h.scheduler.History())
}
