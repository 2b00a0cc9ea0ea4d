// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trackhouse/trackhouse/internal/middleware"
)

// NewRouter builds the full route tree. The per-IP httprate guard is a
// coarse abuse stop in front of the per-project gate inside the ingest
// handler.
func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestIDWithLogging())
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(h.cfg.Server.RequestTimeout))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.cfg.Server.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", HeaderAPIKey, HeaderTimestamp, HeaderSignature},
		AllowCredentials: false,
		MaxAge:           86400,
	}))
	r.Use(middleware.PrometheusMetrics(middleware.ChiRoutePattern))

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/health", func(r chi.Router) {
			r.Get("/live", h.HealthLive)
			r.Get("/ready", h.HealthReady)
		})

		r.Group(func(r chi.Router) {
			if h.cfg.Server.IPRateLimit > 0 {
				r.Use(httprate.LimitByIP(h.cfg.Server.IPRateLimit, h.cfg.Server.IPRateWindow))
			}
			r.Post("/ingest", h.Ingest)
		})

		r.Get("/jobs/history", h.JobsHistory)

		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Get("/events", h.ProjectEvents)
			r.Get("/stats", h.ProjectStats)
			r.Get("/aggregates", h.ProjectAggregates)
			r.Get("/delivery-log", h.ProjectDeliveryLog)

			r.Post("/privacy/delete", h.PrivacyDelete)
			r.Post("/privacy/anonymize", h.PrivacyAnonymize)

			r.Post("/exports", h.CreateExport)
			r.Get("/exports/{jobID}", h.GetExport)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
