// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

// Command server runs the Trackhouse pipeline: the signed ingestion
// endpoint, the dedup/rate-limit gate, the job queues with their workers,
// and the read-only collaborator API, all under one supervisor tree.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trackhouse/trackhouse/internal/aggregate"
	"github.com/trackhouse/trackhouse/internal/api"
	"github.com/trackhouse/trackhouse/internal/config"
	"github.com/trackhouse/trackhouse/internal/delivery"
	"github.com/trackhouse/trackhouse/internal/export"
	"github.com/trackhouse/trackhouse/internal/gate"
	"github.com/trackhouse/trackhouse/internal/logging"
	"github.com/trackhouse/trackhouse/internal/normalizer"
	"github.com/trackhouse/trackhouse/internal/queue"
	"github.com/trackhouse/trackhouse/internal/retention"
	"github.com/trackhouse/trackhouse/internal/signature"
	"github.com/trackhouse/trackhouse/internal/store"
	"github.com/trackhouse/trackhouse/internal/supervisor"
	"github.com/trackhouse/trackhouse/internal/tenant"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("db_path", cfg.Database.Path).
		Int("projects", len(cfg.Projects)).
		Str("gate_backend", cfg.Gate.Backend).
		Msg("Configuration loaded")

	db, err := store.New(&cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize event store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing event store")
		}
	}()
	logging.Info().Msg("Event store initialized")

	keyed, err := newKeyedStore(&cfg.Gate)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize keyed store")
	}
	defer func() {
		if err := keyed.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing keyed store")
		}
	}()

	ingestGate := gate.New(keyed, gate.Config{
		DedupeTTL:         cfg.Gate.DedupeTTL,
		CommerceDedupeTTL: cfg.Gate.CommerceDedupeTTL,
		RateLimit:         cfg.Gate.RateLimit,
		RateWindow:        cfg.Gate.RateWindow,
	})

	registry, err := tenant.NewConfigRegistry(cfg.Projects)
	if err != nil {
		logging.Fatal().Err(err).Msg("Invalid project configuration")
	}

	encryptor, err := config.NewCredentialEncryptor(cfg.Ingest.MasterSecret)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize credential encryptor")
	}

	// Job dedupe keys share the gate's keyed store under their own prefix.
	scheduler, err := newScheduler(cfg, keyed)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize job scheduler")
	}
	defer func() {
		if err := scheduler.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing job scheduler")
		}
	}()

	deliveryWorker := delivery.NewWorker(registry, db, delivery.NewClient(&cfg.Delivery), encryptor)
	scheduler.Register("conversion-delivery", queue.TopicConversionDelivery,
		queue.PolicyFromConfig(cfg.Queues.Conversion),
		deliveryWorker.HandleJob, deliveryWorker.OnExhausted)

	builder := aggregate.NewBuilder(db)
	scheduler.Register("aggregation-build", queue.TopicAggregationBuild,
		queue.PolicyFromConfig(cfg.Queues.Aggregation),
		builder.HandleJob, nil)

	objects, err := newObjectStore(&cfg.Export)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize object store")
	}
	exportWorker := export.NewWorker(db, objects, cfg.Export.PageSize)
	scheduler.Register("export-run", queue.TopicExportRun,
		queue.PolicyFromConfig(cfg.Queues.Export),
		exportWorker.HandleJob, nil)

	enforcer := retention.NewEnforcer(db)
	scheduler.Register("retention-enforce", queue.TopicRetentionEnforce,
		queue.PolicyFromConfig(cfg.Queues.Retention),
		enforcer.HandleJob, nil)

	handler := api.NewHandler(cfg, db, ingestGate,
		normalizer.New(&cfg.Ingest),
		signature.NewVerifier(cfg.Ingest.MasterSecret, cfg.Ingest.SignatureWindow),
		registry, scheduler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler.NewRouter(),
		ReadTimeout:  cfg.Server.RequestTimeout,
		WriteTimeout: cfg.Server.RequestTimeout,
		IdleTimeout:  60 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddJobService(scheduler)
	tree.AddJobService(supervisor.NewTickerService("aggregation-scheduler",
		cfg.Jobs.AggregationInterval,
		enqueueAggregations(scheduler, cfg.Projects)))
	tree.AddJobService(supervisor.NewTickerService("retention-scheduler",
		cfg.Jobs.RetentionInterval,
		enqueueRetention(scheduler, cfg.Projects)))
	tree.AddAPIService(supervisor.NewHTTPService(server, 10*time.Second))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervisor tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
		}
	}
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Server stopped gracefully")
}

// newKeyedStore selects the gate backend. Badger persists dedup keys across
// restarts; memory is for development and tests.
func newKeyedStore(cfg *config.GateConfig) (gate.KeyedStore, error) {
	switch cfg.Backend {
	case "badger":
		return gate.NewBadgerStore(cfg.Path)
	case "memory", "":
		return gate.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown gate backend %q", cfg.Backend)
	}
}

// newObjectStore selects the export destination.
// newScheduler selects the queue transport. NATS needs a build with the
// nats tag; without it the constructor reports ErrNATSNotEnabled.
func newScheduler(cfg *config.Config, keyed gate.KeyedStore) (*queue.Scheduler, error) {
	switch cfg.Queues.Transport {
	case "nats":
		natsCfg := queue.DefaultNATSConfig()
		if cfg.Queues.NATSURL != "" {
			natsCfg.URL = cfg.Queues.NATSURL
		}
		wmLogger := logging.NewWatermillAdapter()
		pub, err := queue.NewNATSPublisher(natsCfg, wmLogger)
		if err != nil {
			return nil, fmt.Errorf("nats publisher: %w", err)
		}
		sub, err := queue.NewNATSSubscriber(natsCfg, wmLogger)
		if err != nil {
			return nil, fmt.Errorf("nats subscriber: %w", err)
		}
		return queue.NewSchedulerWithTransport(&cfg.Queues, keyed, pub, sub)
	case "channel", "":
		return queue.NewScheduler(&cfg.Queues, keyed)
	default:
		return nil, fmt.Errorf("unknown queue transport %q", cfg.Queues.Transport)
	}
}

func newObjectStore(cfg *config.ExportConfig) (export.ObjectStore, error) {
	switch cfg.Backend {
	case "filesystem", "":
		return export.NewFilesystemStore(cfg.Path)
	case "memory":
		return export.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown export backend %q", cfg.Backend)
	}
}

// enqueueAggregations recomputes the previous UTC day for every project on
// each tick. Recompute is a full replace, so repeat enqueues are safe.
func enqueueAggregations(scheduler *queue.Scheduler, projects []config.ProjectConfig) supervisor.TickFunc {
	return func(ctx context.Context) error {
		date := time.Now().UTC().AddDate(0, 0, -1).Truncate(24 * time.Hour)
		var errs []error
		for _, p := range projects {
			if err := scheduler.EnqueueAggregation(ctx, queue.AggregationJob{
				ProjectID: p.ID,
				Date:      date,
			}); err != nil {
				errs = append(errs, fmt.Errorf("project %s: %w", p.ID, err))
			}
		}
		return errors.Join(errs...)
	}
}

// enqueueRetention purges per-project data older than the configured window.
// Projects without a retention window are skipped.
func enqueueRetention(scheduler *queue.Scheduler, projects []config.ProjectConfig) supervisor.TickFunc {
	return func(ctx context.Context) error {
		now := time.Now()
		var errs []error
		for _, p := range projects {
			if p.RetentionDays <= 0 {
				continue
			}
			if err := scheduler.EnqueueRetention(ctx, queue.RetentionJob{
				ProjectID: p.ID,
				Cutoff:    retention.CutoffFor(now, p.RetentionDays),
			}); err != nil {
				errs = append(errs, fmt.Errorf("project %s: %w", p.ID, err))
			}
		}
		return errors.Join(errs...)
	}
}
