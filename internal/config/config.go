// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

// Package config provides layered configuration for Trackhouse: struct
// defaults, an optional YAML file, then environment variables. The resulting
// Config is constructed once in main and passed by reference; there is no
// process-wide mutable configuration.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the root configuration for the pipeline.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Database  DatabaseConfig  `koanf:"database"`
	Ingest    IngestConfig    `koanf:"ingest"`
	Gate      GateConfig      `koanf:"gate"`
	Queues    QueuesConfig    `koanf:"queues"`
	Delivery  DeliveryConfig  `koanf:"delivery"`
	Export    ExportConfig    `koanf:"export"`
	Jobs      JobsConfig      `koanf:"jobs"`
	Projects  []ProjectConfig `koanf:"projects"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host           string        `koanf:"host"`
	Port           int           `koanf:"port"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
	CORSOrigins    []string      `koanf:"cors_origins"`
	// IPRateLimit is the coarse per-IP request limit in front of the
	// project-level gate. Requests per IPRateWindow.
	IPRateLimit  int           `koanf:"ip_rate_limit"`
	IPRateWindow time.Duration `koanf:"ip_rate_window"`
	Environment  string        `koanf:"environment"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// DatabaseConfig holds DuckDB settings.
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// IngestConfig holds batch authentication and acceptance settings.
type IngestConfig struct {
	// MasterSecret is the root secret per-project signing secrets are
	// derived from. Rotating it invalidates every derived secret.
	MasterSecret string `koanf:"master_secret"`
	// SignatureWindow bounds |now - timestamp| for replay protection.
	SignatureWindow time.Duration `koanf:"signature_window"`
	// MaxBatchSize caps events per ingestion request.
	MaxBatchSize int `koanf:"max_batch_size"`
	// ClockSkewLimit bounds how far an event_time may deviate from
	// received_at before the event is quarantined.
	ClockSkewLimit time.Duration `koanf:"clock_skew_limit"`
}

// GateConfig holds dedup and rate-limit settings for the keyed store.
type GateConfig struct {
	// Backend selects the keyed store: "badger" or "memory".
	Backend string `koanf:"backend"`
	// Path is the Badger directory when backend is "badger".
	Path string `koanf:"path"`
	// DedupeTTL is the generic event dedup window.
	DedupeTTL time.Duration `koanf:"dedupe_ttl"`
	// CommerceDedupeTTL is the longer window for commerce keys (order IDs)
	// so duplicates survive SDK reloads.
	CommerceDedupeTTL time.Duration `koanf:"commerce_dedupe_ttl"`
	// RateLimit is the default per-project request limit per RateWindow.
	RateLimit  int           `koanf:"rate_limit"`
	RateWindow time.Duration `koanf:"rate_window"`
}

// QueuePolicy configures retry behavior for one named queue.
type QueuePolicy struct {
	MaxAttempts       int           `koanf:"max_attempts"`
	InitialBackoff    time.Duration `koanf:"initial_backoff"`
	BackoffMultiplier float64       `koanf:"backoff_multiplier"`
	MaxBackoff        time.Duration `koanf:"max_backoff"`
	Concurrency       int           `koanf:"concurrency"`
}

// QueuesConfig holds the per-queue policies and shared queue settings.
type QueuesConfig struct {
	Conversion  QueuePolicy `koanf:"conversion"`
	Aggregation QueuePolicy `koanf:"aggregation"`
	Export      QueuePolicy `koanf:"export"`
	Retention   QueuePolicy `koanf:"retention"`
	// HistorySize bounds the in-memory ring of completed/failed jobs kept
	// for observability.
	HistorySize int `koanf:"history_size"`
	// JobDedupeTTL is how long a conversion job key suppresses re-enqueue
	// of the same (project, event_id).
	JobDedupeTTL time.Duration `koanf:"job_dedupe_ttl"`
	// Transport selects the queue backend: "channel" (in-process) or
	// "nats" (JetStream; requires a build with the nats tag).
	Transport string `koanf:"transport"`
	// NATSURL overrides the NATS server URL when transport is "nats".
	NATSURL string `koanf:"nats_url"`
}

// DeliveryConfig holds outbound conversion delivery settings.
type DeliveryConfig struct {
	// Endpoint is the default third-party conversions API URL; a project
	// integration may override it.
	Endpoint string        `koanf:"endpoint"`
	Timeout  time.Duration `koanf:"timeout"`
	// RatePerSecond throttles outbound calls; 0 disables the limiter.
	RatePerSecond float64 `koanf:"rate_per_second"`
	// BreakerMaxFailures opens the circuit after this many consecutive
	// failures.
	BreakerMaxFailures uint32        `koanf:"breaker_max_failures"`
	BreakerOpenFor     time.Duration `koanf:"breaker_open_for"`
}

// ExportConfig holds export worker settings.
type ExportConfig struct {
	// Backend selects the object store: "filesystem" or "memory".
	Backend string `koanf:"backend"`
	// Path is the destination directory for the filesystem backend.
	Path string `koanf:"path"`
	// PageSize bounds rows fetched per page while streaming an export.
	PageSize int `koanf:"page_size"`
}

// JobsConfig holds scheduling for recurring background jobs.
type JobsConfig struct {
	// AggregationInterval is how often the previous day's aggregates are
	// recomputed for every project.
	AggregationInterval time.Duration `koanf:"aggregation_interval"`
	// RetentionInterval is how often retention enforcement is enqueued.
	RetentionInterval time.Duration `koanf:"retention_interval"`
}

// IntegrationConfig is a project's conversion destination settings.
type IntegrationConfig struct {
	Enabled bool `koanf:"enabled"`
	// Endpoint overrides delivery.endpoint for this project when set.
	Endpoint string `koanf:"endpoint"`
	PixelID  string `koanf:"pixel_id"`
	// EncryptedCredential is the destination access token in
	// "hexIV:hexCiphertext" form (see CredentialEncryptor).
	EncryptedCredential string `koanf:"encrypted_credential"`
	// RequiredConsent names the consent category an event must carry to
	// qualify for delivery.
	RequiredConsent string `koanf:"required_consent"`
}

// ProjectConfig is one tenant entry of the config-backed registry.
type ProjectConfig struct {
	ID            string            `koanf:"id"`
	APIKey        string            `koanf:"api_key"`
	RateLimit     int               `koanf:"rate_limit"` // 0 = gate default
	RetentionDays int               `koanf:"retention_days"`
	Integration   IntegrationConfig `koanf:"integration"`
}

// defaultConfig returns a Config with all defaults applied. Defaults are
// layered first, then overridden by the config file and env vars.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8402,
			RequestTimeout: 15 * time.Second,
			CORSOrigins:    []string{"*"},
			IPRateLimit:    600,
			IPRateWindow:   1 * time.Minute,
			Environment:    "development",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
		Database: DatabaseConfig{
			Path:      "/data/trackhouse.duckdb",
			MaxMemory: "2GB",
			Threads:   0, // 0 = runtime.NumCPU()
		},
		Ingest: IngestConfig{
			MasterSecret:    "",
			SignatureWindow: 5 * time.Minute,
			MaxBatchSize:    100,
			ClockSkewLimit:  7 * 24 * time.Hour,
		},
		Gate: GateConfig{
			Backend:           "badger",
			Path:              "/data/gate",
			DedupeTTL:         1 * time.Hour,
			CommerceDedupeTTL: 24 * time.Hour,
			RateLimit:         600,
			RateWindow:        1 * time.Minute,
		},
		Queues: QueuesConfig{
			Conversion: QueuePolicy{
				MaxAttempts:       3,
				InitialBackoff:    1 * time.Second,
				BackoffMultiplier: 2.0,
				MaxBackoff:        1 * time.Minute,
				Concurrency:       4,
			},
			Aggregation:  QueuePolicy{MaxAttempts: 2, Concurrency: 1},
			Export:       QueuePolicy{MaxAttempts: 2, Concurrency: 2},
			Retention:    QueuePolicy{MaxAttempts: 2, Concurrency: 1},
			HistorySize:  256,
			JobDedupeTTL: 1 * time.Hour,
			Transport:    "channel",
			NATSURL:      "nats://127.0.0.1:4222",
		},
		Delivery: DeliveryConfig{
			Endpoint:           "https://graph.facebook.com/v19.0",
			Timeout:            10 * time.Second,
			RatePerSecond:      20,
			BreakerMaxFailures: 5,
			BreakerOpenFor:     30 * time.Second,
		},
		Export: ExportConfig{
			Backend:  "filesystem",
			Path:     "/data/exports",
			PageSize: 1000,
		},
		Jobs: JobsConfig{
			AggregationInterval: 1 * time.Hour,
			RetentionInterval:   6 * time.Hour,
		},
		Projects: nil,
	}
}

// Validation errors.
var (
	ErrMissingMasterSecret   = errors.New("ingest.master_secret is required in production")
	ErrUnknownGateBackend    = errors.New("gate.backend must be badger or memory")
	ErrUnknownExportStore    = errors.New("export.backend must be filesystem or memory")
	ErrUnknownQueueTransport = errors.New("queues.transport must be channel or nats")
)

// Validate rejects inconsistent configuration before any component starts.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.Environment == "production" && c.Ingest.MasterSecret == "" {
		return ErrMissingMasterSecret
	}
	if c.Ingest.SignatureWindow <= 0 {
		return fmt.Errorf("ingest.signature_window must be positive, got %s", c.Ingest.SignatureWindow)
	}
	if c.Ingest.MaxBatchSize <= 0 {
		return fmt.Errorf("ingest.max_batch_size must be positive, got %d", c.Ingest.MaxBatchSize)
	}
	switch c.Gate.Backend {
	case "badger", "memory":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownGateBackend, c.Gate.Backend)
	}
	if c.Gate.DedupeTTL <= 0 || c.Gate.CommerceDedupeTTL < c.Gate.DedupeTTL {
		return fmt.Errorf("gate dedupe TTLs invalid: generic=%s commerce=%s", c.Gate.DedupeTTL, c.Gate.CommerceDedupeTTL)
	}
	if c.Gate.RateLimit <= 0 || c.Gate.RateWindow < time.Second {
		return fmt.Errorf("gate rate limit invalid: limit=%d window=%s (window must be at least 1s)", c.Gate.RateLimit, c.Gate.RateWindow)
	}
	switch c.Export.Backend {
	case "filesystem", "memory":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownExportStore, c.Export.Backend)
	}
	if c.Export.PageSize <= 0 {
		return fmt.Errorf("export.page_size must be positive, got %d", c.Export.PageSize)
	}
	for _, q := range []struct {
		name   string
		policy QueuePolicy
	}{
		{"conversion", c.Queues.Conversion},
		{"aggregation", c.Queues.Aggregation},
		{"export", c.Queues.Export},
		{"retention", c.Queues.Retention},
	} {
		if q.policy.MaxAttempts <= 0 {
			return fmt.Errorf("queues.%s.max_attempts must be positive, got %d", q.name, q.policy.MaxAttempts)
		}
	}
	switch c.Queues.Transport {
	case "channel", "nats":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownQueueTransport, c.Queues.Transport)
	}
	seen := make(map[string]struct{}, len(c.Projects))
	for _, p := range c.Projects {
		if p.ID == "" || p.APIKey == "" {
			return fmt.Errorf("project entries require id and api_key (id=%q)", p.ID)
		}
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("duplicate project id %q", p.ID)
		}
		seen[p.ID] = struct{}{}
		if p.RetentionDays < 0 {
			return fmt.Errorf("project %s: retention_days must not be negative", p.ID)
		}
	}
	return nil
}
