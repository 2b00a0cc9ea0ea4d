// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

// Package store wraps the DuckDB analytical store. Events are append-mostly:
// the only mutations are the privacy operations (delete/anonymize) and the
// retention purge. Aggregates are recomputed by full replacement per
// (project, date).
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/trackhouse/trackhouse/internal/config"
	"github.com/trackhouse/trackhouse/internal/logging"
)

// defaultQueryTimeout bounds queries whose caller supplied no deadline.
const defaultQueryTimeout = 30 * time.Second

// DB wraps the DuckDB connection and provides the data access methods used
// by the ingestion path, the workers, and the read-only API.
type DB struct {
	conn *sql.DB
	cfg  *config.DatabaseConfig
}

// New opens the DuckDB database and initializes the schema.
func New(cfg *config.DatabaseConfig) (*DB, error) {
	numThreads := cfg.Threads
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}

	// Ensure the parent directory exists for file-backed databases.
	if dbDir := filepath.Dir(cfg.Path); dbDir != "" && dbDir != "." {
		if err := os.MkdirAll(dbDir, 0o750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", dbDir, err)
		}
	}

	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "2GB"
	}
	connStr := fmt.Sprintf("%s?access_mode=read_write&threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		cfg.Path, numThreads, maxMemory)

	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db := &DB{conn: conn, cfg: cfg}
	if err := db.initialize(); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logging.Warn().Err(closeErr).Msg("Failed to close database after init error")
		}
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return db, nil
}

// Conn exposes the underlying *sql.DB for health checks.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Ping verifies the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// ensureContext attaches the default timeout when the caller supplied no
// deadline.
func (db *DB) ensureContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, defaultQueryTimeout)
}

// initialize creates the schema. Idempotent.
func (db *DB) initialize() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id UUID PRIMARY KEY,
			project_id VARCHAR NOT NULL,
			event_id VARCHAR NOT NULL,
			event_name VARCHAR NOT NULL,
			event_time TIMESTAMP NOT NULL,
			received_at TIMESTAMP NOT NULL,
			anonymous_id VARCHAR NOT NULL DEFAULT '',
			user_id VARCHAR NOT NULL DEFAULT '',
			session_id VARCHAR NOT NULL DEFAULT '',
			page_url VARCHAR NOT NULL DEFAULT '',
			referrer VARCHAR NOT NULL DEFAULT '',
			utm_source VARCHAR NOT NULL DEFAULT '',
			utm_medium VARCHAR NOT NULL DEFAULT '',
			utm_campaign VARCHAR NOT NULL DEFAULT '',
			consent VARCHAR NOT NULL DEFAULT '',
			order_id VARCHAR NOT NULL DEFAULT '',
			value DOUBLE,
			currency VARCHAR NOT NULL DEFAULT '',
			email VARCHAR NOT NULL DEFAULT '',
			phone VARCHAR NOT NULL DEFAULT '',
			external_id VARCHAR NOT NULL DEFAULT '',
			ip_address VARCHAR NOT NULL DEFAULT '',
			user_agent VARCHAR NOT NULL DEFAULT '',
			raw_payload VARCHAR NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_events_project_event
			ON events(project_id, event_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_project_time
			ON events(project_id, event_time)`,
		`CREATE TABLE IF NOT EXISTS invalid_events (
			id UUID PRIMARY KEY,
			request_id VARCHAR NOT NULL,
			project_id VARCHAR NOT NULL,
			reason VARCHAR NOT NULL,
			raw_payload VARCHAR NOT NULL DEFAULT '',
			received_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS delivery_log (
			id UUID PRIMARY KEY,
			project_id VARCHAR NOT NULL,
			event_id VARCHAR NOT NULL,
			status VARCHAR NOT NULL,
			attempts INTEGER NOT NULL,
			last_error VARCHAR NOT NULL DEFAULT '',
			timestamp TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS daily_aggregates (
			project_id VARCHAR NOT NULL,
			date DATE NOT NULL,
			event_name VARCHAR NOT NULL,
			count BIGINT NOT NULL,
			unique_users BIGINT NOT NULL,
			unique_sessions BIGINT NOT NULL,
			computed_at TIMESTAMP NOT NULL,
			PRIMARY KEY (project_id, date, event_name)
		)`,
		`CREATE TABLE IF NOT EXISTS export_jobs (
			id UUID PRIMARY KEY,
			project_id VARCHAR NOT NULL,
			type VARCHAR NOT NULL,
			range_start TIMESTAMP NOT NULL,
			range_end TIMESTAMP NOT NULL,
			format VARCHAR NOT NULL,
			status VARCHAR NOT NULL,
			result_pointer VARCHAR NOT NULL DEFAULT '',
			error VARCHAR NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}
