// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

// Package models defines the domain types shared across the ingestion
// pipeline: raw and normalized events, quarantine records, delivery log
// entries, aggregates, and export jobs.
package models

import (
	"time"

	"github.com/google/uuid"
)

// RawEvent is a single client-supplied event inside an ingestion batch.
// It is ephemeral; it either becomes a NormalizedEvent or an InvalidEvent.
type RawEvent struct {
	EventID     string         `json:"event_id" validate:"required,max=255"`
	EventName   string         `json:"event_name" validate:"required,max=255"`
	EventTime   int64          `json:"event_time" validate:"required"` // unix seconds, client clock
	AnonymousID string         `json:"anonymous_id,omitempty" validate:"max=255"`
	UserID      string         `json:"user_id,omitempty" validate:"max=255"`
	SessionID   string         `json:"session_id,omitempty" validate:"max=255"`
	PageURL     string         `json:"page_url,omitempty" validate:"max=2048"`
	Referrer    string         `json:"referrer,omitempty" validate:"max=2048"`
	UTMSource   string         `json:"utm_source,omitempty" validate:"max=255"`
	UTMMedium   string         `json:"utm_medium,omitempty" validate:"max=255"`
	UTMCampaign string         `json:"utm_campaign,omitempty" validate:"max=255"`
	Consent     []string       `json:"consent,omitempty"`
	OrderID     string         `json:"order_id,omitempty" validate:"max=255"`
	Value       *float64       `json:"value,omitempty" validate:"omitempty,gte=0"`
	Currency    string         `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	Email       string         `json:"email,omitempty" validate:"max=320"`
	Phone       string         `json:"phone,omitempty" validate:"max=64"`
	ExternalID  string         `json:"external_id,omitempty" validate:"max=255"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// IncomingEventBatch is a signed ingestion request after header parsing.
// Ephemeral; never persisted as-is.
type IncomingEventBatch struct {
	RequestID string
	ProjectID string
	Signature string
	Timestamp int64
	RawBody   []byte
	Events    []RawEvent
}

// NormalizedEvent is the durable representation of an accepted event.
// event_id is unique within a project; every event carries at least one of
// anonymous_id or user_id.
type NormalizedEvent struct {
	ID          uuid.UUID `json:"id"`
	ProjectID   string    `json:"project_id"`
	EventID     string    `json:"event_id"`
	EventName   string    `json:"event_name"`
	EventTime   time.Time `json:"event_time"`
	ReceivedAt  time.Time `json:"received_at"`
	AnonymousID string    `json:"anonymous_id,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	SessionID   string    `json:"session_id,omitempty"`
	PageURL     string    `json:"page_url,omitempty"`
	Referrer    string    `json:"referrer,omitempty"`
	UTMSource   string    `json:"utm_source,omitempty"`
	UTMMedium   string    `json:"utm_medium,omitempty"`
	UTMCampaign string    `json:"utm_campaign,omitempty"`
	Consent     []string  `json:"consent,omitempty"`
	OrderID     string    `json:"order_id,omitempty"`
	Value       *float64  `json:"value,omitempty"`
	Currency    string    `json:"currency,omitempty"`
	Email       string    `json:"email,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	ExternalID  string    `json:"external_id,omitempty"`
	IPAddress   string    `json:"ip_address,omitempty"`
	UserAgent   string    `json:"user_agent,omitempty"`
	RawPayload  string    `json:"raw_payload,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// InvalidEvent is a quarantined event that failed normalization. Quarantine
// rows are never auto-retried.
type InvalidEvent struct {
	ID         uuid.UUID `json:"id"`
	RequestID  string    `json:"request_id"`
	ProjectID  string    `json:"project_id"`
	Reason     string    `json:"reason"`
	RawPayload string    `json:"raw_payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// Delivery log statuses.
const (
	DeliveryStatusDelivered = "delivered"
	DeliveryStatusFailed    = "failed"
	DeliveryStatusRetrying  = "retrying"
)

// DeliveryLogEntry is the append-only audit record of a conversion delivery
// outcome. It is the only durable delivery history; queue state is transient.
type DeliveryLogEntry struct {
	ID        uuid.UUID `json:"id"`
	ProjectID string    `json:"project_id"`
	EventID   string    `json:"event_id"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// DailyAggregate is a per-(project, date, event_name) rollup. Recompute is a
// full replace per (project, date), never additive.
type DailyAggregate struct {
	ProjectID      string    `json:"project_id"`
	Date           time.Time `json:"date"`
	EventName      string    `json:"event_name"`
	Count          int64     `json:"count"`
	UniqueUsers    int64     `json:"unique_users"`
	UniqueSessions int64     `json:"unique_sessions"`
	ComputedAt     time.Time `json:"computed_at"`
}

// Export job statuses.
const (
	ExportStatusQueued    = "queued"
	ExportStatusRunning   = "running"
	ExportStatusCompleted = "completed"
	ExportStatusFailed    = "failed"
)

// Export formats.
const (
	ExportFormatCSV  = "csv"
	ExportFormatJSON = "json"
)

// ExportJob tracks an asynchronous export of raw events to object storage.
type ExportJob struct {
	ID            uuid.UUID `json:"id"`
	ProjectID     string    `json:"project_id"`
	Type          string    `json:"type"`
	RangeStart    time.Time `json:"range_start"`
	RangeEnd      time.Time `json:"range_end"`
	Format        string    `json:"format"`
	Status        string    `json:"status"`
	ResultPointer string    `json:"result_pointer,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ProjectStats summarizes a project's stored events for the read-only
// collaborator surface.
type ProjectStats struct {
	ProjectID   string           `json:"project_id"`
	TotalEvents int64            `json:"total_events"`
	ByEventName map[string]int64 `json:"by_event_name"`
	FirstEvent  *time.Time       `json:"first_event,omitempty"`
	LastEvent   *time.Time       `json:"last_event,omitempty"`
}
