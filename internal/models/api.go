// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

package models

// APIResponse is the standard JSON envelope for API responses.
type APIResponse struct {
	Status string    `json:"status"` // "ok" or "error"
	Data   any       `json:"data,omitempty"`
	Error  *APIError `json:"error,omitempty"`
}

// APIError carries a machine-readable code plus a human-readable message.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IngestResult reports batch-level acceptance. The batch succeeds even when
// individual events were quarantined or deduplicated.
type IngestResult struct {
	Accepted     int `json:"accepted"`
	Quarantined  int `json:"quarantined"`
	Deduplicated int `json:"deduplicated"`
}
