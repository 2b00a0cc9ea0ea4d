// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

package queue

import (
	"sync"
	"time"
)

// History entry outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomePoisoned  = "poisoned"
)

// HistoryEntry records one finished job for the observability surface.
// The ring is transient; the delivery log remains the durable record.
type HistoryEntry struct {
	Queue      string    `json:"queue"`
	JobID      string    `json:"job_id"`
	Outcome    string    `json:"outcome"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error,omitempty"`
	FinishedAt time.Time `json:"finished_at"`
}

// History is a fixed-capacity ring of finished jobs, newest first on read.
// Oldest entries are dropped once capacity is reached.
type History struct {
	mu      sync.Mutex
	entries []HistoryEntry
	next    int
	full    bool
}

// NewHistory returns a ring holding at most capacity entries. Capacity below
// one is treated as one.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{entries: make([]HistoryEntry, capacity)}
}

// Record appends one finished job, evicting the oldest entry when full.
func (h *History) Record(entry HistoryEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.next] = entry
	h.next++
	if h.next == len(h.entries) {
		h.next = 0
		h.full = true
	}
}

// Snapshot returns the recorded entries, newest first.
func (h *History) Snapshot() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()

	size := h.next
	if h.full {
		size = len(h.entries)
	}
	out := make([]HistoryEntry, 0, size)
	for i := 1; i <= size; i++ {
		idx := h.next - i
		if idx < 0 {
			idx += len(h.entries)
		}
		out = append(out, h.entries[idx])
	}
	return out
}
