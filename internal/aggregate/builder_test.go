// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

package aggregate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/trackhouse/trackhouse/internal/queue"
)

type fakeStore struct {
	projectID string
	date      time.Time
	calls     int
	err       error
}

func (s *fakeStore) ReplaceDailyAggregates(_ context.Context, projectID string, date time.Time) (int, error) {
	s.projectID = projectID
	s.date = date
	s.calls++
	return 3, s.err
}

func TestBuildDailyTruncatesToUTCDay(t *testing.T) {
	t.Parallel()

	s := &fakeStore{}
	b := NewBuilder(s)

	mid := time.Date(2026, 3, 14, 17, 45, 3, 0, time.UTC)
	if err := b.BuildDaily(context.Background(), "p1", mid); err != nil {
		t.Fatalf("build: %v", err)
	}

	want := time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC)
	if !s.date.Equal(want) {
		t.Errorf("store saw date %v, want %v", s.date, want)
	}
	if s.projectID != "p1" || s.calls != 1 {
		t.Errorf("unexpected call: %+v", s)
	}
}

func TestHandleJobDecodes(t *testing.T) {
	t.Parallel()

	s := &fakeStore{}
	b := NewBuilder(s)

	body, err := json.Marshal(queue.AggregationJob{
		ProjectID: "p2",
		Date:      time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := b.HandleJob(context.Background(), message.NewMessage("j1", body)); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if s.projectID != "p2" {
		t.Errorf("store saw project %q, want p2", s.projectID)
	}
}

func TestHandleJobBadPayloadIsTerminal(t *testing.T) {
	t.Parallel()

	b := NewBuilder(&fakeStore{})
	err := b.HandleJob(context.Background(), message.NewMessage("j1", []byte("{")))
	if !queue.IsTerminal(err) {
		t.Errorf("malformed payload not terminal: %v", err)
	}
}

func TestBuildDailyPropagatesStoreError(t *testing.T) {
	t.Parallel()

	boom := errors.New("db locked")
	b := NewBuilder(&fakeStore{err: boom})
	err := b.BuildDaily(context.Background(), "p1", time.Now())
	if !errors.Is(err, boom) {
		t.Errorf("got %v, want wrapped db error", err)
	}
}
