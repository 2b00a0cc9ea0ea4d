// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

package delivery

import (
	"bytes"
	"regexp"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/trackhouse/trackhouse/internal/models"
)

var hexDigest = regexp.MustCompile(`^[0-9a-f]{64}$`)

func TestMapEventName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"purchase", "Purchase"},
		{"add_to_cart", "AddToCart"},
		{"begin_checkout", "InitiateCheckout"},
		{"page_view", "PageView"},
		{"signup", "CompleteRegistration"},
		{"lead", "Lead"},
		{"custom_thing", "custom_thing"},
	}
	for _, tt := range tests {
		if got := MapEventName(tt.in); got != tt.want {
			t.Errorf("MapEventName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestHashEmailNormalizes(t *testing.T) {
	t.Parallel()

	a := HashEmail("  User@Example.COM ")
	b := HashEmail("user@example.com")
	if a != b {
		t.Errorf("normalized variants hash differently: %s vs %s", a, b)
	}
	if !hexDigest.MatchString(a) {
		t.Errorf("not a sha256 hex digest: %q", a)
	}
	if HashEmail("") != "" {
		t.Error("empty email must stay empty")
	}
	if HashEmail("other@example.com") == a {
		t.Error("distinct emails collided")
	}
}

func TestHashPhoneStripsFormatting(t *testing.T) {
	t.Parallel()

	a := HashPhone("+1 (555) 123-4567")
	b := HashPhone("15551234567")
	if a != b {
		t.Errorf("formatted and bare numbers hash differently: %s vs %s", a, b)
	}
	if !hexDigest.MatchString(a) {
		t.Errorf("not a sha256 hex digest: %q", a)
	}
	if HashPhone("ext") != "" {
		t.Error("digit-free input must stay empty")
	}
}

func TestBuildPayloadHashesIdentity(t *testing.T) {
	t.Parallel()

	value := 42.5
	ev := &models.NormalizedEvent{
		ProjectID:  "p1",
		EventID:    "e1",
		EventName:  "purchase",
		EventTime:  time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		Email:      "user@example.com",
		Phone:      "+1 555 123 4567",
		ExternalID: " ext-9 ",
		OrderID:    "O1",
		Value:      &value,
		Currency:   "EUR",
	}

	p := BuildPayload(ev)
	if p.EventName != "Purchase" {
		t.Errorf("event name = %q, want Purchase", p.EventName)
	}
	if p.EventTime != ev.EventTime.Unix() {
		t.Errorf("event time = %d, want %d", p.EventTime, ev.EventTime.Unix())
	}
	if p.UserData.Email != HashEmail("user@example.com") {
		t.Error("email not hashed with normalization")
	}
	if p.UserData.ExternalID != HashExternalID("ext-9") {
		t.Error("external id not trimmed before hashing")
	}
	if p.CustomData == nil || p.CustomData.OrderID != "O1" || p.CustomData.Currency != "EUR" {
		t.Errorf("commerce fields lost: %+v", p.CustomData)
	}

	body, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	for _, raw := range []string{"user@example.com", "+1 555 123 4567", "ext-9"} {
		if bytes.Contains(body, []byte(raw)) {
			t.Errorf("raw PII %q leaked into payload: %s", raw, body)
		}
	}
}

func TestBuildPayloadOmitsEmptyCommerce(t *testing.T) {
	t.Parallel()

	p := BuildPayload(&models.NormalizedEvent{
		EventID:   "e1",
		EventName: "page_view",
		EventTime: time.Now(),
	})
	if p.CustomData != nil {
		t.Errorf("custom_data present on non-commerce event: %+v", p.CustomData)
	}
	if p.UserData.Email != "" || p.UserData.Phone != "" {
		t.Errorf("phantom identity hashes: %+v", p.UserData)
	}
}
