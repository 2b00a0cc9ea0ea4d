// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

package delivery

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/trackhouse/trackhouse/internal/models"
)

// taxonomy maps internal event names to the destination's canonical names.
// Unmapped names pass through unchanged.
var taxonomy = map[string]string{
	"purchase":       "Purchase",
	"add_to_cart":    "AddToCart",
	"begin_checkout": "InitiateCheckout",
	"page_view":      "PageView",
	"signup":         "CompleteRegistration",
	"lead":           "Lead",
}

// MapEventName translates an internal event name for the destination.
func MapEventName(name string) string {
	if mapped, ok := taxonomy[name]; ok {
		return mapped
	}
	return name
}

// UserData carries only hashed identifiers. Raw PII never enters the
// outbound payload.
type UserData struct {
	Email      string `json:"em,omitempty"`
	Phone      string `json:"ph,omitempty"`
	ExternalID string `json:"external_id,omitempty"`
}

// CustomData carries the commerce fields of a conversion.
type CustomData struct {
	OrderID  string   `json:"order_id,omitempty"`
	Value    *float64 `json:"value,omitempty"`
	Currency string   `json:"currency,omitempty"`
}

// Payload is the outbound conversion body.
type Payload struct {
	EventName  string      `json:"event_name"`
	EventTime  int64       `json:"event_time"`
	EventID    string      `json:"event_id"`
	UserData   UserData    `json:"user_data"`
	CustomData *CustomData `json:"custom_data,omitempty"`
}

// HashEmail normalizes (lower-case, trimmed) and SHA-256 hashes an email.
// Empty input stays empty.
func HashEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return ""
	}
	return sha256Hex(email)
}

// HashPhone strips everything but digits before hashing.
func HashPhone(phone string) string {
	var digits strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return ""
	}
	return sha256Hex(digits.String())
}

// HashExternalID trims and hashes an external identifier.
func HashExternalID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	return sha256Hex(id)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// BuildPayload assembles the outbound body for a stored event: mapped event
// name, unix event time, and hashed identity. Commerce fields are attached
// only when an order id or value is present.
func BuildPayload(ev *models.NormalizedEvent) *Payload {
	p := &Payload{
		EventName: MapEventName(ev.EventName),
		EventTime: ev.EventTime.Unix(),
		EventID:   ev.EventID,
		UserData: UserData{
			Email:      HashEmail(ev.Email),
			Phone:      HashPhone(ev.Phone),
			ExternalID: HashExternalID(ev.ExternalID),
		},
	}
	if ev.OrderID != "" || ev.Value != nil {
		p.CustomData = &CustomData{
			OrderID:  ev.OrderID,
			Value:    ev.Value,
			Currency: ev.Currency,
		}
	}
	return p
}
