// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

// Package normalizer turns raw batch items into durable NormalizedEvents.
// Validation uses go-playground/validator v10 tags on models.RawEvent plus
// a small set of cross-field rules the tags cannot express. A batch is
// never rejected wholesale here: each invalid item becomes a quarantine
// record and the rest of the batch continues.
package normalizer

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/trackhouse/trackhouse/internal/config"
	"github.com/trackhouse/trackhouse/internal/models"
)

// singleton validator instance (thread-safe, caches struct info)
var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Result is the outcome of normalizing one batch.
type Result struct {
	Accepted    []*models.NormalizedEvent
	Quarantined []*models.InvalidEvent
}

// Normalizer validates and canonicalizes raw events. maxSkew bounds how far
// a client-supplied event_time may deviate from the server clock.
type Normalizer struct {
	maxSkew time.Duration
	now     func() time.Time
}

// New returns a Normalizer using cfg.ClockSkewLimit.
func New(cfg *config.IngestConfig) *Normalizer {
	return &Normalizer{
		maxSkew: cfg.ClockSkewLimit,
		now:     time.Now,
	}
}

// SetNowFunc overrides the clock for tests.
func (n *Normalizer) SetNowFunc(now func() time.Time) {
	n.now = now
}

// NormalizeBatch processes every item of the batch independently. Items that
// fail validation are quarantined with a reason and the original payload;
// they never stop the remaining items.
func (n *Normalizer) NormalizeBatch(batch *models.IncomingEventBatch, ipAddress, userAgent string) *Result {
	res := &Result{}
	receivedAt := n.now().UTC()

	for i := range batch.Events {
		raw := &batch.Events[i]
		ev, err := n.normalizeOne(batch.ProjectID, raw, receivedAt)
		if err != nil {
			res.Quarantined = append(res.Quarantined, quarantine(batch, raw, receivedAt, err))
			continue
		}
		ev.IPAddress = ipAddress
		ev.UserAgent = userAgent
		res.Accepted = append(res.Accepted, ev)
	}
	return res
}

func (n *Normalizer) normalizeOne(projectID string, raw *models.RawEvent, receivedAt time.Time) (*models.NormalizedEvent, error) {
	if err := getValidator().Struct(raw); err != nil {
		return nil, translateValidationError(err)
	}
	if raw.AnonymousID == "" && raw.UserID == "" {
		return nil, fmt.Errorf("missing identity: one of anonymous_id or user_id is required")
	}

	eventTime := time.Unix(raw.EventTime, 0).UTC()
	if skew := receivedAt.Sub(eventTime); skew > n.maxSkew || skew < -n.maxSkew {
		return nil, fmt.Errorf("event_time %s outside ±%s of receipt", eventTime.Format(time.RFC3339), n.maxSkew)
	}
	if raw.Value != nil && raw.Currency == "" {
		return nil, fmt.Errorf("value present without currency")
	}

	consent := make([]string, 0, len(raw.Consent))
	for _, c := range raw.Consent {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			consent = append(consent, c)
		}
	}

	payload, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("serialize payload: %w", err)
	}

	return &models.NormalizedEvent{
		ID:          uuid.New(),
		ProjectID:   projectID,
		EventID:     strings.TrimSpace(raw.EventID),
		EventName:   strings.ToLower(strings.TrimSpace(raw.EventName)),
		EventTime:   eventTime,
		ReceivedAt:  receivedAt,
		AnonymousID: raw.AnonymousID,
		UserID:      raw.UserID,
		SessionID:   raw.SessionID,
		PageURL:     raw.PageURL,
		Referrer:    raw.Referrer,
		UTMSource:   raw.UTMSource,
		UTMMedium:   raw.UTMMedium,
		UTMCampaign: raw.UTMCampaign,
		Consent:     consent,
		OrderID:     strings.TrimSpace(raw.OrderID),
		Value:       raw.Value,
		Currency:    strings.ToUpper(raw.Currency),
		Email:       strings.TrimSpace(raw.Email),
		Phone:       raw.Phone,
		ExternalID:  strings.TrimSpace(raw.ExternalID),
		RawPayload:  string(payload),
		CreatedAt:   receivedAt,
	}, nil
}

func quarantine(batch *models.IncomingEventBatch, raw *models.RawEvent, receivedAt time.Time, reason error) *models.InvalidEvent {
	payload, err := json.Marshal(raw)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"event_id":%q}`, raw.EventID))
	}
	return &models.InvalidEvent{
		ID:         uuid.New(),
		RequestID:  batch.RequestID,
		ProjectID:  batch.ProjectID,
		Reason:     reason.Error(),
		RawPayload: string(payload),
		ReceivedAt: receivedAt,
	}
}

// translateValidationError flattens validator.ValidationErrors into a
// single quarantine reason naming the first failing field.
func translateValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("invalid event: %w", err)
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("missing required field %s", jsonFieldName(fe.Field()))
	case "max":
		return fmt.Errorf("field %s exceeds %s characters", jsonFieldName(fe.Field()), fe.Param())
	case "len", "alpha":
		return fmt.Errorf("field %s is not a valid 3-letter currency code", jsonFieldName(fe.Field()))
	case "gte":
		return fmt.Errorf("field %s must be non-negative", jsonFieldName(fe.Field()))
	default:
		return fmt.Errorf("field %s failed %s validation", jsonFieldName(fe.Field()), fe.Tag())
	}
}

// jsonFieldName maps the handful of struct field names that appear in
// quarantine reasons back to their wire names.
func jsonFieldName(field string) string {
	switch field {
	case "EventID":
		return "event_id"
	case "EventName":
		return "event_name"
	case "EventTime":
		return "event_time"
	case "AnonymousID":
		return "anonymous_id"
	case "UserID":
		return "user_id"
	case "SessionID":
		return "session_id"
	case "PageURL":
		return "page_url"
	case "OrderID":
		return "order_id"
	case "ExternalID":
		return "external_id"
	default:
		return strings.ToLower(field)
	}
}

// Eligible reports whether a stored event qualifies for conversion delivery
// to the given integration: the integration must be enabled and, when a
// consent category is required, the event must carry it.
func Eligible(ev *models.NormalizedEvent, integration *config.IntegrationConfig) bool {
	if integration == nil || !integration.Enabled {
		return false
	}
	if integration.RequiredConsent == "" {
		return true
	}
	for _, c := range ev.Consent {
		if c == integration.RequiredConsent {
			return true
		}
	}
	return false
}
