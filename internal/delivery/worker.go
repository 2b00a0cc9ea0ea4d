// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

// Package delivery forwards stored conversion events to a project's
// destination API. Each job moves through an explicit state machine; the
// only durable trace of a finished job is a single delivery log entry,
// written exactly once per terminal transition.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/trackhouse/trackhouse/internal/config"
	"github.com/trackhouse/trackhouse/internal/logging"
	"github.com/trackhouse/trackhouse/internal/metrics"
	"github.com/trackhouse/trackhouse/internal/models"
	"github.com/trackhouse/trackhouse/internal/normalizer"
	"github.com/trackhouse/trackhouse/internal/queue"
	"github.com/trackhouse/trackhouse/internal/store"
	"github.com/trackhouse/trackhouse/internal/tenant"
)

// JobState is a conversion job's position in the delivery state machine:
// Queued -> Sending -> Delivered, or Sending -> Retrying -> Sending, or
// Sending -> FailedExhausted once the retry budget is spent.
type JobState string

const (
	StateQueued          JobState = "queued"
	StateSending         JobState = "sending"
	StateRetrying        JobState = "retrying"
	StateDelivered       JobState = "delivered"
	StateFailedExhausted JobState = "failed_exhausted"
)

// EventSource is the slice of the store the worker needs.
type EventSource interface {
	GetEvent(ctx context.Context, projectID, eventID string) (*models.NormalizedEvent, error)
	InsertDeliveryLogEntry(ctx context.Context, entry *models.DeliveryLogEntry) error
}

// Worker processes conversion delivery jobs.
type Worker struct {
	registry  tenant.Registry
	source    EventSource
	client    *Client
	encryptor *config.CredentialEncryptor
	now       func() time.Time
}

// NewWorker wires the delivery worker. The encryptor opens stored
// integration credentials at send time; decrypted credentials are never
// retained between jobs.
func NewWorker(registry tenant.Registry, source EventSource, client *Client, encryptor *config.CredentialEncryptor) *Worker {
	return &Worker{
		registry:  registry,
		source:    source,
		client:    client,
		encryptor: encryptor,
		now:       time.Now,
	}
}

// HandleJob runs one delivery attempt. Terminal failures write their log
// entry here and return a Terminal error so the scheduler acks without
// retrying; transient failures return plain errors and spend an attempt.
func (w *Worker) HandleJob(ctx context.Context, msg *message.Message) error {
	var job queue.ConversionJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		return queue.Terminal(fmt.Errorf("decode conversion job: %w", err))
	}
	attempt := queue.AttemptFromContext(ctx)
	log := logging.Ctx(ctx).With().
		Str("project_id", job.ProjectID).
		Str("event_id", job.EventID).
		Int("attempt", attempt).
		Logger()

	state := StateQueued
	log.Debug().Str("state", string(state)).Msg("Picked up conversion job")

	project, err := w.registry.ByID(job.ProjectID)
	if err != nil {
		return w.fail(ctx, &job, attempt, fmt.Errorf("resolve project: %w", err))
	}
	integration := &project.Integration
	if !integration.Enabled {
		return w.fail(ctx, &job, attempt, errors.New("integration disabled"))
	}

	ev, err := w.source.GetEvent(ctx, job.ProjectID, job.EventID)
	if err != nil {
		if errors.Is(err, store.ErrEventNotFound) {
			return w.fail(ctx, &job, attempt, err)
		}
		return fmt.Errorf("load event: %w", err)
	}
	if !normalizer.Eligible(ev, integration) {
		return w.fail(ctx, &job, attempt, errors.New("consent requirement not met"))
	}

	credential, err := w.encryptor.Decrypt(integration.EncryptedCredential)
	if err != nil {
		return w.fail(ctx, &job, attempt, fmt.Errorf("open integration credential: %w", err))
	}

	state = StateSending
	log.Debug().Str("state", string(state)).Msg("Sending conversion")

	err = w.client.Send(ctx, integration, credential, BuildPayload(ev))
	switch {
	case err == nil:
		state = StateDelivered
		log.Info().Str("state", string(state)).Msg("Conversion delivered")
		return w.record(ctx, &job, models.DeliveryStatusDelivered, attempt, "")
	case IsRetryable(err):
		state = StateRetrying
		log.Warn().Str("state", string(state)).Err(err).Msg("Delivery attempt failed")
		return err
	default:
		return w.fail(ctx, &job, attempt, err)
	}
}

// OnExhausted writes the single terminal failure entry once every retry
// attempt is spent. Registered as the queue's exhaustion callback.
func (w *Worker) OnExhausted(ctx context.Context, msg *message.Message, attempts int, lastErr error) {
	var job queue.ConversionJob
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		logging.Error().Err(err).Str("job_id", msg.UUID).Msg("Failed to decode exhausted job")
		return
	}
	reason := "retry budget exhausted"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	logging.Error().
		Str("project_id", job.ProjectID).
		Str("event_id", job.EventID).
		Str("state", string(StateFailedExhausted)).
		Int("attempts", attempts).
		Msg("Conversion delivery exhausted")
	if err := w.record(ctx, &job, models.DeliveryStatusFailed, attempts, reason); err != nil {
		logging.Error().Err(err).Msg("Failed to record exhausted delivery")
	}
}

// fail is the terminal-failure path for errors that retrying cannot fix.
func (w *Worker) fail(ctx context.Context, job *queue.ConversionJob, attempts int, cause error) error {
	logging.Ctx(ctx).Warn().
		Str("project_id", job.ProjectID).
		Str("event_id", job.EventID).
		Err(cause).
		Msg("Conversion delivery failed terminally")
	if err := w.record(ctx, job, models.DeliveryStatusFailed, attempts, cause.Error()); err != nil {
		return fmt.Errorf("record terminal failure: %w", err)
	}
	return queue.Terminal(cause)
}

func (w *Worker) record(ctx context.Context, job *queue.ConversionJob, status string, attempts int, lastError string) error {
	entry := &models.DeliveryLogEntry{
		ID:        uuid.New(),
		ProjectID: job.ProjectID,
		EventID:   job.EventID,
		Status:    status,
		Attempts:  attempts,
		LastError: lastError,
		Timestamp: w.now().UTC(),
	}
	if err := w.source.InsertDeliveryLogEntry(ctx, entry); err != nil {
		return err
	}
	metrics.DeliveryLogEntries.WithLabelValues(status).Inc()
	return nil
}
