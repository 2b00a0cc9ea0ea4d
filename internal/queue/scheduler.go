// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

// Package queue runs the named background job queues on a Watermill router.
// Each queue owns a retry policy; backoff timing comes from the explicit
// Backoff function, and jobs whose budget is exhausted land on the poison
// topic. The default transport is the in-process gochannel Pub/Sub; a NATS
// JetStream transport is available behind the nats build tag.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/trackhouse/trackhouse/internal/config"
	"github.com/trackhouse/trackhouse/internal/gate"
	"github.com/trackhouse/trackhouse/internal/logging"
	"github.com/trackhouse/trackhouse/internal/metrics"
)

// Poison message metadata keys.
const (
	metaOriginTopic = "origin_topic"
	metaLastError   = "last_error"
	metaAttempts    = "attempts"
)

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks an error as non-retryable: the scheduler stops the attempt
// loop and acks the job without poisoning it. Handlers that persist their
// own failure record use this to keep the queue out of the retry path.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// IsTerminal reports whether err carries the Terminal marker.
func IsTerminal(err error) bool {
	var te *terminalError
	return errors.As(err, &te)
}

type attemptKey struct{}

// AttemptFromContext returns the 1-based attempt number of the running job,
// or 1 when called outside a scheduler handler.
func AttemptFromContext(ctx context.Context) int {
	if n, ok := ctx.Value(attemptKey{}).(int); ok {
		return n
	}
	return 1
}

// HandlerFunc processes one job message. A nil return acks the job; a
// Terminal error acks without retry; any other error consumes one attempt.
type HandlerFunc func(ctx context.Context, msg *message.Message) error

// ExhaustedFunc runs once when a job has used every attempt. It lets the
// owning worker persist a terminal failure before the job is poisoned.
type ExhaustedFunc func(ctx context.Context, msg *message.Message, attempts int, lastErr error)

// Scheduler owns the router, the transport, and the per-queue retry loops.
type Scheduler struct {
	cfg *config.QueuesConfig
	pub message.Publisher
	sub message.Subscriber
	// competing is true when subscribers of one topic split the stream
	// (NATS queue groups). The gochannel transport fans out instead, so
	// per-queue concurrency is forced to one there.
	competing bool
	router    *message.Router
	keyed     gate.KeyedStore
	history   *History
	logger    watermill.LoggerAdapter
	now       func() time.Time
}

// NewScheduler builds a scheduler on the in-process gochannel transport.
// keyed suppresses duplicate conversion enqueues within the configured TTL.
func NewScheduler(cfg *config.QueuesConfig, keyed gate.KeyedStore) (*Scheduler, error) {
	pubsub := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: 256,
	}, logging.NewWatermillAdapter())
	return newScheduler(cfg, keyed, pubsub, pubsub, false)
}

// NewSchedulerWithTransport builds a scheduler on an external transport
// whose subscribers compete for messages, such as NATS JetStream queue
// groups. Per-queue concurrency registers that many competing consumers.
func NewSchedulerWithTransport(cfg *config.QueuesConfig, keyed gate.KeyedStore, pub message.Publisher, sub message.Subscriber) (*Scheduler, error) {
	return newScheduler(cfg, keyed, pub, sub, true)
}

func newScheduler(cfg *config.QueuesConfig, keyed gate.KeyedStore, pub message.Publisher, sub message.Subscriber, competing bool) (*Scheduler, error) {
	logger := logging.NewWatermillAdapter()

	router, err := message.NewRouter(message.RouterConfig{
		CloseTimeout: 30 * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}
	router.AddMiddleware(middleware.Recoverer)

	s := &Scheduler{
		cfg:       cfg,
		pub:       pub,
		sub:       sub,
		competing: competing,
		router:    router,
		keyed:     keyed,
		history:   NewHistory(cfg.HistorySize),
		logger:    logger,
		now:       time.Now,
	}

	// Poisoned jobs are acked here so the transport never redelivers them;
	// the history ring and log line are their last trace.
	router.AddNoPublisherHandler("poison-log", TopicPoison, s.sub, func(msg *message.Message) error {
		logging.Error().
			Str("job_id", msg.UUID).
			Str("queue", msg.Metadata.Get(metaOriginTopic)).
			Str("attempts", msg.Metadata.Get(metaAttempts)).
			Str("last_error", msg.Metadata.Get(metaLastError)).
			Msg("Job exhausted retry budget")
		return nil
	})

	return s, nil
}

// Register adds a named queue handler with its retry policy. onExhausted may
// be nil. On a competing transport the policy's concurrency controls how
// many consumers subscribe to the topic.
func (s *Scheduler) Register(name, topic string, policy Policy, handle HandlerFunc, onExhausted ExhaustedFunc) {
	consumers := 1
	if s.competing && policy.Concurrency > 1 {
		consumers = policy.Concurrency
	}
	for i := 0; i < consumers; i++ {
		handlerName := name
		if i > 0 {
			handlerName = fmt.Sprintf("%s-%d", name, i+1)
		}
		s.register(handlerName, topic, policy, handle, onExhausted)
	}
}

func (s *Scheduler) register(name, topic string, policy Policy, handle HandlerFunc, onExhausted ExhaustedFunc) {
	s.router.AddNoPublisherHandler(name, topic, s.sub, func(msg *message.Message) error {
		ctx := msg.Context()
		if cid := middleware.MessageCorrelationID(msg); cid != "" {
			ctx = logging.ContextWithCorrelationID(ctx, cid)
		}
		var err error
		for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
			start := s.now()
			err = handle(context.WithValue(ctx, attemptKey{}, attempt), msg)
			metrics.JobAttemptDuration.WithLabelValues(topic).Observe(time.Since(start).Seconds())

			if err == nil {
				s.finish(topic, msg.UUID, OutcomeCompleted, attempt, nil)
				return nil
			}
			if IsTerminal(err) {
				s.finish(topic, msg.UUID, OutcomeFailed, attempt, err)
				return nil
			}
			if attempt < policy.MaxAttempts {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(Backoff(policy, attempt)):
				}
			}
		}

		if onExhausted != nil {
			onExhausted(ctx, msg, policy.MaxAttempts, err)
		}
		s.poison(msg, topic, policy.MaxAttempts, err)
		s.finish(topic, msg.UUID, OutcomePoisoned, policy.MaxAttempts, err)
		return nil
	})
}

func (s *Scheduler) finish(topic, jobID, outcome string, attempts int, err error) {
	entry := HistoryEntry{
		Queue:      topic,
		JobID:      jobID,
		Outcome:    outcome,
		Attempts:   attempts,
		FinishedAt: s.now().UTC(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.history.Record(entry)
	metrics.JobsCompleted.WithLabelValues(topic, outcome).Inc()
}

func (s *Scheduler) poison(msg *message.Message, topic string, attempts int, lastErr error) {
	poisoned := message.NewMessage(msg.UUID, msg.Payload)
	poisoned.Metadata.Set(metaOriginTopic, topic)
	poisoned.Metadata.Set(metaAttempts, fmt.Sprintf("%d", attempts))
	if lastErr != nil {
		poisoned.Metadata.Set(metaLastError, lastErr.Error())
	}
	if err := s.pub.Publish(TopicPoison, poisoned); err != nil {
		s.logger.Error("publish poison message", err, watermill.LogFields{
			"topic":  topic,
			"job_id": msg.UUID,
		})
	}
}

// EnqueueConversion publishes a conversion delivery job under its
// deterministic identity "<project>:<event_id>". A job already enqueued
// within the dedupe TTL is dropped; the bool reports whether this call
// actually published.
func (s *Scheduler) EnqueueConversion(ctx context.Context, job ConversionJob) (bool, error) {
	jobID := job.ProjectID + ":" + job.EventID
	first, err := s.keyed.SetNX(ctx, "job:"+jobID, s.cfg.JobDedupeTTL)
	if err != nil {
		return false, fmt.Errorf("job dedupe check: %w", err)
	}
	if !first {
		return false, nil
	}
	return true, s.publish(ctx, TopicConversionDelivery, jobID, job)
}

// EnqueueAggregation publishes a project-day rebuild job.
func (s *Scheduler) EnqueueAggregation(ctx context.Context, job AggregationJob) error {
	return s.publish(ctx, TopicAggregationBuild, uuid.NewString(), job)
}

// EnqueueExport publishes a run job for a persisted export row.
func (s *Scheduler) EnqueueExport(ctx context.Context, job ExportJob) error {
	return s.publish(ctx, TopicExportRun, uuid.NewString(), job)
}

// EnqueueRetention publishes a purge job for one project.
func (s *Scheduler) EnqueueRetention(ctx context.Context, job RetentionJob) error {
	return s.publish(ctx, TopicRetentionEnforce, uuid.NewString(), job)
}

func (s *Scheduler) publish(ctx context.Context, topic, jobID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s job: %w", topic, err)
	}
	msg := message.NewMessage(jobID, body)
	if cid := logging.CorrelationIDFromContext(ctx); cid != "" {
		middleware.SetCorrelationID(cid, msg)
	}
	if err := s.pub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	metrics.JobsEnqueued.WithLabelValues(topic).Inc()
	return nil
}

// History returns the finished-job ring, newest first.
func (s *Scheduler) History() []HistoryEntry {
	return s.history.Snapshot()
}

// Serve runs the router until ctx is cancelled. It satisfies
// suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	return s.router.Run(ctx)
}

// Running closes once the router has started all handlers. Used by tests
// and startup ordering.
func (s *Scheduler) Running() chan struct{} {
	return s.router.Running()
}

// Close shuts down the router and the transport. Closing both sides of a
// shared gochannel transport is harmless; its Close is idempotent.
func (s *Scheduler) Close() error {
	return errors.Join(s.router.Close(), s.pub.Close(), s.sub.Close())
}
