// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"

	"github.com/trackhouse/trackhouse/internal/config"
	"github.com/trackhouse/trackhouse/internal/gate"
)

func testQueuesConfig() *config.QueuesConfig {
	return &config.QueuesConfig{
		HistorySize:  32,
		JobDedupeTTL: time.Hour,
	}
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("scheduler did not stop")
		}
	})
	select {
	case <-s.Running():
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not start")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func TestSchedulerRunsHandlerOnce(t *testing.T) {
	t.Parallel()

	s, err := NewScheduler(testQueuesConfig(), gate.NewMemoryStore())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	var runs atomic.Int32
	s.Register("aggregation", TopicAggregationBuild, Policy{MaxAttempts: 2, BackoffMultiplier: 1},
		func(ctx context.Context, msg *message.Message) error {
			runs.Add(1)
			return nil
		}, nil)
	startScheduler(t, s)

	if err := s.EnqueueAggregation(context.Background(), AggregationJob{ProjectID: "p1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, func() bool { return runs.Load() == 1 })

	history := s.History()
	if len(history) != 1 {
		t.Fatalf("got %d history entries, want 1", len(history))
	}
	if history[0].Outcome != OutcomeCompleted || history[0].Attempts != 1 {
		t.Errorf("unexpected history entry: %+v", history[0])
	}
}

func TestSchedulerRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	s, err := NewScheduler(testQueuesConfig(), gate.NewMemoryStore())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	var runs atomic.Int32
	policy := Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 2}
	s.Register("export", TopicExportRun, policy,
		func(ctx context.Context, msg *message.Message) error {
			if runs.Add(1) < 3 {
				return errors.New("transient")
			}
			if got := AttemptFromContext(ctx); got != 3 {
				t.Errorf("attempt in context = %d, want 3", got)
			}
			return nil
		}, nil)
	startScheduler(t, s)

	if err := s.EnqueueExport(context.Background(), ExportJob{JobID: "j1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, func() bool { return runs.Load() == 3 })
	waitFor(t, func() bool {
		h := s.History()
		return len(h) == 1 && h[0].Outcome == OutcomeCompleted && h[0].Attempts == 3
	})
}

func TestSchedulerTerminalErrorSkipsRetry(t *testing.T) {
	t.Parallel()

	s, err := NewScheduler(testQueuesConfig(), gate.NewMemoryStore())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	var runs atomic.Int32
	s.Register("retention", TopicRetentionEnforce, Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 2},
		func(ctx context.Context, msg *message.Message) error {
			runs.Add(1)
			return Terminal(errors.New("integration disabled"))
		}, nil)
	startScheduler(t, s)

	if err := s.EnqueueRetention(context.Background(), RetentionJob{ProjectID: "p1"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	waitFor(t, func() bool {
		h := s.History()
		return len(h) == 1 && h[0].Outcome == OutcomeFailed
	})
	if runs.Load() != 1 {
		t.Errorf("handler ran %d times, want 1", runs.Load())
	}
}

func TestSchedulerExhaustionPoisonsJob(t *testing.T) {
	t.Parallel()

	s, err := NewScheduler(testQueuesConfig(), gate.NewMemoryStore())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	var runs atomic.Int32
	var exhaustedAttempts atomic.Int32
	s.Register("conversion", TopicConversionDelivery, Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, BackoffMultiplier: 2},
		func(ctx context.Context, msg *message.Message) error {
			runs.Add(1)
			return errors.New("upstream 500")
		},
		func(ctx context.Context, msg *message.Message, attempts int, lastErr error) {
			exhaustedAttempts.Store(int32(attempts))
		})
	startScheduler(t, s)

	published, err := s.EnqueueConversion(context.Background(), ConversionJob{ProjectID: "p1", EventID: "e1"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if !published {
		t.Fatal("first enqueue was reported as duplicate")
	}

	waitFor(t, func() bool { return runs.Load() == 3 })
	waitFor(t, func() bool {
		h := s.History()
		return len(h) == 1 && h[0].Outcome == OutcomePoisoned
	})
	if exhaustedAttempts.Load() != 3 {
		t.Errorf("exhausted callback saw %d attempts, want 3", exhaustedAttempts.Load())
	}
	if h := s.History(); h[0].JobID != "p1:e1" {
		t.Errorf("job id = %q, want deterministic p1:e1", h[0].JobID)
	}
}

func TestEnqueueConversionDeduplicates(t *testing.T) {
	t.Parallel()

	s, err := NewScheduler(testQueuesConfig(), gate.NewMemoryStore())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	var runs atomic.Int32
	s.Register("conversion", TopicConversionDelivery, Policy{MaxAttempts: 1, BackoffMultiplier: 1},
		func(ctx context.Context, msg *message.Message) error {
			runs.Add(1)
			return nil
		}, nil)
	startScheduler(t, s)

	ctx := context.Background()
	job := ConversionJob{ProjectID: "p1", EventID: "e1"}

	published, err := s.EnqueueConversion(ctx, job)
	if err != nil || !published {
		t.Fatalf("first enqueue: published=%v err=%v", published, err)
	}
	published, err = s.EnqueueConversion(ctx, job)
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if published {
		t.Error("duplicate job was published")
	}

	// Different event id is a distinct job.
	published, err = s.EnqueueConversion(ctx, ConversionJob{ProjectID: "p1", EventID: "e2"})
	if err != nil || !published {
		t.Fatalf("distinct enqueue: published=%v err=%v", published, err)
	}

	waitFor(t, func() bool { return runs.Load() == 2 })
}

// competingPubSub delivers each message to exactly one subscriber of a
// topic, the way a NATS queue group splits a stream.
type competingPubSub struct {
	mu     sync.Mutex
	topics map[string]chan *message.Message
	closed bool
}

func newCompetingPubSub() *competingPubSub {
	return &competingPubSub{topics: make(map[string]chan *message.Message)}
}

func (ps *competingPubSub) channel(topic string) chan *message.Message {
	ch, ok := ps.topics[topic]
	if !ok {
		ch = make(chan *message.Message, 64)
		ps.topics[topic] = ch
	}
	return ch
}

func (ps *competingPubSub) Publish(topic string, msgs ...*message.Message) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return errors.New("pubsub closed")
	}
	ch := ps.channel(topic)
	for _, msg := range msgs {
		ch <- msg
	}
	return nil
}

func (ps *competingPubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ps.mu.Lock()
	src := ps.channel(topic)
	ps.mu.Unlock()

	// Each subscriber competes on the shared topic channel; the output
	// channel closes when ctx is cancelled, as message.Subscriber requires.
	out := make(chan *message.Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-src:
				if !ok {
					return
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (ps *competingPubSub) Close() error {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.closed {
		return nil
	}
	ps.closed = true
	for _, ch := range ps.topics {
		close(ch)
	}
	return nil
}

func TestSchedulerInjectedTransportCompetingConsumers(t *testing.T) {
	t.Parallel()

	ps := newCompetingPubSub()
	s, err := NewSchedulerWithTransport(testQueuesConfig(), gate.NewMemoryStore(), ps, ps)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	var mu sync.Mutex
	perJob := make(map[string]int)
	var total atomic.Int32
	s.Register("conversion", TopicConversionDelivery, Policy{MaxAttempts: 1, Concurrency: 3},
		func(ctx context.Context, msg *message.Message) error {
			var job ConversionJob
			if err := json.Unmarshal(msg.Payload, &job); err != nil {
				return err
			}
			mu.Lock()
			perJob[job.EventID]++
			mu.Unlock()
			total.Add(1)
			return nil
		}, nil)
	startScheduler(t, s)

	for i := 0; i < 5; i++ {
		published, err := s.EnqueueConversion(context.Background(), ConversionJob{
			ProjectID: "p1",
			EventID:   fmt.Sprintf("e%d", i),
		})
		if err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
		if !published {
			t.Fatalf("job %d suppressed as duplicate", i)
		}
	}

	waitFor(t, func() bool { return total.Load() == 5 })

	mu.Lock()
	defer mu.Unlock()
	if len(perJob) != 5 {
		t.Fatalf("got %d distinct jobs, want 5", len(perJob))
	}
	for id, n := range perJob {
		if n != 1 {
			t.Errorf("job %s ran %d times, want 1", id, n)
		}
	}
}

func TestSchedulerGochannelIgnoresConcurrency(t *testing.T) {
	t.Parallel()

	s, err := NewScheduler(testQueuesConfig(), gate.NewMemoryStore())
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	// The fan-out transport would run every consumer copy; concurrency
	// above one must collapse to a single handler there.
	var runs atomic.Int32
	s.Register("conversion", TopicConversionDelivery, Policy{MaxAttempts: 1, Concurrency: 4},
		func(ctx context.Context, msg *message.Message) error {
			runs.Add(1)
			return nil
		}, nil)
	startScheduler(t, s)

	published, err := s.EnqueueConversion(context.Background(), ConversionJob{ProjectID: "p1", EventID: "e1"})
	if err != nil || !published {
		t.Fatalf("enqueue: published=%v err=%v", published, err)
	}

	waitFor(t, func() bool { return runs.Load() >= 1 })
	time.Sleep(50 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Errorf("handler ran %d times, want 1", got)
	}
}
