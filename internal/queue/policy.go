// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

package queue

import (
	"time"

	"github.com/trackhouse/trackhouse/internal/config"
)

// Policy controls how many times a job runs and how long the scheduler
// waits between attempts.
type Policy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
	// Concurrency is the number of competing consumers registered for
	// the queue. Only honored on transports where subscribers split the
	// topic (NATS queue groups); the in-process gochannel transport fans
	// messages out to every subscriber, so it always runs one.
	Concurrency int
}

// PolicyFromConfig maps a configured queue policy, clamping nonsense values
// to a single attempt with no backoff.
func PolicyFromConfig(qp config.QueuePolicy) Policy {
	p := Policy{
		MaxAttempts:       qp.MaxAttempts,
		InitialBackoff:    qp.InitialBackoff,
		BackoffMultiplier: qp.BackoffMultiplier,
		MaxBackoff:        qp.MaxBackoff,
		Concurrency:       qp.Concurrency,
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Concurrency < 1 {
		p.Concurrency = 1
	}
	if p.InitialBackoff < 0 {
		p.InitialBackoff = 0
	}
	if p.BackoffMultiplier < 1 {
		p.BackoffMultiplier = 1
	}
	return p
}

// Backoff returns the wait after the given failed attempt (1-based), growing
// exponentially from InitialBackoff and capped at MaxBackoff. Retry timing
// always comes from this function, never from transport internals.
func Backoff(p Policy, attempt int) time.Duration {
	if attempt < 1 || p.InitialBackoff <= 0 {
		return 0
	}
	d := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		d *= p.BackoffMultiplier
		if p.MaxBackoff > 0 && d >= float64(p.MaxBackoff) {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > float64(p.MaxBackoff) {
		return p.MaxBackoff
	}
	return time.Duration(d)
}
