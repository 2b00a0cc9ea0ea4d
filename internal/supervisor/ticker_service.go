// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

package supervisor

import (
	"context"
	"time"

	"github.com/trackhouse/trackhouse/internal/logging"
)

// TickFunc runs one periodic pass. Errors are logged, not fatal; the next
// tick still fires.
type TickFunc func(ctx context.Context) error

// TickerService runs a TickFunc on a fixed interval until its context is
// canceled. The first pass waits one full interval so a crash-looping tick
// cannot hot-spin through supervisor restarts.
type TickerService struct {
	name     string
	interval time.Duration
	tick     TickFunc
}

// NewTickerService wraps tick as a supervised periodic service.
func NewTickerService(name string, interval time.Duration, tick TickFunc) *TickerService {
	return &TickerService{name: name, interval: interval, tick: tick}
}

// Serve implements suture.Service.
func (s *TickerService) Serve(ctx context.Context) error {
	if s.interval <= 0 {
		// Disabled; park until shutdown so suture does not restart-loop us.
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	logging.Info().
		Str("service", s.name).
		Dur("interval", s.interval).
		Msg("Periodic service started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				logging.Error().Err(err).Str("service", s.name).Msg("Periodic pass failed")
			}
		}
	}
}

func (s *TickerService) String() string {
	return s.name
}
