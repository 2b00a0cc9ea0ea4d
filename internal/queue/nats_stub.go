// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

//go:build !nats

package queue

import (
	"errors"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// ErrNATSNotEnabled is returned by the NATS constructors in default builds.
// Build with -tags nats to enable the JetStream transport.
var ErrNATSNotEnabled = errors.New("nats transport not enabled in this build")

// NATSConfig holds connection settings for the JetStream transport.
// This is a stub for non-NATS builds.
type NATSConfig struct {
	URL           string
	QueueGroup    string
	MaxReconnects int
	ReconnectWait time.Duration
	AckWait       time.Duration
}

// DefaultNATSConfig returns connection defaults for a local JetStream server.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           natsgo.DefaultURL,
		QueueGroup:    "trackhouse-workers",
		MaxReconnects: 10,
		ReconnectWait: 2 * time.Second,
		AckWait:       30 * time.Second,
	}
}

// NewNATSPublisher returns an error in non-NATS builds.
func NewNATSPublisher(_ NATSConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
	return nil, ErrNATSNotEnabled
}

// NewNATSSubscriber returns an error in non-NATS builds.
func NewNATSSubscriber(_ NATSConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
	return nil, ErrNATSNotEnabled
}
