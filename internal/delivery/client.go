// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

package delivery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/trackhouse/trackhouse/internal/config"
	"github.com/trackhouse/trackhouse/internal/logging"
	"github.com/trackhouse/trackhouse/internal/metrics"
)

// RetryableError wraps a transient failure: network errors, 5xx, and 429.
// The scheduler spends an attempt and retries; everything else is terminal.
type RetryableError struct{ err error }

func (e *RetryableError) Error() string { return e.err.Error() }
func (e *RetryableError) Unwrap() error { return e.err }

func retryable(err error) error { return &RetryableError{err: err} }

// IsRetryable reports whether err represents a transient delivery failure.
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}

// Client sends conversion payloads to the destination API behind a circuit
// breaker and a shared outbound rate limiter.
type Client struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[*http.Response]
	limiter    *rate.Limiter
	endpoint   string
}

// NewClient builds the outbound client from the delivery configuration.
func NewClient(cfg *config.DeliveryConfig) *Client {
	settings := gobreaker.Settings{
		Name: "conversion-delivery",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerMaxFailures
		},
		Timeout: cfg.BreakerOpenFor,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1)
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    gobreaker.NewCircuitBreaker[*http.Response](settings),
		limiter:    limiter,
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
	}
}

// Send posts one conversion payload. The credential rides in the bearer
// header and never appears in logs or errors. Errors are classified: a
// RetryableError consumes a retry attempt, any other error is terminal.
func (c *Client) Send(ctx context.Context, integration *config.IntegrationConfig, credential string, payload *Payload) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return retryable(fmt.Errorf("rate limiter: %w", err))
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	endpoint := c.endpoint
	if integration.Endpoint != "" {
		endpoint = strings.TrimRight(integration.Endpoint, "/")
	}
	url := fmt.Sprintf("%s/%s/events", endpoint, integration.PixelID)

	resp, err := c.breaker.Execute(func() (*http.Response, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if reqErr != nil {
			return nil, reqErr
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+credential)

		httpResp, respErr := c.httpClient.Do(req)
		if respErr != nil {
			return nil, respErr
		}
		// Drain so the transport can reuse the connection; the destination
		// response body is not interesting beyond the status code.
		_, _ = io.Copy(io.Discard, io.LimitReader(httpResp.Body, 4096))
		_ = httpResp.Body.Close()
		if httpResp.StatusCode >= 500 {
			return httpResp, fmt.Errorf("destination returned %d", httpResp.StatusCode)
		}
		return httpResp, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.DeliveryAttempts.WithLabelValues("breaker_open").Inc()
			return retryable(fmt.Errorf("circuit breaker: %w", err))
		}
		if resp != nil && resp.StatusCode >= 500 {
			metrics.DeliveryAttempts.WithLabelValues("server_error").Inc()
			return retryable(err)
		}
		metrics.DeliveryAttempts.WithLabelValues("network_error").Inc()
		return retryable(fmt.Errorf("send conversion: %w", err))
	}

	return classifyStatus(resp.StatusCode)
}

// classifyStatus maps a destination status code to the retry taxonomy:
// 2xx success, 429 and 5xx retryable, 401/403 and other 4xx terminal.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		metrics.DeliveryAttempts.WithLabelValues("success").Inc()
		return nil
	case status == http.StatusTooManyRequests:
		metrics.DeliveryAttempts.WithLabelValues("throttled").Inc()
		return retryable(fmt.Errorf("destination throttled (%d)", status))
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		metrics.DeliveryAttempts.WithLabelValues("auth_error").Inc()
		return fmt.Errorf("destination rejected credential (%d)", status)
	default:
		metrics.DeliveryAttempts.WithLabelValues("client_error").Inc()
		return fmt.Errorf("destination rejected payload (%d)", status)
	}
}
