// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

// Package signature authenticates ingestion batches. Every project signs
// requests with HMAC-SHA256 over "timestamp.body" using a secret derived
// from the master secret and its project ID. Rotating the master secret
// invalidates all derived secrets at once; nothing is stored per project.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	derivationSalt = "trackhouse-project-signing"
	derivationInfo = "project-secret-v1:"

	secretSize = 32
)

// DefaultWindow is the default replay-protection window.
const DefaultWindow = 5 * time.Minute

var (
	// ErrInvalidTimestamp means the timestamp header did not parse.
	ErrInvalidTimestamp = errors.New("invalid timestamp")

	// ErrExpiredTimestamp means |now - timestamp| exceeded the window.
	ErrExpiredTimestamp = errors.New("timestamp outside allowed window")

	// ErrInvalidSignature means the signature did not verify.
	ErrInvalidSignature = errors.New("invalid signature")
)

// DeriveProjectSecret derives a project's signing secret from the master
// secret via HKDF-SHA256. Returns the hex-encoded 32-byte secret.
func DeriveProjectSecret(masterSecret, projectID string) (string, error) {
	if masterSecret == "" {
		return "", errors.New("master secret cannot be empty")
	}
	if projectID == "" {
		return "", errors.New("project id cannot be empty")
	}

	key := make([]byte, secretSize)
	kdf := hkdf.New(sha256.New, []byte(masterSecret), []byte(derivationSalt), []byte(derivationInfo+projectID))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return "", fmt.Errorf("derive project secret: %w", err)
	}
	return hex.EncodeToString(key), nil
}

// Sign computes the hex HMAC-SHA256 signature over "timestamp.body".
func Sign(timestamp string, body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares in constant time.
func Verify(signature, timestamp string, body []byte, secret string) bool {
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// ValidateTimestamp rejects timestamps outside ±window of now.
func ValidateTimestamp(timestamp string, now time.Time, window time.Duration) error {
	tsInt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrInvalidTimestamp
	}
	ts := time.Unix(tsInt, 0).UTC()
	now = now.UTC()
	if ts.Before(now.Add(-window)) || ts.After(now.Add(window)) {
		return ErrExpiredTimestamp
	}
	return nil
}

// Verifier bundles the master secret and replay window.
//
// The canonical signed string is "timestamp.body" and does not embed the
// project ID; binding to the project comes solely from the derived
// per-project secret. Flagged for security review; do not change silently.
type Verifier struct {
	masterSecret string
	window       time.Duration
	now          func() time.Time
}

// NewVerifier creates a Verifier. A nonpositive window falls back to
// DefaultWindow.
func NewVerifier(masterSecret string, window time.Duration) *Verifier {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Verifier{
		masterSecret: masterSecret,
		window:       window,
		now:          time.Now,
	}
}

// SetNowFunc overrides the clock. Intended for tests.
func (v *Verifier) SetNowFunc(now func() time.Time) {
	v.now = now
}

// ProjectSecret returns the derived signing secret for a project.
func (v *Verifier) ProjectSecret(projectID string) (string, error) {
	return DeriveProjectSecret(v.masterSecret, projectID)
}

// VerifyRequest authenticates one batch: timestamp window first, then
// signature. Any failure rejects the whole batch.
func (v *Verifier) VerifyRequest(projectID, sig, timestamp string, body []byte) error {
	if err := ValidateTimestamp(timestamp, v.now(), v.window); err != nil {
		return err
	}
	secret, err := v.ProjectSecret(projectID)
	if err != nil {
		return err
	}
	if !Verify(sig, timestamp, body, secret) {
		return ErrInvalidSignature
	}
	return nil
}
