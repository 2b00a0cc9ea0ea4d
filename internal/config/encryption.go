// Trackhouse - Multi-Tenant Event Ingestion and Conversion Delivery
// Copyright 2026 Trackhouse Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/trackhouse/trackhouse

package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"
)

// Credential encryption: AES-256-GCM with the key derived from the master
// secret via HKDF-SHA256. Ciphertexts are stored as "hexIV:hexCiphertext" so
// the IV travels alongside the sealed credential.

const (
	credentialEncryptionSalt = "trackhouse-integration-credentials"
	credentialEncryptionInfo = "credential-encryption-v1"

	aesKeySize   = 32
	gcmNonceSize = 12
)

var (
	// ErrEmptySecret is returned when an empty master secret is provided.
	ErrEmptySecret = errors.New("master secret cannot be empty")

	// ErrEmptyPlaintext is returned when attempting to encrypt empty data.
	ErrEmptyPlaintext = errors.New("plaintext cannot be empty")

	// ErrInvalidCiphertext is returned when the stored form is not
	// "hexIV:hexCiphertext".
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")

	// ErrDecryptionFailed is returned when authentication fails (tampered
	// or wrongly keyed ciphertext).
	ErrDecryptionFailed = errors.New("decryption failed")
)

// CredentialEncryptor seals and opens integration credentials.
type CredentialEncryptor struct {
	aead cipher.AEAD
}

// NewCredentialEncryptor derives a 256-bit AES key from the master secret
// and returns an encryptor using AES-GCM.
func NewCredentialEncryptor(masterSecret string) (*CredentialEncryptor, error) {
	if masterSecret == "" {
		return nil, ErrEmptySecret
	}

	key := make([]byte, aesKeySize)
	kdf := hkdf.New(sha256.New, []byte(masterSecret), []byte(credentialEncryptionSalt), []byte(credentialEncryptionInfo))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive credential key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &CredentialEncryptor{aead: aead}, nil
}

// Encrypt seals a credential and returns the "hexIV:hexCiphertext" form.
func (e *CredentialEncryptor) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}

	nonce := make([]byte, gcmNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := e.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(nonce) + ":" + hex.EncodeToString(sealed), nil
}

// Decrypt opens a stored "hexIV:hexCiphertext" credential.
func (e *CredentialEncryptor) Decrypt(stored string) (string, error) {
	iv, sealed, ok := strings.Cut(stored, ":")
	if !ok || iv == "" || sealed == "" {
		return "", ErrInvalidCiphertext
	}

	nonce, err := hex.DecodeString(iv)
	if err != nil || len(nonce) != gcmNonceSize {
		return "", ErrInvalidCiphertext
	}
	ciphertext, err := hex.DecodeString(sealed)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// MaskCredential renders a credential safe for logs, keeping only the first
// and last two characters.
func MaskCredential(credential string) string {
	if len(credential) <= 6 {
		return "****"
	}
	return credential[:2] + strings.Repeat("*", len(credential)-4) + credential[len(credential)-2:]
}
