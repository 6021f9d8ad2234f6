// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package passwordprovider

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

// Hasher hashes passwords for storage and verifies submissions against
// stored hashes. Verify must be constant-time in the password.
type Hasher interface {
	Hash(password string) (string, error)
	Verify(password, encoded string) (bool, error)
}

const saltBytes = 16

// ScryptHasher is the default hasher. Parameters are encoded into each
// hash, so tuning them only affects new passwords.
type ScryptHasher struct {
	N      int
	R      int
	P      int
	KeyLen int
}

// NewScryptHasher returns a hasher with the recommended interactive-login
// parameters.
func NewScryptHasher() *ScryptHasher {
	return &ScryptHasher{N: 16384, R: 8, P: 1, KeyLen: 32}
}

// Hash implements Hasher.
func (h *ScryptHasher) Hash(password string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	derived, err := scrypt.Key([]byte(password), salt, h.N, h.R, h.P, h.KeyLen)
	if err != nil {
		return "", fmt.Errorf("failed to derive key: %w", err)
	}
	return fmt.Sprintf("scrypt$%d$%d$%d$%s$%s",
		h.N, h.R, h.P,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(derived),
	), nil
}

// Verify implements Hasher.
func (*ScryptHasher) Verify(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != "scrypt" {
		return false, fmt.Errorf("malformed scrypt hash")
	}
	n, err1 := strconv.Atoi(parts[1])
	r, err2 := strconv.Atoi(parts[2])
	p, err3 := strconv.Atoi(parts[3])
	salt, err4 := base64.RawStdEncoding.DecodeString(parts[4])
	want, err5 := base64.RawStdEncoding.DecodeString(parts[5])
	for _, err := range []error{err1, err2, err3, err4, err5} {
		if err != nil {
			return false, fmt.Errorf("malformed scrypt hash: %w", err)
		}
	}

	got, err := scrypt.Key([]byte(password), salt, n, r, p, len(want))
	if err != nil {
		return false, fmt.Errorf("failed to derive key: %w", err)
	}
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// PBKDF2Hasher is an alternative for deployments constrained to
// NIST-listed primitives.
type PBKDF2Hasher struct {
	Iterations int
	KeyLen     int
}

// NewPBKDF2Hasher returns a PBKDF2-HMAC-SHA256 hasher at the OWASP
// recommended iteration count.
func NewPBKDF2Hasher() *PBKDF2Hasher {
	return &PBKDF2Hasher{Iterations: 600000, KeyLen: 32}
}

// Hash implements Hasher.
func (h *PBKDF2Hasher) Hash(password string) (string, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	derived := pbkdf2.Key([]byte(password), salt, h.Iterations, h.KeyLen, sha256.New)
	return fmt.Sprintf("pbkdf2$%d$%s$%s",
		h.Iterations,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(derived),
	), nil
}

// Verify implements Hasher.
func (*PBKDF2Hasher) Verify(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 4 || parts[0] != "pbkdf2" {
		return false, fmt.Errorf("malformed pbkdf2 hash")
	}
	iterations, err1 := strconv.Atoi(parts[1])
	salt, err2 := base64.RawStdEncoding.DecodeString(parts[2])
	want, err3 := base64.RawStdEncoding.DecodeString(parts[3])
	for _, err := range []error{err1, err2, err3} {
		if err != nil {
			return false, fmt.Errorf("malformed pbkdf2 hash: %w", err)
		}
	}

	got := pbkdf2.Key([]byte(password), salt, iterations, len(want), sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// Compile-time interface compliance checks.
var (
	_ Hasher = (*ScryptHasher)(nil)
	_ Hasher = (*PBKDF2Hasher)(nil)
)
