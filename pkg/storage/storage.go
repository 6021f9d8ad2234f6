// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storage defines the hierarchical key-value contract that every
// issuer flow and credential store is built on.
//
// Keys are sequences of string segments joined with a reserved, non-printable
// separator. Values are opaque JSON. Every adapter supports per-entry TTLs
// and ordered prefix scans; expired entries are never visible to readers,
// though adapters are free to delete them lazily.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strings"
	"time"
)

// Separator joins key segments. It is a non-printable control character
// (ASCII unit separator) so it cannot collide with user-facing data; segment
// values containing it are silently stripped on write to prevent key
// smuggling across hierarchy levels.
const Separator = "\x1f"

// Entry is a single key-value pair yielded by Scan.
type Entry struct {
	// Key is the full key of the entry, split into segments.
	Key []string

	// Value is the stored JSON payload.
	Value []byte
}

// Adapter is the storage contract. Implementations must be safe for
// concurrent use within one process. Cross-process transactions are not
// required; callers never rely on atomic read-modify-write across keys.
type Adapter interface {
	// Get returns the value stored under key. The boolean reports presence;
	// expired entries are treated as absent.
	Get(ctx context.Context, key []string) ([]byte, bool, error)

	// Set stores value under key. A ttl of zero or less means the entry
	// never expires.
	Set(ctx context.Context, key []string, value []byte, ttl time.Duration) error

	// Remove deletes the entry under key. Removing an absent key is not an
	// error.
	Remove(ctx context.Context, key []string) error

	// Scan yields all live entries whose key extends prefix by whole
	// segments (or equals it), in lexicographic key order.
	Scan(ctx context.Context, prefix []string) iter.Seq2[Entry, error]

	// Close releases adapter resources.
	Close() error
}

// CleanSegment strips separator bytes from a single key segment.
func CleanSegment(segment string) string {
	return strings.ReplaceAll(segment, Separator, "")
}

// JoinKey joins key segments with the separator, stripping any separator
// bytes embedded in the segments themselves.
func JoinKey(key []string) string {
	cleaned := make([]string, len(key))
	for i, seg := range key {
		cleaned[i] = CleanSegment(seg)
	}
	return strings.Join(cleaned, Separator)
}

// SplitKey splits a joined key back into its segments.
func SplitKey(joined string) []string {
	return strings.Split(joined, Separator)
}

// MatchesPrefix reports whether a joined key equals the joined prefix or
// extends it by whole segments. Plain string-prefix matching is not
// enough: "user" must not match "userx".
func MatchesPrefix(joined, prefix string) bool {
	return joined == prefix || strings.HasPrefix(joined, prefix+Separator)
}

// GetJSON reads the value under key and unmarshals it into T.
func GetJSON[T any](ctx context.Context, a Adapter, key []string) (T, bool, error) {
	var out T
	data, ok, err := a.Get(ctx, key)
	if err != nil || !ok {
		return out, ok, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, false, fmt.Errorf("failed to unmarshal value at %q: %w", strings.Join(key, "/"), err)
	}
	return out, true, nil
}

// SetJSON marshals value and stores it under key.
func SetJSON(ctx context.Context, a Adapter, key []string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %q: %w", strings.Join(key, "/"), err)
	}
	return a.Set(ctx, key, data, ttl)
}
