// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package scopes parses and narrows OAuth scope strings. Scopes are opaque
// to the issuer; the only rule applied is intersection at token-request time.
package scopes

import (
	"slices"
	"strings"
)

// Parse splits a space-delimited scope string into individual scopes,
// dropping empty entries from repeated separators.
func Parse(s string) []string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return []string{}
	}
	return fields
}

// Narrow intersects the requested scope string with the scopes the subject
// was authorized for, preserving request order.
//
// A nil requested pointer means the client asked for nothing specific and
// receives everything authorized. A nil authorized slice means no scope
// restriction was ever established, and the result is nil too.
func Narrow(requested *string, authorized []string) []string {
	if authorized == nil {
		return nil
	}
	if requested == nil {
		return slices.Clone(authorized)
	}

	out := []string{}
	for _, s := range Parse(*requested) {
		if slices.Contains(authorized, s) {
			out = append(out, s)
		}
	}
	return out
}
