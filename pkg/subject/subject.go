// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package subject defines the subject schema registry. A subject is the
// authenticated principal baked into every access token: a type name, a
// stable identifier, and a validated property bag.
package subject

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnknownType is returned when no schema is registered for a
	// subject type.
	ErrUnknownType = errors.New("unknown subject type")

	// ErrInvalidProperties is returned when a schema rejects a property
	// bag, either at mint time or when re-validating a token.
	ErrInvalidProperties = errors.New("invalid subject properties")
)

// Schema validates and normalizes the property bag for one subject type.
// It returns the canonical form of the properties, which is what gets
// embedded in tokens.
type Schema func(properties any) (any, error)

// Schemas maps subject type names to their schemas. The issuer owner
// defines these once; every mint and verify passes through them.
type Schemas map[string]Schema

// Validate runs the schema registered for typ over properties and returns
// the normalized bag.
func (s Schemas) Validate(typ string, properties any) (any, error) {
	schema, ok := s[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	normalized, err := schema(properties)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProperties, err)
	}
	return normalized, nil
}

// Subject is an authenticated principal.
type Subject struct {
	// Type selects the schema the properties were validated against.
	Type string

	// ID is the stable identifier within the type. Together with Type it
	// forms the token's sub claim.
	ID string

	// Properties is the schema-normalized property bag.
	Properties any
}

// Key returns the composite identifier used as the sub claim and as the
// subject segment of refresh token storage keys.
func (s Subject) Key() string {
	return s.Type + ":" + s.ID
}

// SplitKey is the inverse of Key. The ID portion may itself contain
// colons, so only the first separator splits.
func SplitKey(key string) (typ, id string, err error) {
	typ, id, ok := strings.Cut(key, ":")
	if !ok || typ == "" {
		return "", "", fmt.Errorf("malformed subject %q", key)
	}
	return typ, id, nil
}

// PropertiesID derives a deterministic identifier from a property bag, for
// subjects issued without an explicit ID. Equal property bags hash equal
// regardless of whether they arrive as structs or maps: the value is
// round-tripped through JSON so object keys serialize sorted.
func PropertiesID(properties any) (string, error) {
	raw, err := json.Marshal(properties)
	if err != nil {
		return "", fmt.Errorf("failed to marshal properties: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", fmt.Errorf("failed to canonicalize properties: %w", err)
	}
	canonical, err := json.Marshal(generic)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize properties: %w", err)
	}

	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// New builds a Subject of the given type, validating properties against
// the registry. An empty id falls back to the deterministic property hash.
func New(schemas Schemas, typ, id string, properties any) (Subject, error) {
	normalized, err := schemas.Validate(typ, properties)
	if err != nil {
		return Subject{}, err
	}
	if id == "" {
		id, err = PropertiesID(normalized)
		if err != nil {
			return Subject{}, err
		}
	}
	return Subject{Type: typ, ID: id, Properties: normalized}, nil
}
