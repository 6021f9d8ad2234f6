// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package subject_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idkit/pkg/subject"
)

type userProps struct {
	Email string `json:"email"`
}

func testSchemas() subject.Schemas {
	return subject.Schemas{
		"user": func(properties any) (any, error) {
			props, ok := properties.(map[string]any)
			if !ok {
				return nil, errors.New("expected an object")
			}
			email, _ := props["email"].(string)
			if !strings.Contains(email, "@") {
				return nil, fmt.Errorf("invalid email %q", email)
			}
			return map[string]any{"email": strings.ToLower(email)}, nil
		},
		"service": func(properties any) (any, error) {
			return properties, nil
		},
	}
}

func TestSchemasValidate(t *testing.T) {
	t.Parallel()

	schemas := testSchemas()

	t.Run("normalizes", func(t *testing.T) {
		t.Parallel()
		got, err := schemas.Validate("user", map[string]any{"email": "Alice@Example.COM"})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"email": "alice@example.com"}, got)
	})

	t.Run("unknown type", func(t *testing.T) {
		t.Parallel()
		_, err := schemas.Validate("robot", nil)
		assert.ErrorIs(t, err, subject.ErrUnknownType)
	})

	t.Run("rejected properties", func(t *testing.T) {
		t.Parallel()
		_, err := schemas.Validate("user", map[string]any{"email": "not-an-email"})
		assert.ErrorIs(t, err, subject.ErrInvalidProperties)
	})
}

func TestSubjectKeyRoundTrip(t *testing.T) {
	t.Parallel()

	s := subject.Subject{Type: "user", ID: "123"}
	assert.Equal(t, "user:123", s.Key())

	typ, id, err := subject.SplitKey(s.Key())
	require.NoError(t, err)
	assert.Equal(t, "user", typ)
	assert.Equal(t, "123", id)

	// IDs may contain colons; only the first separator splits.
	typ, id, err = subject.SplitKey("saml:urn:example:alice")
	require.NoError(t, err)
	assert.Equal(t, "saml", typ)
	assert.Equal(t, "urn:example:alice", id)

	_, _, err = subject.SplitKey("no-separator")
	assert.Error(t, err)
	_, _, err = subject.SplitKey(":missing-type")
	assert.Error(t, err)
}

func TestPropertiesID(t *testing.T) {
	t.Parallel()

	t.Run("deterministic across representations", func(t *testing.T) {
		t.Parallel()
		fromStruct, err := subject.PropertiesID(userProps{Email: "a@b.c"})
		require.NoError(t, err)
		fromMap, err := subject.PropertiesID(map[string]any{"email": "a@b.c"})
		require.NoError(t, err)
		assert.Equal(t, fromStruct, fromMap)
	})

	t.Run("distinct bags hash distinct", func(t *testing.T) {
		t.Parallel()
		one, err := subject.PropertiesID(map[string]any{"email": "a@b.c"})
		require.NoError(t, err)
		two, err := subject.PropertiesID(map[string]any{"email": "x@b.c"})
		require.NoError(t, err)
		assert.NotEqual(t, one, two)
	})

	t.Run("unmarshalable properties fail", func(t *testing.T) {
		t.Parallel()
		_, err := subject.PropertiesID(map[string]any{"ch": make(chan int)})
		assert.Error(t, err)
	})
}

func TestNew(t *testing.T) {
	t.Parallel()

	schemas := testSchemas()

	t.Run("explicit id", func(t *testing.T) {
		t.Parallel()
		s, err := subject.New(schemas, "user", "42", map[string]any{"email": "a@b.c"})
		require.NoError(t, err)
		assert.Equal(t, "user:42", s.Key())
	})

	t.Run("empty id falls back to property hash", func(t *testing.T) {
		t.Parallel()
		one, err := subject.New(schemas, "user", "", map[string]any{"email": "a@b.c"})
		require.NoError(t, err)
		two, err := subject.New(schemas, "user", "", map[string]any{"email": "A@b.c"})
		require.NoError(t, err)
		assert.NotEmpty(t, one.ID)
		// Normalization runs before hashing, so equivalent inputs converge.
		assert.Equal(t, one.ID, two.ID)
	})

	t.Run("validation failures propagate", func(t *testing.T) {
		t.Parallel()
		_, err := subject.New(schemas, "user", "42", map[string]any{"email": "nope"})
		assert.ErrorIs(t, err, subject.ErrInvalidProperties)
		_, err = subject.New(schemas, "ghost", "42", nil)
		assert.ErrorIs(t, err, subject.ErrUnknownType)
	})
}
