// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package storagetest provides a conformance suite that every storage
// adapter must pass. Adapter packages call TestAdapter from their own
// tests with a factory for a fresh, empty store.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idkit/pkg/storage"
)

// Options tunes the suite for backend quirks.
type Options struct {
	// MinScanSegments is the shortest prefix Scan supports. Most
	// adapters scan any prefix; DynamoDB needs two segments.
	MinScanSegments int

	// AdvanceTime fast-forwards backend-native TTLs where real waiting
	// is impractical. Nil uses short real TTLs and sleeps.
	AdvanceTime func(d time.Duration)
}

// TestAdapter runs the conformance suite against a fresh adapter per
// subtest.
func TestAdapter(t *testing.T, newAdapter func(t *testing.T) storage.Adapter, opts Options) {
	t.Helper()
	ctx := context.Background()

	scanPad := make([]string, 0)
	for len(scanPad) < opts.MinScanSegments-1 {
		scanPad = append(scanPad, "pad")
	}
	// key returns a hierarchical key with enough leading segments for
	// the backend's scan rules.
	key := func(segments ...string) []string {
		return append(append([]string{}, scanPad...), segments...)
	}

	t.Run("get absent", func(t *testing.T) {
		adapter := newAdapter(t)
		_, ok, err := adapter.Get(ctx, key("ns", "missing"))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("set get remove", func(t *testing.T) {
		adapter := newAdapter(t)
		k := key("ns", "value")

		require.NoError(t, adapter.Set(ctx, k, []byte(`{"a":1}`), 0))
		got, ok, err := adapter.Get(ctx, k)
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `{"a":1}`, string(got))

		require.NoError(t, adapter.Remove(ctx, k))
		_, ok, err = adapter.Get(ctx, k)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("overwrite", func(t *testing.T) {
		adapter := newAdapter(t)
		k := key("ns", "value")

		require.NoError(t, adapter.Set(ctx, k, []byte("one"), 0))
		require.NoError(t, adapter.Set(ctx, k, []byte("two"), 0))
		got, ok, err := adapter.Get(ctx, k)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "two", string(got))
	})

	t.Run("remove absent is idempotent", func(t *testing.T) {
		adapter := newAdapter(t)
		require.NoError(t, adapter.Remove(ctx, key("ns", "missing")))
	})

	t.Run("expired entries are invisible", func(t *testing.T) {
		adapter := newAdapter(t)
		k := key("ns", "ephemeral")

		ttl := 50 * time.Millisecond
		if opts.AdvanceTime != nil {
			ttl = time.Minute
		}
		require.NoError(t, adapter.Set(ctx, k, []byte("x"), ttl))

		_, ok, err := adapter.Get(ctx, k)
		require.NoError(t, err)
		require.True(t, ok, "entry must be visible before expiry")

		if opts.AdvanceTime != nil {
			opts.AdvanceTime(2 * time.Minute)
		} else {
			time.Sleep(2 * ttl)
		}

		_, ok, err = adapter.Get(ctx, k)
		require.NoError(t, err)
		assert.False(t, ok, "entry must be invisible after expiry")

		for entry, err := range adapter.Scan(ctx, key("ns")) {
			require.NoError(t, err)
			assert.NotEqual(t, k, entry.Key, "expired entries must not be scanned")
		}
	})

	t.Run("scan yields prefix matches in order", func(t *testing.T) {
		adapter := newAdapter(t)
		require.NoError(t, adapter.Set(ctx, key("scan", "b"), []byte("2"), 0))
		require.NoError(t, adapter.Set(ctx, key("scan", "a"), []byte("1"), 0))
		require.NoError(t, adapter.Set(ctx, key("scan", "c", "nested"), []byte("3"), 0))
		require.NoError(t, adapter.Set(ctx, key("other", "x"), []byte("9"), 0))

		var keys [][]string
		for entry, err := range adapter.Scan(ctx, key("scan")) {
			require.NoError(t, err)
			keys = append(keys, entry.Key)
		}
		require.Len(t, keys, 3)
		assert.Equal(t, key("scan", "a"), keys[0])
		assert.Equal(t, key("scan", "b"), keys[1])
		assert.Equal(t, key("scan", "c", "nested"), keys[2])
	})

	t.Run("scan distinguishes sibling prefixes", func(t *testing.T) {
		adapter := newAdapter(t)
		require.NoError(t, adapter.Set(ctx, key("user", "ab"), []byte("1"), 0))
		require.NoError(t, adapter.Set(ctx, key("userx", "ab"), []byte("2"), 0))

		count := 0
		for _, err := range adapter.Scan(ctx, key("user")) {
			require.NoError(t, err)
			count++
		}
		// The separator keeps "userx" out of the "user" prefix.
		assert.Equal(t, 1, count)
	})

	t.Run("separator is stripped from segments", func(t *testing.T) {
		adapter := newAdapter(t)
		dirty := key("ns", "a"+storage.Separator+"b")
		clean := key("ns", "ab")

		require.NoError(t, adapter.Set(ctx, dirty, []byte("v"), 0))
		got, ok, err := adapter.Get(ctx, clean)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "v", string(got))
	})
}
