// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idkit/pkg/storage"
	"github.com/stacklok/idkit/pkg/storage/storagetest"
)

func TestMemoryAdapterConformance(t *testing.T) {
	t.Parallel()

	storagetest.TestAdapter(t, func(t *testing.T) storage.Adapter {
		t.Helper()
		adapter := storage.NewMemoryAdapter()
		t.Cleanup(func() { _ = adapter.Close() })
		return adapter
	}, storagetest.Options{})
}

func TestMemoryAdapterBackgroundSweep(t *testing.T) {
	t.Parallel()

	adapter := storage.NewMemoryAdapter(storage.WithCleanupInterval(10 * time.Millisecond))
	t.Cleanup(func() { _ = adapter.Close() })

	ctx := context.Background()
	require.NoError(t, adapter.Set(ctx, []string{"sweep", "a"}, []byte("x"), 20*time.Millisecond))
	require.NoError(t, adapter.Set(ctx, []string{"sweep", "b"}, []byte("y"), 0))

	assert.Eventually(t, func() bool {
		_, ok, err := adapter.Get(ctx, []string{"sweep", "a"})
		return err == nil && !ok
	}, time.Second, 10*time.Millisecond)

	_, ok, err := adapter.Get(ctx, []string{"sweep", "b"})
	require.NoError(t, err)
	assert.True(t, ok, "entries without TTL must survive the sweep")
}

func TestJoinKeyHelpers(t *testing.T) {
	t.Parallel()

	t.Run("round trip", func(t *testing.T) {
		t.Parallel()
		key := []string{"oauth:refresh", "user:123", "id"}
		assert.Equal(t, key, storage.SplitKey(storage.JoinKey(key)))
	})

	t.Run("separator stripped", func(t *testing.T) {
		t.Parallel()
		joined := storage.JoinKey([]string{"a" + storage.Separator, "b"})
		assert.Equal(t, []string{"a", "b"}, storage.SplitKey(joined))
	})

	t.Run("prefix matching honors boundaries", func(t *testing.T) {
		t.Parallel()
		user := storage.JoinKey([]string{"user"})
		assert.True(t, storage.MatchesPrefix(storage.JoinKey([]string{"user", "a"}), user))
		assert.True(t, storage.MatchesPrefix(user, user))
		assert.False(t, storage.MatchesPrefix(storage.JoinKey([]string{"userx", "a"}), user))
	})
}

func TestJSONHelpers(t *testing.T) {
	t.Parallel()

	adapter := storage.NewMemoryAdapter()
	t.Cleanup(func() { _ = adapter.Close() })
	ctx := context.Background()

	type record struct {
		Name string `json:"name"`
	}

	require.NoError(t, storage.SetJSON(ctx, adapter, []string{"json", "a"}, record{Name: "n"}, 0))

	got, ok, err := storage.GetJSON[record](ctx, adapter, []string{"json", "a"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "n", got.Name)

	_, ok, err = storage.GetJSON[record](ctx, adapter, []string{"json", "absent"})
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, adapter.Set(ctx, []string{"json", "bad"}, []byte("{"), 0))
	_, _, err = storage.GetJSON[record](ctx, adapter, []string{"json", "bad"})
	assert.Error(t, err)
}
