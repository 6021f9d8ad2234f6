// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package redisstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idkit/pkg/storage"
	"github.com/stacklok/idkit/pkg/storage/redisstore"
	"github.com/stacklok/idkit/pkg/storage/storagetest"
)

func newTestAdapter(t *testing.T) (*redisstore.Adapter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	adapter := redisstore.NewWithClient(client, "idkit:")
	t.Cleanup(func() { _ = adapter.Close() })
	return adapter, mr
}

func TestRedisAdapterConformance(t *testing.T) {
	t.Parallel()

	var mr *miniredis.Miniredis
	storagetest.TestAdapter(t, func(t *testing.T) storage.Adapter {
		t.Helper()
		var adapter *redisstore.Adapter
		adapter, mr = newTestAdapter(t)
		return adapter
	}, storagetest.Options{
		// miniredis only expires keys on explicit time travel.
		AdvanceTime: func(d time.Duration) { mr.FastForward(d) },
	})
}

func TestRedisAdapterKeyPrefix(t *testing.T) {
	t.Parallel()

	adapter, mr := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter.Set(ctx, []string{"ns", "a"}, []byte("v"), 0))

	// The raw key carries the configured namespace prefix.
	keys := mr.Keys()
	require.Len(t, keys, 1)
	assert.Equal(t, "idkit:"+storage.JoinKey([]string{"ns", "a"}), keys[0])

	// Scans hide the prefix again.
	for entry, err := range adapter.Scan(ctx, []string{"ns"}) {
		require.NoError(t, err)
		assert.Equal(t, []string{"ns", "a"}, entry.Key)
	}
}

func TestRedisAdapterGetDel(t *testing.T) {
	t.Parallel()

	adapter, _ := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter.Set(ctx, []string{"code", "abc"}, []byte("v"), 0))

	value, ok, err := adapter.GetDel(ctx, []string{"code", "abc"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)

	// Single use: the second take misses.
	_, ok, err = adapter.GetDel(ctx, []string{"code", "abc"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisAdapterPing(t *testing.T) {
	t.Parallel()

	adapter, mr := newTestAdapter(t)
	require.NoError(t, adapter.Ping(context.Background()))

	mr.Close()
	assert.Error(t, adapter.Ping(context.Background()))
}

func TestRedisAdapterNativeTTL(t *testing.T) {
	t.Parallel()

	adapter, mr := newTestAdapter(t)
	ctx := context.Background()

	require.NoError(t, adapter.Set(ctx, []string{"ttl", "a"}, []byte("v"), time.Minute))
	mr.FastForward(2 * time.Minute)

	_, ok, err := adapter.Get(ctx, []string{"ttl", "a"})
	require.NoError(t, err)
	assert.False(t, ok)
}
