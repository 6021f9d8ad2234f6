// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package redisstore implements the storage adapter on Redis.
//
// Entries are plain string keys with native Redis TTLs, so expiry is handled
// by the backend. Prefix scans use the SCAN iterator with a MATCH pattern.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/idkit/pkg/storage"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// scanBatchSize is the COUNT hint passed to SCAN.
const scanBatchSize = 100

// Config holds Redis connection configuration.
type Config struct {
	// Addr is the host:port of the Redis server.
	Addr string

	// Username and Password authenticate against Redis ACLs. Both may be
	// empty for unauthenticated servers.
	Username string
	Password string

	// DB selects the Redis logical database.
	DB int

	// KeyPrefix namespaces all keys, e.g. "idkit:auth:". Useful for
	// multi-tenant Redis deployments.
	KeyPrefix string

	// Timeouts (defaults: Dial=5s, Read=3s, Write=3s).
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Adapter implements storage.Adapter on a Redis backend, enabling
// multi-node issuer deployments to share flow state.
type Adapter struct {
	client    redis.UniversalClient
	keyPrefix string
}

// New creates a Redis-backed adapter and verifies connectivity.
func New(ctx context.Context, cfg Config) (*Adapter, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		// Close the client to prevent resource leak
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Adapter{client: client, keyPrefix: cfg.KeyPrefix}, nil
}

// NewWithClient creates an Adapter with a pre-configured client.
// This is useful for testing with miniredis.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Adapter {
	return &Adapter{client: client, keyPrefix: keyPrefix}
}

// Close closes the Redis client connection.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// Ping checks Redis connectivity (health check).
func (a *Adapter) Ping(ctx context.Context) error {
	return a.client.Ping(ctx).Err()
}

func (a *Adapter) redisKey(key []string) string {
	return a.keyPrefix + storage.JoinKey(key)
}

// Get returns the value stored under key. Expiry is native to Redis, so an
// expired entry simply reads as absent.
func (a *Adapter) Get(ctx context.Context, key []string) ([]byte, bool, error) {
	data, err := a.client.Get(ctx, a.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get key: %w", err)
	}
	return data, true, nil
}

// Set stores value under key with the given TTL.
func (a *Adapter) Set(ctx context.Context, key []string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := a.client.Set(ctx, a.redisKey(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// GetDel atomically reads and deletes the entry under key, for
// single-use values such as authorization codes.
func (a *Adapter) GetDel(ctx context.Context, key []string) ([]byte, bool, error) {
	data, err := a.client.GetDel(ctx, a.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to take key: %w", err)
	}
	return data, true, nil
}

// Remove deletes the entry under key.
func (a *Adapter) Remove(ctx context.Context, key []string) error {
	if err := a.client.Del(ctx, a.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// escapeMatch escapes SCAN MATCH glob metacharacters in a literal prefix.
func escapeMatch(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}

// Scan yields live entries under prefix. SCAN returns keys in unspecified
// order, so matches are collected and sorted before values are fetched.
// The MATCH pattern over-matches sibling keys sharing a string prefix, so
// segment boundaries are re-checked here.
func (a *Adapter) Scan(ctx context.Context, prefix []string) iter.Seq2[storage.Entry, error] {
	joined := storage.JoinKey(prefix)
	pattern := escapeMatch(a.keyPrefix+joined) + "*"

	return func(yield func(storage.Entry, error) bool) {
		iterator := a.client.Scan(ctx, 0, pattern, scanBatchSize).Iterator()

		var keys []string
		for iterator.Next(ctx) {
			if storage.MatchesPrefix(strings.TrimPrefix(iterator.Val(), a.keyPrefix), joined) {
				keys = append(keys, iterator.Val())
			}
		}
		if err := iterator.Err(); err != nil {
			yield(storage.Entry{}, fmt.Errorf("failed to scan keys: %w", err))
			return
		}
		slices.Sort(keys)

		for _, k := range keys {
			data, err := a.client.Get(ctx, k).Bytes()
			if err != nil {
				if errors.Is(err, redis.Nil) {
					// Expired between SCAN and GET.
					continue
				}
				yield(storage.Entry{}, fmt.Errorf("failed to get scanned key: %w", err))
				return
			}
			entry := storage.Entry{
				Key:   storage.SplitKey(strings.TrimPrefix(k, a.keyPrefix)),
				Value: data,
			}
			if !yield(entry, nil) {
				return
			}
		}
	}
}

// Compile-time interface compliance check.
var _ storage.Adapter = (*Adapter)(nil)
