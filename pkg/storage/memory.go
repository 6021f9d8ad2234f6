// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often the memory adapter sweeps expired
// entries in the background.
const DefaultCleanupInterval = time.Minute

// timedEntry wraps a value with its expiry for TTL tracking.
// A zero expiresAt means the entry never expires.
type timedEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e *timedEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// MemoryAdapter implements Adapter with in-process maps. It is safe for
// concurrent use and suitable for development, testing, and single-node
// deployments; state is lost on restart.
type MemoryAdapter struct {
	mu      sync.RWMutex
	entries map[string]*timedEntry

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	cleanupDone     chan struct{}
}

// MemoryOption configures a MemoryAdapter.
type MemoryOption func(*MemoryAdapter)

// WithCleanupInterval sets a custom background sweep interval.
func WithCleanupInterval(interval time.Duration) MemoryOption {
	return func(a *MemoryAdapter) {
		a.cleanupInterval = interval
	}
}

// NewMemoryAdapter creates a MemoryAdapter and starts its background sweep
// goroutine. Call Close to stop it.
func NewMemoryAdapter(opts ...MemoryOption) *MemoryAdapter {
	a := &MemoryAdapter{
		entries:         make(map[string]*timedEntry),
		cleanupInterval: DefaultCleanupInterval,
		stopCleanup:     make(chan struct{}),
		cleanupDone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}

	go a.cleanupLoop()

	return a
}

// Close stops the background sweep goroutine and waits for it to finish.
func (a *MemoryAdapter) Close() error {
	close(a.stopCleanup)
	<-a.cleanupDone
	return nil
}

func (a *MemoryAdapter) cleanupLoop() {
	defer close(a.cleanupDone)

	ticker := time.NewTicker(a.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCleanup:
			return
		case <-ticker.C:
			a.cleanupExpired()
		}
	}
}

// cleanupExpired removes expired entries. Uses collect-then-delete: expired
// keys are gathered under the read lock, then removed under the write lock
// to keep write lock hold time short.
func (a *MemoryAdapter) cleanupExpired() {
	now := time.Now()

	a.mu.RLock()
	var expired []string
	for k, e := range a.entries {
		if e.expired(now) {
			expired = append(expired, k)
		}
	}
	a.mu.RUnlock()

	if len(expired) == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	now = time.Now()
	for _, k := range expired {
		// Re-check: the entry may have been overwritten since collection.
		if e, ok := a.entries[k]; ok && e.expired(now) {
			delete(a.entries, k)
		}
	}
}

// Get returns the value stored under key.
func (a *MemoryAdapter) Get(_ context.Context, key []string) ([]byte, bool, error) {
	joined := JoinKey(key)

	a.mu.RLock()
	entry, ok := a.entries[joined]
	a.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if entry.expired(time.Now()) {
		// Lazy delete on read.
		a.mu.Lock()
		if e, ok := a.entries[joined]; ok && e.expired(time.Now()) {
			delete(a.entries, joined)
		}
		a.mu.Unlock()
		return nil, false, nil
	}

	return slices.Clone(entry.value), true, nil
}

// Set stores value under key.
func (a *MemoryAdapter) Set(_ context.Context, key []string, value []byte, ttl time.Duration) error {
	entry := &timedEntry{value: slices.Clone(value)}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[JoinKey(key)] = entry
	return nil
}

// Remove deletes the entry under key.
func (a *MemoryAdapter) Remove(_ context.Context, key []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.entries, JoinKey(key))
	return nil
}

// Scan yields live entries under prefix in lexicographic key order.
// The snapshot is taken under the read lock, so concurrent writes during
// iteration are not observed.
func (a *MemoryAdapter) Scan(ctx context.Context, prefix []string) iter.Seq2[Entry, error] {
	joined := JoinKey(prefix)

	return func(yield func(Entry, error) bool) {
		now := time.Now()

		a.mu.RLock()
		matched := make([]Entry, 0)
		for k, e := range a.entries {
			if !MatchesPrefix(k, joined) || e.expired(now) {
				continue
			}
			matched = append(matched, Entry{Key: SplitKey(k), Value: slices.Clone(e.value)})
		}
		a.mu.RUnlock()

		slices.SortFunc(matched, func(x, y Entry) int {
			return strings.Compare(JoinKey(x.Key), JoinKey(y.Key))
		})

		for _, e := range matched {
			if ctx.Err() != nil {
				yield(Entry{}, ctx.Err())
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

// Compile-time interface compliance check.
var _ Adapter = (*MemoryAdapter)(nil)
