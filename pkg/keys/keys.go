// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package keys manages the issuer's ES256 signing keys.
//
// Keys are generated lazily and persisted through the storage adapter, so
// every node of a multi-node deployment signs with the same material. The
// newest key signs; all keys verify and appear in the published JWKS until
// they are removed from storage. Rotation is adding a newer key.
package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwa"
	"github.com/lestrrat-go/jwx/v3/jwk"

	"github.com/stacklok/idkit/pkg/logger"
	"github.com/stacklok/idkit/pkg/storage"
)

// storagePrefix is the key family signing keys live under.
const storagePrefix = "oauth:key"

// DefaultRefreshInterval bounds how stale a node's key cache may get. A key
// added out of band is picked up on the next refresh.
const DefaultRefreshInterval = time.Hour

// SigningKey is one persisted key pair.
type SigningKey struct {
	ID        string
	Algorithm jwa.SignatureAlgorithm
	Private   jwk.Key
	Public    jwk.Key
	CreatedAt time.Time
}

// storedKey is the persisted JSON shape.
type storedKey struct {
	ID      string          `json:"id"`
	Alg     string          `json:"alg"`
	Key     json.RawMessage `json:"key"`
	Created time.Time       `json:"created"`
}

// Manager loads, caches, and lazily generates signing keys.
type Manager struct {
	store           storage.Adapter
	refreshInterval time.Duration

	mu      sync.Mutex
	cached  []*SigningKey // newest first
	fetched time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithRefreshInterval overrides how often the key cache is reloaded from
// storage. Intervals below one second are rejected at construction.
func WithRefreshInterval(d time.Duration) Option {
	return func(m *Manager) {
		m.refreshInterval = d
	}
}

// NewManager creates a key manager over the given storage adapter.
func NewManager(store storage.Adapter, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:           store,
		refreshInterval: DefaultRefreshInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.refreshInterval < time.Second {
		return nil, fmt.Errorf("refresh interval %v is too short", m.refreshInterval)
	}
	return m, nil
}

// SigningKey returns the key new tokens must be signed with, generating the
// first key if storage holds none.
func (m *Manager) SigningKey(ctx context.Context) (*SigningKey, error) {
	all, err := m.All(ctx)
	if err != nil {
		return nil, err
	}
	return all[0], nil
}

// All returns every known key, newest first, generating the first key if
// storage holds none. The returned slice is shared; callers must not
// modify it.
func (m *Manager) All(ctx context.Context) ([]*SigningKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cached != nil && time.Since(m.fetched) < m.refreshInterval {
		return m.cached, nil
	}

	loaded, err := m.load(ctx)
	if err != nil {
		return nil, err
	}
	if len(loaded) == 0 {
		key, err := m.generate(ctx)
		if err != nil {
			return nil, err
		}
		loaded = []*SigningKey{key}
	}

	m.cached = loaded
	m.fetched = time.Now()
	return m.cached, nil
}

// load reads all persisted keys, newest first.
func (m *Manager) load(ctx context.Context) ([]*SigningKey, error) {
	var out []*SigningKey
	for entry, err := range m.store.Scan(ctx, []string{storagePrefix}) {
		if err != nil {
			return nil, fmt.Errorf("failed to scan signing keys: %w", err)
		}

		key, err := parseStored(entry.Value)
		if err != nil {
			// A corrupt record must not take the issuer down; skip it
			// and keep signing with the keys that parse.
			logger.Errorw("skipping unreadable signing key", "key", entry.Key, "error", err)
			continue
		}
		out = append(out, key)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// generate creates, persists, and returns a fresh ES256 key.
func (m *Manager) generate(ctx context.Context) (*SigningKey, error) {
	raw, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ECDSA key: %w", err)
	}

	id := uuid.NewString()
	private, err := jwk.Import(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to import private key: %w", err)
	}
	if err := private.Set(jwk.KeyIDKey, id); err != nil {
		return nil, fmt.Errorf("failed to set key ID: %w", err)
	}
	if err := private.Set(jwk.AlgorithmKey, jwa.ES256()); err != nil {
		return nil, fmt.Errorf("failed to set key algorithm: %w", err)
	}

	serialized, err := json.Marshal(private)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize private key: %w", err)
	}

	created := time.Now().UTC()
	record := storedKey{
		ID:      id,
		Alg:     jwa.ES256().String(),
		Key:     serialized,
		Created: created,
	}
	if err := storage.SetJSON(ctx, m.store, []string{storagePrefix, id}, record, 0); err != nil {
		return nil, fmt.Errorf("failed to persist signing key: %w", err)
	}

	public, err := jwk.PublicKeyOf(private)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	logger.Infow("generated new signing key", "key_id", id)
	return &SigningKey{
		ID:        id,
		Algorithm: jwa.ES256(),
		Private:   private,
		Public:    public,
		CreatedAt: created,
	}, nil
}

// parseStored decodes a persisted key record.
func parseStored(data []byte) (*SigningKey, error) {
	var record storedKey
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to decode key record: %w", err)
	}

	alg, ok := jwa.LookupSignatureAlgorithm(record.Alg)
	if !ok {
		return nil, fmt.Errorf("unsupported signature algorithm %q", record.Alg)
	}

	private, err := jwk.ParseKey(record.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	public, err := jwk.PublicKeyOf(private)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}

	return &SigningKey{
		ID:        record.ID,
		Algorithm: alg,
		Private:   private,
		Public:    public,
		CreatedAt: record.Created,
	}, nil
}

// VerificationSet returns the public keys as a jwk.Set suitable for
// jwt.WithKeySet. Key IDs and algorithms are set on every entry, so
// signature verification matches by kid.
func (m *Manager) VerificationSet(ctx context.Context) (jwk.Set, error) {
	all, err := m.All(ctx)
	if err != nil {
		return nil, err
	}

	set := jwk.NewSet()
	for _, key := range all {
		if err := set.AddKey(key.Public); err != nil {
			return nil, fmt.Errorf("failed to add key to set: %w", err)
		}
	}
	return set, nil
}

// Refresh drops the cache so the next call reloads from storage. Used by
// tests and by operators after out-of-band rotation.
func (m *Manager) Refresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = nil
}
