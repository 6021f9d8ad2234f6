// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package providertest mounts a single provider behind recording hooks,
// so provider packages can exercise their conversations without a full
// issuer.
package providertest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idkit/pkg/provider"
	"github.com/stacklok/idkit/pkg/storage"
)

// Recorder captures what the provider delivered to the issuer hooks.
type Recorder struct {
	mu          sync.Mutex
	result      *provider.Result
	err         error
	invalidated []string
}

// Success returns the recorded success result, if any.
func (r *Recorder) Success() (provider.Result, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result == nil {
		return provider.Result{}, false
	}
	return *r.result, true
}

// Err returns the recorded error hook invocation, if any.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Invalidated returns the subject keys passed to the invalidate hook.
func (r *Recorder) Invalidated() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.invalidated...)
}

// Reset clears recorded state between conversation steps.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.result, r.err = nil, nil
}

// Harness is a mounted provider.
type Harness struct {
	// Server serves the provider under /<name>/*.
	Server *httptest.Server

	// Store is the backing storage, shared with the provider context.
	Store storage.Adapter

	// Recorder captures hook invocations.
	Recorder *Recorder

	// URL is the provider's mount URL (Server.URL + "/" + name).
	URL string
}

// Mount wires a provider into a test server. The conversation request ID
// is fixed, so tests need no cookies.
func Mount(t *testing.T, name string, p provider.Provider) *Harness {
	t.Helper()

	store := storage.NewMemoryAdapter()
	t.Cleanup(func() { _ = store.Close() })

	recorder := &Recorder{}
	var baseURL string
	hooks := provider.Hooks{
		RequestID: func(*http.Request) (string, bool) {
			return "test-conversation", true
		},
		ProviderURL: func(name string) string {
			return baseURL + "/" + name
		},
		Success: func(w http.ResponseWriter, _ *http.Request, result provider.Result) {
			recorder.mu.Lock()
			recorder.result = &result
			recorder.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		},
		Error: func(w http.ResponseWriter, _ *http.Request, err error) {
			recorder.mu.Lock()
			recorder.err = err
			recorder.mu.Unlock()
			http.Error(w, err.Error(), http.StatusBadRequest)
		},
		Invalidate: func(_ context.Context, subjectKey string) error {
			recorder.mu.Lock()
			recorder.invalidated = append(recorder.invalidated, subjectKey)
			recorder.mu.Unlock()
			return nil
		},
	}

	router := chi.NewRouter()
	ctx := provider.NewContext(name, store, hooks)
	var initErr error
	router.Route("/"+name, func(sub chi.Router) {
		initErr = p.Init(sub, ctx)
	})
	require.NoError(t, initErr)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)
	baseURL = server.URL

	return &Harness{
		Server:   server,
		Store:    store,
		Recorder: recorder,
		URL:      server.URL + "/" + name,
	}
}
