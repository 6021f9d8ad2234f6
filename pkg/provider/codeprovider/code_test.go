// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package codeprovider_test

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idkit/pkg/provider/codeprovider"
	"github.com/stacklok/idkit/pkg/provider/providertest"
)

// captureSender records every code it is asked to deliver.
type captureSender struct {
	mu    sync.Mutex
	codes []string
}

func (s *captureSender) send(_ context.Context, _ map[string]string, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes = append(s.codes, code)
	return nil
}

func (s *captureSender) last(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.codes)
	return s.codes[len(s.codes)-1]
}

func newHarness(t *testing.T) (*providertest.Harness, *captureSender) {
	t.Helper()
	sender := &captureSender{}
	p, err := codeprovider.New(codeprovider.Config{Sender: sender.send})
	require.NoError(t, err)
	return providertest.Mount(t, "email", p), sender
}

func postForm(t *testing.T, rawURL string, form url.Values) *http.Response {
	t.Helper()
	resp, err := http.PostForm(rawURL, form)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestNewRequiresSender(t *testing.T) {
	t.Parallel()
	_, err := codeprovider.New(codeprovider.Config{})
	assert.Error(t, err)
}

func TestPromptPage(t *testing.T) {
	t.Parallel()
	h, _ := newHarness(t)

	resp, err := http.Get(h.URL + "/authorize")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "<form")
}

func TestCodeFlow(t *testing.T) {
	t.Parallel()
	h, sender := newHarness(t)

	resp := postForm(t, h.URL+"/authorize", url.Values{"email": {"a@b.c"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	code := sender.last(t)
	assert.Len(t, code, codeprovider.DefaultLength)

	t.Run("wrong code is rejected", func(t *testing.T) {
		resp := postForm(t, h.URL+"/verify", url.Values{"code": {"000000x"}})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		_, ok := h.Recorder.Success()
		assert.False(t, ok)
	})

	t.Run("correct code completes", func(t *testing.T) {
		resp := postForm(t, h.URL+"/verify", url.Values{"code": {code}})
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		result, ok := h.Recorder.Success()
		require.True(t, ok)
		assert.Equal(t, "email", result.Provider)
		payload, ok := result.Payload.(codeprovider.Payload)
		require.True(t, ok)
		assert.Equal(t, map[string]string{"email": "a@b.c"}, payload.Claims)
	})

	t.Run("code is single use", func(t *testing.T) {
		h.Recorder.Reset()
		resp := postForm(t, h.URL+"/verify", url.Values{"code": {code}})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestResendReplacesCode(t *testing.T) {
	t.Parallel()
	h, sender := newHarness(t)

	postForm(t, h.URL+"/authorize", url.Values{"email": {"a@b.c"}})
	first := sender.last(t)

	resp := postForm(t, h.URL+"/verify", url.Values{"action": {"resend"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second := sender.last(t)

	if first != second {
		// The original code no longer verifies.
		resp = postForm(t, h.URL+"/verify", url.Values{"code": {first}})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}

	resp = postForm(t, h.URL+"/verify", url.Values{"code": {second}})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestVerifyWithoutConversation(t *testing.T) {
	t.Parallel()
	h, _ := newHarness(t)

	resp := postForm(t, h.URL+"/verify", url.Values{"code": {"123456"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Error(t, h.Recorder.Err())
}

func TestAuthorizeWithoutClaims(t *testing.T) {
	t.Parallel()
	h, _ := newHarness(t)

	resp := postForm(t, h.URL+"/authorize", url.Values{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
