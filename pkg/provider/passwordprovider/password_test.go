// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package passwordprovider_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/idkit/pkg/provider/passwordprovider"
	"github.com/stacklok/idkit/pkg/provider/providertest"
)

type captureSender struct {
	mu     sync.Mutex
	emails []string
	codes  []string
}

func (s *captureSender) send(_ context.Context, email, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails = append(s.emails, email)
	s.codes = append(s.codes, code)
	return nil
}

func (s *captureSender) lastCode(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotEmpty(t, s.codes)
	return s.codes[len(s.codes)-1]
}

func (s *captureSender) sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.codes)
}

func newHarness(t *testing.T, mutate func(*passwordprovider.Config)) (*providertest.Harness, *captureSender) {
	t.Helper()
	sender := &captureSender{}
	cfg := passwordprovider.Config{
		Hasher: fastScrypt(),
		Sender: sender.send,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := passwordprovider.New(cfg)
	require.NoError(t, err)
	return providertest.Mount(t, "password", p), sender
}

func postForm(t *testing.T, rawURL string, form url.Values) *http.Response {
	t.Helper()
	resp, err := http.PostForm(rawURL, form)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// register drives a full registration for email/password.
func register(t *testing.T, h *providertest.Harness, sender *captureSender, email, password string) {
	t.Helper()
	resp := postForm(t, h.URL+"/register", url.Values{"email": {email}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postForm(t, h.URL+"/register", url.Values{
		"action":   {"verify"},
		"code":     {sender.lastCode(t)},
		"password": {password},
		"repeat":   {password},
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	h.Recorder.Reset()
}

func TestNewRequiresSender(t *testing.T) {
	t.Parallel()
	_, err := passwordprovider.New(passwordprovider.Config{})
	assert.Error(t, err)
}

func TestRegisterAndLogin(t *testing.T) {
	t.Parallel()
	h, sender := newHarness(t, nil)

	resp := postForm(t, h.URL+"/register", url.Values{"email": {"Alice@Example.com"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	code := sender.lastCode(t)

	t.Run("wrong code writes nothing", func(t *testing.T) {
		resp := postForm(t, h.URL+"/register", url.Values{
			"action":   {"verify"},
			"code":     {"0"},
			"password": {"hunter2"},
			"repeat":   {"hunter2"},
		})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

		// No hash yet: login fails.
		resp = postForm(t, h.URL+"/authorize", url.Values{
			"email": {"alice@example.com"}, "password": {"hunter2"},
		})
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("password mismatch is rejected", func(t *testing.T) {
		resp := postForm(t, h.URL+"/register", url.Values{
			"action":   {"verify"},
			"code":     {code},
			"password": {"hunter2"},
			"repeat":   {"different"},
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("correct code registers", func(t *testing.T) {
		resp := postForm(t, h.URL+"/register", url.Values{
			"action":   {"verify"},
			"code":     {code},
			"password": {"hunter2"},
			"repeat":   {"hunter2"},
		})
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		result, ok := h.Recorder.Success()
		require.True(t, ok)
		payload, ok := result.Payload.(passwordprovider.Payload)
		require.True(t, ok)
		assert.Equal(t, "alice@example.com", payload.Email, "emails are normalized to lower case")
	})

	t.Run("login succeeds case-insensitively", func(t *testing.T) {
		h.Recorder.Reset()
		resp := postForm(t, h.URL+"/authorize", url.Values{
			"email": {"ALICE@example.COM"}, "password": {"hunter2"},
		})
		require.Equal(t, http.StatusNoContent, resp.StatusCode)

		result, ok := h.Recorder.Success()
		require.True(t, ok)
		assert.Equal(t, passwordprovider.Payload{Email: "alice@example.com"}, result.Payload)
	})

	t.Run("wrong password and unknown email read the same", func(t *testing.T) {
		read := func(form url.Values) (int, string) {
			resp := postForm(t, h.URL+"/authorize", form)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			return resp.StatusCode, string(body)
		}

		wrongStatus, wrongBody := read(url.Values{
			"email": {"alice@example.com"}, "password": {"nope"},
		})
		unknownStatus, unknownBody := read(url.Values{
			"email": {"ghost@example.com"}, "password": {"nope"},
		})
		assert.Equal(t, http.StatusUnauthorized, wrongStatus)
		assert.Equal(t, wrongStatus, unknownStatus)
		assert.Equal(t, wrongBody, unknownBody)
	})
}

func TestRegisterExistingEmailConflicts(t *testing.T) {
	t.Parallel()
	h, sender := newHarness(t, nil)
	register(t, h, sender, "a@b.c", "hunter2")

	resp := postForm(t, h.URL+"/register", url.Values{"email": {"a@b.c"}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestPasswordPolicy(t *testing.T) {
	t.Parallel()
	h, sender := newHarness(t, func(cfg *passwordprovider.Config) {
		cfg.ValidatePassword = func(password string) error {
			if len(password) < 8 {
				return errors.New("password must be at least 8 characters")
			}
			return nil
		}
	})

	resp := postForm(t, h.URL+"/register", url.Values{"email": {"a@b.c"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postForm(t, h.URL+"/register", url.Values{
		"action":   {"verify"},
		"code":     {sender.lastCode(t)},
		"password": {"short"},
		"repeat":   {"short"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChangePassword(t *testing.T) {
	t.Parallel()
	h, sender := newHarness(t, nil)
	register(t, h, sender, "a@b.c", "oldpass")

	resp := postForm(t, h.URL+"/change", url.Values{"email": {"a@b.c"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = postForm(t, h.URL+"/change", url.Values{
		"action":   {"verify"},
		"code":     {sender.lastCode(t)},
		"password": {"newpass"},
		"repeat":   {"newpass"},
	})
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	h.Recorder.Reset()

	// The old password is dead, the new one works.
	resp = postForm(t, h.URL+"/authorize", url.Values{
		"email": {"a@b.c"}, "password": {"oldpass"},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postForm(t, h.URL+"/authorize", url.Values{
		"email": {"a@b.c"}, "password": {"newpass"},
	})
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestChangeDoesNotLeakAccounts(t *testing.T) {
	t.Parallel()
	h, sender := newHarness(t, nil)
	register(t, h, sender, "known@b.c", "hunter2")
	before := sender.sent()

	// Unknown email renders the same page but sends nothing.
	resp := postForm(t, h.URL+"/change", url.Values{"email": {"ghost@b.c"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, before, sender.sent())

	// Known email actually gets a code.
	resp = postForm(t, h.URL+"/change", url.Values{"email": {"known@b.c"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, before+1, sender.sent())
}

func TestChangeWithoutConversation(t *testing.T) {
	t.Parallel()
	h, _ := newHarness(t, nil)

	resp := postForm(t, h.URL+"/change", url.Values{
		"action": {"verify"}, "code": {"123456"},
		"password": {"x"}, "repeat": {"x"},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
