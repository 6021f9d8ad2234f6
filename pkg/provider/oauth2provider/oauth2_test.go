// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauth2provider_test

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stacklok/idkit/pkg/provider"
	"github.com/stacklok/idkit/pkg/provider/oauth2provider"
	"github.com/stacklok/idkit/pkg/provider/providertest"
)

// upstream fakes the third-party authorization server. Only the token
// endpoint is ever called; the authorize URL is just inspected.
type upstream struct {
	ts       *httptest.Server
	lastForm url.Values
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, req.ParseForm())
		u.lastForm = req.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"upstream-access","token_type":"Bearer","refresh_token":"upstream-refresh","expires_in":3600}`))
	})
	u.ts = httptest.NewServer(mux)
	t.Cleanup(u.ts.Close)
	return u
}

func (u *upstream) endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{
		AuthURL:  u.ts.URL + "/authorize",
		TokenURL: u.ts.URL + "/token",
	}
}

var noRedirect = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

func newHarness(t *testing.T, mutate func(*oauth2provider.Config)) (*providertest.Harness, *upstream) {
	t.Helper()
	u := newUpstream(t)
	cfg := oauth2provider.Config{
		ClientID:     "app-123",
		ClientSecret: "s3cret",
		Endpoint:     u.endpoint(),
		Scopes:       []string{"profile", "email"},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	p, err := oauth2provider.New(cfg)
	require.NoError(t, err)
	return providertest.Mount(t, "github", p), u
}

// startFlow performs GET /authorize and returns the upstream authorize
// URL the user would be sent to.
func startFlow(t *testing.T, h *providertest.Harness) *url.URL {
	t.Helper()
	resp, err := noRedirect.Get(h.URL + "/authorize")
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	target, err := resp.Location()
	require.NoError(t, err)
	return target
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := oauth2provider.New(oauth2provider.Config{
		Endpoint: oauth2.Endpoint{AuthURL: "a", TokenURL: "b"},
	})
	assert.Error(t, err)
	_, err = oauth2provider.New(oauth2provider.Config{ClientID: "app"})
	assert.Error(t, err)
}

func TestAuthorizeRedirect(t *testing.T) {
	t.Parallel()
	h, u := newHarness(t, func(cfg *oauth2provider.Config) {
		cfg.Query = map[string]string{"access_type": "offline"}
	})

	target := startFlow(t, h)
	assert.Equal(t, u.ts.URL+"/authorize", target.Scheme+"://"+target.Host+target.Path)

	q := target.Query()
	assert.Equal(t, "app-123", q.Get("client_id"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, h.URL+"/callback", q.Get("redirect_uri"))
	assert.Equal(t, "profile email", q.Get("scope"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.NotEmpty(t, q.Get("state"))
	assert.Empty(t, q.Get("code_challenge"))
}

func TestCallbackExchange(t *testing.T) {
	t.Parallel()
	h, u := newHarness(t, nil)

	state := startFlow(t, h).Query().Get("state")
	resp, err := http.Get(h.URL + "/callback?code=upstream-code&state=" + url.QueryEscape(state))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	result, ok := h.Recorder.Success()
	require.True(t, ok)
	payload, ok := result.Payload.(oauth2provider.Payload)
	require.True(t, ok)
	assert.Equal(t, "app-123", payload.ClientID)
	require.NotNil(t, payload.Tokens)
	assert.Equal(t, "upstream-access", payload.Tokens.AccessToken)
	assert.Equal(t, "upstream-refresh", payload.Tokens.RefreshToken)

	assert.Equal(t, "upstream-code", u.lastForm.Get("code"))

	// State is single use.
	h.Recorder.Reset()
	resp, err = http.Get(h.URL + "/callback?code=again&state=" + url.QueryEscape(state))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPKCEVerifierTravelsToTokenEndpoint(t *testing.T) {
	t.Parallel()
	h, u := newHarness(t, func(cfg *oauth2provider.Config) {
		cfg.PKCE = true
	})

	target := startFlow(t, h)
	q := target.Query()
	require.NotEmpty(t, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))

	resp, err := http.Get(h.URL + "/callback?code=c&state=" + url.QueryEscape(q.Get("state")))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	verifier := u.lastForm.Get("code_verifier")
	require.NotEmpty(t, verifier)
	assert.Equal(t, q.Get("code_challenge"), oauth2.S256ChallengeFromVerifier(verifier))
}

func TestFormPostCallback(t *testing.T) {
	t.Parallel()
	h, _ := newHarness(t, func(cfg *oauth2provider.Config) {
		cfg.ResponseMode = oauth2provider.ResponseModeFormPost
	})

	target := startFlow(t, h)
	q := target.Query()
	assert.Equal(t, "form_post", q.Get("response_mode"))

	resp, err := http.PostForm(h.URL+"/callback", url.Values{
		"code":  {"c"},
		"state": {q.Get("state")},
	})
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestCallbackRejections(t *testing.T) {
	t.Parallel()

	t.Run("state mismatch", func(t *testing.T) {
		t.Parallel()
		h, _ := newHarness(t, nil)
		startFlow(t, h)

		resp, err := http.Get(h.URL + "/callback?code=c&state=forged")
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.ErrorIs(t, h.Recorder.Err(), provider.ErrUnknownState)
	})

	t.Run("upstream error is relayed", func(t *testing.T) {
		t.Parallel()
		h, _ := newHarness(t, nil)
		startFlow(t, h)

		resp, err := http.Get(h.URL + "/callback?error=access_denied&error_description=nope")
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.ErrorContains(t, h.Recorder.Err(), "access_denied")
	})

	t.Run("no conversation", func(t *testing.T) {
		t.Parallel()
		h, _ := newHarness(t, nil)

		resp, err := http.Get(h.URL + "/callback?code=c&state=s")
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}
