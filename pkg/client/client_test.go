// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client_test

import (
	"context"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/stacklok/idkit/pkg/client"
	"github.com/stacklok/idkit/pkg/issuer"
	"github.com/stacklok/idkit/pkg/keys"
	"github.com/stacklok/idkit/pkg/provider"
	"github.com/stacklok/idkit/pkg/storage"
	"github.com/stacklok/idkit/pkg/subject"
	"github.com/stacklok/idkit/pkg/token"
)

const redirectURI = "https://app.example.com/cb"

// autoProvider completes the conversation on its first request.
type autoProvider struct{}

func (autoProvider) Type() string { return "auto" }

func (autoProvider) Init(r chi.Router, ctx *provider.Context) error {
	r.Get("/authorize", func(w http.ResponseWriter, r *http.Request) {
		ctx.Success(w, r, map[string]any{"email": "a@b.c"})
	})
	return nil
}

func testSchemas() subject.Schemas {
	return subject.Schemas{
		"user": func(properties any) (any, error) { return properties, nil },
	}
}

// issuerFixture is a live issuer plus direct access to its storage, so
// tests can mint tokens out of band.
type issuerFixture struct {
	ts    *httptest.Server
	store storage.Adapter
}

func newIssuerFixture(t *testing.T, mutate func(*issuer.Config)) *issuerFixture {
	t.Helper()
	store := storage.NewMemoryAdapter()
	t.Cleanup(func() { _ = store.Close() })

	// The issuer URL must match the server address for iss claims to
	// verify, so the handler is wired up after the listener exists.
	var handler http.Handler
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeHTTP(w, r)
	}))
	t.Cleanup(ts.Close)

	cfg := issuer.Config{
		Issuer:   ts.URL,
		Storage:  store,
		Subjects: testSchemas(),
		Providers: map[string]provider.Provider{
			"auto": autoProvider{},
		},
		Success: func(_ context.Context, result provider.Result) (issuer.SubjectRef, error) {
			return issuer.SubjectRef{Type: "user", ID: "123", Properties: result.Payload}, nil
		},
		// The fixture redirect URI would not pass the default guard.
		Allow: func(context.Context, string, string) bool { return true },
	}
	if mutate != nil {
		mutate(&cfg)
	}

	iss, err := issuer.New(cfg)
	require.NoError(t, err)
	handler = iss
	return &issuerFixture{ts: ts, store: store}
}

func newClient(t *testing.T, fix *issuerFixture) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{
		ClientID: "app",
		Issuer:   fix.ts.URL,
		Schemas:  testSchemas(),
	})
	require.NoError(t, err)
	return c
}

// runFlow drives the browser through the authorization URL and returns the
// code delivered to the redirect URI.
func runFlow(t *testing.T, fix *issuerFixture, authorizeURL string) (code, state string) {
	t.Helper()
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	browser := &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := browser.Get(authorizeURL)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	providerURL, err := resp.Location()
	require.NoError(t, err)

	resp, err = browser.Get(fix.ts.URL + providerURL.Path)
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)
	final, err := resp.Location()
	require.NoError(t, err)
	return final.Query().Get("code"), final.Query().Get("state")
}

func TestAuthorizeURL(t *testing.T) {
	t.Parallel()

	c, err := client.New(client.Config{ClientID: "app", Issuer: "https://auth.example.com"})
	require.NoError(t, err)

	t.Run("with PKCE", func(t *testing.T) {
		t.Parallel()
		result, err := c.Authorize(redirectURI, "code", &client.AuthorizeOptions{
			PKCE:     true,
			Provider: "github",
			Scopes:   []string{"read", "write"},
		})
		require.NoError(t, err)
		require.NotEmpty(t, result.Challenge.State)
		require.NotEmpty(t, result.Challenge.Verifier)

		u, err := url.Parse(result.URL)
		require.NoError(t, err)
		assert.Equal(t, "/authorize", u.Path)
		q := u.Query()
		assert.Equal(t, "app", q.Get("client_id"))
		assert.Equal(t, redirectURI, q.Get("redirect_uri"))
		assert.Equal(t, "code", q.Get("response_type"))
		assert.Equal(t, result.Challenge.State, q.Get("state"))
		assert.Equal(t, "github", q.Get("provider"))
		assert.Equal(t, "read write", q.Get("scope"))
		assert.Equal(t, "S256", q.Get("code_challenge_method"))
		assert.Equal(t,
			oauth2.S256ChallengeFromVerifier(result.Challenge.Verifier),
			q.Get("code_challenge"))
	})

	t.Run("without PKCE", func(t *testing.T) {
		t.Parallel()
		result, err := c.Authorize(redirectURI, "token", nil)
		require.NoError(t, err)
		assert.Empty(t, result.Challenge.Verifier)

		u, err := url.Parse(result.URL)
		require.NoError(t, err)
		assert.Empty(t, u.Query().Get("code_challenge"))
	})
}

func TestExchangeVerifyDecode(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fix := newIssuerFixture(t, nil)
	c := newClient(t, fix)

	result, err := c.Authorize(redirectURI, "code", &client.AuthorizeOptions{PKCE: true})
	require.NoError(t, err)
	code, state := runFlow(t, fix, result.URL)
	require.NotEmpty(t, code)
	assert.Equal(t, result.Challenge.State, state)

	tokens, err := c.Exchange(ctx, code, redirectURI, result.Challenge.Verifier)
	require.NoError(t, err)
	require.NotEmpty(t, tokens.Access)
	require.NotEmpty(t, tokens.Refresh)

	verified, err := c.Verify(ctx, tokens.Access, &client.VerifyOptions{Audience: "app"})
	require.NoError(t, err)
	assert.Equal(t, "user", verified.Subject.Type)
	assert.Equal(t, "123", verified.Subject.ID)
	assert.Nil(t, verified.Tokens, "no refresh happened")

	decoded, err := c.Decode(tokens.Access)
	require.NoError(t, err)
	assert.Equal(t, "user:123", decoded.Key())
}

func TestExchangeInvalidCode(t *testing.T) {
	t.Parallel()
	fix := newIssuerFixture(t, nil)
	c := newClient(t, fix)

	_, err := c.Exchange(context.Background(), "bogus", redirectURI, "")
	assert.ErrorIs(t, err, client.ErrInvalidAuthorizationCode)
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fix := newIssuerFixture(t, func(cfg *issuer.Config) {
		cfg.AccessTTL = 5 * time.Minute
	})
	c := newClient(t, fix)

	result, err := c.Authorize(redirectURI, "code", nil)
	require.NoError(t, err)
	code, _ := runFlow(t, fix, result.URL)
	tokens, err := c.Exchange(ctx, code, redirectURI, "")
	require.NoError(t, err)

	t.Run("short-circuits while access is fresh", func(t *testing.T) {
		rotated, err := c.Refresh(ctx, tokens.Refresh, &client.RefreshOptions{Access: tokens.Access})
		require.NoError(t, err)
		assert.Nil(t, rotated)
	})

	t.Run("rotates without an access hint", func(t *testing.T) {
		rotated, err := c.Refresh(ctx, tokens.Refresh, nil)
		require.NoError(t, err)
		require.NotNil(t, rotated)
		assert.NotEqual(t, tokens.Refresh, rotated.Refresh)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		_, err := c.Refresh(ctx, "garbage", nil)
		assert.ErrorIs(t, err, client.ErrInvalidRefreshToken)
	})

	t.Run("rejects malformed access hint", func(t *testing.T) {
		_, err := c.Refresh(ctx, tokens.Refresh, &client.RefreshOptions{Access: "not.a.jwt"})
		assert.ErrorIs(t, err, client.ErrInvalidAccessToken)
	})
}

func TestVerifyAutoRefresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fix := newIssuerFixture(t, nil)
	c := newClient(t, fix)

	// Mint an already-expired access token alongside a live refresh token,
	// directly against the issuer's storage.
	km, err := keys.NewManager(fix.store)
	require.NoError(t, err)
	svc := token.NewService(fix.ts.URL, km, fix.store, testSchemas(),
		token.WithAccessTTL(-2*time.Second))
	pair, err := svc.Mint(ctx, token.MintRequest{
		ClientID: "app",
		Subject:  subject.Subject{Type: "user", ID: "123", Properties: map[string]any{"email": "a@b.c"}},
	})
	require.NoError(t, err)

	// Without a refresh hint the expired token is just invalid.
	_, err = c.Verify(ctx, pair.AccessToken, nil)
	require.ErrorIs(t, err, client.ErrInvalidAccessToken)

	// With one, verification rotates and succeeds transparently.
	verified, err := c.Verify(ctx, pair.AccessToken, &client.VerifyOptions{Refresh: pair.RefreshToken})
	require.NoError(t, err)
	assert.Equal(t, "user:123", verified.Subject.Key())
	require.NotNil(t, verified.Tokens)
	assert.NotEmpty(t, verified.Tokens.Access)
	assert.NotEqual(t, pair.RefreshToken, verified.Tokens.Refresh)
}

func TestVerifyRejections(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fix := newIssuerFixture(t, nil)
	c := newClient(t, fix)

	result, err := c.Authorize(redirectURI, "code", nil)
	require.NoError(t, err)
	code, _ := runFlow(t, fix, result.URL)
	tokens, err := c.Exchange(ctx, code, redirectURI, "")
	require.NoError(t, err)

	t.Run("garbage", func(t *testing.T) {
		t.Parallel()
		_, err := c.Verify(ctx, "not.a.jwt", nil)
		assert.ErrorIs(t, err, client.ErrInvalidAccessToken)
	})

	t.Run("wrong audience", func(t *testing.T) {
		t.Parallel()
		_, err := c.Verify(ctx, tokens.Access, &client.VerifyOptions{Audience: "someone-else"})
		assert.ErrorIs(t, err, client.ErrInvalidAccessToken)
	})

	t.Run("schema rejection surfaces as invalid subject", func(t *testing.T) {
		t.Parallel()
		strict, err := client.New(client.Config{
			ClientID: "app",
			Issuer:   fix.ts.URL,
			Schemas:  subject.Schemas{},
		})
		require.NoError(t, err)
		_, err = strict.Verify(ctx, tokens.Access, nil)
		assert.ErrorIs(t, err, client.ErrInvalidSubject)
	})
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := client.New(client.Config{Issuer: "https://auth.example.com"})
	assert.Error(t, err)
	_, err = client.New(client.Config{ClientID: "app"})
	assert.Error(t, err)
}
