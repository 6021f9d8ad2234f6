// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package client is the relying-party side of the issuer: it builds
// authorization URLs, exchanges and refreshes tokens, and verifies access
// tokens against the issuer's published JWKS. Discovery documents and key
// sets are cached per issuer URL.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/lestrrat-go/jwx/v3/jwt"
	"golang.org/x/oauth2"

	"github.com/stacklok/idkit/pkg/subject"
)

// Sentinel errors callers can branch on.
var (
	ErrInvalidAuthorizationCode = errors.New("invalid authorization code")
	ErrInvalidRefreshToken      = errors.New("invalid refresh token")
	ErrInvalidAccessToken       = errors.New("invalid access token")
	ErrInvalidSubject           = errors.New("invalid subject")
)

// refreshEarlyWindow is how close to expiry an access token must be
// before Refresh actually calls the issuer.
const refreshEarlyWindow = 30 * time.Second

// WellKnown is the slice of the issuer metadata the client uses.
type WellKnown struct {
	JWKsURI               string `json:"jwks_uri"`
	TokenEndpoint         string `json:"token_endpoint"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
}

// Tokens is a token-endpoint success response.
type Tokens struct {
	Access    string `json:"access_token"`
	Refresh   string `json:"refresh_token"`
	ExpiresIn int    `json:"expires_in"`
}

// Challenge holds the per-flow values the caller must keep until the
// redirect returns.
type Challenge struct {
	State    string
	Verifier string
}

// AuthorizeResult is the outcome of Authorize.
type AuthorizeResult struct {
	URL       string
	Challenge Challenge
}

// AuthorizeOptions tunes Authorize.
type AuthorizeOptions struct {
	// PKCE attaches an S256 code challenge; keep the returned verifier
	// for the exchange. Recommended for public clients.
	PKCE bool

	// Provider preselects the issuer-side provider, skipping the picker.
	Provider string

	// Scopes to request.
	Scopes []string
}

// VerifyOptions tunes Verify.
type VerifyOptions struct {
	// Refresh enables automatic rotation when the access token has
	// expired.
	Refresh string

	// Audience requires the token to be minted for this client ID.
	Audience string
}

// VerifyResult is the outcome of Verify.
type VerifyResult struct {
	// Subject decoded from the token.
	Subject subject.Subject

	// Tokens is non-nil when verification transparently refreshed.
	Tokens *Tokens
}

// Config assembles a Client.
type Config struct {
	// ClientID identifies this application to the issuer. Required.
	ClientID string

	// Issuer is the issuer's external URL. Required.
	Issuer string

	// Schemas re-validates token subjects. Required for Verify/Decode.
	Schemas subject.Schemas

	// HTTPClient overrides http.DefaultClient, e.g. for tests.
	HTTPClient *http.Client
}

// Client talks to one issuer.
type Client struct {
	clientID   string
	issuer     string
	httpClient *http.Client
	schemas    subject.Schemas

	mu        sync.Mutex
	wellKnown *WellKnown
	jwks      jwk.Set
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if cfg.Issuer == "" {
		return nil, errors.New("issuer URL is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		clientID:   cfg.ClientID,
		issuer:     strings.TrimSuffix(cfg.Issuer, "/"),
		httpClient: httpClient,
		schemas:    cfg.Schemas,
	}, nil
}

// wellKnownConfig fetches and caches the issuer metadata.
func (c *Client) wellKnownConfig(ctx context.Context) (*WellKnown, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wellKnown != nil {
		return c.wellKnown, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.issuer+"/.well-known/oauth-authorization-server", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build discovery request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch issuer metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("issuer metadata request returned %d", resp.StatusCode)
	}

	var wellKnown WellKnown
	if err := json.NewDecoder(resp.Body).Decode(&wellKnown); err != nil {
		return nil, fmt.Errorf("failed to decode issuer metadata: %w", err)
	}
	c.wellKnown = &wellKnown
	return c.wellKnown, nil
}

// keySet fetches and caches the issuer's JWKS.
func (c *Client) keySet(ctx context.Context) (jwk.Set, error) {
	wellKnown, err := c.wellKnownConfig(ctx)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.jwks != nil {
		return c.jwks, nil
	}
	set, err := jwk.Fetch(ctx, wellKnown.JWKsURI, jwk.WithHTTPClient(c.httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	c.jwks = set
	return set, nil
}

// Authorize builds the URL that starts an authorization flow. The
// returned challenge holds the state (always) and the PKCE verifier (when
// requested); keep both until the redirect returns.
func (c *Client) Authorize(redirectURI, responseType string, opts *AuthorizeOptions) (*AuthorizeResult, error) {
	u, err := url.Parse(c.issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer URL: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/authorize"

	result := &AuthorizeResult{Challenge: Challenge{State: uuid.NewString()}}
	query := url.Values{
		"client_id":     {c.clientID},
		"redirect_uri":  {redirectURI},
		"response_type": {responseType},
		"state":         {result.Challenge.State},
	}
	if opts != nil && opts.Provider != "" {
		query.Set("provider", opts.Provider)
	}
	if opts != nil && len(opts.Scopes) > 0 {
		query.Set("scope", strings.Join(opts.Scopes, " "))
	}
	if opts != nil && opts.PKCE && responseType == "code" {
		verifier := oauth2.GenerateVerifier()
		query.Set("code_challenge_method", "S256")
		query.Set("code_challenge", oauth2.S256ChallengeFromVerifier(verifier))
		result.Challenge.Verifier = verifier
	}

	u.RawQuery = query.Encode()
	result.URL = u.String()
	return result, nil
}

// tokenRequest posts form data to the token endpoint.
func (c *Client) tokenRequest(ctx context.Context, data url.Values) (*Tokens, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.issuer+"/token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to call token endpoint: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, resp.StatusCode, nil
	}

	var tokens Tokens
	if err := json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode token response: %w", err)
	}
	return &tokens, resp.StatusCode, nil
}

// Exchange redeems an authorization code. The verifier must be the one
// generated by Authorize when PKCE was used, empty otherwise.
func (c *Client) Exchange(ctx context.Context, code, redirectURI, verifier string) (*Tokens, error) {
	data := url.Values{
		"grant_type":   {"authorization_code"},
		"code":         {code},
		"redirect_uri": {redirectURI},
		"client_id":    {c.clientID},
	}
	if verifier != "" {
		data.Set("code_verifier", verifier)
	}

	tokens, status, err := c.tokenRequest(ctx, data)
	if err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, fmt.Errorf("%w: token endpoint returned %d", ErrInvalidAuthorizationCode, status)
	}
	return tokens, nil
}

// RefreshOptions tunes Refresh.
type RefreshOptions struct {
	// Access short-circuits the refresh while this token is still valid
	// for more than 30 seconds.
	Access string
}

// Refresh rotates a refresh token. The returned Tokens is nil when the
// supplied access token made the refresh unnecessary.
func (c *Client) Refresh(ctx context.Context, refreshToken string, opts *RefreshOptions) (*Tokens, error) {
	if opts != nil && opts.Access != "" {
		parsed, err := jwt.ParseInsecure([]byte(opts.Access))
		if err != nil {
			return nil, ErrInvalidAccessToken
		}
		if exp, ok := parsed.Expiration(); ok && time.Until(exp) > refreshEarlyWindow {
			return nil, nil
		}
	}

	tokens, status, err := c.tokenRequest(ctx, url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	})
	if err != nil {
		return nil, err
	}
	if tokens == nil {
		return nil, fmt.Errorf("%w: token endpoint returned %d", ErrInvalidRefreshToken, status)
	}
	return tokens, nil
}

// Verify checks an access token against the issuer's JWKS and returns its
// subject. When opts.Refresh is set and the token has merely expired, the
// pair is rotated and the fresh tokens are returned with the result.
func (c *Client) Verify(ctx context.Context, accessToken string, opts *VerifyOptions) (*VerifyResult, error) {
	jwks, err := c.keySet(ctx)
	if err != nil {
		return nil, err
	}

	parseOpts := []jwt.ParseOption{
		jwt.WithKeySet(jwks),
		jwt.WithIssuer(c.issuer),
	}
	if opts != nil && opts.Audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(opts.Audience))
	}

	parsed, err := jwt.ParseString(accessToken, parseOpts...)
	if err != nil {
		if opts != nil && opts.Refresh != "" && errors.Is(err, jwt.TokenExpiredError()) {
			tokens, refreshErr := c.Refresh(ctx, opts.Refresh, nil)
			if refreshErr != nil {
				return nil, refreshErr
			}
			verified, verifyErr := c.Verify(ctx, tokens.Access, &VerifyOptions{Audience: optAudience(opts)})
			if verifyErr != nil {
				return nil, verifyErr
			}
			verified.Tokens = tokens
			return verified, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}

	sub, err := c.decodeSubject(parsed)
	if err != nil {
		return nil, err
	}
	return &VerifyResult{Subject: *sub}, nil
}

// Decode extracts and validates the subject without verifying the
// signature, for services behind an ingress that already verified it.
func (c *Client) Decode(accessToken string) (*subject.Subject, error) {
	parsed, err := jwt.ParseInsecure([]byte(accessToken))
	if err != nil {
		return nil, ErrInvalidAccessToken
	}
	return c.decodeSubject(parsed)
}

// decodeSubject pulls the subject claims out of a parsed token and
// re-validates the properties against the schema registry.
func (c *Client) decodeSubject(parsed jwt.Token) (*subject.Subject, error) {
	sub, ok := parsed.Subject()
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidAccessToken)
	}
	_, id, err := subject.SplitKey(sub)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed subject", ErrInvalidAccessToken)
	}

	var typ string
	if err := parsed.Get("type", &typ); err != nil || typ == "" {
		return nil, fmt.Errorf("%w: missing type claim", ErrInvalidAccessToken)
	}
	var properties any
	if err := parsed.Get("properties", &properties); err != nil {
		return nil, fmt.Errorf("%w: missing properties claim", ErrInvalidAccessToken)
	}

	normalized, err := c.schemas.Validate(typ, properties)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSubject, err)
	}
	return &subject.Subject{Type: typ, ID: id, Properties: normalized}, nil
}

func optAudience(opts *VerifyOptions) string {
	if opts == nil {
		return ""
	}
	return opts.Audience
}
