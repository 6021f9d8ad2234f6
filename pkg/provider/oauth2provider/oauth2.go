// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauth2provider authenticates users against any upstream OAuth2
// authorization server using the code grant.
package oauth2provider

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/stacklok/idkit/pkg/logger"
	"github.com/stacklok/idkit/pkg/provider"
)

// conversationTTL bounds how long an upstream round-trip may take.
const conversationTTL = 10 * time.Minute

// ResponseMode selects how the upstream returns the authorization code.
type ResponseMode string

const (
	// ResponseModeQuery returns code and state as query parameters on a
	// GET callback. The default.
	ResponseModeQuery ResponseMode = "query"

	// ResponseModeFormPost returns them as form fields on a POST
	// callback, for upstreams that support response_mode=form_post.
	ResponseModeFormPost ResponseMode = "form_post"
)

// Config describes the upstream authorization server.
type Config struct {
	ClientID     string
	ClientSecret string
	Endpoint     oauth2.Endpoint
	Scopes       []string

	// Query adds extra authorization request parameters, e.g.
	// access_type=offline for Google refresh tokens.
	Query map[string]string

	// PKCE sends a code challenge with the upstream authorization
	// request.
	PKCE bool

	ResponseMode ResponseMode
}

// Payload is delivered to the issuer success callback.
type Payload struct {
	// Tokens is the upstream token set. The refresh token is present
	// only if the upstream granted one.
	Tokens *oauth2.Token

	// ClientID identifies which upstream app the user came through.
	ClientID string
}

// Provider implements the generic OAuth2 provider.
type Provider struct {
	cfg Config
}

// New creates an OAuth2 provider.
func New(cfg Config) (*Provider, error) {
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.Endpoint.AuthURL == "" || cfg.Endpoint.TokenURL == "" {
		return nil, fmt.Errorf("authorization and token endpoints are required")
	}
	if cfg.ResponseMode == "" {
		cfg.ResponseMode = ResponseModeQuery
	}
	return &Provider{cfg: cfg}, nil
}

// Type implements provider.Provider.
func (*Provider) Type() string {
	return "oauth2"
}

// flowState is the conversation slot persisted across the upstream
// round-trip.
type flowState struct {
	State    string `json:"state"`
	Verifier string `json:"verifier,omitempty"`
}

func (p *Provider) oauthConfig(ctx *provider.Context) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint:     p.cfg.Endpoint,
		RedirectURL:  ctx.URL() + "/callback",
		Scopes:       p.cfg.Scopes,
	}
}

// Init implements provider.Provider.
func (p *Provider) Init(r chi.Router, ctx *provider.Context) error {
	r.Get("/authorize", func(w http.ResponseWriter, req *http.Request) {
		state := flowState{State: uuid.NewString()}

		opts := []oauth2.AuthCodeOption{}
		for k, v := range p.cfg.Query {
			opts = append(opts, oauth2.SetAuthURLParam(k, v))
		}
		if p.cfg.PKCE {
			state.Verifier = oauth2.GenerateVerifier()
			opts = append(opts, oauth2.S256ChallengeOption(state.Verifier))
		}
		if p.cfg.ResponseMode == ResponseModeFormPost {
			opts = append(opts, oauth2.SetAuthURLParam("response_mode", "form_post"))
		}

		if err := ctx.Set(req, "oauth2", conversationTTL, state); err != nil {
			ctx.Error(w, req, err)
			return
		}
		http.Redirect(w, req, p.oauthConfig(ctx).AuthCodeURL(state.State, opts...), http.StatusFound)
	})

	callback := func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseForm(); err != nil {
			ctx.Error(w, req, fmt.Errorf("malformed callback: %w", err))
			return
		}
		if errCode := req.Form.Get("error"); errCode != "" {
			ctx.Error(w, req, fmt.Errorf("upstream returned %s: %s",
				errCode, req.Form.Get("error_description")))
			return
		}

		state, ok, err := provider.Get[flowState](ctx, req, "oauth2")
		if err != nil {
			ctx.Error(w, req, err)
			return
		}
		if !ok || req.Form.Get("state") != state.State {
			ctx.Error(w, req, provider.ErrUnknownState)
			return
		}
		_ = ctx.Unset(req, "oauth2")

		var exchangeOpts []oauth2.AuthCodeOption
		if state.Verifier != "" {
			exchangeOpts = append(exchangeOpts, oauth2.VerifierOption(state.Verifier))
		}
		tokens, err := p.oauthConfig(ctx).Exchange(req.Context(), req.Form.Get("code"), exchangeOpts...)
		if err != nil {
			logger.Warnw("upstream token exchange failed", "provider", ctx.Name(), "error", err)
			ctx.Error(w, req, fmt.Errorf("upstream token exchange failed: %w", err))
			return
		}

		ctx.Success(w, req, Payload{Tokens: tokens, ClientID: p.cfg.ClientID})
	}

	r.Get("/callback", callback)
	r.Post("/callback", callback)
	return nil
}

// Compile-time interface compliance check.
var _ provider.Provider = (*Provider)(nil)
