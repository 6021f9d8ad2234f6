// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oidcprovider authenticates users against an upstream OpenID
// Connect provider, using discovery for endpoints and upstream JWKS for
// id_token verification.
package oidcprovider

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/stacklok/idkit/pkg/provider"
)

const conversationTTL = 10 * time.Minute

// AuthMethod selects the token-endpoint client authentication method.
type AuthMethod string

const (
	// AuthMethodBasic sends client credentials in the Authorization
	// header. The default.
	AuthMethodBasic AuthMethod = "client_secret_basic"

	// AuthMethodPost sends them as form parameters, for upstreams that
	// reject basic auth.
	AuthMethodPost AuthMethod = "client_secret_post"
)

// Config describes the upstream OIDC provider.
type Config struct {
	// Issuer is the upstream issuer URL; discovery appends the
	// well-known path.
	Issuer string

	ClientID     string
	ClientSecret string

	// Scopes beyond "openid", which is always requested.
	Scopes []string

	// Query adds extra authorization request parameters.
	Query map[string]string

	AuthMethod AuthMethod

	// Implicit requests response_type=id_token with form_post delivery
	// instead of the code flow. No upstream access token is obtained.
	Implicit bool
}

// Payload is delivered to the issuer success callback.
type Payload struct {
	// Claims is the verified id_token claim set.
	Claims map[string]any

	// Tokens is the upstream token set; nil in the implicit flow.
	Tokens *oauth2.Token

	// ClientID identifies the upstream app.
	ClientID string
}

// Provider implements the generic OIDC provider.
type Provider struct {
	cfg Config

	mu         sync.Mutex
	discovered *oidc.Provider
}

// New creates an OIDC provider. Discovery is deferred to the first
// request so construction never needs the network.
func New(cfg Config) (*Provider, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}
	if cfg.AuthMethod == "" {
		cfg.AuthMethod = AuthMethodBasic
	}
	return &Provider{cfg: cfg}, nil
}

// Type implements provider.Provider.
func (*Provider) Type() string {
	return "oidc"
}

func (p *Provider) discover(ctx context.Context) (*oidc.Provider, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.discovered != nil {
		return p.discovered, nil
	}
	discovered, err := oidc.NewProvider(ctx, p.cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover upstream %q: %w", p.cfg.Issuer, err)
	}
	p.discovered = discovered
	return discovered, nil
}

func (p *Provider) oauthConfig(upstream *oidc.Provider, ctx *provider.Context) *oauth2.Config {
	endpoint := upstream.Endpoint()
	if p.cfg.AuthMethod == AuthMethodPost {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	} else {
		endpoint.AuthStyle = oauth2.AuthStyleInHeader
	}
	return &oauth2.Config{
		ClientID:     p.cfg.ClientID,
		ClientSecret: p.cfg.ClientSecret,
		Endpoint:     endpoint,
		RedirectURL:  ctx.URL() + "/callback",
		Scopes:       append([]string{oidc.ScopeOpenID}, p.cfg.Scopes...),
	}
}

type flowState struct {
	State string `json:"state"`
	Nonce string `json:"nonce"`
}

// Init implements provider.Provider.
func (p *Provider) Init(r chi.Router, ctx *provider.Context) error {
	r.Get("/authorize", func(w http.ResponseWriter, req *http.Request) {
		upstream, err := p.discover(req.Context())
		if err != nil {
			ctx.Error(w, req, err)
			return
		}

		state := flowState{State: uuid.NewString(), Nonce: uuid.NewString()}
		if err := ctx.Set(req, "oidc", conversationTTL, state); err != nil {
			ctx.Error(w, req, err)
			return
		}

		opts := []oauth2.AuthCodeOption{oidc.Nonce(state.Nonce)}
		for k, v := range p.cfg.Query {
			opts = append(opts, oauth2.SetAuthURLParam(k, v))
		}
		if p.cfg.Implicit {
			opts = append(opts,
				oauth2.SetAuthURLParam("response_type", "id_token"),
				oauth2.SetAuthURLParam("response_mode", "form_post"),
			)
		}
		http.Redirect(w, req, p.oauthConfig(upstream, ctx).AuthCodeURL(state.State, opts...), http.StatusFound)
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

		state, ok, err := provider.Get[flowState](ctx, req, "oidc")
		if err != nil {
			ctx.Error(w, req, err)
			return
		}
		if !ok || req.Form.Get("state") != state.State {
			ctx.Error(w, req, provider.ErrUnknownState)
			return
		}
		_ = ctx.Unset(req, "oidc")

		upstream, err := p.discover(req.Context())
		if err != nil {
			ctx.Error(w, req, err)
			return
		}

		var tokens *oauth2.Token
		rawIDToken := req.Form.Get("id_token")
		if rawIDToken == "" {
			tokens, err = p.oauthConfig(upstream, ctx).Exchange(req.Context(), req.Form.Get("code"))
			if err != nil {
				ctx.Error(w, req, fmt.Errorf("upstream token exchange failed: %w", err))
				return
			}
			rawIDToken, _ = tokens.Extra("id_token").(string)
			if rawIDToken == "" {
				ctx.Error(w, req, fmt.Errorf("upstream response carries no id_token"))
				return
			}
		}

		idToken, err := upstream.Verifier(&oidc.Config{ClientID: p.cfg.ClientID}).Verify(req.Context(), rawIDToken)
		if err != nil {
			ctx.Error(w, req, fmt.Errorf("id_token verification failed: %w", err))
			return
		}
		if idToken.Nonce != state.Nonce {
			ctx.Error(w, req, fmt.Errorf("id_token nonce mismatch"))
			return
		}

		claims := map[string]any{}
		if err := idToken.Claims(&claims); err != nil {
			ctx.Error(w, req, fmt.Errorf("failed to decode id_token claims: %w", err))
			return
		}

		ctx.Success(w, req, Payload{Claims: claims, Tokens: tokens, ClientID: p.cfg.ClientID})
	}

	r.Get("/callback", callback)
	r.Post("/callback", callback)
	return nil
}

// Compile-time interface compliance check.
var _ provider.Provider = (*Provider)(nil)
