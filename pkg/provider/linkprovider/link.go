// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package linkprovider implements magic-link authentication: the user
// receives a single-use URL out of band and completes the flow by opening
// it in the same browser the flow started in.
package linkprovider

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"html/template"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/idkit/pkg/provider"
)

const conversationTTL = 15 * time.Minute

// tokenBytes sizes the random link token (256 bits).
const tokenBytes = 32

// Sender delivers the link to the user.
type Sender func(ctx context.Context, claims map[string]string, link string) error

// Config configures the provider.
type Config struct {
	// Sender delivers links. Required.
	Sender Sender

	// PromptPage renders the claim form; a built-in page is used when nil.
	PromptPage func(errMsg string) []byte

	// SentPage renders the "check your inbox" page.
	SentPage func(claims map[string]string) []byte
}

// Payload is delivered to the issuer success callback.
type Payload struct {
	Claims map[string]string
}

// Provider implements the magic-link provider.
type Provider struct {
	cfg Config
}

// New creates a link provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Sender == nil {
		return nil, fmt.Errorf("a link sender is required")
	}
	if cfg.PromptPage == nil {
		cfg.PromptPage = defaultPromptPage
	}
	if cfg.SentPage == nil {
		cfg.SentPage = defaultSentPage
	}
	return &Provider{cfg: cfg}, nil
}

// Type implements provider.Provider.
func (*Provider) Type() string {
	return "link"
}

type flowState struct {
	Token  string            `json:"token"`
	Claims map[string]string `json:"claims"`
}

func formClaims(req *http.Request) map[string]string {
	claims := map[string]string{}
	for k, vs := range req.PostForm {
		if len(vs) > 0 {
			claims[k] = vs[0]
		}
	}
	return claims
}

// Init implements provider.Provider.
func (p *Provider) Init(r chi.Router, ctx *provider.Context) error {
	r.Get("/authorize", func(w http.ResponseWriter, req *http.Request) {
		ctx.Forward(w, http.StatusOK, "text/html; charset=utf-8", p.cfg.PromptPage(""))
	})

	r.Post("/authorize", func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseForm(); err != nil {
			ctx.Error(w, req, fmt.Errorf("malformed form: %w", err))
			return
		}
		claims := formClaims(req)
		if len(claims) == 0 {
			ctx.Forward(w, http.StatusBadRequest, "text/html; charset=utf-8",
				p.cfg.PromptPage("Enter a contact to send the link to."))
			return
		}

		raw := make([]byte, tokenBytes)
		if _, err := rand.Read(raw); err != nil {
			ctx.Error(w, req, fmt.Errorf("failed to generate link token: %w", err))
			return
		}
		token := base64.RawURLEncoding.EncodeToString(raw)

		if err := ctx.Set(req, "link", conversationTTL, flowState{Token: token, Claims: claims}); err != nil {
			ctx.Error(w, req, err)
			return
		}

		link := ctx.URL() + "/callback?" + url.Values{"token": {token}}.Encode()
		if err := p.cfg.Sender(req.Context(), claims, link); err != nil {
			ctx.Error(w, req, err)
			return
		}
		ctx.Forward(w, http.StatusOK, "text/html; charset=utf-8", p.cfg.SentPage(claims))
	})

	r.Get("/callback", func(w http.ResponseWriter, req *http.Request) {
		state, ok, err := provider.Get[flowState](ctx, req, "link")
		if err != nil {
			ctx.Error(w, req, err)
			return
		}
		if !ok {
			ctx.Error(w, req, provider.ErrUnknownState)
			return
		}

		token := req.URL.Query().Get("token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(state.Token)) != 1 {
			ctx.Error(w, req, provider.ErrUnknownState)
			return
		}

		_ = ctx.Unset(req, "link")
		ctx.Success(w, req, Payload{Claims: state.Claims})
	})

	return nil
}

var promptTemplate = template.Must(template.New("prompt").Parse(`<!doctype html>
<html><body>
{{if .Error}}<p>{{.Error}}</p>{{end}}
<form method="post" action="authorize">
  <input type="email" name="email" placeholder="Email" autofocus required>
  <button type="submit">Send link</button>
</form>
</body></html>`))

var sentTemplate = template.Must(template.New("sent").Parse(`<!doctype html>
<html><body>
<p>A sign-in link was sent to {{.Contact}}. Open it in this browser.</p>
</body></html>`))

func defaultPromptPage(errMsg string) []byte {
	var buf bytes.Buffer
	_ = promptTemplate.Execute(&buf, map[string]string{"Error": errMsg})
	return buf.Bytes()
}

func defaultSentPage(claims map[string]string) []byte {
	var buf bytes.Buffer
	_ = sentTemplate.Execute(&buf, map[string]string{"Contact": claims["email"]})
	return buf.Bytes()
}

// Compile-time interface compliance check.
var _ provider.Provider = (*Provider)(nil)
