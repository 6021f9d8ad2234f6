// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package codeprovider implements pin-code authentication: the user
// supplies a claim (typically an email address), receives a short numeric
// code out of band, and proves possession by typing it back.
package codeprovider

import (
	"bytes"
	"context"
	"crypto/subtle"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/idkit/pkg/provider"
)

// DefaultLength is the number of code digits when Config.Length is zero.
const DefaultLength = 6

// conversationTTL bounds how long a code stays redeemable.
const conversationTTL = 10 * time.Minute

// Sender delivers the code to the user, e.g. by email or SMS.
type Sender func(ctx context.Context, claims map[string]string, code string) error

// Config configures the provider.
type Config struct {
	// Length of the generated code; DefaultLength when zero.
	Length int

	// Sender delivers codes. Required.
	Sender Sender

	// PromptPage renders the claim form; a built-in page is used when
	// nil. The error string is empty on first render.
	PromptPage func(errMsg string) []byte

	// CodePage renders the code-entry form.
	CodePage func(claims map[string]string, errMsg string) []byte
}

// Payload is delivered to the issuer success callback.
type Payload struct {
	// Claims are the form fields the code was sent for.
	Claims map[string]string
}

// Provider implements the pin-code provider.
type Provider struct {
	cfg Config
}

// New creates a code provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Sender == nil {
		return nil, fmt.Errorf("a code sender is required")
	}
	if cfg.Length == 0 {
		cfg.Length = DefaultLength
	}
	if cfg.PromptPage == nil {
		cfg.PromptPage = defaultPromptPage
	}
	if cfg.CodePage == nil {
		cfg.CodePage = defaultCodePage
	}
	return &Provider{cfg: cfg}, nil
}

// Type implements provider.Provider.
func (*Provider) Type() string {
	return "code"
}

type flowState struct {
	Code   string            `json:"code"`
	Claims map[string]string `json:"claims"`
}

// send generates a fresh code for claims, stores it in the conversation,
// and dispatches it through the sender.
func (p *Provider) send(req *http.Request, ctx *provider.Context, claims map[string]string) error {
	code, err := provider.RandomDigits(p.cfg.Length)
	if err != nil {
		return err
	}
	if err := ctx.Set(req, "code", conversationTTL, flowState{Code: code, Claims: claims}); err != nil {
		return err
	}
	return p.cfg.Sender(req.Context(), claims, code)
}

func formClaims(req *http.Request) map[string]string {
	claims := map[string]string{}
	for k, vs := range req.PostForm {
		if len(vs) > 0 && k != "code" && k != "action" {
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
				p.cfg.PromptPage("Enter a contact to send the code to."))
			return
		}
		if err := p.send(req, ctx, claims); err != nil {
			ctx.Error(w, req, err)
			return
		}
		ctx.Forward(w, http.StatusOK, "text/html; charset=utf-8", p.cfg.CodePage(claims, ""))
	})

	r.Post("/verify", func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseForm(); err != nil {
			ctx.Error(w, req, fmt.Errorf("malformed form: %w", err))
			return
		}

		state, ok, err := provider.Get[flowState](ctx, req, "code")
		if err != nil {
			ctx.Error(w, req, err)
			return
		}
		if !ok {
			ctx.Error(w, req, provider.ErrUnknownState)
			return
		}

		if req.PostForm.Get("action") == "resend" {
			if err := p.send(req, ctx, state.Claims); err != nil {
				ctx.Error(w, req, err)
				return
			}
			ctx.Forward(w, http.StatusOK, "text/html; charset=utf-8", p.cfg.CodePage(state.Claims, ""))
			return
		}

		submitted := req.PostForm.Get("code")
		if subtle.ConstantTimeCompare([]byte(submitted), []byte(state.Code)) != 1 {
			ctx.Forward(w, http.StatusUnauthorized, "text/html; charset=utf-8",
				p.cfg.CodePage(state.Claims, "The code is incorrect."))
			return
		}

		_ = ctx.Unset(req, "code")
		ctx.Success(w, req, Payload{Claims: state.Claims})
	})

	return nil
}

var promptTemplate = template.Must(template.New("prompt").Parse(`<!doctype html>
<html><body>
{{if .Error}}<p>{{.Error}}</p>{{end}}
<form method="post" action="authorize">
  <input type="email" name="email" placeholder="Email" autofocus required>
  <button type="submit">Send code</button>
</form>
</body></html>`))

var codeTemplate = template.Must(template.New("code").Parse(`<!doctype html>
<html><body>
{{if .Error}}<p>{{.Error}}</p>{{end}}
<p>A code was sent to {{.Contact}}.</p>
<form method="post" action="verify">
  <input type="text" name="code" inputmode="numeric" autocomplete="one-time-code" autofocus required>
  <button type="submit">Verify</button>
</form>
<form method="post" action="verify">
  <input type="hidden" name="action" value="resend">
  <button type="submit">Resend code</button>
</form>
</body></html>`))

func defaultPromptPage(errMsg string) []byte {
	var buf bytes.Buffer
	_ = promptTemplate.Execute(&buf, map[string]string{"Error": errMsg})
	return buf.Bytes()
}

func defaultCodePage(claims map[string]string, errMsg string) []byte {
	var buf bytes.Buffer
	_ = codeTemplate.Execute(&buf, map[string]string{"Error": errMsg, "Contact": claims["email"]})
	return buf.Bytes()
}

// Compile-time interface compliance check.
var _ provider.Provider = (*Provider)(nil)
