// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package passwordprovider implements email + password authentication
// with three conversations: login, registration, and password change.
// Registration and change both require proving control of the email
// address with an emailed code before any hash is written.
package passwordprovider

import (
	"bytes"
	"context"
	"crypto/subtle"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/idkit/pkg/logger"
	"github.com/stacklok/idkit/pkg/provider"
	"github.com/stacklok/idkit/pkg/storage"
)

// DefaultCodeLength is the emailed verification code length.
const DefaultCodeLength = 6

const conversationTTL = 15 * time.Minute

// Sender emails a verification code during registration and change.
type Sender func(ctx context.Context, email, code string) error

// Config configures the provider.
type Config struct {
	// Hasher verifies and produces password hashes; scrypt when nil.
	Hasher Hasher

	// Sender delivers verification codes. Required.
	Sender Sender

	// CodeLength overrides DefaultCodeLength when positive.
	CodeLength int

	// ValidatePassword enforces a password policy on registration and
	// change. Nil accepts any non-empty password.
	ValidatePassword func(password string) error
}

// Payload is delivered to the issuer success callback.
type Payload struct {
	Email string
}

// Provider implements the password provider.
type Provider struct {
	cfg Config
}

// New creates a password provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Sender == nil {
		return nil, fmt.Errorf("a code sender is required")
	}
	if cfg.Hasher == nil {
		cfg.Hasher = NewScryptHasher()
	}
	if cfg.CodeLength == 0 {
		cfg.CodeLength = DefaultCodeLength
	}
	return &Provider{cfg: cfg}, nil
}

// Type implements provider.Provider.
func (*Provider) Type() string {
	return "password"
}

// hashKey is where a user's password hash lives.
func hashKey(email string) []string {
	return []string{"email", strings.ToLower(email), "password"}
}

// flowState tracks a registration or change conversation. A hash is only
// ever written after the emailed code for this conversation round-trips.
type flowState struct {
	Action string `json:"action"`
	Email  string `json:"email"`
	Code   string `json:"code"`
}

func (p *Provider) validate(password, repeat string) error {
	if password == "" {
		return fmt.Errorf("password must not be empty")
	}
	if password != repeat {
		return fmt.Errorf("passwords do not match")
	}
	if p.cfg.ValidatePassword != nil {
		return p.cfg.ValidatePassword(password)
	}
	return nil
}

func (p *Provider) startVerification(req *http.Request, ctx *provider.Context, action, email string) error {
	code, err := provider.RandomDigits(p.cfg.CodeLength)
	if err != nil {
		return err
	}
	state := flowState{Action: action, Email: strings.ToLower(email), Code: code}
	if err := ctx.Set(req, "password", conversationTTL, state); err != nil {
		return err
	}
	return p.cfg.Sender(req.Context(), state.Email, code)
}

func (p *Provider) verifyCode(req *http.Request, ctx *provider.Context, action string) (*flowState, error) {
	state, ok, err := provider.Get[flowState](ctx, req, "password")
	if err != nil {
		return nil, err
	}
	if !ok || state.Action != action {
		return nil, provider.ErrUnknownState
	}
	submitted := req.PostForm.Get("code")
	if subtle.ConstantTimeCompare([]byte(submitted), []byte(state.Code)) != 1 {
		return nil, fmt.Errorf("the code is incorrect")
	}
	return &state, nil
}

// Init implements provider.Provider.
func (p *Provider) Init(r chi.Router, ctx *provider.Context) error {
	html := func(w http.ResponseWriter, status int, page string, data pageData) {
		ctx.Forward(w, status, "text/html; charset=utf-8", renderPage(page, data))
	}

	// Login.

	r.Get("/authorize", func(w http.ResponseWriter, req *http.Request) {
		html(w, http.StatusOK, "login", pageData{})
	})

	r.Post("/authorize", func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseForm(); err != nil {
			ctx.Error(w, req, fmt.Errorf("malformed form: %w", err))
			return
		}
		email := strings.ToLower(req.PostForm.Get("email"))
		password := req.PostForm.Get("password")

		encoded, ok, err := storage.GetJSON[string](req.Context(), ctx.Storage(), hashKey(email))
		if err != nil {
			ctx.Error(w, req, err)
			return
		}
		match := false
		if ok {
			match, err = p.cfg.Hasher.Verify(password, encoded)
			if err != nil {
				logger.Errorw("password hash verification failed", "error", err)
			}
		}
		if !match {
			// One message for unknown email and wrong password alike.
			html(w, http.StatusUnauthorized, "login", pageData{Error: "Invalid email or password."})
			return
		}
		ctx.Success(w, req, Payload{Email: email})
	})

	// Registration.

	r.Get("/register", func(w http.ResponseWriter, req *http.Request) {
		html(w, http.StatusOK, "register", pageData{})
	})

	r.Post("/register", func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseForm(); err != nil {
			ctx.Error(w, req, fmt.Errorf("malformed form: %w", err))
			return
		}

		switch req.PostForm.Get("action") {
		case "verify":
			state, err := p.verifyCode(req, ctx, "register")
			if err != nil {
				html(w, http.StatusUnauthorized, "verify", pageData{Error: err.Error()})
				return
			}
			password := req.PostForm.Get("password")
			if err := p.validate(password, req.PostForm.Get("repeat")); err != nil {
				html(w, http.StatusBadRequest, "verify", pageData{Error: err.Error()})
				return
			}
			encoded, err := p.cfg.Hasher.Hash(password)
			if err != nil {
				ctx.Error(w, req, err)
				return
			}
			if err := storage.SetJSON(req.Context(), ctx.Storage(), hashKey(state.Email), encoded, 0); err != nil {
				ctx.Error(w, req, err)
				return
			}
			_ = ctx.Unset(req, "password")
			ctx.Success(w, req, Payload{Email: state.Email})

		default:
			email := req.PostForm.Get("email")
			if email == "" {
				html(w, http.StatusBadRequest, "register", pageData{Error: "Email is required."})
				return
			}
			_, exists, err := storage.GetJSON[string](req.Context(), ctx.Storage(), hashKey(email))
			if err != nil {
				ctx.Error(w, req, err)
				return
			}
			if exists {
				html(w, http.StatusConflict, "register", pageData{Error: "An account with this email already exists."})
				return
			}
			if err := p.startVerification(req, ctx, "register", email); err != nil {
				ctx.Error(w, req, err)
				return
			}
			html(w, http.StatusOK, "verify", pageData{Email: email})
		}
	})

	// Password change.

	r.Get("/change", func(w http.ResponseWriter, req *http.Request) {
		html(w, http.StatusOK, "change", pageData{})
	})

	r.Post("/change", func(w http.ResponseWriter, req *http.Request) {
		if err := req.ParseForm(); err != nil {
			ctx.Error(w, req, fmt.Errorf("malformed form: %w", err))
			return
		}

		switch req.PostForm.Get("action") {
		case "verify":
			// The code check gates the hash write: without a verified
			// code for this conversation, nothing is stored.
			state, err := p.verifyCode(req, ctx, "change")
			if err != nil {
				html(w, http.StatusUnauthorized, "verify", pageData{Error: err.Error()})
				return
			}
			password := req.PostForm.Get("password")
			if err := p.validate(password, req.PostForm.Get("repeat")); err != nil {
				html(w, http.StatusBadRequest, "verify", pageData{Email: state.Email, Error: err.Error()})
				return
			}
			encoded, err := p.cfg.Hasher.Hash(password)
			if err != nil {
				ctx.Error(w, req, err)
				return
			}
			if err := storage.SetJSON(req.Context(), ctx.Storage(), hashKey(state.Email), encoded, 0); err != nil {
				ctx.Error(w, req, err)
				return
			}
			_ = ctx.Unset(req, "password")
			ctx.Success(w, req, Payload{Email: state.Email})

		default:
			email := req.PostForm.Get("email")
			if email == "" {
				html(w, http.StatusBadRequest, "change", pageData{Error: "Email is required."})
				return
			}
			// Only send codes to registered accounts, but render the same
			// page either way so the form does not leak which emails exist.
			_, exists, err := storage.GetJSON[string](req.Context(), ctx.Storage(), hashKey(email))
			if err != nil {
				ctx.Error(w, req, err)
				return
			}
			if exists {
				if err := p.startVerification(req, ctx, "change", email); err != nil {
					ctx.Error(w, req, err)
					return
				}
			}
			html(w, http.StatusOK, "verify", pageData{Email: email})
		}
	})

	return nil
}

type pageData struct {
	Email string
	Error string
}

var pages = template.Must(template.New("pages").Parse(`
{{define "login"}}<!doctype html>
<html><body>
{{if .Error}}<p>{{.Error}}</p>{{end}}
<form method="post" action="authorize">
  <input type="email" name="email" placeholder="Email" autofocus required>
  <input type="password" name="password" placeholder="Password" required>
  <button type="submit">Sign in</button>
</form>
<p><a href="register">Create an account</a> · <a href="change">Forgot password</a></p>
</body></html>{{end}}

{{define "register"}}<!doctype html>
<html><body>
{{if .Error}}<p>{{.Error}}</p>{{end}}
<form method="post" action="register">
  <input type="email" name="email" placeholder="Email" autofocus required>
  <button type="submit">Continue</button>
</form>
</body></html>{{end}}

{{define "change"}}<!doctype html>
<html><body>
{{if .Error}}<p>{{.Error}}</p>{{end}}
<form method="post" action="change">
  <input type="email" name="email" placeholder="Email" autofocus required>
  <button type="submit">Send code</button>
</form>
</body></html>{{end}}

{{define "verify"}}<!doctype html>
<html><body>
{{if .Error}}<p>{{.Error}}</p>{{end}}
<p>A code was sent to {{.Email}}.</p>
<form method="post">
  <input type="hidden" name="action" value="verify">
  <input type="text" name="code" inputmode="numeric" autocomplete="one-time-code" autofocus required>
  <input type="password" name="password" placeholder="Password" required>
  <input type="password" name="repeat" placeholder="Repeat password" required>
  <button type="submit">Continue</button>
</form>
</body></html>{{end}}
`))

func renderPage(name string, data pageData) []byte {
	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		logger.Errorw("failed to render page", "page", name, "error", err)
	}
	return buf.Bytes()
}

// Compile-time interface compliance check.
var _ provider.Provider = (*Provider)(nil)
