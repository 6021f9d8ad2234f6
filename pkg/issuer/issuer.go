// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package issuer assembles the OAuth 2.1 authorization server: the
// /authorize front door, provider mounts, the /token grant endpoint,
// /userinfo, and the discovery documents.
//
// The issuer holds no per-flow state in memory. Everything a flow needs
// lives in the storage adapter under a request ID bound to the browser by
// a short-lived cookie, so any replica can serve any step.
package issuer

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/idkit/pkg/keys"
	"github.com/stacklok/idkit/pkg/logger"
	"github.com/stacklok/idkit/pkg/provider"
	"github.com/stacklok/idkit/pkg/storage"
	"github.com/stacklok/idkit/pkg/subject"
	"github.com/stacklok/idkit/pkg/token"
)

// CookieName binds the browser to its flow conversation.
const CookieName = "openauth_state"

// flowTTL bounds a whole authorization flow, cookie and stored state
// alike.
const flowTTL = 10 * time.Minute

// codeTTL bounds authorization code redemption.
const codeTTL = 60 * time.Second

// conversationPrefix mirrors the provider package's key family; the
// issuer's own flow record lives beside the provider slots.
const conversationPrefix = "oauth:provider"

// codePrefix is the key family for authorization codes.
const codePrefix = "oauth:code"

// SubjectRef is what the operator's success callback returns: the subject
// type, an optional stable ID (derived from the properties when empty),
// and the raw properties to validate against the schema registry.
type SubjectRef struct {
	Type       string
	ID         string
	Properties any
}

// SuccessFunc maps a completed provider conversation onto a subject. It
// discriminates on result.Provider before interpreting the payload.
type SuccessFunc func(ctx context.Context, result provider.Result) (SubjectRef, error)

// AllowFunc authorizes a client/redirect pair at the start of a flow.
type AllowFunc func(ctx context.Context, clientID, redirectURI string) bool

// Config assembles an issuer.
type Config struct {
	// Issuer is the external URL the server identifies as; it appears
	// in the iss claim and all metadata. Required.
	Issuer string

	// BasePath is a reverse-proxy prefix. It is assumed stripped from
	// incoming paths and is re-added to every emitted URL.
	BasePath string

	// Storage backs all flow and credential state. Required.
	Storage storage.Adapter

	// Subjects is the schema registry. Required.
	Subjects subject.Schemas

	// Providers maps mount names to providers. Required, non-empty.
	Providers map[string]provider.Provider

	// Success maps provider results onto subjects. Required.
	Success SuccessFunc

	// Allow guards client/redirect pairs. When nil a default guard
	// admits loopback redirect URIs and https URIs whose host matches
	// the requesting host.
	Allow AllowFunc

	// SelectPage renders the provider picker shown when a flow names no
	// provider and several are configured. A built-in page is used when
	// nil. The map is mount name to provider type.
	SelectPage func(providers map[string]string) []byte

	// Token lifetimes; zero values take the token package defaults.
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	ReuseInterval time.Duration
	Retention     time.Duration

	// KeyRefreshInterval overrides how often signing keys are reloaded.
	KeyRefreshInterval time.Duration
}

// Issuer is the assembled authorization server.
type Issuer struct {
	cfg     Config
	router  chi.Router
	keys    *keys.Manager
	tokens  *token.Service
	baseURL string
}

// New assembles an issuer from cfg.
func New(cfg Config) (*Issuer, error) {
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer URL is required")
	}
	if cfg.Storage == nil {
		return nil, fmt.Errorf("a storage adapter is required")
	}
	if len(cfg.Subjects) == 0 {
		return nil, fmt.Errorf("at least one subject schema is required")
	}
	if len(cfg.Providers) == 0 {
		return nil, fmt.Errorf("at least one provider is required")
	}
	if cfg.Success == nil {
		return nil, fmt.Errorf("a success callback is required")
	}
	if cfg.SelectPage == nil {
		cfg.SelectPage = defaultSelectPage
	}

	var keyOpts []keys.Option
	if cfg.KeyRefreshInterval > 0 {
		keyOpts = append(keyOpts, keys.WithRefreshInterval(cfg.KeyRefreshInterval))
	}
	keyManager, err := keys.NewManager(cfg.Storage, keyOpts...)
	if err != nil {
		return nil, err
	}

	var tokenOpts []token.Option
	if cfg.AccessTTL > 0 {
		tokenOpts = append(tokenOpts, token.WithAccessTTL(cfg.AccessTTL))
	}
	if cfg.RefreshTTL > 0 {
		tokenOpts = append(tokenOpts, token.WithRefreshTTL(cfg.RefreshTTL))
	}
	if cfg.ReuseInterval > 0 {
		tokenOpts = append(tokenOpts, token.WithReuseInterval(cfg.ReuseInterval))
	}
	if cfg.Retention > 0 {
		tokenOpts = append(tokenOpts, token.WithRetention(cfg.Retention))
	}

	iss := &Issuer{
		cfg:     cfg,
		keys:    keyManager,
		baseURL: strings.TrimSuffix(cfg.Issuer, "/") + cfg.BasePath,
	}
	iss.tokens = token.NewService(cfg.Issuer, keyManager, cfg.Storage, cfg.Subjects, tokenOpts...)

	if err := iss.buildRouter(); err != nil {
		return nil, err
	}
	return iss, nil
}

// ServeHTTP implements http.Handler.
func (i *Issuer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	i.router.ServeHTTP(w, r)
}

// Tokens exposes the token service, e.g. for out-of-band invalidation.
func (i *Issuer) Tokens() *token.Service {
	return i.tokens
}

func (i *Issuer) buildRouter() error {
	r := chi.NewRouter()

	r.Get("/.well-known/oauth-authorization-server", i.handleMetadata)
	r.Get("/.well-known/openid-configuration", i.handleMetadata)
	r.Get("/.well-known/jwks.json", i.handleJWKS)
	r.Get("/authorize", i.handleAuthorize)
	r.Post("/token", i.handleToken)
	r.Get("/userinfo", i.handleUserinfo)

	hooks := provider.Hooks{
		RequestID:   i.requestID,
		ProviderURL: func(name string) string { return i.baseURL + "/" + name },
		Success:     i.finishFlow,
		Error:       i.failFlow,
		Invalidate:  i.tokens.Invalidate,
	}

	names := make([]string, 0, len(i.cfg.Providers))
	for name := range i.cfg.Providers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		p := i.cfg.Providers[name]
		ctx := provider.NewContext(name, i.cfg.Storage, hooks)
		var initErr error
		r.Route("/"+name, func(sub chi.Router) {
			initErr = p.Init(sub, ctx)
		})
		if initErr != nil {
			return fmt.Errorf("failed to initialize provider %q: %w", name, initErr)
		}
		logger.Debugw("mounted provider", "name", name, "type", p.Type())
	}

	i.router = r
	return nil
}

// requestID resolves the conversation ID from the state cookie.
func (i *Issuer) requestID(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

// flowKey is where the issuer's own record of an authorization request
// lives, beside the provider conversation slots.
func flowKey(requestID string) []string {
	return []string{conversationPrefix, requestID, "authorization"}
}

// authRequest is the persisted authorization request.
type authRequest struct {
	ClientID            string   `json:"clientID"`
	RedirectURI         string   `json:"redirectURI"`
	ResponseType        string   `json:"responseType"`
	State               string   `json:"state,omitempty"`
	Scopes              []string `json:"scopes,omitempty"`
	HasScope            bool     `json:"hasScope,omitempty"`
	CodeChallenge       string   `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string   `json:"codeChallengeMethod,omitempty"`
}

// loadFlow reads the authorization request bound to this browser.
func (i *Issuer) loadFlow(r *http.Request) (*authRequest, error) {
	id, ok := i.requestID(r)
	if !ok {
		return nil, provider.ErrUnknownState
	}
	request, ok, err := storage.GetJSON[authRequest](r.Context(), i.cfg.Storage, flowKey(id))
	if err != nil {
		return nil, fmt.Errorf("failed to load authorization request: %w", err)
	}
	if !ok {
		return nil, provider.ErrUnknownState
	}
	return &request, nil
}

// clearFlow drops the flow record and expires the cookie.
func (i *Issuer) clearFlow(w http.ResponseWriter, r *http.Request) {
	if id, ok := i.requestID(r); ok {
		if err := i.cfg.Storage.Remove(r.Context(), flowKey(id)); err != nil {
			logger.Debugw("failed to remove authorization request", "error", err)
		}
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
}

var selectTemplate = template.Must(template.New("select").Parse(`<!doctype html>
<html><body>
<p>Sign in with:</p>
<ul>
{{range $name, $type := .}}<li><a href="{{$name}}/authorize">{{$name}}</a></li>
{{end}}</ul>
</body></html>`))

func defaultSelectPage(providers map[string]string) []byte {
	var buf bytes.Buffer
	_ = selectTemplate.Execute(&buf, providers)
	return buf.Bytes()
}
