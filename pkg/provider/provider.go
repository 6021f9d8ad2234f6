// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package provider defines the contract between the issuer and its
// authentication providers.
//
// A provider owns a subtree of the issuer's routes and drives its own
// multi-step conversation there (forms, upstream redirects, callbacks).
// Conversation state lives in storage keyed by a cookie-bound request ID,
// so any node can serve any step. When the user is authenticated the
// provider hands its result to the issuer, which turns it into a subject
// via the operator's success callback.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/idkit/pkg/storage"
)

// ErrUnknownState is returned when a request arrives without a live
// conversation, usually because the state cookie expired or the browser
// changed mid-flow.
var ErrUnknownState = errors.New("authentication flow is in an unknown state")

// conversationPrefix is the key family conversation slots live under.
const conversationPrefix = "oauth:provider"

// Provider is one authentication method mounted under /<name>/*.
type Provider interface {
	// Type identifies the provider kind ("oauth2", "code", "password", ...).
	// Distinct from the mount name: two OAuth2 providers can coexist
	// under different names.
	Type() string

	// Init registers the provider's routes. The router is already scoped
	// to the provider's mount point.
	Init(r chi.Router, ctx *Context) error
}

// ClientProvider is implemented by providers that can authenticate
// machine clients for the client_credentials grant.
type ClientProvider interface {
	Provider

	// Client validates machine credentials and returns the provider
	// payload for the success callback.
	Client(ctx context.Context, input ClientInput) (any, error)
}

// ClientInput carries a client_credentials request.
type ClientInput struct {
	ClientID     string
	ClientSecret string
	Params       url.Values
}

// Result is what a completed conversation delivers to the issuer's
// success callback. Payload is provider-owned; callbacks discriminate on
// Provider before type-asserting it.
type Result struct {
	Provider string
	Payload  any
}

// Hooks are the issuer-side callbacks a Context routes into. Providers
// never construct these.
type Hooks struct {
	// RequestID resolves the conversation ID bound to the request's
	// state cookie.
	RequestID func(r *http.Request) (string, bool)

	// ProviderURL returns the absolute external base URL of the named
	// provider's mount point, respecting the issuer's base path.
	ProviderURL func(name string) string

	// Success finishes the authorization flow with the provider result.
	Success func(w http.ResponseWriter, r *http.Request, result Result)

	// Error aborts the flow, relaying the error to the client
	// application where possible.
	Error func(w http.ResponseWriter, r *http.Request, err error)

	// Invalidate drops every refresh token of a subject (type:id).
	Invalidate func(ctx context.Context, subjectKey string) error
}

// Context is the provider's view of the issuer.
type Context struct {
	name  string
	store storage.Adapter
	hooks Hooks
}

// NewContext builds the context handed to a provider's Init. The name is
// the provider's mount name.
func NewContext(name string, store storage.Adapter, hooks Hooks) *Context {
	return &Context{name: name, store: store, hooks: hooks}
}

// Name returns the provider's mount name.
func (c *Context) Name() string {
	return c.name
}

// URL returns the provider's absolute external base URL, for building
// callback and link targets handed to third parties.
func (c *Context) URL() string {
	return c.hooks.ProviderURL(c.name)
}

// Storage exposes the raw adapter for provider-owned long-lived data,
// such as password hashes. Conversation scratch state should use Set/Get
// instead.
func (c *Context) Storage() storage.Adapter {
	return c.store
}

// RequestID returns the conversation ID bound to the request, or
// ErrUnknownState when the cookie is missing or stale.
func (c *Context) RequestID(r *http.Request) (string, error) {
	id, ok := c.hooks.RequestID(r)
	if !ok {
		return "", ErrUnknownState
	}
	return id, nil
}

func (c *Context) slotKey(requestID, slot string) []string {
	return []string{conversationPrefix, requestID, c.name + ":" + slot}
}

// Set stores a conversation slot for the request's conversation.
func (c *Context) Set(r *http.Request, slot string, ttl time.Duration, value any) error {
	requestID, err := c.RequestID(r)
	if err != nil {
		return err
	}
	if err := storage.SetJSON(r.Context(), c.store, c.slotKey(requestID, slot), value, ttl); err != nil {
		return fmt.Errorf("failed to store conversation slot %q: %w", slot, err)
	}
	return nil
}

// Get reads a conversation slot. The second return is false when the slot
// was never set or has expired.
func Get[T any](c *Context, r *http.Request, slot string) (T, bool, error) {
	var zero T
	requestID, err := c.RequestID(r)
	if err != nil {
		return zero, false, err
	}
	value, ok, err := storage.GetJSON[T](r.Context(), c.store, c.slotKey(requestID, slot))
	if err != nil {
		return zero, false, fmt.Errorf("failed to read conversation slot %q: %w", slot, err)
	}
	return value, ok, nil
}

// Unset removes a conversation slot.
func (c *Context) Unset(r *http.Request, slot string) error {
	requestID, err := c.RequestID(r)
	if err != nil {
		return err
	}
	if err := c.store.Remove(r.Context(), c.slotKey(requestID, slot)); err != nil {
		return fmt.Errorf("failed to remove conversation slot %q: %w", slot, err)
	}
	return nil
}

// Forward writes a response body without ending the conversation, e.g. a
// login form or a follow-up prompt.
func (c *Context) Forward(w http.ResponseWriter, status int, contentType string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Success ends the conversation, delivering payload to the issuer's
// success callback wrapped with this provider's name.
func (c *Context) Success(w http.ResponseWriter, r *http.Request, payload any) {
	c.hooks.Success(w, r, Result{Provider: c.name, Payload: payload})
}

// Error aborts the conversation with err. The issuer relays OAuth error
// codes to the client application's redirect URI where one is known.
func (c *Context) Error(w http.ResponseWriter, r *http.Request, err error) {
	c.hooks.Error(w, r, err)
}

// Invalidate drops every refresh token of the subject (composite type:id
// key). Used after credential changes.
func (c *Context) Invalidate(ctx context.Context, subjectKey string) error {
	return c.hooks.Invalidate(ctx, subjectKey)
}
