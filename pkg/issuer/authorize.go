// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package issuer

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/stacklok/idkit/pkg/logger"
	"github.com/stacklok/idkit/pkg/provider"
	"github.com/stacklok/idkit/pkg/scopes"
	"github.com/stacklok/idkit/pkg/storage"
	"github.com/stacklok/idkit/pkg/subject"
	"github.com/stacklok/idkit/pkg/token"
)

// handleAuthorize validates the authorization request, binds the browser
// to a fresh conversation, and forwards to the chosen provider.
func (i *Issuer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")
	// Without a trustworthy redirect target errors cannot be relayed,
	// so these two fail the request in place.
	if clientID == "" || redirectURI == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request",
			"client_id and redirect_uri are required")
		return
	}
	if _, err := url.ParseRequestURI(redirectURI); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request",
			"redirect_uri is not a valid URI")
		return
	}
	// A pair the guard rejects is untrusted: errors from here on may
	// only redirect once the pair has passed, never before.
	if !i.allowed(r, clientID, redirectURI) {
		writeJSONError(w, http.StatusBadRequest, "unauthorized_client",
			"client is not allowed to use this redirect_uri")
		return
	}

	request := authRequest{
		ClientID:            clientID,
		RedirectURI:         redirectURI,
		ResponseType:        q.Get("response_type"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
	if q.Has("scope") {
		request.HasScope = true
		request.Scopes = scopes.Parse(q.Get("scope"))
	}

	if request.ResponseType != "code" && request.ResponseType != "token" {
		redirectError(w, r, &request, "unsupported_response_type",
			"response_type must be code or token")
		return
	}
	if request.CodeChallenge != "" {
		if request.CodeChallengeMethod == "" {
			request.CodeChallengeMethod = "plain"
		}
		if request.CodeChallengeMethod != "S256" && request.CodeChallengeMethod != "plain" {
			redirectError(w, r, &request, "invalid_request",
				"code_challenge_method must be S256 or plain")
			return
		}
	}
	providerName := q.Get("provider")
	if providerName == "" && len(i.cfg.Providers) == 1 {
		for name := range i.cfg.Providers {
			providerName = name
		}
	}
	if providerName != "" {
		if _, ok := i.cfg.Providers[providerName]; !ok {
			redirectError(w, r, &request, "invalid_request",
				"unknown provider "+strconv.Quote(providerName))
			return
		}
	}

	requestID := uuid.NewString()
	if err := storage.SetJSON(r.Context(), i.cfg.Storage, flowKey(requestID), request, flowTTL); err != nil {
		logger.Errorw("failed to persist authorization request", "error", err)
		redirectError(w, r, &request, "server_error", "failed to persist authorization request")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    requestID,
		Path:     "/",
		MaxAge:   int(flowTTL.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	if providerName == "" {
		types := map[string]string{}
		for name, p := range i.cfg.Providers {
			types[name] = p.Type()
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(i.cfg.SelectPage(types))
		return
	}

	http.Redirect(w, r, i.cfg.BasePath+"/"+providerName+"/authorize", http.StatusFound)
}

// allowed runs the operator's guard over a client/redirect pair. With no
// guard configured, loopback redirect URIs are trusted with any scheme;
// anything else must be https with a host matching the host this request
// was served for.
func (i *Issuer) allowed(r *http.Request, clientID, redirectURI string) bool {
	if i.cfg.Allow != nil {
		return i.cfg.Allow(r.Context(), clientID, redirectURI)
	}

	target, err := url.Parse(redirectURI)
	if err != nil {
		return false
	}
	host := strings.ToLower(target.Hostname())
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}
	if target.Scheme != "https" {
		return false
	}
	serving := requestHost(r)
	return host == serving ||
		strings.HasSuffix(host, "."+serving) ||
		strings.HasSuffix(serving, "."+host)
}

// requestHost is the externally visible host of the request, honoring
// the reverse proxy's X-Forwarded-Host.
func requestHost(r *http.Request) string {
	host := r.Header.Get("X-Forwarded-Host")
	if host == "" {
		host = r.Host
	}
	if bare, _, err := net.SplitHostPort(host); err == nil {
		host = bare
	}
	return strings.ToLower(host)
}

// finishFlow is the provider.Hooks success callback: it maps the provider
// result to a subject and completes the flow per the stored response type.
func (i *Issuer) finishFlow(w http.ResponseWriter, r *http.Request, result provider.Result) {
	request, err := i.loadFlow(r)
	if err != nil {
		i.failFlow(w, r, err)
		return
	}

	ref, err := i.cfg.Success(r.Context(), result)
	if err != nil {
		logger.Warnw("success callback rejected provider result",
			"provider", result.Provider, "error", err)
		redirectError(w, r, request, "access_denied", "authentication was not accepted")
		return
	}
	sub, err := subject.New(i.cfg.Subjects, ref.Type, ref.ID, ref.Properties)
	if err != nil {
		logger.Warnw("subject validation failed", "type", ref.Type, "error", err)
		redirectError(w, r, request, "server_error", "subject validation failed")
		return
	}

	switch request.ResponseType {
	case "token":
		pair, err := i.tokens.Mint(r.Context(), token.MintRequest{
			ClientID: request.ClientID,
			Subject:  sub,
			Scopes:   request.Scopes,
		})
		if err != nil {
			logger.Errorw("failed to mint tokens", "error", err)
			redirectError(w, r, request, "server_error", "failed to mint tokens")
			return
		}
		i.clearFlow(w, r)

		fragment := url.Values{
			"access_token":  {pair.AccessToken},
			"refresh_token": {pair.RefreshToken},
			"token_type":    {"Bearer"},
			"expires_in":    {strconv.FormatInt(pair.ExpiresIn, 10)},
		}
		if request.State != "" {
			fragment.Set("state", request.State)
		}
		http.Redirect(w, r, request.RedirectURI+"#"+fragment.Encode(), http.StatusFound)

	default: // code
		code, err := randomCode()
		if err != nil {
			logger.Errorw("failed to generate authorization code", "error", err)
			redirectError(w, r, request, "server_error", "failed to generate code")
			return
		}
		record := codeRecord{
			SubjectType:         sub.Type,
			SubjectID:           sub.ID,
			Properties:          sub.Properties,
			ClientID:            request.ClientID,
			RedirectURI:         request.RedirectURI,
			Scopes:              request.Scopes,
			HasScope:            request.HasScope,
			CodeChallenge:       request.CodeChallenge,
			CodeChallengeMethod: request.CodeChallengeMethod,
		}
		if err := storage.SetJSON(r.Context(), i.cfg.Storage, []string{codePrefix, code}, record, codeTTL); err != nil {
			logger.Errorw("failed to persist authorization code", "error", err)
			redirectError(w, r, request, "server_error", "failed to persist code")
			return
		}
		i.clearFlow(w, r)

		target, _ := url.Parse(request.RedirectURI)
		query := target.Query()
		query.Set("code", code)
		if request.State != "" {
			query.Set("state", request.State)
		}
		target.RawQuery = query.Encode()
		http.Redirect(w, r, target.String(), http.StatusFound)
	}
}

// failFlow is the provider.Hooks error callback. When the flow is still
// known the error is relayed to the application; otherwise it renders in
// place.
func (i *Issuer) failFlow(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, provider.ErrUnknownState) {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	request, loadErr := i.loadFlow(r)
	if loadErr != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	logger.Warnw("authentication flow failed", "error", err)
	redirectError(w, r, request, "server_error", err.Error())
}

// codeRecord is the persisted authorization code payload.
type codeRecord struct {
	SubjectType         string   `json:"subjectType"`
	SubjectID           string   `json:"subjectID"`
	Properties          any      `json:"properties"`
	ClientID            string   `json:"clientID"`
	RedirectURI         string   `json:"redirectURI"`
	Scopes              []string `json:"scopes,omitempty"`
	HasScope            bool     `json:"hasScope,omitempty"`
	CodeChallenge       string   `json:"codeChallenge,omitempty"`
	CodeChallengeMethod string   `json:"codeChallengeMethod,omitempty"`
}

// randomCode produces a 256-bit URL-safe authorization code.
func randomCode() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// redirectError relays an OAuth error to the application's redirect URI,
// per RFC 6749 §4.1.2.1.
func redirectError(w http.ResponseWriter, r *http.Request, request *authRequest, code, description string) {
	target, err := url.Parse(request.RedirectURI)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, code, description)
		return
	}
	query := target.Query()
	query.Set("error", code)
	query.Set("error_description", description)
	if request.State != "" {
		query.Set("state", request.State)
	}
	target.RawQuery = query.Encode()
	http.Redirect(w, r, target.String(), http.StatusFound)
}
