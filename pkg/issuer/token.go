// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package issuer

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/stacklok/idkit/pkg/logger"
	"github.com/stacklok/idkit/pkg/provider"
	"github.com/stacklok/idkit/pkg/scopes"
	"github.com/stacklok/idkit/pkg/storage"
	"github.com/stacklok/idkit/pkg/subject"
	"github.com/stacklok/idkit/pkg/token"
)

// tokenResponse is the RFC 6749 §5.1 success body.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

// handleToken dispatches the grant types of POST /token.
func (i *Issuer) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		i.grantAuthorizationCode(w, r)
	case "refresh_token":
		i.grantRefreshToken(w, r)
	case "client_credentials":
		i.grantClientCredentials(w, r)
	default:
		writeJSONError(w, http.StatusBadRequest, "unsupported_grant_type",
			"grant_type must be authorization_code, refresh_token, or client_credentials")
	}
}

// codeConsumer is implemented by adapters that can make delete-on-read
// atomic; others fall back to a get-then-remove that is best-effort
// single-use.
type codeConsumer interface {
	GetDel(ctx context.Context, key []string) ([]byte, bool, error)
}

// consumeCode fetches and deletes an authorization code record.
func (i *Issuer) consumeCode(ctx context.Context, code string) (*codeRecord, bool, error) {
	key := []string{codePrefix, code}

	if consumer, ok := i.cfg.Storage.(codeConsumer); ok {
		data, found, err := consumer.GetDel(ctx, key)
		if err != nil || !found {
			return nil, false, err
		}
		var record codeRecord
		if err := json.Unmarshal(data, &record); err != nil {
			return nil, false, err
		}
		return &record, true, nil
	}

	record, found, err := storage.GetJSON[codeRecord](ctx, i.cfg.Storage, key)
	if err != nil || !found {
		return nil, false, err
	}
	if err := i.cfg.Storage.Remove(ctx, key); err != nil {
		return nil, false, err
	}
	return &record, true, nil
}

func (i *Issuer) grantAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	code := r.PostForm.Get("code")
	if code == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "code is required")
		return
	}

	record, ok, err := i.consumeCode(r.Context(), code)
	if err != nil {
		logger.Errorw("failed to consume authorization code", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to read code")
		return
	}
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "authorization code is invalid or expired")
		return
	}

	if r.PostForm.Get("client_id") != record.ClientID {
		writeJSONError(w, http.StatusBadRequest, "invalid_client", "client_id does not match the authorization")
		return
	}
	if r.PostForm.Get("redirect_uri") != record.RedirectURI {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "redirect_uri does not match the authorization")
		return
	}
	if record.CodeChallenge != "" {
		verifier := r.PostForm.Get("code_verifier")
		if verifier == "" {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "code_verifier is required")
			return
		}
		if !verifyPKCE(verifier, record.CodeChallenge, record.CodeChallengeMethod) {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "code_verifier does not match the challenge")
			return
		}
	}

	granted := grantedScopes(r, record.Scopes, record.HasScope)
	pair, err := i.tokens.Mint(r.Context(), token.MintRequest{
		ClientID: record.ClientID,
		Subject: subject.Subject{
			Type:       record.SubjectType,
			ID:         record.SubjectID,
			Properties: record.Properties,
		},
		Scopes: granted,
	})
	if err != nil {
		logger.Errorw("failed to mint tokens", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to mint tokens")
		return
	}
	writeTokenResponse(w, pair, granted)
}

func (i *Issuer) grantRefreshToken(w http.ResponseWriter, r *http.Request) {
	refreshToken := r.PostForm.Get("refresh_token")
	if refreshToken == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "refresh_token is required")
		return
	}

	pair, err := i.tokens.Refresh(r.Context(), refreshToken)
	if err != nil {
		if errors.Is(err, token.ErrInvalidRefreshToken) {
			writeJSONError(w, http.StatusBadRequest, "invalid_grant", "refresh token is invalid")
			return
		}
		logger.Errorw("failed to rotate refresh token", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to rotate refresh token")
		return
	}
	writeTokenResponse(w, pair, nil)
}

func (i *Issuer) grantClientCredentials(w http.ResponseWriter, r *http.Request) {
	providerName := r.PostForm.Get("provider")
	p, ok := i.cfg.Providers[providerName]
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "provider is required")
		return
	}
	clientProvider, ok := p.(provider.ClientProvider)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "unauthorized_client",
			"provider does not support client credentials")
		return
	}

	clientID, clientSecret := r.PostForm.Get("client_id"), r.PostForm.Get("client_secret")
	if basicID, basicSecret, ok := r.BasicAuth(); ok {
		clientID, clientSecret = basicID, basicSecret
	}

	payload, err := clientProvider.Client(r.Context(), provider.ClientInput{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Params:       r.PostForm,
	})
	if err != nil {
		logger.Warnw("client credentials rejected", "provider", providerName, "error", err)
		w.Header().Set("WWW-Authenticate", `Basic realm="token"`)
		writeJSONError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}

	ref, err := i.cfg.Success(r.Context(), provider.Result{Provider: providerName, Payload: payload})
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "client is not mapped to a subject")
		return
	}
	sub, err := subject.New(i.cfg.Subjects, ref.Type, ref.ID, ref.Properties)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_grant", "subject validation failed")
		return
	}

	var granted []string
	if r.PostForm.Has("scope") {
		granted = scopes.Parse(r.PostForm.Get("scope"))
	}
	pair, err := i.tokens.Mint(r.Context(), token.MintRequest{
		ClientID: clientID,
		Subject:  sub,
		Scopes:   granted,
	})
	if err != nil {
		logger.Errorw("failed to mint tokens", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to mint tokens")
		return
	}
	writeTokenResponse(w, pair, granted)
}

// handleUserinfo resolves the bearer token to its subject properties.
func (i *Issuer) handleUserinfo(w http.ResponseWriter, r *http.Request) {
	auth := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || raw == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="userinfo"`)
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "a bearer access token is required")
		return
	}

	result, err := i.tokens.Verify(r.Context(), raw)
	if err != nil {
		w.Header().Set("WWW-Authenticate", `Bearer realm="userinfo", error="invalid_token"`)
		writeJSONError(w, http.StatusUnauthorized, "invalid_token", "access token is invalid")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sub":        result.Subject.Key(),
		"type":       result.Subject.Type,
		"properties": result.Subject.Properties,
	})
}

// grantedScopes narrows the token request's scope parameter against the
// scopes recorded at authorization time.
func grantedScopes(r *http.Request, authorized []string, hasAuthorized bool) []string {
	if !hasAuthorized {
		authorized = nil
	}
	if !r.PostForm.Has("scope") {
		return scopes.Narrow(nil, authorized)
	}
	requested := r.PostForm.Get("scope")
	return scopes.Narrow(&requested, authorized)
}

// verifyPKCE checks a code_verifier against the recorded challenge.
func verifyPKCE(verifier, challenge, method string) bool {
	var derived string
	switch method {
	case "S256":
		sum := sha256.Sum256([]byte(verifier))
		derived = base64.RawURLEncoding.EncodeToString(sum[:])
	case "plain", "":
		derived = verifier
	default:
		return false
	}
	return subtle.ConstantTimeCompare([]byte(derived), []byte(challenge)) == 1
}

func writeTokenResponse(w http.ResponseWriter, pair *token.Pair, granted []string) {
	response := tokenResponse{
		AccessToken:  pair.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: pair.RefreshToken,
		ExpiresIn:    pair.ExpiresIn,
		Scope:        strings.Join(granted, " "),
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	_ = json.NewEncoder(w).Encode(response)
}

// writeJSONError emits an RFC 6749 §5.2 error body.
func writeJSONError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             code,
		"error_description": description,
	})
}
