// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package issuer

import (
	"encoding/json"
	"net/http"

	"github.com/stacklok/idkit/pkg/logger"
)

// metadata is the RFC 8414 / OIDC discovery document. Endpoint URLs carry
// the base path so clients behind the reverse proxy reach the right place.
type metadata struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	JWKsURI                           string   `json:"jwks_uri"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	CodeChallengeMethodsSupported     []string `json:"code_challenge_methods_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported  []string `json:"id_token_signing_alg_values_supported"`
}

func (i *Issuer) handleMetadata(w http.ResponseWriter, _ *http.Request) {
	doc := metadata{
		Issuer:                            i.cfg.Issuer,
		AuthorizationEndpoint:             i.baseURL + "/authorize",
		TokenEndpoint:                     i.baseURL + "/token",
		JWKsURI:                           i.baseURL + "/.well-known/jwks.json",
		UserinfoEndpoint:                  i.baseURL + "/userinfo",
		ResponseTypesSupported:            []string{"code", "token"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token", "client_credentials"},
		CodeChallengeMethodsSupported:     []string{"S256", "plain"},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_post", "client_secret_basic"},
		SubjectTypesSupported:             []string{"public"},
		IDTokenSigningAlgValuesSupported:  []string{"ES256"},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (i *Issuer) handleJWKS(w http.ResponseWriter, r *http.Request) {
	set, err := i.keys.VerificationSet(r.Context())
	if err != nil {
		logger.Errorw("failed to load verification keys", "error", err)
		writeJSONError(w, http.StatusInternalServerError, "server_error", "failed to load keys")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(set); err != nil {
		logger.Errorw("failed to encode JWKS", "error", err)
	}
}
