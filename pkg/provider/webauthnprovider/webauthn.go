// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package webauthnprovider implements passkey authentication. It issues a
// per-attempt challenge and verifies the authenticator's signed assertion
// against a caller-supplied ES256 public key, checking the relying-party
// hash, user-presence and user-verification flags, origin, and the
// crossOrigin marker.
package webauthnprovider

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/idkit/pkg/provider"
)

// ChallengeDigits is the length of the per-attempt challenge.
const ChallengeDigits = 32

const conversationTTL = 5 * time.Minute

// Authenticator flag bits, per the WebAuthn spec.
const (
	flagUserPresent  = 1 << 0
	flagUserVerified = 1 << 2
)

// authDataMinLen covers rpIdHash (32), flags (1), and signCount (4).
const authDataMinLen = 37

// PublicKeyLookup resolves a credential ID to the ES256 public key
// registered for it. Returning an error rejects the assertion.
type PublicKeyLookup func(ctx context.Context, credentialID string) (*ecdsa.PublicKey, error)

// Config configures the provider.
type Config struct {
	// RPID is the relying-party identifier the authenticator signed
	// over, typically the issuer's registrable domain. Required.
	RPID string

	// Origin is the exact web origin assertions must come from. Required.
	Origin string

	// LookupPublicKey resolves registered credentials. Required.
	LookupPublicKey PublicKeyLookup

	// SkipUserVerification accepts assertions carrying only the UP flag.
	// The zero value demands UV as well.
	SkipUserVerification bool
}

// Payload is delivered to the issuer success callback.
type Payload struct {
	CredentialID string
}

// Provider implements the passkey provider.
type Provider struct {
	cfg Config
}

// New creates a WebAuthn provider. User verification is required unless
// the config opts out.
func New(cfg Config) (*Provider, error) {
	if cfg.RPID == "" || cfg.Origin == "" {
		return nil, fmt.Errorf("relying-party ID and origin are required")
	}
	if cfg.LookupPublicKey == nil {
		return nil, fmt.Errorf("a public key lookup is required")
	}
	return &Provider{cfg: cfg}, nil
}

// Type implements provider.Provider.
func (*Provider) Type() string {
	return "webauthn"
}

// assertion is the JSON body of a verification request, fields base64url
// encoded as produced by the browser credential API.
type assertion struct {
	CredentialID      string `json:"credentialId"`
	AuthenticatorData string `json:"authenticatorData"`
	ClientDataJSON    string `json:"clientDataJSON"`
	Signature         string `json:"signature"`
}

// clientData is the subset of the client data we validate.
type clientData struct {
	Type        string `json:"type"`
	Challenge   string `json:"challenge"`
	Origin      string `json:"origin"`
	CrossOrigin *bool  `json:"crossOrigin"`
}

// Init implements provider.Provider.
func (p *Provider) Init(r chi.Router, ctx *provider.Context) error {
	r.Get("/challenge", func(w http.ResponseWriter, req *http.Request) {
		challenge, err := provider.RandomDigits(ChallengeDigits)
		if err != nil {
			ctx.Error(w, req, err)
			return
		}
		if err := ctx.Set(req, "webauthn", conversationTTL, challenge); err != nil {
			ctx.Error(w, req, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"challenge": challenge,
			"rpId":      p.cfg.RPID,
		})
	})

	r.Post("/verify", func(w http.ResponseWriter, req *http.Request) {
		challenge, ok, err := provider.Get[string](ctx, req, "webauthn")
		if err != nil {
			ctx.Error(w, req, err)
			return
		}
		if !ok {
			ctx.Error(w, req, provider.ErrUnknownState)
			return
		}

		var a assertion
		if err := json.NewDecoder(req.Body).Decode(&a); err != nil {
			ctx.Error(w, req, fmt.Errorf("malformed assertion: %w", err))
			return
		}

		publicKey, err := p.cfg.LookupPublicKey(req.Context(), a.CredentialID)
		if err != nil {
			ctx.Error(w, req, fmt.Errorf("unknown credential: %w", err))
			return
		}

		if err := p.verifyAssertion(&a, challenge, publicKey); err != nil {
			ctx.Error(w, req, fmt.Errorf("assertion rejected: %w", err))
			return
		}

		_ = ctx.Unset(req, "webauthn")
		ctx.Success(w, req, Payload{CredentialID: a.CredentialID})
	})

	return nil
}

// verifyAssertion performs the WebAuthn assertion checks against the
// stored challenge and the credential's public key.
func (p *Provider) verifyAssertion(a *assertion, challenge string, publicKey *ecdsa.PublicKey) error {
	clientDataRaw, err := base64.RawURLEncoding.DecodeString(a.ClientDataJSON)
	if err != nil {
		return fmt.Errorf("bad clientDataJSON encoding: %w", err)
	}
	authData, err := base64.RawURLEncoding.DecodeString(a.AuthenticatorData)
	if err != nil {
		return fmt.Errorf("bad authenticatorData encoding: %w", err)
	}
	signature, err := base64.RawURLEncoding.DecodeString(a.Signature)
	if err != nil {
		return fmt.Errorf("bad signature encoding: %w", err)
	}

	var cd clientData
	if err := json.Unmarshal(clientDataRaw, &cd); err != nil {
		return fmt.Errorf("bad clientDataJSON: %w", err)
	}
	if cd.Type != "webauthn.get" {
		return fmt.Errorf("unexpected ceremony type %q", cd.Type)
	}
	// The browser encodes the challenge bytes as base64url.
	expected := base64.RawURLEncoding.EncodeToString([]byte(challenge))
	if subtle.ConstantTimeCompare([]byte(cd.Challenge), []byte(expected)) != 1 {
		return fmt.Errorf("challenge mismatch")
	}
	if cd.Origin != p.cfg.Origin {
		return fmt.Errorf("origin %q not allowed", cd.Origin)
	}
	if cd.CrossOrigin != nil && *cd.CrossOrigin {
		return fmt.Errorf("cross-origin assertions are not allowed")
	}

	if len(authData) < authDataMinLen {
		return fmt.Errorf("authenticator data too short")
	}
	rpIDHash := sha256.Sum256([]byte(p.cfg.RPID))
	if subtle.ConstantTimeCompare(authData[:32], rpIDHash[:]) != 1 {
		return fmt.Errorf("relying-party ID mismatch")
	}
	flags := authData[32]
	if flags&flagUserPresent == 0 {
		return fmt.Errorf("user-presence flag not set")
	}
	if !p.cfg.SkipUserVerification && flags&flagUserVerified == 0 {
		return fmt.Errorf("user-verification flag not set")
	}

	// The authenticator signs authData || SHA-256(clientDataJSON).
	clientDataHash := sha256.Sum256(clientDataRaw)
	signed := sha256.Sum256(append(authData, clientDataHash[:]...))
	if !ecdsa.VerifyASN1(publicKey, signed[:], signature) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

// Compile-time interface compliance check.
var _ provider.Provider = (*Provider)(nil)
