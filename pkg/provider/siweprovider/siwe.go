// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package siweprovider implements Sign-In-With-Ethereum (EIP-4361). The
// provider issues a nonce, the wallet signs the structured message, and a
// caller-supplied verifier checks the signature against the claimed
// address, keeping this package free of chain-specific cryptography.
package siweprovider

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/stacklok/idkit/pkg/provider"
)

const conversationTTL = 5 * time.Minute

// SignatureVerifier checks that signature over message was produced by
// the holder of address, e.g. through an Ethereum RPC node for contract
// wallets or local secp256k1 recovery for EOAs.
type SignatureVerifier interface {
	Verify(ctx context.Context, message, signature []byte, address string) (bool, error)
}

// Config configures the provider.
type Config struct {
	// Domain is the RFC 4501 authority the message must name. Required.
	Domain string

	// URI is the resource the message must reference. Required.
	URI string

	// Verifier checks wallet signatures. Required.
	Verifier SignatureVerifier
}

// Payload is delivered to the issuer success callback.
type Payload struct {
	Address string
	ChainID string
}

// Provider implements the SIWE provider.
type Provider struct {
	cfg Config
}

// New creates a SIWE provider.
func New(cfg Config) (*Provider, error) {
	if cfg.Domain == "" || cfg.URI == "" {
		return nil, fmt.Errorf("domain and URI are required")
	}
	if cfg.Verifier == nil {
		return nil, fmt.Errorf("a signature verifier is required")
	}
	return &Provider{cfg: cfg}, nil
}

// Type implements provider.Provider.
func (*Provider) Type() string {
	return "siwe"
}

// message is a parsed EIP-4361 message.
type message struct {
	Domain  string
	Address string
	URI     string
	Version string
	ChainID string
	Nonce   string
}

// parseMessage extracts the fields we validate from an EIP-4361 message.
// The statement and any advanced fields are ignored.
func parseMessage(raw string) (*message, error) {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	if len(lines) < 2 {
		return nil, fmt.Errorf("message too short")
	}

	const preamble = " wants you to sign in with your Ethereum account:"
	domain, found := strings.CutSuffix(lines[0], preamble)
	if !found || domain == "" {
		return nil, fmt.Errorf("malformed preamble")
	}

	m := &message{Domain: domain, Address: lines[1]}
	if !strings.HasPrefix(m.Address, "0x") || len(m.Address) != 42 {
		return nil, fmt.Errorf("malformed address %q", m.Address)
	}

	for _, line := range lines[2:] {
		if value, ok := strings.CutPrefix(line, "URI: "); ok {
			m.URI = value
		} else if value, ok := strings.CutPrefix(line, "Version: "); ok {
			m.Version = value
		} else if value, ok := strings.CutPrefix(line, "Chain ID: "); ok {
			m.ChainID = value
		} else if value, ok := strings.CutPrefix(line, "Nonce: "); ok {
			m.Nonce = value
		}
	}

	if m.URI == "" || m.Version == "" || m.Nonce == "" {
		return nil, fmt.Errorf("missing required fields")
	}
	return m, nil
}

// Init implements provider.Provider.
func (p *Provider) Init(r chi.Router, ctx *provider.Context) error {
	r.Get("/challenge", func(w http.ResponseWriter, req *http.Request) {
		nonce := strings.ReplaceAll(uuid.NewString(), "-", "")
		if err := ctx.Set(req, "siwe", conversationTTL, nonce); err != nil {
			ctx.Error(w, req, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"nonce": nonce})
	})

	r.Post("/verify", func(w http.ResponseWriter, req *http.Request) {
		nonce, ok, err := provider.Get[string](ctx, req, "siwe")
		if err != nil {
			ctx.Error(w, req, err)
			return
		}
		if !ok {
			ctx.Error(w, req, provider.ErrUnknownState)
			return
		}

		var body struct {
			Message   string `json:"message"`
			Signature string `json:"signature"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			ctx.Error(w, req, fmt.Errorf("malformed request: %w", err))
			return
		}

		m, err := parseMessage(body.Message)
		if err != nil {
			ctx.Error(w, req, fmt.Errorf("invalid message: %w", err))
			return
		}
		if m.Domain != p.cfg.Domain {
			ctx.Error(w, req, fmt.Errorf("domain %q not allowed", m.Domain))
			return
		}
		if !sameResource(m.URI, p.cfg.URI) {
			ctx.Error(w, req, fmt.Errorf("URI %q not allowed", m.URI))
			return
		}
		if m.Version != "1" {
			ctx.Error(w, req, fmt.Errorf("unsupported message version %q", m.Version))
			return
		}
		if subtle.ConstantTimeCompare([]byte(m.Nonce), []byte(nonce)) != 1 {
			ctx.Error(w, req, fmt.Errorf("nonce mismatch"))
			return
		}

		signature, err := hex.DecodeString(strings.TrimPrefix(body.Signature, "0x"))
		if err != nil {
			ctx.Error(w, req, fmt.Errorf("malformed signature: %w", err))
			return
		}
		valid, err := p.cfg.Verifier.Verify(req.Context(), []byte(body.Message), signature, m.Address)
		if err != nil {
			ctx.Error(w, req, fmt.Errorf("signature verification failed: %w", err))
			return
		}
		if !valid {
			ctx.Error(w, req, fmt.Errorf("signature does not match address"))
			return
		}

		_ = ctx.Unset(req, "siwe")
		ctx.Success(w, req, Payload{Address: m.Address, ChainID: m.ChainID})
	})

	return nil
}

// sameResource compares two URIs ignoring trailing slashes.
func sameResource(a, b string) bool {
	ua, err1 := url.Parse(a)
	ub, err2 := url.Parse(b)
	if err1 != nil || err2 != nil {
		return false
	}
	ua.Path = strings.TrimSuffix(ua.Path, "/")
	ub.Path = strings.TrimSuffix(ub.Path, "/")
	return ua.String() == ub.String()
}

// Compile-time interface compliance check.
var _ provider.Provider = (*Provider)(nil)
