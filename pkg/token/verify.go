// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package token

import (
	"context"
	"fmt"

	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/stacklok/idkit/pkg/subject"
)

// VerifyResult is the decoded identity carried by a valid access token.
type VerifyResult struct {
	Subject subject.Subject

	// ClientID is the audience the token was minted for.
	ClientID string

	// Scopes the token was narrowed to; nil when the token carries no
	// scopes claim.
	Scopes []string
}

// VerifyOption configures Verify.
type VerifyOption func(*verifyConfig)

type verifyConfig struct {
	audience string
}

// WithAudience requires the token's aud claim to contain clientID.
func WithAudience(clientID string) VerifyOption {
	return func(c *verifyConfig) { c.audience = clientID }
}

// Verify checks an access token's signature and claims against the
// issuer's current key set and re-validates the embedded subject against
// the schema registry. Every failure surfaces as ErrInvalidAccessToken.
func (s *Service) Verify(ctx context.Context, raw string, opts ...VerifyOption) (*VerifyResult, error) {
	var cfg verifyConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	set, err := s.keys.VerificationSet(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load verification keys: %w", err)
	}

	parseOpts := []jwt.ParseOption{
		jwt.WithKeySet(set),
		jwt.WithIssuer(s.issuer),
	}
	if cfg.audience != "" {
		parseOpts = append(parseOpts, jwt.WithAudience(cfg.audience))
	}

	parsed, err := jwt.ParseString(raw, parseOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}

	var mode string
	if err := parsed.Get("mode", &mode); err != nil || mode != "access" {
		return nil, fmt.Errorf("%w: not an access token", ErrInvalidAccessToken)
	}

	sub, ok := parsed.Subject()
	if !ok || sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidAccessToken)
	}
	_, id, err := subject.SplitKey(sub)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed subject", ErrInvalidAccessToken)
	}

	var typ string
	if err := parsed.Get("type", &typ); err != nil || typ == "" {
		return nil, fmt.Errorf("%w: missing type claim", ErrInvalidAccessToken)
	}

	var properties any
	if err := parsed.Get("properties", &properties); err != nil {
		return nil, fmt.Errorf("%w: missing properties claim", ErrInvalidAccessToken)
	}
	normalized, err := s.schemas.Validate(typ, properties)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAccessToken, err)
	}

	audiences, ok := parsed.Audience()
	if !ok || len(audiences) == 0 {
		return nil, fmt.Errorf("%w: missing audience", ErrInvalidAccessToken)
	}

	result := &VerifyResult{
		Subject:  subject.Subject{Type: typ, ID: id, Properties: normalized},
		ClientID: audiences[0],
	}

	var rawScopes []any
	if err := parsed.Get("scopes", &rawScopes); err == nil {
		result.Scopes = []string{}
		for _, v := range rawScopes {
			if s, ok := v.(string); ok {
				result.Scopes = append(result.Scopes, s)
			}
		}
	}
	return result, nil
}
