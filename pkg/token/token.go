// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package token mints and verifies the issuer's tokens.
//
// Access tokens are ES256-signed JWTs and carry the full subject, so
// verification needs only the issuer's public keys. Refresh tokens are
// opaque handles into storage; consuming one rotates it, and presenting a
// consumed token outside the reuse window tears down its entire descendant
// chain.
package token

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwt"

	"github.com/stacklok/idkit/pkg/keys"
	"github.com/stacklok/idkit/pkg/logger"
	"github.com/stacklok/idkit/pkg/storage"
	"github.com/stacklok/idkit/pkg/subject"
)

// Sentinel errors. Handlers map these onto the RFC 6749 error vocabulary.
var (
	// ErrInvalidRefreshToken covers malformed, unknown, expired, and
	// reused refresh tokens alike; callers translate it to invalid_grant
	// without distinguishing which, so probing reveals nothing.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	// ErrInvalidAccessToken is returned when an access JWT fails
	// signature, issuer, audience, expiry, or schema checks.
	ErrInvalidAccessToken = errors.New("invalid access token")
)

// Defaults applied by NewService when the corresponding option is absent.
const (
	DefaultAccessTTL     = 30 * time.Second
	DefaultRefreshTTL    = 30 * 24 * time.Hour
	DefaultReuseInterval = 60 * time.Second
	DefaultRetention     = 0 * time.Second
)

// refreshPrefix is the key family refresh records live under, followed by
// the composite subject and the refresh ID.
const refreshPrefix = "oauth:refresh"

// secretBytes sizes the random refresh secret (256 bits).
const secretBytes = 32

// Service mints and verifies tokens for one issuer URL.
type Service struct {
	issuer  string
	keys    *keys.Manager
	store   storage.Adapter
	schemas subject.Schemas

	accessTTL     time.Duration
	refreshTTL    time.Duration
	reuseInterval time.Duration
	retention     time.Duration
}

// Option configures a Service.
type Option func(*Service)

// WithAccessTTL sets the default access token lifetime.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Service) { s.accessTTL = d }
}

// WithRefreshTTL sets the refresh token lifetime.
func WithRefreshTTL(d time.Duration) Option {
	return func(s *Service) { s.refreshTTL = d }
}

// WithReuseInterval sets how long a consumed refresh token keeps replaying
// the pair it was exchanged for. Zero disables idempotent replay.
func WithReuseInterval(d time.Duration) Option {
	return func(s *Service) { s.reuseInterval = d }
}

// WithRetention sets how long consumed refresh tokens linger past the reuse
// window for chain-reuse detection.
func WithRetention(d time.Duration) Option {
	return func(s *Service) { s.retention = d }
}

// NewService creates a token service. issuerURL becomes the iss claim and
// must match what verifiers are configured with.
func NewService(issuerURL string, km *keys.Manager, store storage.Adapter, schemas subject.Schemas, opts ...Option) *Service {
	s := &Service{
		issuer:        issuerURL,
		keys:          km,
		store:         store,
		schemas:       schemas,
		accessTTL:     DefaultAccessTTL,
		refreshTTL:    DefaultRefreshTTL,
		reuseInterval: DefaultReuseInterval,
		retention:     DefaultRetention,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Pair is a freshly minted or replayed access/refresh pair.
type Pair struct {
	AccessToken  string
	RefreshToken string

	// ExpiresIn is the access token's remaining lifetime in seconds.
	ExpiresIn int64
}

// MintRequest describes the tokens to mint.
type MintRequest struct {
	ClientID string
	Subject  subject.Subject

	// Scopes the tokens are narrowed to. Nil means no scope restriction
	// was established and the scopes claim is omitted.
	Scopes []string

	// AccessTTL overrides the service default when positive.
	AccessTTL time.Duration
}

// refreshRecord is the persisted state behind one opaque refresh token.
type refreshRecord struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
	ClientID   string          `json:"clientID"`
	Secret     string          `json:"secret"`
	Scopes     []string        `json:"scopes,omitempty"`

	// Rotation state, set once the token is consumed. The next pair is
	// stored verbatim so replays within the reuse window return
	// byte-identical tokens.
	NextAccess  string     `json:"nextAccess,omitempty"`
	NextRefresh string     `json:"nextRefresh,omitempty"`
	NextExpiry  *time.Time `json:"nextExpiry,omitempty"`
	TimeUsed    *time.Time `json:"timeUsed,omitempty"`
}

// Mint creates a new access/refresh pair for the subject.
func (s *Service) Mint(ctx context.Context, req MintRequest) (*Pair, error) {
	access, expiry, err := s.mintAccess(ctx, req)
	if err != nil {
		return nil, err
	}
	refresh, err := s.mintRefresh(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    expiresIn(expiry),
	}, nil
}

// MintAccess creates a standalone access token with no refresh token
// behind it. The grant endpoints all mint full pairs via Mint; this is
// for embedders issuing short-lived credentials outside the rotation
// model.
func (s *Service) MintAccess(ctx context.Context, req MintRequest) (string, int64, error) {
	access, expiry, err := s.mintAccess(ctx, req)
	if err != nil {
		return "", 0, err
	}
	return access, expiresIn(expiry), nil
}

func (s *Service) mintAccess(ctx context.Context, req MintRequest) (string, time.Time, error) {
	key, err := s.keys.SigningKey(ctx)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to obtain signing key: %w", err)
	}

	ttl := s.accessTTL
	if req.AccessTTL > 0 {
		ttl = req.AccessTTL
	}

	now := time.Now()
	expiry := now.Add(ttl)
	builder := jwt.NewBuilder().
		Issuer(s.issuer).
		Subject(req.Subject.Key()).
		Audience([]string{req.ClientID}).
		IssuedAt(now).
		Expiration(expiry).
		Claim("mode", "access").
		Claim("type", req.Subject.Type).
		Claim("properties", req.Subject.Properties)
	if req.Scopes != nil {
		builder = builder.Claim("scopes", req.Scopes)
	}

	tok, err := builder.Build()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to build token: %w", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(key.Algorithm, key.Private))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	return string(signed), expiry, nil
}

func (s *Service) mintRefresh(ctx context.Context, req MintRequest) (string, error) {
	properties, err := json.Marshal(req.Subject.Properties)
	if err != nil {
		return "", fmt.Errorf("failed to marshal subject properties: %w", err)
	}

	secret := make([]byte, secretBytes)
	if _, err := rand.Read(secret); err != nil {
		return "", fmt.Errorf("failed to generate refresh secret: %w", err)
	}

	refreshID := uuid.NewString()
	record := refreshRecord{
		Type:       req.Subject.Type,
		Properties: properties,
		ClientID:   req.ClientID,
		Secret:     base64.RawURLEncoding.EncodeToString(secret),
		Scopes:     req.Scopes,
	}

	subjectKey := req.Subject.Key()
	key := []string{refreshPrefix, subjectKey, refreshID}
	if err := storage.SetJSON(ctx, s.store, key, record, s.refreshTTL); err != nil {
		return "", fmt.Errorf("failed to persist refresh token: %w", err)
	}

	return subjectKey + ":" + refreshID + ":" + record.Secret, nil
}

// parseRefresh splits an opaque refresh token into its parts. The subject
// key itself contains a colon, so the split anchors on the last two.
func parseRefresh(raw string) (subjectKey, refreshID, secret string, err error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 4 {
		return "", "", "", ErrInvalidRefreshToken
	}
	secret = parts[len(parts)-1]
	refreshID = parts[len(parts)-2]
	subjectKey = strings.Join(parts[:len(parts)-2], ":")
	if secret == "" || refreshID == "" {
		return "", "", "", ErrInvalidRefreshToken
	}
	if _, _, err := subject.SplitKey(subjectKey); err != nil {
		return "", "", "", ErrInvalidRefreshToken
	}
	return subjectKey, refreshID, secret, nil
}

// Refresh consumes a refresh token and returns the next pair.
//
// A token consumed within the reuse interval replays the pair it was
// rotated into. Outside that window a consumed token is treated as stolen:
// every descendant record is deleted and the caller gets
// ErrInvalidRefreshToken.
func (s *Service) Refresh(ctx context.Context, raw string) (*Pair, error) {
	subjectKey, refreshID, secret, err := parseRefresh(raw)
	if err != nil {
		return nil, err
	}

	key := []string{refreshPrefix, subjectKey, refreshID}
	record, ok, err := storage.GetJSON[refreshRecord](ctx, s.store, key)
	if err != nil {
		return nil, fmt.Errorf("failed to load refresh token: %w", err)
	}
	if !ok {
		return nil, ErrInvalidRefreshToken
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(record.Secret)) != 1 {
		return nil, ErrInvalidRefreshToken
	}

	if record.TimeUsed != nil {
		if time.Since(*record.TimeUsed) <= s.reuseInterval {
			// Idempotent replay: a retried exchange gets the exact
			// pair the first exchange produced.
			return &Pair{
				AccessToken:  record.NextAccess,
				RefreshToken: record.NextRefresh,
				ExpiresIn:    expiresIn(derefTime(record.NextExpiry)),
			}, nil
		}

		logger.Warnw("refresh token reuse detected, revoking chain",
			"subject", subjectKey, "refresh_id", refreshID)
		s.purgeChain(ctx, record.NextRefresh)
		if err := s.store.Remove(ctx, key); err != nil {
			logger.Errorw("failed to remove reused refresh token", "error", err)
		}
		return nil, ErrInvalidRefreshToken
	}

	typ, id, err := subject.SplitKey(subjectKey)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	var properties any
	if len(record.Properties) > 0 {
		if err := json.Unmarshal(record.Properties, &properties); err != nil {
			return nil, fmt.Errorf("failed to decode refresh token properties: %w", err)
		}
	}

	next, err := s.Mint(ctx, MintRequest{
		ClientID: record.ClientID,
		Subject:  subject.Subject{Type: typ, ID: id, Properties: properties},
		Scopes:   record.Scopes,
	})
	if err != nil {
		return nil, err
	}

	// Mark the current record consumed. It lingers for the reuse window
	// plus the retention period so replays and late reuse both resolve;
	// with both at zero it is dropped immediately.
	linger := s.reuseInterval + s.retention
	if linger <= 0 {
		if err := s.store.Remove(ctx, key); err != nil {
			return nil, fmt.Errorf("failed to remove consumed refresh token: %w", err)
		}
		return next, nil
	}

	now := time.Now()
	nextExpiry := now.Add(time.Duration(next.ExpiresIn) * time.Second)
	record.NextAccess = next.AccessToken
	record.NextRefresh = next.RefreshToken
	record.NextExpiry = &nextExpiry
	record.TimeUsed = &now
	if err := storage.SetJSON(ctx, s.store, key, record, linger); err != nil {
		return nil, fmt.Errorf("failed to mark refresh token consumed: %w", err)
	}
	return next, nil
}

// purgeChain deletes every refresh record reachable from the given opaque
// token. Errors are logged, not returned: revocation is best effort and
// the caller already rejects the request.
func (s *Service) purgeChain(ctx context.Context, raw string) {
	for raw != "" {
		subjectKey, refreshID, _, err := parseRefresh(raw)
		if err != nil {
			return
		}
		key := []string{refreshPrefix, subjectKey, refreshID}

		record, ok, err := storage.GetJSON[refreshRecord](ctx, s.store, key)
		if err != nil {
			logger.Errorw("failed to walk refresh chain", "error", err)
			return
		}
		if err := s.store.Remove(ctx, key); err != nil {
			logger.Errorw("failed to delete refresh chain node", "error", err)
			return
		}
		if !ok {
			return
		}
		raw = record.NextRefresh
	}
}

// Invalidate deletes every refresh token of the subject identified by its
// composite key (type:id). Outstanding access tokens remain valid until
// they expire; they are stateless by design.
func (s *Service) Invalidate(ctx context.Context, subjectKey string) error {
	var keysToRemove [][]string
	for entry, err := range s.store.Scan(ctx, []string{refreshPrefix, subjectKey}) {
		if err != nil {
			return fmt.Errorf("failed to scan refresh tokens: %w", err)
		}
		keysToRemove = append(keysToRemove, entry.Key)
	}
	for _, key := range keysToRemove {
		if err := s.store.Remove(ctx, key); err != nil {
			return fmt.Errorf("failed to remove refresh token: %w", err)
		}
	}
	return nil
}

func expiresIn(expiry time.Time) int64 {
	remaining := int64(time.Until(expiry).Seconds())
	if remaining < 0 {
		return 0
	}
	return remaining
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
