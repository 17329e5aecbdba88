// Package apikey mints and verifies API keys and enforces their
// per-key rate limits. Tokens are random, shown once at mint time, and
// stored only as a salted SHA-256 hash.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lorekeep-ai/lorekeep/internal/faults"
	"github.com/lorekeep-ai/lorekeep/internal/observability"
	"github.com/lorekeep-ai/lorekeep/internal/storage"
)

// Scopes grantable to a key. Admin implies every other scope.
const (
	ScopeRead    = "read"
	ScopeWrite   = "write"
	ScopeAdmin   = "admin"
	ScopeWebhook = "webhook"
)

const (
	tokenPrefix    = "eak_"
	tokenRandBytes = 24 // 32 chars base64url
	prefixLen      = 8  // lookup key, stored in the clear
	tokenMinLen    = 16
	tokenMaxLen    = 64
)

// Service manages the API key lifecycle.
type Service struct {
	repos            *storage.Repositories
	limiter          Limiter
	defaultRateLimit int
	log              *observability.Logger
}

func NewService(repos *storage.Repositories, limiter Limiter, defaultRateLimit int, log *observability.Logger) *Service {
	return &Service{
		repos:            repos,
		limiter:          limiter,
		defaultRateLimit: defaultRateLimit,
		log:              log.WithComponent("apikey"),
	}
}

// MintRequest describes a key to create.
type MintRequest struct {
	UserID    uuid.UUID
	Name      string
	Scopes    []string
	RateLimit int // requests/hour; 0 takes the configured default
	ExpiresAt *time.Time
}

// Mint creates a key and returns the record plus the full token. The
// token is not recoverable afterwards.
func (s *Service) Mint(ctx context.Context, req MintRequest) (*storage.APIKey, string, error) {
	if req.Name == "" {
		return nil, "", faults.New(faults.KindValidation, "key name is required")
	}
	if len(req.Scopes) == 0 {
		return nil, "", faults.New(faults.KindValidation, "at least one scope is required")
	}
	for _, scope := range req.Scopes {
		switch scope {
		case ScopeRead, ScopeWrite, ScopeAdmin, ScopeWebhook:
		default:
			return nil, "", faults.Newf(faults.KindValidation, "unknown scope %q", scope)
		}
	}
	if req.RateLimit < 0 {
		return nil, "", faults.New(faults.KindValidation, "rate limit cannot be negative")
	}
	if req.ExpiresAt != nil && req.ExpiresAt.Before(time.Now()) {
		return nil, "", faults.New(faults.KindValidation, "expiry is in the past")
	}

	raw := make([]byte, tokenRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", faults.Wrap(faults.KindInternal, err, "generate token")
	}
	token := tokenPrefix + base64.RawURLEncoding.EncodeToString(raw)

	saltBytes := make([]byte, 16)
	if _, err := rand.Read(saltBytes); err != nil {
		return nil, "", faults.Wrap(faults.KindInternal, err, "generate salt")
	}
	salt := hex.EncodeToString(saltBytes)

	rateLimit := req.RateLimit
	if rateLimit == 0 {
		rateLimit = s.defaultRateLimit
	}

	key := &storage.APIKey{
		UserID:    req.UserID,
		Name:      req.Name,
		Prefix:    token[:len(tokenPrefix)+prefixLen],
		Salt:      salt,
		TokenHash: hashToken(salt, token),
		Scopes:    strings.Join(req.Scopes, ","),
		RateLimit: rateLimit,
		IsActive:  true,
		ExpiresAt: req.ExpiresAt,
	}
	if err := s.repos.APIKeys.Create(ctx, key); err != nil {
		return nil, "", faults.Wrap(faults.KindDatabaseError, err, "create api key")
	}
	s.log.Info().Str("key_id", key.ID.String()).Str("prefix", key.Prefix).Msg("api key minted")
	return key, token, nil
}

// Verify authenticates a presented token. Expired and revoked keys
// fail the same way as unknown ones.
func (s *Service) Verify(ctx context.Context, token string) (*storage.APIKey, error) {
	if !strings.HasPrefix(token, tokenPrefix) {
		return nil, faults.New(faults.KindInvalidCredential, "invalid API key")
	}
	body := token[len(tokenPrefix):]
	if len(body) < tokenMinLen || len(body) > tokenMaxLen {
		return nil, faults.New(faults.KindInvalidCredential, "invalid API key")
	}

	candidates, err := s.repos.APIKeys.FindActiveByPrefix(ctx, token[:len(tokenPrefix)+prefixLen])
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabaseError, err, "look up api key")
	}
	now := time.Now().UTC()
	for _, key := range candidates {
		sum := hashToken(key.Salt, token)
		if subtle.ConstantTimeCompare([]byte(sum), []byte(key.TokenHash)) != 1 {
			continue
		}
		if key.ExpiresAt != nil && key.ExpiresAt.Before(now) {
			return nil, faults.New(faults.KindInvalidCredential, "API key has expired")
		}
		if err := s.repos.APIKeys.TouchUsage(ctx, key.ID, now); err != nil {
			s.log.Warn().Err(err).Str("key_id", key.ID.String()).Msg("touch api key usage")
		}
		return key, nil
	}
	return nil, faults.New(faults.KindInvalidCredential, "invalid API key")
}

// RequireScope checks a verified key for a scope grant.
func (s *Service) RequireScope(key *storage.APIKey, scope string) error {
	if HasScope(key, scope) {
		return nil
	}
	return faults.Newf(faults.KindPermissionDenied, "API key lacks the %s scope", scope)
}

// HasScope reports whether the key carries the scope. Admin keys pass
// every check.
func HasScope(key *storage.APIKey, scope string) bool {
	for _, granted := range strings.Split(key.Scopes, ",") {
		granted = strings.TrimSpace(granted)
		if granted == scope || granted == ScopeAdmin {
			return true
		}
	}
	return false
}

// CheckRate consumes one request from the key's sliding window and
// returns the decision for the response headers.
func (s *Service) CheckRate(ctx context.Context, key *storage.APIKey) (Decision, error) {
	limit := key.RateLimit
	if limit <= 0 {
		limit = s.defaultRateLimit
	}
	decision, err := s.limiter.Allow(ctx, "key:"+key.ID.String(), limit)
	if err != nil {
		// A broken limiter backend must not take the API down.
		s.log.Warn().Err(err).Str("key_id", key.ID.String()).Msg("rate limiter unavailable")
		return Decision{Allowed: true, Limit: limit, Remaining: limit, Reset: time.Now().Add(rateWindow)}, nil
	}
	if !decision.Allowed {
		return decision, faults.New(faults.KindRateLimited, "rate limit exceeded")
	}
	return decision, nil
}

// List returns a user's keys.
func (s *Service) List(ctx context.Context, userID uuid.UUID) ([]*storage.APIKey, error) {
	keys, err := s.repos.APIKeys.ListByUser(ctx, userID)
	if err != nil {
		return nil, faults.Wrap(faults.KindDatabaseError, err, "list api keys")
	}
	return keys, nil
}

// Revoke deactivates a key owned by the actor. Admins can revoke any
// key.
func (s *Service) Revoke(ctx context.Context, actor *storage.User, keyID uuid.UUID) error {
	key, err := s.repos.APIKeys.GetByID(ctx, keyID)
	if err != nil {
		if err == storage.ErrNotFound {
			return faults.New(faults.KindNotFound, "API key not found")
		}
		return faults.Wrap(faults.KindDatabaseError, err, "load api key")
	}
	if key.UserID != actor.ID && !actor.IsAdmin {
		return faults.New(faults.KindPermissionDenied, "cannot revoke another user's key")
	}
	if err := s.repos.APIKeys.Revoke(ctx, keyID); err != nil {
		return faults.Wrap(faults.KindDatabaseError, err, "revoke api key")
	}
	s.log.Info().Str("key_id", keyID.String()).Msg("api key revoked")
	return nil
}

func hashToken(salt, token string) string {
	sum := sha256.Sum256([]byte(salt + token))
	return hex.EncodeToString(sum[:])
}
