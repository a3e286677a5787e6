// Package auth validates API keys and bearer tokens and attaches the
// resulting principal to the request context.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cascadefn/cascadefn/pkg/models"
)

var (
	ErrAuthDisabled       = errors.New("auth disabled")
	ErrInvalidToken       = errors.New("invalid token")
	ErrInvalidKey         = errors.New("invalid api key")
	ErrMissingCredentials = errors.New("missing credentials")
	ErrKeyRevoked         = errors.New("api key revoked")
	ErrKeyExpired         = errors.New("api key expired")
)

// Config configures the auth service.
type Config struct {
	JWTSecret   string
	TokenExpiry time.Duration
	APIKeys     []APIKeyConfig
}

// APIKeyConfig declares a static API key and the principal it maps to.
type APIKeyConfig struct {
	Key       string
	KeyID     string
	OwnerID   string
	Scopes    []string
	Active    bool
	ExpiresAt time.Time
}

// KeyStore holds API keys in memory. Keys can be revoked at runtime.
type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]*models.Principal
}

// NewKeyStore builds a key store from static configuration. Empty keys
// are skipped; a missing key id is derived from the key hash.
func NewKeyStore(entries []APIKeyConfig) *KeyStore {
	s := &KeyStore{keys: make(map[string]*models.Principal)}
	for _, entry := range entries {
		key := strings.TrimSpace(entry.Key)
		if key == "" {
			continue
		}
		keyID := strings.TrimSpace(entry.KeyID)
		if keyID == "" {
			sum := sha256.Sum256([]byte(key))
			keyID = "key_" + hex.EncodeToString(sum[:8])
		}
		s.keys[key] = &models.Principal{
			KeyID:     keyID,
			OwnerID:   strings.TrimSpace(entry.OwnerID),
			Scopes:    entry.Scopes,
			Active:    entry.Active,
			ExpiresAt: entry.ExpiresAt,
		}
	}
	return s
}

// Validate resolves an API key to its principal. Key comparison is
// constant-time so lookups do not leak which keys exist.
func (s *KeyStore) Validate(key string) (*models.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	input := strings.TrimSpace(key)
	var matched *models.Principal
	for stored, principal := range s.keys {
		if subtle.ConstantTimeCompare([]byte(input), []byte(stored)) == 1 {
			matched = principal
		}
	}
	if matched == nil {
		return nil, ErrInvalidKey
	}
	if !matched.Active {
		return nil, ErrKeyRevoked
	}
	if matched.Expired(time.Now()) {
		return nil, ErrKeyExpired
	}
	out := *matched
	return &out, nil
}

// Revoke deactivates the key with keyID. Unknown ids are a no-op.
func (s *KeyStore) Revoke(keyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, principal := range s.keys {
		if principal.KeyID == keyID {
			principal.Active = false
		}
	}
}

// Service validates bearer tokens and API keys.
type Service struct {
	tokens *TokenService
	keys   *KeyStore
}

// NewService constructs an auth service from static configuration.
func NewService(cfg Config) *Service {
	s := &Service{keys: NewKeyStore(cfg.APIKeys)}
	if strings.TrimSpace(cfg.JWTSecret) != "" {
		s.tokens = NewTokenService(cfg.JWTSecret, cfg.TokenExpiry)
	}
	return s
}

// Enabled reports whether auth checks should run.
func (s *Service) Enabled() bool {
	return s != nil && (s.tokens != nil || (s.keys != nil && len(s.keys.keys) > 0))
}

// Keys exposes the underlying key store.
func (s *Service) Keys() *KeyStore { return s.keys }

// Tokens exposes the token service, or nil when no secret is set.
func (s *Service) Tokens() *TokenService { return s.tokens }

// ValidateAPIKey resolves an API key to its principal.
func (s *Service) ValidateAPIKey(key string) (*models.Principal, error) {
	if s == nil || s.keys == nil {
		return nil, ErrAuthDisabled
	}
	return s.keys.Validate(key)
}

// ValidateToken parses and validates a bearer token.
func (s *Service) ValidateToken(token string) (*models.Principal, error) {
	if s == nil || s.tokens == nil {
		return nil, ErrAuthDisabled
	}
	return s.tokens.Validate(token)
}
