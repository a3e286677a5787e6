package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/cascadefn/cascadefn/pkg/models"
)

// TokenService signs and verifies bearer tokens.
type TokenService struct {
	secret []byte
	expiry time.Duration

	// issuance collapses concurrent Issue calls for the same principal
	// so callers racing for a token all receive the same one.
	issuance singleflight.Group
	cacheMu  sync.RWMutex
	cache    map[string]cachedToken
}

type cachedToken struct {
	token   string
	expires time.Time
}

// Claims are the token claims carried for a principal.
type Claims struct {
	OwnerID string   `json:"ownerId,omitempty"`
	Scopes  []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// NewTokenService builds a token helper with the given secret and expiry.
func NewTokenService(secret string, expiry time.Duration) *TokenService {
	return &TokenService{
		secret: []byte(secret),
		expiry: expiry,
		cache:  make(map[string]cachedToken),
	}
}

// Issue returns a signed token for the principal, reusing a cached
// token while it has at least a minute of life left. Concurrent calls
// for the same key id are deduplicated.
func (s *TokenService) Issue(principal *models.Principal) (string, error) {
	if s == nil || len(s.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if principal == nil || strings.TrimSpace(principal.KeyID) == "" {
		return "", errors.New("principal key id required")
	}

	keyID := principal.KeyID
	s.cacheMu.RLock()
	cached, ok := s.cache[keyID]
	s.cacheMu.RUnlock()
	if ok && time.Until(cached.expires) > time.Minute {
		return cached.token, nil
	}

	token, err, _ := s.issuance.Do(keyID, func() (interface{}, error) {
		s.cacheMu.RLock()
		cached, ok := s.cache[keyID]
		s.cacheMu.RUnlock()
		if ok && time.Until(cached.expires) > time.Minute {
			return cached.token, nil
		}

		signed, expires, err := s.sign(principal)
		if err != nil {
			return "", err
		}
		s.cacheMu.Lock()
		s.cache[keyID] = cachedToken{token: signed, expires: expires}
		s.cacheMu.Unlock()
		return signed, nil
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

func (s *TokenService) sign(principal *models.Principal) (string, time.Time, error) {
	now := time.Now()
	expiry := s.expiry
	if expiry <= 0 {
		expiry = time.Hour
	}
	expires := now.Add(expiry)

	claims := Claims{
		OwnerID: principal.OwnerID,
		Scopes:  principal.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.KeyID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	return signed, expires, err
}

// Validate parses a token and returns the principal embedded in it.
// Expired tokens fail validation.
func (s *TokenService) Validate(token string) (*models.Principal, error) {
	if s == nil || len(s.secret) == 0 {
		return nil, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, ErrInvalidToken
	}

	principal := &models.Principal{
		KeyID:   claims.Subject,
		OwnerID: claims.OwnerID,
		Scopes:  claims.Scopes,
		Active:  true,
	}
	if claims.ExpiresAt != nil {
		principal.ExpiresAt = claims.ExpiresAt.Time
	}
	return principal, nil
}
