package auth

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cascadefn/cascadefn/pkg/models"
)

func testConfig() Config {
	return Config{
		JWTSecret:   "test-secret",
		TokenExpiry: time.Hour,
		APIKeys: []APIKeyConfig{
			{Key: "sk-valid", KeyID: "key-1", OwnerID: "alice", Active: true,
				Scopes: []string{models.ScopeFunctionsRead, models.ScopeFunctionsWrite}},
			{Key: "sk-revoked", KeyID: "key-2", OwnerID: "bob", Active: false},
			{Key: "sk-expired", KeyID: "key-3", OwnerID: "carol", Active: true,
				ExpiresAt: time.Now().Add(-time.Hour)},
		},
	}
}

func TestValidateAPIKey(t *testing.T) {
	s := NewService(testConfig())

	principal, err := s.ValidateAPIKey("sk-valid")
	if err != nil {
		t.Fatalf("ValidateAPIKey failed: %v", err)
	}
	if principal.KeyID != "key-1" || principal.OwnerID != "alice" {
		t.Errorf("principal: %+v", principal)
	}
	if !principal.HasScope(models.ScopeFunctionsWrite) {
		t.Error("missing scope")
	}
}

func TestValidateAPIKeyTrimsWhitespace(t *testing.T) {
	s := NewService(testConfig())
	if _, err := s.ValidateAPIKey("  sk-valid  "); err != nil {
		t.Errorf("trimmed key rejected: %v", err)
	}
}

func TestValidateAPIKeyUnknown(t *testing.T) {
	s := NewService(testConfig())
	if _, err := s.ValidateAPIKey("sk-nope"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestValidateAPIKeyRevoked(t *testing.T) {
	s := NewService(testConfig())
	if _, err := s.ValidateAPIKey("sk-revoked"); !errors.Is(err, ErrKeyRevoked) {
		t.Errorf("expected ErrKeyRevoked, got %v", err)
	}
}

func TestValidateAPIKeyExpired(t *testing.T) {
	s := NewService(testConfig())
	if _, err := s.ValidateAPIKey("sk-expired"); !errors.Is(err, ErrKeyExpired) {
		t.Errorf("expected ErrKeyExpired, got %v", err)
	}
}

func TestRevokeKey(t *testing.T) {
	s := NewService(testConfig())
	s.Keys().Revoke("key-1")
	if _, err := s.ValidateAPIKey("sk-valid"); !errors.Is(err, ErrKeyRevoked) {
		t.Errorf("expected ErrKeyRevoked after revoke, got %v", err)
	}
}

func TestKeyIDDerivedFromHash(t *testing.T) {
	store := NewKeyStore([]APIKeyConfig{{Key: "sk-anon", Active: true}})
	principal, err := store.Validate("sk-anon")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if principal.KeyID == "" {
		t.Error("expected derived key id")
	}
}

func TestTokenRoundTrip(t *testing.T) {
	s := NewService(testConfig())
	original := &models.Principal{
		KeyID: "key-1", OwnerID: "alice",
		Scopes: []string{models.ScopeFunctionsRead},
	}

	token, err := s.Tokens().Issue(original)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}

	principal, err := s.ValidateToken(token)
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if principal.KeyID != "key-1" || principal.OwnerID != "alice" {
		t.Errorf("principal: %+v", principal)
	}
	if !principal.HasScope(models.ScopeFunctionsRead) {
		t.Error("scope lost in round trip")
	}
}

func TestValidateGarbageToken(t *testing.T) {
	s := NewService(testConfig())
	if _, err := s.ValidateToken("not.a.jwt"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestValidateExpiredToken(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour)

	// Mint a token whose expiry is already an hour in the past.
	past := time.Now().Add(-time.Hour)
	claims := Claims{
		OwnerID: "alice",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "key-1",
			IssuedAt:  jwt.NewNumericDate(past.Add(-time.Hour)),
			ExpiresAt: jwt.NewNumericDate(past),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("signing failed: %v", err)
	}

	if _, err := svc.Validate(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken for expired token, got %v", err)
	}
}

func TestValidateTokenWrongSecret(t *testing.T) {
	issuer := NewTokenService("secret-a", time.Hour)
	verifier := NewTokenService("secret-b", time.Hour)

	token, err := issuer.Issue(&models.Principal{KeyID: "key-1"})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if _, err := verifier.Validate(token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got %v", err)
	}
}

func TestConcurrentIssueReturnsIdenticalToken(t *testing.T) {
	svc := NewTokenService("test-secret", time.Hour)
	principal := &models.Principal{KeyID: "key-1", OwnerID: "alice"}

	const workers = 50
	tokens := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			token, err := svc.Issue(principal)
			if err != nil {
				t.Errorf("Issue failed: %v", err)
				return
			}
			tokens[i] = token
		}(i)
	}
	wg.Wait()

	for i := 1; i < workers; i++ {
		if tokens[i] != tokens[0] {
			t.Fatalf("token %d differs from token 0", i)
		}
	}
}

func TestDisabledService(t *testing.T) {
	s := NewService(Config{})
	if s.Enabled() {
		t.Error("empty config should be disabled")
	}
	if _, err := s.ValidateToken("x"); !errors.Is(err, ErrAuthDisabled) {
		t.Errorf("expected ErrAuthDisabled, got %v", err)
	}
}
