package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cascadefn/cascadefn/pkg/models"
)

func protectedHandler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := PrincipalFromContext(r.Context()); !ok && r.URL.Path != "/health" {
			t.Errorf("handler reached without principal on %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareRejectsMissingCredentials(t *testing.T) {
	s := NewService(testConfig())
	handler := Middleware(s, nil)(protectedHandler(t))

	req := httptest.NewRequest(http.MethodGet, "/api/functions/foo", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: %d", rec.Code)
	}
	if rec.Header().Get("WWW-Authenticate") == "" {
		t.Error("missing WWW-Authenticate header")
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if body["error"] == "" {
		t.Error("missing error field in body")
	}
}

func TestMiddlewareAcceptsAPIKey(t *testing.T) {
	s := NewService(testConfig())
	handler := Middleware(s, nil)(protectedHandler(t))

	req := httptest.NewRequest(http.MethodGet, "/api/functions/foo", nil)
	req.Header.Set("X-API-Key", "sk-valid")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestMiddlewareAcceptsBearerToken(t *testing.T) {
	s := NewService(testConfig())
	token, err := s.Tokens().Issue(&models.Principal{KeyID: "key-1", OwnerID: "alice"})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	handler := Middleware(s, nil)(protectedHandler(t))

	req := httptest.NewRequest(http.MethodGet, "/api/functions/foo", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestMiddlewarePrefersAPIKeyOverBearer(t *testing.T) {
	s := NewService(testConfig())
	var seen *models.Principal
	handler := Middleware(s, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = PrincipalFromContext(r.Context())
	}))

	// Valid API key alongside a garbage bearer token: the key wins.
	req := httptest.NewRequest(http.MethodGet, "/api/functions/foo", nil)
	req.Header.Set("X-API-Key", "sk-valid")
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if seen == nil || seen.KeyID != "key-1" {
		t.Errorf("expected api key principal, got %+v", seen)
	}
}

func TestMiddlewareRejectsExpiredKey(t *testing.T) {
	s := NewService(testConfig())
	handler := Middleware(s, nil)(protectedHandler(t))

	req := httptest.NewRequest(http.MethodGet, "/api/functions/foo", nil)
	req.Header.Set("X-API-Key", "sk-expired")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestMiddlewarePublicPaths(t *testing.T) {
	s := NewService(testConfig())
	handler := Middleware(s, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, path := range []string{"/", "/health", "/api/status"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("public path %s got %d", path, rec.Code)
		}
	}
}

func TestMiddlewareCaseInsensitiveScheme(t *testing.T) {
	s := NewService(testConfig())
	token, err := s.Tokens().Issue(&models.Principal{KeyID: "key-1"})
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	handler := Middleware(s, nil)(protectedHandler(t))

	req := httptest.NewRequest(http.MethodGet, "/api/functions/foo", nil)
	req.Header.Set("Authorization", "  BEARER  "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestRequireScopeForbidden(t *testing.T) {
	s := NewService(testConfig())
	handler := Middleware(s, nil)(
		RequireScope(models.ScopeFunctionsDeploy)(protectedHandler(t)))

	// key-1 has read+write but not deploy.
	req := httptest.NewRequest(http.MethodPost, "/api/functions", nil)
	req.Header.Set("X-API-Key", "sk-valid")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestRequireScopeAllows(t *testing.T) {
	s := NewService(testConfig())
	handler := Middleware(s, nil)(
		RequireScope(models.ScopeFunctionsWrite)(protectedHandler(t)))

	req := httptest.NewRequest(http.MethodPost, "/api/functions", nil)
	req.Header.Set("X-API-Key", "sk-valid")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestRequireScopeWithoutPrincipal(t *testing.T) {
	handler := RequireScope(models.ScopeFunctionsRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/functions/foo", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestPrincipalExpiry(t *testing.T) {
	p := &models.Principal{KeyID: "k", ExpiresAt: time.Now().Add(-time.Minute)}
	if !p.Expired(time.Now()) {
		t.Error("expected expired")
	}
	fresh := &models.Principal{KeyID: "k"}
	if fresh.Expired(time.Now()) {
		t.Error("zero expiry should never expire")
	}
}
