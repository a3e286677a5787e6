package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
)

// challenge is sent with every 401 so clients know how to authenticate.
const challenge = `Bearer realm="cascadefn", charset="UTF-8"`

// publicPaths pass through the auth gate without credentials.
var publicPaths = map[string]bool{
	"/":           true,
	"/health":     true,
	"/api/status": true,
}

// Middleware enforces API key or bearer auth for all non-public routes.
// X-API-Key wins when both credentials are present.
func Middleware(service *Service, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if publicPaths[r.URL.Path] || service == nil || !service.Enabled() {
				next.ServeHTTP(w, r)
				return
			}

			if key := strings.TrimSpace(r.Header.Get("X-API-Key")); key != "" {
				principal, err := service.ValidateAPIKey(key)
				if err != nil {
					logger.Warn("api key rejected", "path", r.URL.Path, "error", err)
					writeUnauthorized(w, "invalid api key")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
				return
			}

			if token := extractBearer(r.Header.Get("Authorization")); token != "" {
				principal, err := service.ValidateToken(token)
				if err != nil {
					logger.Warn("token rejected", "path", r.URL.Path, "error", err)
					writeUnauthorized(w, "invalid token")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
				return
			}

			writeUnauthorized(w, "missing credentials")
		})
	}
}

// RequireScope rejects authenticated principals lacking the named scope
// with 403. Missing principals still get 401.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := PrincipalFromContext(r.Context())
			if !ok {
				writeUnauthorized(w, "missing credentials")
				return
			}
			if !principal.HasScope(scope) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusForbidden)
				json.NewEncoder(w).Encode(map[string]string{
					"error":   "forbidden",
					"message": "missing required scope " + scope,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", challenge)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   "unauthorized",
		"message": message,
	})
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}
	lower := strings.ToLower(strings.TrimSpace(header))
	if !strings.HasPrefix(lower, "bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimSpace(header)[len("bearer "):])
}
