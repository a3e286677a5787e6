package models

import "time"

// Well-known authorization scopes checked by the gateway.
const (
	ScopeFunctionsRead   = "functions:read"
	ScopeFunctionsWrite  = "functions:write"
	ScopeFunctionsDeploy = "functions:deploy"
)

// Principal is the authenticated identity attached to a request, derived
// from an API key or a bearer token.
type Principal struct {
	KeyID     string    `json:"keyId"`
	OwnerID   string    `json:"ownerId"`
	Scopes    []string  `json:"scopes,omitempty"`
	Active    bool      `json:"active"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// HasScope reports whether the principal carries the named scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Expired reports whether the principal's credential has a known expiry
// in the past.
func (p *Principal) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && p.ExpiresAt.Before(now)
}
