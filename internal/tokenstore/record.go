// Package tokenstore persists one encrypted token record per profile.
package tokenstore

import (
	"time"
)

// ExpirySkew is the safety margin applied when checking token expiry: a
// token is treated as expired this long before its literal expires_at, so
// refresh happens before Graph starts rejecting it mid-call.
const ExpirySkew = 60 * time.Second

// Record holds the tokens and metadata for one profile. Exactly one
// record exists per profile at a time; it is overwritten on refresh and
// deleted on disconnect.
type Record struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes"`
	// Account identifies the signed-in account (email or UPN).
	Account string `json:"account,omitempty"`
}

// Expired reports whether the access token is within the expiry safety
// margin at the given instant.
func (r *Record) Expired(now time.Time) bool {
	if r.ExpiresAt.IsZero() {
		return true
	}
	return !now.Before(r.ExpiresAt.Add(-ExpirySkew))
}

// HasScope reports whether the record carries a scope.
func (r *Record) HasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
