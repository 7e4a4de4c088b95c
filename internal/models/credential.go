package models

import (
	"time"
)

// ScopeWrite is required to submit notifications through any adapter.
const ScopeWrite = "notifications:write"

// Credential is an opaque bearer API key. Only the bcrypt hash of the
// secret is retained; the plaintext exists exactly once, in the issuance
// response.
type Credential struct {
	ID         string     `json:"id"`
	SecretHash string     `json:"-"`
	Name       string     `json:"name"`
	Scopes     []string   `json:"scopes"`
	Active     bool       `json:"active"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

// Expired reports whether the credential is past its expiry at the given
// instant. Credentials without ExpiresAt never expire.
func (c *Credential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// HasScope reports whether the credential carries the named scope.
func (c *Credential) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}
