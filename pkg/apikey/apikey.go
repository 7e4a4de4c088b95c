// Package apikey extracts the API secret a client presented with a
// request. All HTTP-shaped ingress surfaces accept the same three forms.
package apikey

import (
	"net/http"
	"strings"
)

// FromAuthHeader parses an Authorization header value. Only the Bearer
// scheme is accepted, case-insensitively.
func FromAuthHeader(authHeader string) string {
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return ""
}

// FromRequest extracts the secret from a request, checking the
// Authorization header first, then X-API-Key, then the api_key query
// parameter. Returns "" when none is present.
func FromRequest(r *http.Request) string {
	if secret := FromAuthHeader(r.Header.Get("Authorization")); secret != "" {
		return secret
	}
	if secret := r.Header.Get("X-API-Key"); secret != "" {
		return secret
	}
	return r.URL.Query().Get("api_key")
}
