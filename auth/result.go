package auth

import (
	"fmt"
	"net/http"
	"strings"
)

// AuthenticationChallenge describes an HTTP challenge (status + WWW-Authenticate header).
type AuthenticationChallenge struct {
	Status          int
	WWWAuthenticate string
}

// Write sets the challenge header and status on w.
func (c AuthenticationChallenge) Write(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", c.WWWAuthenticate)
	w.WriteHeader(c.Status)
}

// WithResourceMetadata points the challenge at the resource's RFC 9728
// metadata document.
func (c AuthenticationChallenge) WithResourceMetadata(url string) AuthenticationChallenge {
	if url != "" {
		c.WWWAuthenticate += fmt.Sprintf(`, resource_metadata=%q`, url)
	}
	return c
}

// NewAuthenticationRequired builds a challenge indicating credentials are required.
func NewAuthenticationRequired(realm string) AuthenticationChallenge {
	return AuthenticationChallenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q`, realm),
	}
}

// NewInvalidTokenChallenge builds a challenge indicating the token is invalid.
func NewInvalidTokenChallenge(realm string, description string) AuthenticationChallenge {
	return AuthenticationChallenge{
		Status:          http.StatusUnauthorized,
		WWWAuthenticate: fmt.Sprintf(`Bearer realm=%q, error="invalid_token", error_description=%q`, realm, description),
	}
}

// BearerToken extracts the token from an "Authorization: Bearer" header. ok
// is false when the header is absent; a present but malformed header yields
// ok true and an empty token.
func BearerToken(r *http.Request) (tok string, ok bool) {
	h := r.Header.Get("Authorization")
	if h == "" {
		return "", false
	}
	scheme, rest, found := strings.Cut(h, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", true
	}
	return strings.TrimSpace(rest), true
}
