// Package wellknown serves OAuth 2.0 Protected Resource Metadata (RFC 9728)
// for the CarePrep backend so clients can discover which authorization
// server issues the bearer tokens it accepts.
package wellknown

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ProtectedResourcePath is where the metadata document is served.
const ProtectedResourcePath = "/.well-known/oauth-protected-resource"

type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// Handler serves the metadata for the resource at the request's origin.
// The document is built per request so that a server bound to an
// ephemeral port advertises the address it was actually reached at.
func Handler(authServers []string, name string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		doc := ProtectedResourceMetadata{
			Resource:               Origin(r),
			AuthorizationServers:   authServers,
			BearerMethodsSupported: []string{"header"},
			ResourceName:           name,
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		if err := json.NewEncoder(w).Encode(doc); err != nil {
			http.Error(w, "failed to encode metadata", http.StatusInternalServerError)
		}
	})
}

// Origin returns scheme://host for r, honouring X-Forwarded-Proto.
func Origin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = strings.ToLower(strings.TrimSpace(strings.Split(p, ",")[0]))
	}
	return scheme + "://" + r.Host
}

// MetadataURL is the absolute metadata URL advertised in challenges.
func MetadataURL(r *http.Request) string {
	return Origin(r) + ProtectedResourcePath
}
