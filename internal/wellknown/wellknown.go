// Package wellknown serves OAuth 2.0 protected resource metadata (RFC 9728).
package wellknown

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ProtectedResourcePath is where the metadata document is served.
const ProtectedResourcePath = "/.well-known/oauth-protected-resource"

// DefaultScopes are advertised when no others are configured.
var DefaultScopes = []string{"read", "write", "profile"}

type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// NewProtectedResourceMetadata describes the /mcp endpoint under baseURL.
func NewProtectedResourceMetadata(baseURL string, authorizationServers []string) ProtectedResourceMetadata {
	servers := append([]string{}, authorizationServers...)
	return ProtectedResourceMetadata{
		Resource:               strings.TrimSuffix(baseURL, "/") + "/mcp",
		AuthorizationServers:   servers,
		ScopesSupported:        append([]string(nil), DefaultScopes...),
		BearerMethodsSupported: []string{"header"},
	}
}

// MetadataURL is the absolute URL of the document for baseURL.
func MetadataURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + ProtectedResourcePath
}

// Handler serves md as JSON.
func Handler(md ProtectedResourceMetadata) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(md)
	})
}
