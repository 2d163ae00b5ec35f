package wellknown

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestHandler(t *testing.T) {
	md := NewProtectedResourceMetadata("http://localhost:8000/", []string{"https://issuer.example"})
	rec := httptest.NewRecorder()
	Handler(md).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, ProtectedResourcePath, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200 got %d", rec.Code)
	}
	var got ProtectedResourceMetadata
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := ProtectedResourceMetadata{
		Resource:               "http://localhost:8000/mcp",
		AuthorizationServers:   []string{"https://issuer.example"},
		ScopesSupported:        []string{"read", "write", "profile"},
		BearerMethodsSupported: []string{"header"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
	}
	if MetadataURL("http://localhost:8000/") != "http://localhost:8000"+ProtectedResourcePath {
		t.Fatalf("unexpected metadata url %q", MetadataURL("http://localhost:8000/"))
	}

	rec = httptest.NewRecorder()
	Handler(md).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, ProtectedResourcePath, nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("want 405 got %d", rec.Code)
	}
}

func TestEmptyAuthorizationServersEncodeAsArray(t *testing.T) {
	b, _ := json.Marshal(NewProtectedResourceMetadata("http://x", nil))
	var got map[string]any
	_ = json.Unmarshal(b, &got)
	if _, ok := got["authorization_servers"].([]any); !ok {
		t.Fatalf("want authorization_servers array got %v", got["authorization_servers"])
	}
}
