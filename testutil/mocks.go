package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// SetupCustomMock creates a custom mock HTTP server with a provided
// handler, for a test that needs to stand in for an external
// collaborator without depending on a real network service. No test in
// this module calls it.
func SetupCustomMock(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(handler)
}

// SetupOIDCDiscoveryMock serves a minimal OpenID Connect discovery
// document plus an empty JWKS endpoint. The server has no OIDC login
// path and no test in this module calls it.
func SetupOIDCDiscoveryMock(t *testing.T) *httptest.Server {
	t.Helper()
	var issuer string
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	issuer = server.URL

	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"issuer":                 issuer,
			"authorization_endpoint": issuer + "/authorize",
			"token_endpoint":         issuer + "/token",
			"jwks_uri":               issuer + "/keys",
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"keys": []any{}})
	})

	return server
}

// SetupEffectTargetMock stands in for an EFFECT node's external HTTP
// collaborator, answering with the given status and echoing back
// whatever JSON body it receives as {"received": <body>}. No test in
// this module calls it.
func SetupEffectTargetMock(t *testing.T, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body any
		_ = json.NewDecoder(r.Body).Decode(&body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]any{"received": body})
	}))
}
