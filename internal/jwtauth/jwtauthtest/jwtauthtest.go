// Package jwtauthtest runs a throwaway OIDC issuer for tests: discovery
// document, JWKS and a signing key.
package jwtauthtest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
)

// KeyID is the kid of the issuer's signing key.
const KeyID = "test-key"

// Issuer is a mock authorization server.
type Issuer struct {
	URL     string
	JWKSURI string

	srv *httptest.Server
	key *rsa.PrivateKey
}

// NewIssuer starts an Issuer that is shut down when t ends.
func NewIssuer(t *testing.T) *Issuer {
	t.Helper()
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("gen key: %v", err)
	}
	set := struct {
		Keys []jose.JSONWebKey `json:"keys"`
	}{Keys: []jose.JSONWebKey{{Key: &pk.PublicKey, KeyID: KeyID, Algorithm: "RS256", Use: "sig"}}}
	keys, err := json.Marshal(set)
	if err != nil {
		t.Fatalf("marshal jwks: %v", err)
	}

	iss := &Issuer{key: pk}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/openid-configuration", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"issuer":                   iss.URL,
			"jwks_uri":                 iss.JWKSURI,
			"authorization_endpoint":   iss.URL + "/oauth2/auth",
			"token_endpoint":           iss.URL + "/oauth2/token",
			"response_types_supported": []string{"code"},
		})
	})
	mux.HandleFunc("/keys", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(keys)
	})
	iss.srv = httptest.NewServer(mux)
	iss.URL = iss.srv.URL
	iss.JWKSURI = iss.srv.URL + "/keys"
	t.Cleanup(iss.srv.Close)
	return iss
}

// Sign signs claims with the issuer key. An empty typ leaves the header unset.
func (i *Issuer) Sign(t *testing.T, typ string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = KeyID
	if typ != "" {
		tok.Header["typ"] = typ
	}
	s, err := tok.SignedString(i.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

// Token signs a one-hour at+jwt for sub with the given audience and scope.
func (i *Issuer) Token(t *testing.T, sub, aud, scope string) string {
	t.Helper()
	now := time.Now()
	return i.Sign(t, "at+jwt", jwt.MapClaims{
		"iss":   i.URL,
		"sub":   sub,
		"aud":   aud,
		"scope": scope,
		"iat":   now.Unix(),
		"exp":   now.Add(time.Hour).Unix(),
	})
}
