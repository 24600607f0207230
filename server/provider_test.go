package server

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// fakeProvider stands in for the identity provider: it publishes a JWKS
// document for its signing key and serves configurable token and userinfo
// endpoints under the fixed /v1 paths.
type fakeProvider struct {
	key          *rsa.PrivateKey
	kid          string
	srv          *httptest.Server
	jwksRequests atomic.Int32

	tokenHandler    func(w http.ResponseWriter, r *http.Request)
	userinfoHandler func(w http.ResponseWriter, r *http.Request)
	extraKeys       func() []jose.JSONWebKey
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	f := &fakeProvider{key: key, kid: "test-key-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/keys", func(w http.ResponseWriter, r *http.Request) {
		f.jwksRequests.Add(1)
		keys := []jose.JSONWebKey{{
			Key:       &f.key.PublicKey,
			KeyID:     f.kid,
			Algorithm: "RS256",
			Use:       "sig",
		}}
		if f.extraKeys != nil {
			keys = append(keys, f.extraKeys()...)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: keys})
	})
	mux.HandleFunc("POST /v1/token", func(w http.ResponseWriter, r *http.Request) {
		if f.tokenHandler == nil {
			http.Error(w, `{"error":"unsupported_grant_type"}`, http.StatusBadRequest)
			return
		}
		f.tokenHandler(w, r)
	})
	mux.HandleFunc("GET /v1/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if f.userinfoHandler == nil {
			http.Error(w, "not configured", http.StatusNotFound)
			return
		}
		f.userinfoHandler(w, r)
	})

	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeProvider) issuer() string {
	return f.srv.URL
}

// signIDToken produces an RS256 ID token with the given claims and kid.
func (f *fakeProvider) signIDToken(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// idClaims returns a claim set that passes validation against testConfig.
func (f *fakeProvider) idClaims(nonce string, groups []string) jwt.MapClaims {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":                "00u-subject-1",
		"iss":                f.issuer(),
		"aud":                "test-client",
		"exp":                now.Add(time.Hour).Unix(),
		"iat":                now.Unix(),
		"nonce":              nonce,
		"email":              "jamie@example.com",
		"name":               "Jamie Example",
		"preferred_username": "jamie",
	}
	if groups != nil {
		claims["groups"] = groups
	}
	return claims
}

// serveTokens installs a token handler returning a fixed successful grant.
func (f *fakeProvider) serveTokens(idToken, refreshToken string, expiresIn int64) {
	f.tokenHandler = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]any{
			"access_token": "access-token-1",
			"token_type":   "Bearer",
			"expires_in":   expiresIn,
			"id_token":     idToken,
		}
		if refreshToken != "" {
			resp["refresh_token"] = refreshToken
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func testConfig(f *fakeProvider) Config {
	cfg := DefaultConfig()
	cfg.Provider.IssuerURL = f.issuer()
	cfg.Provider.ClientID = "test-client"
	cfg.Provider.ClientSecret = "test-secret"
	cfg.Provider.RedirectURI = "http://127.0.0.1/auth/callback"
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
