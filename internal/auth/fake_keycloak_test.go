package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"keycloak-portal/internal/conf"
	"keycloak-portal/internal/data"
	"keycloak-portal/internal/platform"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testRealm    = "test"
	testClientID = "portal"
	testKeyID    = "k1"
)

// fakeKeycloak serves the realm endpoints the portal talks to.
type fakeKeycloak struct {
	t      *testing.T
	srv    *httptest.Server
	key    *rsa.PrivateKey
	issuer string

	mu            sync.Mutex
	nonce         string
	challenge     string
	validRefresh  string
	accessToken   string
	accessTTL     time.Duration
	refreshCalls  int
	discoveryFail int
	accountStatus int
	accountBody   string
	updated       map[string]any
}

func newFakeKeycloak(t *testing.T) *fakeKeycloak {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	f := &fakeKeycloak{t: t, key: key, accessTTL: 5 * time.Minute}
	mux := http.NewServeMux()
	base := "/realms/" + testRealm
	mux.HandleFunc(base+"/.well-known/openid-configuration", f.discovery)
	mux.HandleFunc(base+"/protocol/openid-connect/certs", f.jwks)
	mux.HandleFunc(base+"/protocol/openid-connect/token", f.token)
	mux.HandleFunc(base+"/account", f.account)

	f.srv = httptest.NewServer(mux)
	f.issuer = f.srv.URL + base
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeKeycloak) config() *conf.Keycloak {
	return &conf.Keycloak{
		URL:               f.srv.URL,
		Realm:             testRealm,
		ClientID:          testClientID,
		Scopes:            []string{"openid", "profile", "email"},
		MinValidity:       5 * time.Second,
		DiscoveryAttempts: 1,
	}
}

func (f *fakeKeycloak) client(t *testing.T) *KeycloakClient {
	t.Helper()
	c, err := NewKeycloakClient(context.Background(), f.config(), "http://localhost:4000/auth/callback", slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return c
}

func (f *fakeKeycloak) discovery(w http.ResponseWriter, _ *http.Request) {
	f.mu.Lock()
	fail := f.discoveryFail > 0
	if fail {
		f.discoveryFail--
	}
	f.mu.Unlock()
	if fail {
		http.Error(w, "starting", http.StatusServiceUnavailable)
		return
	}
	writeTestJSON(w, http.StatusOK, map[string]any{
		"issuer":                                f.issuer,
		"authorization_endpoint":                f.issuer + "/protocol/openid-connect/auth",
		"token_endpoint":                        f.issuer + "/protocol/openid-connect/token",
		"jwks_uri":                              f.issuer + "/protocol/openid-connect/certs",
		"end_session_endpoint":                  f.issuer + "/protocol/openid-connect/logout",
		"id_token_signing_alg_values_supported": []string{"RS256"},
		"code_challenge_methods_supported":      []string{"S256"},
	})
}

func (f *fakeKeycloak) jwks(w http.ResponseWriter, _ *http.Request) {
	pub := f.key.PublicKey
	writeTestJSON(w, http.StatusOK, map[string]any{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": testKeyID,
			"use": "sig",
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func (f *fakeKeycloak) sign(claims jwt.MapClaims) string {
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKeyID
	s, err := tok.SignedString(f.key)
	require.NoError(f.t, err)
	return s
}

// idToken issues an ID token for the test client.
func (f *fakeKeycloak) idToken(nonce string) string {
	now := time.Now()
	return f.sign(jwt.MapClaims{
		"iss":                f.issuer,
		"aud":                testClientID,
		"sub":                "user-1",
		"iat":                now.Unix(),
		"exp":                now.Add(time.Hour).Unix(),
		"nonce":              nonce,
		"email":              "alice@example.com",
		"name":               "Alice Liddell",
		"preferred_username": "alice",
	})
}

func (f *fakeKeycloak) newAccessToken() string {
	now := time.Now()
	return f.sign(jwt.MapClaims{
		"iss":                f.issuer,
		"sub":                "user-1",
		"exp":                now.Add(f.accessTTL).Unix(),
		"preferred_username": "alice",
		"realm_access":       map[string]any{"roles": []string{"user", "offline_access"}},
		"resource_access": map[string]any{
			"account":    map[string]any{"roles": []string{"manage-account"}},
			testClientID: map[string]any{"roles": []string{"Admin"}},
		},
	})
}

func (f *fakeKeycloak) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		sum := sha256.Sum256([]byte(r.PostForm.Get("code_verifier")))
		if r.PostForm.Get("code") != "good-code" || base64.RawURLEncoding.EncodeToString(sum[:]) != f.challenge {
			writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
	case "refresh_token":
		f.refreshCalls++
		if f.validRefresh == "" || r.PostForm.Get("refresh_token") != f.validRefresh {
			writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_grant"})
			return
		}
	default:
		writeTestJSON(w, http.StatusBadRequest, map[string]string{"error": "unsupported_grant_type"})
		return
	}

	f.accessToken = f.newAccessToken()
	f.validRefresh = "refresh-" + f.accessToken[len(f.accessToken)-8:]
	writeTestJSON(w, http.StatusOK, map[string]any{
		"access_token":  f.accessToken,
		"token_type":    "Bearer",
		"expires_in":    int(f.accessTTL.Seconds()),
		"refresh_token": f.validRefresh,
		"id_token":      f.idToken(f.nonce),
	})
}

func (f *fakeKeycloak) account(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.accountStatus != 0 {
		w.WriteHeader(f.accountStatus)
		io.WriteString(w, f.accountBody)
		return
	}
	if r.Header.Get("Authorization") != "Bearer "+f.accessToken {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeTestJSON(w, http.StatusOK, map[string]any{
			"id":            "user-1",
			"username":      "alice",
			"firstName":     "Alice",
			"lastName":      "Liddell",
			"email":         "alice@example.com",
			"emailVerified": true,
			"attributes":    map[string][]string{"phone": {"+1 555 0100"}},
		})
	case http.MethodPost:
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.updated = body
		w.WriteHeader(http.StatusNoContent)
	}
}

func (f *fakeKeycloak) refreshes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshCalls
}

func writeTestJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// browserSession returns a browser boundary backed by an in-memory SQLite partition.
func browserSession(t *testing.T, id string) platform.Boundary {
	t.Helper()
	store, err := data.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return platform.BrowserBoundary(id, store.Partition(id))
}
