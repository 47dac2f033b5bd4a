package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// jwksServer publishes keys and counts fetches.
func jwksServer(t *testing.T, keys ...jose.JSONWebKey) (*httptest.Server, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: keys})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestJWKSCache_ResolvesRSAAndECKeys(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	srv, hits := jwksServer(t,
		jose.JSONWebKey{Key: &rsaKey.PublicKey, KeyID: "rsa-1", Use: "sig"},
		jose.JSONWebKey{Key: &ecKey.PublicKey, KeyID: "ec-1"},
		jose.JSONWebKey{Key: &rsaKey.PublicKey, KeyID: "enc-1", Use: "enc"},
	)
	cache := NewJWKSCache(srv.URL, time.Minute)
	ctx := context.Background()

	if k, err := cache.Key(ctx, "rsa-1"); err != nil {
		t.Fatalf("rsa-1: %v", err)
	} else if _, ok := k.(*rsa.PublicKey); !ok {
		t.Errorf("rsa-1 resolved to %T", k)
	}
	if k, err := cache.Key(ctx, "ec-1"); err != nil {
		t.Fatalf("ec-1: %v", err)
	} else if _, ok := k.(*ecdsa.PublicKey); !ok {
		t.Errorf("ec-1 resolved to %T", k)
	}
	if _, err := cache.Key(ctx, "enc-1"); err == nil {
		t.Error("encryption keys must not verify signatures")
	}
	if got := atomic.LoadInt32(hits); got != 1 {
		t.Errorf("expected one fetch, got %d", got)
	}
}

func TestJWKSCache_EndpointDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewJWKSCache(srv.URL, time.Minute).Key(context.Background(), "any"); err == nil {
		t.Error("expected error when the endpoint fails")
	}
}

func TestJWTMiddleware_RS256ViaJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	srv, _ := jwksServer(t, jose.JSONWebKey{Key: &key.PublicKey, KeyID: "k1", Use: "sig"})

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "svc-lab",
			Issuer:    "https://idp.example",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		Scopes: []string{"hl7/LAB.ingest"},
	})
	token.Header["kid"] = "k1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	c := e.NewContext(req, httptest.NewRecorder())

	var got Identity
	h := JWTMiddleware(JWTConfig{JWKSURL: srv.URL, Issuer: "https://idp.example"})(func(c echo.Context) error {
		got = IdentityFromContext(c.Request().Context())
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Subject != "svc-lab" || len(got.Scopes) != 1 {
		t.Errorf("unexpected identity: %+v", got)
	}
}

func TestJWTMiddleware_RejectsTokenWithoutExpiry(t *testing.T) {
	tokenStr := createTestToken(t, Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: "u"}}, testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	err := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(echo.Context) error { return nil })(c)
	if httpErr, ok := err.(*echo.HTTPError); !ok || httpErr.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
}
