package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func createTestToken(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func claimsFor(sub string, ttl time.Duration, roles, scopes []string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Roles:  roles,
		Scopes: scopes,
	}
}

// runAuth passes one request through mw and reports the identity the
// handler saw, if it was reached.
func runAuth(mw echo.MiddlewareFunc, authorization string) (Identity, bool, error) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	c := echo.New().NewContext(req, httptest.NewRecorder())

	var (
		seen   Identity
		called bool
	)
	err := mw(func(c echo.Context) error {
		called = true
		seen = IdentityFromContext(c.Request().Context())
		return nil
	})(c)
	return seen, called, err
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	expired := createTestToken(t, claimsFor("user-123", -time.Hour, nil, nil), testSigningKey)
	foreign := createTestToken(t, claimsFor("user-123", time.Hour, nil, nil), []byte("some-other-key"))

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
		{"expired", "Bearer " + expired},
		{"wrong key", "Bearer " + foreign},
		{"garbage", "Bearer not.a.jwt"},
	}
	mw := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, called, err := runAuth(mw, tt.header)
			if called {
				t.Fatal("handler must not run")
			}
			httpErr, ok := err.(*echo.HTTPError)
			if !ok || httpErr.Code != http.StatusUnauthorized {
				t.Errorf("expected 401, got %v", err)
			}
		})
	}
}

func TestJWTMiddleware_ClaimsExtraction(t *testing.T) {
	token := createTestToken(t, claimsFor("user-456", time.Hour,
		[]string{"staff", "manager"},
		[]string{"hl7/LAB.ingest", "hl7/LAB.read"},
	), testSigningKey)

	id, called, err := runAuth(JWTMiddleware(JWTConfig{SigningKey: testSigningKey}), "bearer "+token)
	if err != nil || !called {
		t.Fatalf("expected success, called=%v err=%v", called, err)
	}
	if id.Subject != "user-456" {
		t.Errorf("subject = %q", id.Subject)
	}
	if len(id.Roles) != 2 || id.Roles[1] != "manager" {
		t.Errorf("roles = %v", id.Roles)
	}
	if len(id.Scopes) != 2 || id.Scopes[0] != "hl7/LAB.ingest" {
		t.Errorf("scopes = %v", id.Scopes)
	}
}

func TestJWTMiddleware_IssuerAndAudience(t *testing.T) {
	claims := claimsFor("u", time.Hour, nil, nil)
	claims.Issuer = "https://idp.example"
	claims.Audience = jwt.ClaimStrings{"hl7ingest"}
	token := "Bearer " + createTestToken(t, claims, testSigningKey)

	ok := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp.example", Audience: "hl7ingest"})
	if _, called, err := runAuth(ok, token); err != nil || !called {
		t.Errorf("matching issuer/audience rejected: %v", err)
	}
	wrong := JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Audience: "someone-else"})
	if _, called, _ := runAuth(wrong, token); called {
		t.Error("token for another audience was accepted")
	}
}

func TestDevAuthMiddleware(t *testing.T) {
	id, called, err := runAuth(DevAuthMiddleware(), "")
	if err != nil || !called {
		t.Fatalf("expected pass-through, called=%v err=%v", called, err)
	}
	if id.Subject != "dev-user" {
		t.Errorf("subject = %q, want dev-user", id.Subject)
	}
	if len(id.Roles) != 1 || id.Roles[0] != RoleAdmin {
		t.Errorf("roles = %v", id.Roles)
	}
	if len(id.Scopes) != 1 || id.Scopes[0] != "hl7/*.*" {
		t.Errorf("scopes = %v", id.Scopes)
	}

	// A caller that sends a token is left alone.
	id, _, _ = runAuth(DevAuthMiddleware(), "Bearer whatever")
	if id.Subject != "" {
		t.Errorf("expected no injected identity, got %+v", id)
	}
}

func TestWithIdentity(t *testing.T) {
	ctx := WithIdentity(context.Background(), "mllp:LAB", []string{RoleManager}, nil)
	if UserIDFromContext(ctx) != "mllp:LAB" {
		t.Errorf("unexpected user %q", UserIDFromContext(ctx))
	}
	if roles := RolesFromContext(ctx); len(roles) != 1 || roles[0] != RoleManager {
		t.Errorf("unexpected roles %v", roles)
	}
	if ScopesFromContext(ctx) != nil {
		t.Error("expected no scopes")
	}
	if id := IdentityFromContext(context.Background()); id.Subject != "" || id.Roles != nil {
		t.Error("expected zero identity on bare context")
	}
}
