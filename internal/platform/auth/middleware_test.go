package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
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
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("failed to sign test token: %v", err)
	}
	return tokenStr
}

func validClaims(sub string, roles ...string) Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(1 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		Roles: roles,
	}
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %d error, got nil", code)
	}
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T", err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d", code, httpErr.Code)
	}
}

func TestJWTMiddleware_MissingHeader(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(handler)
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestJWTMiddleware_InvalidFormat(t *testing.T) {
	tests := []struct {
		name   string
		header string
	}{
		{"no bearer prefix", "Token abc123"},
		{"missing token", "Bearer"},
		{"empty value", "Bearer "},
		{"basic auth", "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", tt.header)
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			handler := func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			}

			h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(handler)
			expectStatus(t, h(c), http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_ClaimsExtraction(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("reviewer-456", RoleReviewer, RoleBilling), testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var handlerCalled bool
	handler := func(c echo.Context) error {
		handlerCalled = true
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "reviewer-456" {
			t.Errorf("expected user_id=reviewer-456, got %s", uid)
		}
		roles := RolesFromContext(ctx)
		if len(roles) != 2 || roles[0] != RoleReviewer || roles[1] != RoleBilling {
			t.Errorf("expected roles=[reviewer billing], got %v", roles)
		}
		return c.String(http.StatusOK, "ok")
	}

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(handler)
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !handlerCalled {
		t.Error("handler was not called")
	}
}

func TestJWTMiddleware_ExpiredToken(t *testing.T) {
	claims := validClaims("user-123")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-1 * time.Hour))
	tokenStr := createTestToken(t, claims, testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error { return nil })
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestJWTMiddleware_WrongKey(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("user-123"), []byte("some-other-key"))

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error { return nil })
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestJWTMiddleware_MissingSubject(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("", RoleReviewer), testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	h := JWTMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error { return nil })
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestJWTMiddleware_IssuerAudience(t *testing.T) {
	claims := validClaims("user-1", RoleCoder)
	claims.Issuer = "https://issuer.example"
	claims.Audience = jwt.ClaimStrings{"chargecapture"}
	tokenStr := createTestToken(t, claims, testSigningKey)

	tests := []struct {
		name string
		cfg  JWTConfig
		ok   bool
	}{
		{"matching", JWTConfig{SigningKey: testSigningKey, Issuer: "https://issuer.example", Audience: "chargecapture"}, true},
		{"wrong issuer", JWTConfig{SigningKey: testSigningKey, Issuer: "https://other.example"}, false},
		{"wrong audience", JWTConfig{SigningKey: testSigningKey, Audience: "billing-api"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+tokenStr)
			c := e.NewContext(req, httptest.NewRecorder())

			err := JWTMiddleware(tt.cfg)(func(c echo.Context) error { return nil })(c)
			if tt.ok && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !tt.ok {
				expectStatus(t, err, http.StatusUnauthorized)
			}
		})
	}
}

func TestJWTMiddleware_JWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	jwks := JWKSResponse{Keys: []JWKSKey{{
		Kty: "RSA",
		Kid: "k1",
		Alg: "RS256",
		N:   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(jwks)
	}))
	defer srv.Close()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims("billing-7", RoleBilling))
	token.Header["kid"] = "k1"
	tokenStr, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	var uid string
	h := JWTMiddleware(JWTConfig{JWKSURL: srv.URL})(func(c echo.Context) error {
		uid = UserIDFromContext(c.Request().Context())
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != "billing-7" {
		t.Errorf("expected billing-7, got %q", uid)
	}
}

func TestDevAuthMiddleware_NoToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := func(c echo.Context) error {
		ctx := c.Request().Context()
		if uid := UserIDFromContext(ctx); uid != "dev-user" {
			t.Errorf("expected user_id=dev-user, got %s", uid)
		}
		roles := RolesFromContext(ctx)
		if len(roles) != 1 || roles[0] != RoleAdmin {
			t.Errorf("expected roles=[admin], got %v", roles)
		}
		return c.String(http.StatusOK, "ok")
	}

	if err := DevAuthMiddleware(JWTConfig{SigningKey: testSigningKey})(handler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestDevAuthMiddleware_ValidatesProvidedToken(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	c := e.NewContext(req, httptest.NewRecorder())

	h := DevAuthMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error { return nil })
	expectStatus(t, h(c), http.StatusUnauthorized)
}

func TestDevAuthMiddleware_UsesTokenIdentity(t *testing.T) {
	tokenStr := createTestToken(t, validClaims("coder-9", RoleCoder), testSigningKey)

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	c := e.NewContext(req, httptest.NewRecorder())

	var uid string
	h := DevAuthMiddleware(JWTConfig{SigningKey: testSigningKey})(func(c echo.Context) error {
		uid = UserIDFromContext(c.Request().Context())
		return nil
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if uid != "coder-9" {
		t.Errorf("expected coder-9, got %q", uid)
	}
}
