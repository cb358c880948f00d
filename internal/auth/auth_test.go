package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func newTestVerifier(t *testing.T) (*JWTVerifier, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return NewJWTVerifier(&key.PublicKey, "test-auth", "test-api"), key
}

func signToken(t *testing.T, key *ecdsa.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims(role string) jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "u1",
		"iss":   "test-auth",
		"aud":   "test-api",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"email": "u1@example.com",
		"role":  role,
	}
}

func TestVerify_Valid(t *testing.T) {
	v, key := newTestVerifier(t)
	id, err := v.Verify(signToken(t, key, validClaims("user")))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.UserID != "u1" || id.Email != "u1@example.com" {
		t.Errorf("identity = %+v", id)
	}
	if id.IsAdmin() {
		t.Error("plain user should not be admin")
	}
}

func TestVerify_Invalid(t *testing.T) {
	v, key := newTestVerifier(t)

	wrongIss := validClaims("user")
	wrongIss["iss"] = "someone-else"
	expired := validClaims("user")
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	for name, token := range map[string]string{
		"garbage":      "not-a-token",
		"wrong issuer": signToken(t, key, wrongIss),
		"expired":      signToken(t, key, expired),
	} {
		if _, err := v.Verify(token); err != ErrInvalidToken {
			t.Errorf("%s: want ErrInvalidToken, got %v", name, err)
		}
	}
}

func TestIsAdmin_CommaSeparatedRoles(t *testing.T) {
	tests := []struct {
		role string
		want bool
	}{
		{"admin", true},
		{"user,admin", true},
		{" admin , user", true},
		{"user", false},
		{"administrator", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := (Identity{Role: tt.role}).IsAdmin(); got != tt.want {
			t.Errorf("IsAdmin(%q) = %v, want %v", tt.role, got, tt.want)
		}
	}
}

func TestRequireAdmin(t *testing.T) {
	gin.SetMode(gin.TestMode)
	v, key := newTestVerifier(t)

	r := gin.New()
	r.GET("/x", RequireAdmin(v), func(c *gin.Context) {
		id, ok := IdentityFrom(c)
		if !ok {
			t.Error("identity missing from context")
		}
		c.JSON(http.StatusOK, gin.H{"user": id.UserID})
	})

	cases := []struct {
		name   string
		header string
		want   int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"bad token", "Bearer junk", http.StatusUnauthorized},
		{"non-admin", "Bearer " + signToken(t, key, validClaims("user")), http.StatusForbidden},
		{"admin", "Bearer " + signToken(t, key, validClaims("user,admin")), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Errorf("status = %d, want %d", w.Code, tc.want)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := BearerToken(req); got != "" {
		t.Errorf("missing header: got %q", got)
	}
	req.Header.Set("Authorization", "bearer abc123")
	if got := BearerToken(req); got != "abc123" {
		t.Errorf("case-insensitive bearer: got %q", got)
	}
	req.Header.Set("Authorization", "Basic abc123")
	if got := BearerToken(req); got != "" {
		t.Errorf("non-bearer scheme: got %q", got)
	}
}

func TestParsePublicKeyPEM(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})

	parsed, err := ParsePublicKeyPEM(pemBytes)
	if err != nil {
		t.Fatalf("ParsePublicKeyPEM: %v", err)
	}
	if _, ok := parsed.(*ecdsa.PublicKey); !ok {
		t.Fatalf("parsed key type = %T", parsed)
	}

	if _, err := ParsePublicKeyPEM([]byte("not a key")); err == nil {
		t.Fatal("garbage accepted")
	}
}
