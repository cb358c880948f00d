// Package auth is the boundary to the external identity provider. The
// pipeline never authenticates users itself; it verifies the provider's
// access token once at session-init (and on admin reads) and receives an
// already-resolved identity.
package auth

import (
	"crypto"
	"errors"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned when an access token is malformed or invalid.
var ErrInvalidToken = errors.New("invalid token")

// Identity is the already-authenticated caller as resolved by the external
// identity provider.
type Identity struct {
	UserID string
	Email  string
	Role   string
}

// IsAdmin reports whether the identity carries the admin role. The provider
// stores multiple roles as comma-separated values.
func (id Identity) IsAdmin() bool {
	for _, r := range strings.Split(id.Role, ",") {
		if strings.TrimSpace(r) == "admin" {
			return true
		}
	}
	return false
}

// Verifier resolves a bearer access token into an Identity.
type Verifier interface {
	Verify(token string) (Identity, error)
}

// accessClaims holds the claims the identity provider sets on access tokens.
type accessClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
	Role  string `json:"role"`
}

// JWTVerifier validates RS256/ES256 access tokens issued by the external
// identity provider using its public key.
type JWTVerifier struct {
	publicKey crypto.PublicKey
	issuer    string
	audience  string
}

// NewJWTVerifier returns a Verifier checking signature, expiry, issuer, and audience.
func NewJWTVerifier(publicKey crypto.PublicKey, issuer, audience string) *JWTVerifier {
	return &JWTVerifier{publicKey: publicKey, issuer: issuer, audience: audience}
}

// Verify parses and validates the access token. Returns ErrInvalidToken for
// every failure mode; callers answer a generic 401.
func (v *JWTVerifier) Verify(tokenString string) (Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &accessClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); ok {
			return v.publicKey, nil
		}
		if _, ok := token.Method.(*jwt.SigningMethodECDSA); ok {
			return v.publicKey, nil
		}
		return nil, ErrInvalidToken
	})
	if err != nil {
		return Identity{}, ErrInvalidToken
	}
	claims, ok := token.Claims.(*accessClaims)
	if !ok || !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return Identity{}, ErrInvalidToken
	}
	if v.audience != "" {
		audOk := false
		for _, a := range claims.Audience {
			if a == v.audience {
				audOk = true
				break
			}
		}
		if !audOk {
			return Identity{}, ErrInvalidToken
		}
	}
	if claims.Subject == "" {
		return Identity{}, ErrInvalidToken
	}
	return Identity{UserID: claims.Subject, Email: claims.Email, Role: claims.Role}, nil
}

// ParsePublicKeyPEM parses the identity provider's PEM public key, accepting
// RSA or ECDSA.
func ParsePublicKeyPEM(pemBytes []byte) (crypto.PublicKey, error) {
	if key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes); err == nil {
		return key, nil
	}
	key, err := jwt.ParseECPublicKeyFromPEM(pemBytes)
	if err != nil {
		return nil, errors.New("auth: public key is not PEM-encoded RSA or ECDSA")
	}
	return key, nil
}
