// Package uploadtoken implements the signed, session-scoped capability token
// that authorizes chunk uploads without a per-request session auth check.
//
// Wire format: base64url(JSON payload) + "." + hex(HMAC-SHA-256(key, payloadB64)).
// The payload binds a session id, an absolute expiry in unix milliseconds, and
// the capture policy version in effect when the token was issued. Verification
// is stateless: no storage round-trip is needed to reject a forged token.
package uploadtoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// ErrInvalidToken is returned for every verification failure: malformed
// structure, MAC mismatch, missing fields, or expiry. Callers must not
// distinguish reasons to the client.
var ErrInvalidToken = errors.New("invalid upload token")

// Payload is the signed content of an upload token.
type Payload struct {
	SessionID     string `json:"sid"`
	ExpiresAtMs   int64  `json:"exp"`
	PolicyVersion string `json:"pv"`
}

// Issue signs a token for sessionID valid until now+ttl. The key is the
// server-held upload signing secret.
func Issue(key []byte, sessionID, policyVersion string, ttl time.Duration, now time.Time) (string, error) {
	if len(key) == 0 {
		return "", errors.New("uploadtoken: signing key is empty")
	}
	payload := Payload{
		SessionID:     sessionID,
		ExpiresAtMs:   now.Add(ttl).UnixMilli(),
		PolicyVersion: policyVersion,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	payloadB64 := base64.RawURLEncoding.EncodeToString(raw)
	return payloadB64 + "." + signHex(key, payloadB64), nil
}

// Verify checks structure, MAC, required fields, and expiry. It returns
// ErrInvalidToken for any failure; it never panics or partially succeeds.
func Verify(key []byte, token string, now time.Time) (Payload, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Payload{}, ErrInvalidToken
	}
	payloadB64, sigHex := parts[0], parts[1]

	expected := signHex(key, payloadB64)
	if subtle.ConstantTimeCompare([]byte(sigHex), []byte(expected)) != 1 {
		return Payload{}, ErrInvalidToken
	}

	raw, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return Payload{}, ErrInvalidToken
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Payload{}, ErrInvalidToken
	}
	if payload.SessionID == "" || payload.ExpiresAtMs == 0 || payload.PolicyVersion == "" {
		return Payload{}, ErrInvalidToken
	}
	if now.UnixMilli() >= payload.ExpiresAtMs {
		return Payload{}, ErrInvalidToken
	}
	return payload, nil
}

func signHex(key []byte, data string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}
