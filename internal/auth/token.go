// Package auth inspects the platform's payload.signature access tokens
// on the client side. Signature verification happens on the platform;
// the client only decodes claims to display identity and anticipate
// expiry.
package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	Role string `json:"role"`
	Exp  int64  `json:"exp"`
}

var ErrInvalidToken = errors.New("invalid token")

// DecodeClaims extracts the claims payload without verifying the
// signature.
func DecodeClaims(token string) (Claims, error) {
	parts := strings.Split(token, ".")
	if len(parts) != 2 {
		return Claims{}, ErrInvalidToken
	}

	decoded, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, ErrInvalidToken
	}

	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}

// Expired reports whether the claims expire within skew of now. A
// positive skew treats almost-expired tokens as expired so a refresh
// happens before the platform rejects a call.
func (c Claims) Expired(now time.Time, skew time.Duration) bool {
	return now.Add(skew).Unix() >= c.Exp
}

// HashToken returns a stable fingerprint for logging a token without
// exposing it.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return fmt.Sprintf("%x", sum)
}
