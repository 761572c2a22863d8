// Package auth validates the gateway API key and derives the metric user
// label from the caller's JWT.
package auth

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"
)

// UnknownUser is the metric label when no email can be derived.
const UnknownUser = "unknown"

// CheckGatewayKey reports whether the request carries the configured
// gateway key via x-api-key or Authorization: Bearer. An empty configured
// key disables the gate.
func CheckGatewayKey(r *http.Request, apiKey string) bool {
	if apiKey == "" {
		return true
	}
	if r.Header.Get("x-api-key") == apiKey {
		return true
	}
	return bearerToken(r.Header.Get("Authorization")) == apiKey
}

func bearerToken(header string) string {
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return header
}

// jwtClaims holds the claims the proxy cares about. Different issuers name
// the email claim differently.
type jwtClaims struct {
	Email     string `json:"email"`
	UserEmail string `json:"user_email"`
}

// UserLabel extracts the email claim from a JWT in the Authorization header
// and returns its 8-hex-character hash. The token signature is not
// verified: the label only tags metrics, it grants nothing. Returns
// UnknownUser when no email is found.
func UserLabel(authHeader string) string {
	token := bearerToken(authHeader)
	parts := splitToken(token)
	if parts == nil {
		return UnknownUser
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return UnknownUser
	}

	var claims jwtClaims
	if err := json.Unmarshal(payloadJSON, &claims); err != nil {
		return UnknownUser
	}

	email := claims.Email
	if email == "" {
		email = claims.UserEmail
	}
	if email == "" {
		return UnknownUser
	}

	sum := sha256.Sum256([]byte(email))
	return hex.EncodeToString(sum[:])[:8]
}

// splitToken splits a JWT into exactly 3 parts by '.'.
// Returns nil if the token doesn't have exactly 3 parts.
func splitToken(token string) []string {
	var parts [3]string
	idx := 0
	start := 0
	for i := 0; i < len(token); i++ {
		if token[i] == '.' {
			if idx >= 2 {
				return nil
			}
			parts[idx] = token[start:i]
			idx++
			start = i + 1
		}
	}
	if idx != 2 {
		return nil
	}
	parts[2] = token[start:]
	if parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return nil
	}
	return parts[:]
}
