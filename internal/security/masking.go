// Package security provides masking helpers for secrets in log output.
package security

import "strings"

// MaskSecret masks sensitive strings for logging.
// Shows first N characters followed by "..." to minimize secret exposure.
// Returns "***" for very short secrets.
func MaskSecret(secret string, prefixLen int) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= prefixLen {
		return "***"
	}
	return secret[:prefixLen] + "..."
}

// MaskAPIKey masks API keys (shows first 4 characters).
func MaskAPIKey(key string) string {
	return MaskSecret(key, 4)
}

// MaskAuthorization masks an Authorization header value, preserving the
// scheme prefix so logs still show whether a Bearer token was present.
func MaskAuthorization(header string) string {
	if header == "" {
		return ""
	}
	if strings.HasPrefix(header, "Bearer ") {
		return "Bearer " + MaskAPIKey(strings.TrimPrefix(header, "Bearer "))
	}
	return MaskAPIKey(header)
}
