package translateutil

import (
	"crypto/rand"
	"encoding/hex"
	"hash/fnv"
	"strings"

	"github.com/google/uuid"
)

const (
	toolIDAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	toolIDLength   = 9
	maxToolNameLen = 64
)

// IsValidToolID reports whether id is already in the 9-alphanumeric form
// Mistral tokenizers accept.
func IsValidToolID(id string) bool {
	if len(id) != toolIDLength {
		return false
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if !isAlphanumeric(c) {
			return false
		}
	}
	return true
}

// NormalizeToolID rewrites an arbitrary tool-call ID into a 9-character
// alphanumeric ID. IDs that already match the target shape are returned
// verbatim, which makes the function idempotent. The derivation is
// deterministic: the same input always yields the same output.
// Each position is an FNV-1a hash seeded with the position byte before the
// ID bytes, so every character is mixed over the whole input.
func NormalizeToolID(id string) string {
	if IsValidToolID(id) {
		return id
	}

	buf := make([]byte, toolIDLength)
	for i := 0; i < toolIDLength; i++ {
		h := fnv.New64a()
		_, _ = h.Write([]byte{byte(i)})
		_, _ = h.Write([]byte(id))
		buf[i] = toolIDAlphabet[h.Sum64()%uint64(len(toolIDAlphabet))]
	}
	return string(buf)
}

// NewToolID generates a fresh 9-alphanumeric tool-call ID.
// Used when reconstructing tool calls the backend emitted as plain text,
// where no upstream ID exists.
func NewToolID() string {
	return NormalizeToolID(uuid.NewString())
}

// GenerateMessageID generates a unique Anthropic-style message ID.
func GenerateMessageID() string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	return "msg_" + hex.EncodeToString(bytes)[:24]
}

// SanitizeToolName rewrites a tool name into the character set Mistral
// templates accept: surrounding whitespace is trimmed, every character
// outside [a-zA-Z0-9_-] becomes '_', leading/trailing underscores are
// trimmed, and the result is truncated to 64 characters. An empty result
// becomes "unknown_tool".
func SanitizeToolName(name string) string {
	name = strings.TrimSpace(name)

	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}

	result := strings.Trim(b.String(), "_")
	if len(result) > maxToolNameLen {
		result = result[:maxToolNameLen]
	}
	if result == "" {
		return "unknown_tool"
	}
	return result
}

func isAlphanumeric(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
