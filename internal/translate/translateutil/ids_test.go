package translateutil

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
)

var toolIDPattern = regexp.MustCompile(`^[a-zA-Z0-9]{9}$`)

func TestNormalizeToolID(t *testing.T) {
	tests := []struct {
		name string
		id   string
	}{
		{name: "anthropic style id", id: "toolu_01ABCDEFGHijklmnop"},
		{name: "openai style id", id: "call_abc123def456"},
		{name: "empty id", id: ""},
		{name: "id with unicode", id: "tool-héllo-ñ"},
		{name: "too short", id: "abc"},
		{name: "too long all alnum", id: "abcdefghij"},
		{name: "nine chars with dash", id: "abcd-efgh"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeToolID(tt.id)
			assert.Regexp(t, toolIDPattern, got)
			// Deterministic: same input, same output.
			assert.Equal(t, got, NormalizeToolID(tt.id))
			// Idempotent: normalizing a normalized ID is a no-op.
			assert.Equal(t, got, NormalizeToolID(got))
		})
	}
}

func TestNormalizeToolIDPassthrough(t *testing.T) {
	// Already-valid IDs are returned verbatim.
	assert.Equal(t, "abc123XYZ", NormalizeToolID("abc123XYZ"))
	assert.Equal(t, "AAAAAAAAA", NormalizeToolID("AAAAAAAAA"))
}

func TestNormalizeToolIDDistinctInputs(t *testing.T) {
	a := NormalizeToolID("toolu_01ABCDEFGH")
	b := NormalizeToolID("toolu_01ABCDEFGI")
	assert.NotEqual(t, a, b)
}

func TestNewToolID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewToolID()
		assert.Regexp(t, toolIDPattern, id)
		assert.False(t, seen[id], "generated IDs should not repeat")
		seen[id] = true
	}
}

func TestSanitizeToolName(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{name: "clean name", input: "bash", want: "bash"},
		{name: "with dash and underscore", input: "str_replace-editor", want: "str_replace-editor"},
		{name: "surrounding whitespace", input: "  search  ", want: "search"},
		{name: "invalid chars replaced", input: "my.tool/v2", want: "my_tool_v2"},
		{name: "leading trailing underscores trimmed", input: "__tool__", want: "tool"},
		{name: "dots become underscores then trimmed", input: ".tool.", want: "tool"},
		{name: "empty becomes unknown", input: "", want: "unknown_tool"},
		{name: "only invalid chars becomes unknown", input: "...", want: "unknown_tool"},
		{name: "unicode replaced", input: "héllo", want: "h_llo"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeToolName(tt.input))
		})
	}
}

func TestSanitizeToolNameTruncation(t *testing.T) {
	long := ""
	for i := 0; i < 100; i++ {
		long += "a"
	}
	got := SanitizeToolName(long)
	assert.Len(t, got, 64)
}

func TestGenerateMessageID(t *testing.T) {
	id := GenerateMessageID()
	assert.Regexp(t, `^msg_[0-9a-f]{24}$`, id)
	assert.NotEqual(t, id, GenerateMessageID())
}
