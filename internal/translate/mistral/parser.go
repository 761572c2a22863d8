// Package mistral recovers structured tool calls from the inline
// [TOOL_CALLS] text format that Mistral-family models sometimes emit
// instead of structured tool_calls, even when tool schemas are supplied.
package mistral

import (
	"encoding/json"
	"strings"
)

// Marker is the literal sequence a Mistral model prints before each
// inline tool call.
const Marker = "[TOOL_CALLS]"

// ToolCall is a tool invocation recovered from inline text.
// Arguments holds the raw JSON object text exactly as the model printed it.
type ToolCall struct {
	Name      string
	Arguments string
}

// Contains reports whether s contains the inline tool-call marker.
func Contains(s string) bool {
	return strings.Contains(s, Marker)
}

// Parse extracts every well-formed inline tool call from s.
// The expected shape is [TOOL_CALLS]Name{"arg":"v"} repeated; malformed
// entries are skipped and scanning continues at the next marker.
// Returns nil when the marker never appears or nothing parses.
func Parse(s string) []ToolCall {
	var calls []ToolCall

	pos := 0
	for {
		idx := strings.Index(s[pos:], Marker)
		if idx < 0 {
			break
		}
		pos += idx + len(Marker)

		name, nameEnd := scanName(s, pos)
		if name == "" || nameEnd >= len(s) || s[nameEnd] != '{' {
			// A name must be immediately followed by a JSON object.
			continue
		}

		objEnd, ok := scanJSONObject(s, nameEnd)
		if !ok {
			// Unbalanced braces terminate the scan at this position.
			break
		}

		args := s[nameEnd:objEnd]
		if json.Valid([]byte(args)) {
			calls = append(calls, ToolCall{Name: name, Arguments: args})
		}
		pos = objEnd
	}

	return calls
}

// scanName matches [A-Za-z0-9_]+ starting at pos.
func scanName(s string, pos int) (string, int) {
	end := pos
	for end < len(s) {
		c := s[end]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			end++
			continue
		}
		break
	}
	return s[pos:end], end
}

// scanJSONObject scans a balanced-brace JSON object starting at the '{'
// at position start. Braces inside string literals are not counted and
// escape sequences are honored. Returns the index one past the closing
// brace and whether a balanced object was found.
func scanJSONObject(s string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}

	return len(s), false
}
