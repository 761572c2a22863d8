package logger

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// New creates a new slog.Logger instance with the specified logging level
// level can be: "info", "debug", "error"
// Default is "info"
func New(level string) *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler)
}

// NewJSON creates a new slog.Logger with JSON output
func NewJSON(level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler)
}

// parseLevel converts string level to slog.Level
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// longValueKeys are JSON keys whose string values routinely run to
// kilobytes in proxied payloads and get cut hard regardless of the caller's
// limit: "data" carries base64 image bytes, "content" and "text" carry
// message bodies, "partial_json" carries streamed tool-argument fragments.
var longValueKeys = map[string]bool{
	"data":         true,
	"content":      true,
	"text":         true,
	"partial_json": true,
}

// hardTruncateLen is the cut applied to longValueKeys values.
const hardTruncateLen = 50

// TruncateLongFields shortens oversized string values in a JSON body before
// it is written to a debug log. Non-JSON input is returned untouched.
func TruncateLongFields(body string, maxFieldLength int) string {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(body), &data); err != nil {
		return body
	}

	truncateValue(data, maxFieldLength)

	truncated, err := json.Marshal(data)
	if err != nil {
		return body
	}
	return string(truncated)
}

// truncateValue walks maps and slices, cutting long strings in place.
// Values under longValueKeys use the hard limit; everything else uses the
// caller's limit.
func truncateValue(v interface{}, maxLength int) {
	switch val := v.(type) {
	case map[string]interface{}:
		for key, value := range val {
			limit := maxLength
			if longValueKeys[key] {
				limit = hardTruncateLen
			}
			if str, ok := value.(string); ok {
				if len(str) > limit {
					val[key] = truncateString(str, limit)
				}
				continue
			}
			truncateValue(value, maxLength)
		}
	case []interface{}:
		for _, item := range val {
			truncateValue(item, maxLength)
		}
	}
}

func truncateString(s string, limit int) string {
	return fmt.Sprintf("%s... [truncated %d chars]", s[:limit], len(s)-limit)
}
