package proxy

import (
	"encoding/json"
	"net/http"
)

// APIErrorResponse is an OpenAI-compatible error response.
type APIErrorResponse struct {
	Error APIError `json:"error"`
}

// APIError is the error object inside an OpenAI-compatible error response.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// AnthropicErrorResponse is an Anthropic Messages API error response.
type AnthropicErrorResponse struct {
	Type  string   `json:"type"`
	Error APIError `json:"error"`
}

// errorTypeForStatus maps HTTP status codes to OpenAI error type strings.
func errorTypeForStatus(statusCode int) string {
	switch statusCode {
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusForbidden:
		return "permission_denied"
	case http.StatusNotFound:
		return "not_found_error"
	case http.StatusMethodNotAllowed:
		return "invalid_request_error"
	default:
		if statusCode >= 500 {
			return "api_error"
		}
		return "invalid_request_error"
	}
}

// anthropicErrorTypeForStatus maps HTTP status codes to Anthropic error
// type strings.
func anthropicErrorTypeForStatus(statusCode int) string {
	switch statusCode {
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusBadRequest:
		return "invalid_request_error"
	default:
		return "api_error"
	}
}

// WriteOpenAIError writes an OpenAI-shape JSON error response.
func WriteOpenAIError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(APIErrorResponse{
		Error: APIError{
			Message: message,
			Type:    errorTypeForStatus(statusCode),
		},
	})
}

// WriteAnthropicError writes an Anthropic-shape JSON error response.
func WriteAnthropicError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(AnthropicErrorResponse{
		Type: "error",
		Error: APIError{
			Message: message,
			Type:    anthropicErrorTypeForStatus(statusCode),
		},
	})
}
