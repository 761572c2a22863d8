package testhelpers

import "github.com/mixaill76/mistral_code_proxy/internal/config"

// NewTestConfig returns a valid configuration pointing at the given backend
// URL, for handler tests against an httptest server.
func NewTestConfig(backendURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Host:         "127.0.0.1",
			Port:         3456,
			LoggingLevel: "error",
		},
		Backend: config.BackendConfig{
			URL:   backendURL,
			Model: "devstral-small",
		},
	}
}
