// Package backend issues requests to the upstream inference servers and
// decides which backend a request targets.
package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// responseHeaderTimeout protects the connect + header phase; the body
	// itself may stream for minutes.
	responseHeaderTimeout = 120 * time.Second
	errorBodyPreviewLen   = 500
	maxErrorBodyBytes     = 64 * 1024

	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
)

// BackendError reports an upstream non-2xx response.
type BackendError struct {
	URL         string
	Status      int
	BodyPreview string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s returned status %d: %s", e.URL, e.Status, e.BodyPreview)
}

// Client issues JSON and streaming POSTs to a backend.
type Client struct {
	http   *http.Client
	logger *slog.Logger
}

// NewClient builds a backend client. No global timeout is set — streaming
// responses can run for minutes; ResponseHeaderTimeout bounds the connect
// and header phase.
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		logger: logger,
		http: &http.Client{
			Timeout: 0,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: responseHeaderTimeout,
				MaxIdleConns:          defaultMaxIdleConns,
				MaxIdleConnsPerHost:   defaultMaxIdleConnsPerHost,
				IdleConnTimeout:       defaultIdleConnTimeout,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Call POSTs a JSON body and returns the full response body.
// Non-2xx responses become a BackendError with a capped body preview.
func (c *Client) Call(ctx context.Context, targetURL string, body []byte, auth string) ([]byte, error) {
	resp, err := c.post(ctx, targetURL, body, auth)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.backendError(targetURL, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read backend response: %w", err)
	}
	return data, nil
}

// Stream POSTs a JSON body and returns a lazily consumed chunk scanner over
// the response body. The caller owns the scanner and must Close it on every
// exit path. Non-2xx responses become a BackendError before any chunk is
// produced.
func (c *Client) Stream(ctx context.Context, targetURL string, body []byte, auth string) (*ChunkScanner, error) {
	resp, err := c.post(ctx, targetURL, body, auth)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer func() { _ = resp.Body.Close() }()
		return nil, c.backendError(targetURL, resp)
	}

	return NewChunkScanner(resp.Body), nil
}

func (c *Client) post(ctx context.Context, targetURL string, body []byte, auth string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create backend request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", ensureBearer(auth))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) backendError(targetURL string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	preview := safeStringPreview(data, errorBodyPreviewLen)
	c.logger.Error("Backend returned non-2xx status",
		"url", targetURL,
		"status", resp.StatusCode,
		"response_preview", preview,
	)
	return &BackendError{URL: targetURL, Status: resp.StatusCode, BodyPreview: preview}
}

// ensureBearer prefixes the token with "Bearer " when missing.
func ensureBearer(auth string) string {
	if strings.HasPrefix(auth, "Bearer ") {
		return auth
	}
	return "Bearer " + auth
}

// internalHostSuffixes mark backends inside the trusted cluster network.
var internalHostSuffixes = []string{".cluster.local", ".svc"}

// ComposeAuth decides the outbound Authorization value. Internal cluster
// backends always use the configured backend key. External backends prefer
// the configured key and fall back to the client's inbound header.
func ComposeAuth(backendURL, backendKey, inboundAuth string) string {
	if isInternalURL(backendURL) {
		return backendKey
	}
	if backendKey != "" {
		return backendKey
	}
	return inboundAuth
}

func isInternalURL(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	for _, suffix := range internalHostSuffixes {
		if strings.HasSuffix(host, suffix) {
			return true
		}
	}
	return false
}

// safeStringPreview converts bytes to a log-safe string, escaping invalid
// UTF-8 sequences.
func safeStringPreview(data []byte, maxLen int) string {
	if len(data) == 0 {
		return ""
	}
	if len(data) > maxLen {
		data = data[:maxLen]
	}
	escaped := fmt.Sprintf("%q", data)
	if len(escaped) > 2 {
		return escaped[1 : len(escaped)-1]
	}
	return escaped
}
