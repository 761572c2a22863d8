package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/mixaill76/mistral_code_proxy/internal/backend"
	"github.com/mixaill76/mistral_code_proxy/internal/security"
)

// healthCheckTimeout bounds each startup probe.
const healthCheckTimeout = 5 * time.Second

var healthClient = &http.Client{Timeout: healthCheckTimeout}

// CheckBackends probes every configured backend's /v1/models endpoint at
// startup. Failures are logged, not fatal: the backend may come up later.
func (p *Proxy) CheckBackends(ctx context.Context) {
	p.checkBackend(ctx, p.selector.Default)
	if p.selector.Vision != nil {
		p.checkBackend(ctx, *p.selector.Vision)
	}
}

func (p *Proxy) checkBackend(ctx context.Context, b backend.Backend) {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	targetURL := b.URL + "/v1/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
	if err != nil {
		p.logger.Error("Failed to create health check request", "backend", b.Name, "error", err)
		return
	}
	if authValue := backend.ComposeAuth(b.URL, b.APIKey, ""); authValue != "" {
		req.Header.Set("Authorization", "Bearer "+authValue)
	}

	resp, err := healthClient.Do(req)
	if err != nil {
		p.logger.Error("Backend unreachable",
			"backend", b.Name,
			"url", targetURL,
			"api_key", security.MaskAPIKey(b.APIKey),
			"error", err,
		)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	p.logger.Info("Backend reachable",
		"backend", b.Name,
		"url", targetURL,
		"model", b.Model,
		"status", resp.StatusCode,
	)
}
