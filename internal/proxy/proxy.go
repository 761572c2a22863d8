// Package proxy contains the route handlers that glue parsing, backend
// selection, translation, dispatch, and observability together.
package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/mixaill76/mistral_code_proxy/internal/backend"
	"github.com/mixaill76/mistral_code_proxy/internal/config"
	"github.com/mixaill76/mistral_code_proxy/internal/logger"
	"github.com/mixaill76/mistral_code_proxy/internal/monitoring"
	"github.com/mixaill76/mistral_code_proxy/internal/telemetry"
	"github.com/mixaill76/mistral_code_proxy/internal/translate/anthropic"
)

// streamChunkWriteTimeout is the per-event write deadline for streaming
// responses. If the client stops reading for this long, the connection is
// terminated.
const streamChunkWriteTimeout = 60 * time.Second

// maxRequestBodyBytes caps inbound request bodies (base64 images included).
const maxRequestBodyBytes = 50 * 1024 * 1024

type Proxy struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *monitoring.Metrics
	telemetry *telemetry.Telemetry
	client    *backend.Client
	selector  *backend.Selector
}

func New(cfg *config.Config, log *slog.Logger, metrics *monitoring.Metrics, tel *telemetry.Telemetry, client *backend.Client) *Proxy {
	selector := &backend.Selector{
		Default: backend.Backend{
			Name:   "default",
			URL:    cfg.Backend.URL,
			APIKey: cfg.Backend.APIKey,
			Model:  cfg.Backend.Model,
		},
	}
	if cfg.Vision != nil {
		selector.Vision = &backend.Backend{
			Name:   "vision",
			URL:    cfg.Vision.URL,
			APIKey: cfg.Vision.APIKey,
			Model:  cfg.Vision.Model,
		}
	}

	return &Proxy{
		cfg:       cfg,
		logger:    log,
		metrics:   metrics,
		telemetry: tel,
		client:    client,
		selector:  selector,
	}
}

// readBody reads and returns the request body, capped.
func (p *Proxy) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err != nil {
		return nil, false
	}
	if p.logger.Enabled(r.Context(), slog.LevelDebug) {
		p.logger.Debug("Request body received",
			"path", r.URL.Path,
			"body", logger.TruncateLongFields(string(body), 200),
		)
	}
	return body, true
}

// recordOutcome records metrics and the telemetry entry for one finished
// request.
func (p *Proxy) recordOutcome(user, model, endpoint, status string, start time.Time, inputTokens, outputTokens int) {
	duration := time.Since(start)
	p.metrics.RecordRequest(user, model, endpoint, status, duration)
	p.metrics.RecordTokens(user, model, inputTokens, outputTokens)
	p.telemetry.Record(telemetry.UsageRecord{
		Timestamp:    time.Now().UTC(),
		User:         user,
		Model:        model,
		Endpoint:     endpoint,
		Status:       status,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		DurationMS:   duration.Milliseconds(),
	})
}

// writeSSEHeaders writes the SSE response preamble. Called only after the
// first upstream chunk arrived so earlier failures still get a proper
// status code.
func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

// writeStreamEvent writes one Anthropic SSE frame and flushes it.
func (p *Proxy) writeStreamEvent(w http.ResponseWriter, controller *http.ResponseController, ev anthropic.StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal stream event: %w", err)
	}
	_ = controller.SetWriteDeadline(time.Now().Add(streamChunkWriteTimeout))
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	p.flush(controller)
	return nil
}

// writeRawChunk writes upstream bytes verbatim (OpenAI passthrough
// streaming) and flushes.
func (p *Proxy) writeRawChunk(w http.ResponseWriter, controller *http.ResponseController, chunk string) error {
	_ = controller.SetWriteDeadline(time.Now().Add(streamChunkWriteTimeout))
	if _, err := io.WriteString(w, chunk); err != nil {
		return err
	}
	p.flush(controller)
	return nil
}

func (p *Proxy) flush(controller *http.ResponseController) {
	if err := controller.Flush(); err != nil {
		p.logger.Debug("Flush failed", "error", err)
	}
}

// logBackendFailure logs an upstream failure with the structured
// diagnostic fields the error taxonomy calls for.
func (p *Proxy) logBackendFailure(err error, targetURL, model string, messageCount int, lastRole string, hasToolCalls bool) {
	fields := []any{
		"error", err,
		"url", targetURL,
		"model", model,
		"message_count", messageCount,
		"last_message_role", lastRole,
		"has_tool_calls", hasToolCalls,
	}
	if be, ok := err.(*backend.BackendError); ok {
		fields = append(fields, "status", be.Status)
	}
	p.logger.Error("Backend request failed", fields...)
}
