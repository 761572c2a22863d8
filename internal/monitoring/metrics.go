package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_requests_total",
			Help: "Total number of LLM requests",
		},
		[]string{"user", "model", "endpoint", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
		[]string{"user", "model", "endpoint"},
	)

	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total number of tokens processed, by type",
		},
		[]string{"user", "model", "type"},
	)

	InferenceTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inference_tokens_total",
			Help: "Total number of tokens reported by the inference backend, by type",
		},
		[]string{"user", "model", "type"},
	)
)

// Metrics wraps the registry behind an enabled switch so metric recording
// can be disabled without touching call sites.
type Metrics struct {
	enabled bool
}

func New(enabled bool) *Metrics {
	return &Metrics{enabled: enabled}
}

func (m *Metrics) isEnabled() bool {
	return m != nil && m.enabled
}

// RecordRequest records one completed request.
func (m *Metrics) RecordRequest(user, model, endpoint, status string, duration time.Duration) {
	if !m.isEnabled() {
		return
	}
	RequestsTotal.WithLabelValues(user, model, endpoint, status).Inc()
	RequestDuration.WithLabelValues(user, model, endpoint).Observe(duration.Seconds())
}

// RecordTokens records token usage for one request.
func (m *Metrics) RecordTokens(user, model string, inputTokens, outputTokens int) {
	if !m.isEnabled() {
		return
	}
	if inputTokens > 0 {
		TokensTotal.WithLabelValues(user, model, "input").Add(float64(inputTokens))
		InferenceTokensTotal.WithLabelValues(user, model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		TokensTotal.WithLabelValues(user, model, "output").Add(float64(outputTokens))
		InferenceTokensTotal.WithLabelValues(user, model, "output").Add(float64(outputTokens))
	}
}
