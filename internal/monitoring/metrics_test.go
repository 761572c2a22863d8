package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordRequest(t *testing.T) {
	m := New(true)

	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("u1", "devstral", "/v1/messages", "success"))
	m.RecordRequest("u1", "devstral", "/v1/messages", "success", 120*time.Millisecond)
	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("u1", "devstral", "/v1/messages", "success"))

	assert.Equal(t, before+1, after)
}

func TestRecordTokens(t *testing.T) {
	m := New(true)

	before := testutil.ToFloat64(TokensTotal.WithLabelValues("u2", "devstral", "input"))
	m.RecordTokens("u2", "devstral", 15, 7)
	assert.Equal(t, before+15, testutil.ToFloat64(TokensTotal.WithLabelValues("u2", "devstral", "input")))
	assert.Equal(t, float64(7), testutil.ToFloat64(InferenceTokensTotal.WithLabelValues("u2", "devstral", "output")))
}

func TestDisabledMetricsRecordNothing(t *testing.T) {
	m := New(false)

	before := testutil.ToFloat64(RequestsTotal.WithLabelValues("u3", "devstral", "/v1/messages", "success"))
	m.RecordRequest("u3", "devstral", "/v1/messages", "success", time.Millisecond)
	m.RecordTokens("u3", "devstral", 5, 5)
	after := testutil.ToFloat64(RequestsTotal.WithLabelValues("u3", "devstral", "/v1/messages", "success"))

	assert.Equal(t, before, after)
	assert.Equal(t, float64(0), testutil.ToFloat64(TokensTotal.WithLabelValues("u3", "devstral", "input")))
}

func TestNilMetricsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordRequest("u", "m", "/e", "success", time.Second)
		m.RecordTokens("u", "m", 1, 1)
	})
}
