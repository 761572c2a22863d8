package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixaill76/mistral_code_proxy/internal/testhelpers"
)

func record(status string, in, out int) UsageRecord {
	return UsageRecord{
		Timestamp:    time.Now().UTC(),
		User:         "abcd1234",
		Model:        "devstral-small",
		Endpoint:     "/v1/messages",
		Status:       status,
		InputTokens:  in,
		OutputTokens: out,
		DurationMS:   25,
	}
}

func TestTelemetrySnapshot(t *testing.T) {
	tel := New(false, "", testhelpers.NewTestLogger())

	tel.Record(record("success", 10, 5))
	tel.Record(record("success", 20, 7))
	tel.Record(record("error", 0, 0))

	stats := tel.Snapshot()
	assert.Equal(t, uint64(3), stats.RequestsTotal)
	assert.Equal(t, uint64(1), stats.ErrorsTotal)
	assert.Equal(t, uint64(30), stats.InputTokensTotal)
	assert.Equal(t, uint64(12), stats.OutputTokensTotal)
	assert.InDelta(t, 25.0, stats.AvgDurationMS, 0.001)
	assert.Len(t, stats.LastUsage, 3)
}

func TestTelemetryRingEviction(t *testing.T) {
	tel := New(false, "", testhelpers.NewTestLogger())

	for i := 0; i < maxRecords+50; i++ {
		tel.Record(record("success", i, 0))
	}

	tel.mu.Lock()
	n := len(tel.records)
	oldest := tel.records[0]
	tel.mu.Unlock()

	assert.Equal(t, maxRecords, n)
	// FIFO eviction: the oldest surviving record is #50.
	assert.Equal(t, 50, oldest.InputTokens)

	stats := tel.Snapshot()
	assert.Len(t, stats.LastUsage, 10)
	assert.Equal(t, maxRecords+50-1, stats.LastUsage[9].InputTokens)
}

func TestTelemetryForwarder(t *testing.T) {
	var mu sync.Mutex
	var received []UsageRecord
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rec UsageRecord
		require.NoError(t, json.NewDecoder(r.Body).Decode(&rec))
		mu.Lock()
		received = append(received, rec)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	tel := New(true, server.URL, testhelpers.NewTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tel.Start(ctx)

	tel.Record(record("success", 3, 1))
	tel.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, 3, received[0].InputTokens)
}

func TestTelemetryDisabledForwarderStillRecords(t *testing.T) {
	tel := New(false, "", testhelpers.NewTestLogger())
	tel.Start(context.Background()) // no-op without endpoint
	tel.Record(record("success", 1, 1))
	tel.Close()
	assert.Equal(t, uint64(1), tel.Snapshot().RequestsTotal)
}
