// Package telemetry keeps a bounded in-memory record of request usage and
// optionally forwards records to an external collector.
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mixaill76/mistral_code_proxy/internal/worker"
)

const (
	// maxRecords bounds the ring buffer; oldest entries are evicted first.
	maxRecords       = 1000
	snapshotLastN    = 10
	forwardTimeout   = 5 * time.Second
	forwardQueueSize = 256
	forwardWorkers   = 2
)

// UsageRecord is one completed request's accounting entry.
type UsageRecord struct {
	Timestamp    time.Time `json:"timestamp"`
	User         string    `json:"user"`
	Model        string    `json:"model"`
	Endpoint     string    `json:"endpoint"`
	Status       string    `json:"status"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	DurationMS   int64     `json:"duration_ms"`
}

// Stats is the /stats snapshot shape.
type Stats struct {
	RequestsTotal     uint64        `json:"requests_total"`
	ErrorsTotal       uint64        `json:"errors_total"`
	InputTokensTotal  uint64        `json:"input_tokens_total"`
	OutputTokensTotal uint64        `json:"output_tokens_total"`
	AvgDurationMS     float64       `json:"avg_duration_ms"`
	LastUsage         []UsageRecord `json:"last_usage"`
}

// Telemetry accumulates usage records. Safe for concurrent use; the
// snapshot is best-effort and not linearizable with in-flight recordings.
type Telemetry struct {
	mu      sync.Mutex
	records []UsageRecord // FIFO ring, newest last

	requests    uint64
	errors      uint64
	inputTotal  uint64
	outputTotal uint64
	durTotalMS  uint64

	enabled  bool
	endpoint string
	logger   *slog.Logger
	queue    chan worker.Job
	wg       *sync.WaitGroup
}

// New builds a Telemetry sink. When enabled and endpoint is non-empty,
// Start must be called to launch the forwarder workers.
func New(enabled bool, endpoint string, logger *slog.Logger) *Telemetry {
	return &Telemetry{
		enabled:  enabled,
		endpoint: endpoint,
		logger:   logger,
	}
}

// Start launches the async forwarder workers.
func (t *Telemetry) Start(ctx context.Context) {
	if !t.enabled || t.endpoint == "" {
		return
	}
	t.queue = make(chan worker.Job, forwardQueueSize)
	t.wg = worker.SpawnPool(ctx, forwardWorkers, t.queue, t.logger)
}

// Close stops accepting records for forwarding and waits for in-flight
// deliveries to finish.
func (t *Telemetry) Close() {
	t.mu.Lock()
	queue := t.queue
	t.queue = nil
	t.mu.Unlock()

	if queue != nil {
		close(queue)
		t.wg.Wait()
	}
}

// Record appends one usage record, updates aggregates, and enqueues
// forwarding when a collector is configured. Delivery failures are logged
// and dropped; there are no retries.
func (t *Telemetry) Record(rec UsageRecord) {
	t.mu.Lock()
	t.records = append(t.records, rec)
	if len(t.records) > maxRecords {
		t.records = t.records[len(t.records)-maxRecords:]
	}
	t.requests++
	if rec.Status != "success" {
		t.errors++
	}
	t.inputTotal += uint64(rec.InputTokens)
	t.outputTotal += uint64(rec.OutputTokens)
	t.durTotalMS += uint64(rec.DurationMS)
	queue := t.queue
	t.mu.Unlock()

	if queue != nil {
		select {
		case queue <- &forwardJob{endpoint: t.endpoint, record: rec, logger: t.logger}:
		default:
			t.logger.Debug("Telemetry forward queue full, dropping record")
		}
	}
}

// Snapshot returns the current aggregate view with the last 10 records.
func (t *Telemetry) Snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	stats := Stats{
		RequestsTotal:     t.requests,
		ErrorsTotal:       t.errors,
		InputTokensTotal:  t.inputTotal,
		OutputTokensTotal: t.outputTotal,
	}
	if t.requests > 0 {
		stats.AvgDurationMS = float64(t.durTotalMS) / float64(t.requests)
	}

	n := len(t.records)
	last := n
	if last > snapshotLastN {
		last = snapshotLastN
	}
	stats.LastUsage = make([]UsageRecord, last)
	copy(stats.LastUsage, t.records[n-last:])
	return stats
}

// forwardJob delivers one record to the external collector.
type forwardJob struct {
	endpoint string
	record   UsageRecord
	logger   *slog.Logger
}

var forwardClient = &http.Client{Timeout: forwardTimeout}

func (j *forwardJob) Execute(ctx context.Context) error {
	body, err := json.Marshal(j.record)
	if err != nil {
		return fmt.Errorf("marshal telemetry record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telemetry request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := forwardClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver telemetry record: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("telemetry endpoint returned status %d", resp.StatusCode)
	}
	return nil
}
