// Package telemetry provides request-level observability for the compliance
// gateway: counters and latency histograms keyed by admission outcome, with a
// Prometheus text exposition endpoint. These metrics are operational data
// only; the HIPAA audit trail is written separately by the pipeline.
package telemetry

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
)

// latencyBuckets are the histogram upper bounds in seconds.
var latencyBuckets = [...]float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// histogram is a fixed-bucket latency histogram.
type histogram struct {
	counts [len(latencyBuckets) + 1]uint64 // last bucket is +Inf
	sum    float64
	total  uint64
}

func (h *histogram) observe(seconds float64) {
	idx := len(latencyBuckets)
	for i, b := range latencyBuckets {
		if seconds <= b {
			idx = i
			break
		}
	}
	h.counts[idx]++
	h.sum += seconds
	h.total++
}

// Metrics aggregates per-outcome request counters and latencies.
type Metrics struct {
	mu        sync.Mutex
	requests  map[string]uint64 // key: outcome|status
	latencies map[string]*histogram
}

// NewMetrics creates an empty Metrics registry.
func NewMetrics() *Metrics {
	return &Metrics{
		requests:  make(map[string]uint64),
		latencies: make(map[string]*histogram),
	}
}

// RecordRequest records one processed request: its admission outcome, the
// final HTTP status, and the end-to-end latency.
func (m *Metrics) RecordRequest(outcome string, status int, latency time.Duration) {
	key := fmt.Sprintf("%s|%d", outcome, status)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.requests[key]++
	h, ok := m.latencies[outcome]
	if !ok {
		h = &histogram{}
		m.latencies[outcome] = h
	}
	h.observe(latency.Seconds())
}

// RequestCount returns the number of recorded requests for an outcome/status
// pair. Used by tests and the admin status endpoint.
func (m *Metrics) RequestCount(outcome string, status int) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[fmt.Sprintf("%s|%d", outcome, status)]
}

// Expose writes the registry in Prometheus text exposition format.
func (m *Metrics) Expose() string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var b strings.Builder

	b.WriteString("# HELP medvoice_requests_total Processed requests by admission outcome and status.\n")
	b.WriteString("# TYPE medvoice_requests_total counter\n")
	keys := make([]string, 0, len(m.requests))
	for k := range m.requests {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts := strings.SplitN(k, "|", 2)
		fmt.Fprintf(&b, "medvoice_requests_total{outcome=%q,status=%q} %d\n", parts[0], parts[1], m.requests[k])
	}

	b.WriteString("# HELP medvoice_request_duration_seconds Request latency by admission outcome.\n")
	b.WriteString("# TYPE medvoice_request_duration_seconds histogram\n")
	outcomes := make([]string, 0, len(m.latencies))
	for o := range m.latencies {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	for _, o := range outcomes {
		h := m.latencies[o]
		cumulative := uint64(0)
		for i, bound := range latencyBuckets {
			cumulative += h.counts[i]
			fmt.Fprintf(&b, "medvoice_request_duration_seconds_bucket{outcome=%q,le=%q} %d\n", o, formatBound(bound), cumulative)
		}
		cumulative += h.counts[len(latencyBuckets)]
		fmt.Fprintf(&b, "medvoice_request_duration_seconds_bucket{outcome=%q,le=\"+Inf\"} %d\n", o, cumulative)
		fmt.Fprintf(&b, "medvoice_request_duration_seconds_sum{outcome=%q} %g\n", o, h.sum)
		fmt.Fprintf(&b, "medvoice_request_duration_seconds_count{outcome=%q} %d\n", o, h.total)
	}

	return b.String()
}

func formatBound(b float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", b), "0"), ".")
}

// Handler returns an Echo handler serving the metrics endpoint.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.String(http.StatusOK, m.Expose())
	}
}
