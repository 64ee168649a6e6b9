// Package monitor tracks engine performance counters and latency
// histograms, exposed through the status API.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks overall engine performance.
type SystemMetrics struct {
	// Latency histograms
	OrderLatency *LatencyHistogram
	TickLatency  *LatencyHistogram
	DBLatency    *LatencyHistogram
	APILatency   *LatencyHistogram

	// Counters
	entriesPlaced       uint64
	entriesRejected     uint64
	trailAdvances       uint64
	cleanupRuns         uint64
	remediationFailures uint64
	ticksProcessed      uint64
	errorsCount         uint64
	apiRequests         uint64
	apiErrors           uint64
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		OrderLatency: NewLatencyHistogram(1000),
		TickLatency:  NewLatencyHistogram(1000),
		DBLatency:    NewLatencyHistogram(1000),
		APILatency:   NewLatencyHistogram(1000),
	}
}

// LatencyHistogram tracks latency samples with a sliding window and lazy
// stats computation.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99. Only recomputes when the
// samples have changed since the last call.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementEntries counts a fully protected entry.
func (m *SystemMetrics) IncrementEntries() {
	atomic.AddUint64(&m.entriesPlaced, 1)
}

// IncrementRejections counts a gate denial or validation failure.
func (m *SystemMetrics) IncrementRejections() {
	atomic.AddUint64(&m.entriesRejected, 1)
}

// IncrementTrailAdvances counts a successful ladder advance.
func (m *SystemMetrics) IncrementTrailAdvances() {
	atomic.AddUint64(&m.trailAdvances, 1)
}

// IncrementCleanups counts one cleanup pass.
func (m *SystemMetrics) IncrementCleanups() {
	atomic.AddUint64(&m.cleanupRuns, 1)
}

// IncrementRemediationFailures counts a failed self-healing action.
func (m *SystemMetrics) IncrementRemediationFailures() {
	atomic.AddUint64(&m.remediationFailures, 1)
}

// IncrementTicks counts a processed mark-price tick.
func (m *SystemMetrics) IncrementTicks() {
	atomic.AddUint64(&m.ticksProcessed, 1)
}

// IncrementErrors counts a generic error.
func (m *SystemMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
}

// IncrementAPI counts an API request.
func (m *SystemMetrics) IncrementAPI() {
	atomic.AddUint64(&m.apiRequests, 1)
}

// IncrementAPIErrors counts an API request that ended >= 400.
func (m *SystemMetrics) IncrementAPIErrors() {
	atomic.AddUint64(&m.apiErrors, 1)
}

// MetricsSnapshot is a point-in-time metrics view.
type MetricsSnapshot struct {
	OrderLatency        LatencyStats `json:"order_latency"`
	TickLatency         LatencyStats `json:"tick_latency"`
	DBLatency           LatencyStats `json:"db_latency"`
	EntriesPlaced       uint64       `json:"entries_placed"`
	EntriesRejected     uint64       `json:"entries_rejected"`
	TrailAdvances       uint64       `json:"trail_advances"`
	CleanupRuns         uint64       `json:"cleanup_runs"`
	RemediationFailures uint64       `json:"remediation_failures"`
	TicksProcessed      uint64       `json:"ticks_processed"`
	ErrorsCount         uint64       `json:"errors_count"`
	APIRequests         uint64       `json:"api_requests"`
	APIErrors           uint64       `json:"api_errors"`
	APILatency          LatencyStats `json:"api_latency"`
	GoroutineCount      int          `json:"goroutine_count"`
	HeapAlloc           uint64       `json:"heap_alloc_bytes"`
	HeapSys             uint64       `json:"heap_sys_bytes"`
	Timestamp           time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		OrderLatency:        m.OrderLatency.Stats(),
		TickLatency:         m.TickLatency.Stats(),
		DBLatency:           m.DBLatency.Stats(),
		EntriesPlaced:       atomic.LoadUint64(&m.entriesPlaced),
		EntriesRejected:     atomic.LoadUint64(&m.entriesRejected),
		TrailAdvances:       atomic.LoadUint64(&m.trailAdvances),
		CleanupRuns:         atomic.LoadUint64(&m.cleanupRuns),
		RemediationFailures: atomic.LoadUint64(&m.remediationFailures),
		TicksProcessed:      atomic.LoadUint64(&m.ticksProcessed),
		ErrorsCount:         atomic.LoadUint64(&m.errorsCount),
		APIRequests:         atomic.LoadUint64(&m.apiRequests),
		APIErrors:           atomic.LoadUint64(&m.apiErrors),
		APILatency:          m.APILatency.Stats(),
		GoroutineCount:      runtime.NumGoroutine(),
		HeapAlloc:           memStats.HeapAlloc,
		HeapSys:             memStats.HeapSys,
		Timestamp:           time.Now(),
	}
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records elapsed time to the histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
