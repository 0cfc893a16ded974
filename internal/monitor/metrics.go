package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"omnex-core/internal/persistence"
)

// SystemMetrics tracks overall system performance.
type SystemMetrics struct {
	mu sync.RWMutex

	// Latency histograms
	OrderLatency   *LatencyHistogram
	AdapterLatency *LatencyHistogram
	DBLatency      *LatencyHistogram
	APILatency     *LatencyHistogram

	// Counters
	ordersProcessed uint64
	allocations     uint64
	reconRuns       uint64
	errorsCount     uint64
	apiRequests     uint64
	apiErrors       uint64

	// Write queue stats, refreshed on snapshot.
	queue *persistence.Queue

	lastUpdate time.Time
}

// LatencyHistogram tracks latency samples with a sliding window and lazily
// recomputed stats.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance. The queue may be nil.
func NewSystemMetrics(queue *persistence.Queue) *SystemMetrics {
	return &SystemMetrics{
		OrderLatency:   NewLatencyHistogram(1000),
		AdapterLatency: NewLatencyHistogram(1000),
		DBLatency:      NewLatencyHistogram(1000),
		APILatency:     NewLatencyHistogram(1000),
		queue:          queue,
		lastUpdate:     time.Now(),
	}
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

// Stats returns min, max, avg, p50, p95, p99, recomputed only when samples
// have changed.
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

// IncrementOrders increments the processed orders counter.
func (m *SystemMetrics) IncrementOrders() {
	atomic.AddUint64(&m.ordersProcessed, 1)
}

// IncrementAllocations increments the ledger mutation counter.
func (m *SystemMetrics) IncrementAllocations() {
	atomic.AddUint64(&m.allocations, 1)
}

// IncrementReconRuns increments the reconciliation cycle counter.
func (m *SystemMetrics) IncrementReconRuns() {
	atomic.AddUint64(&m.reconRuns, 1)
}

// IncrementErrors increments the error counter.
func (m *SystemMetrics) IncrementErrors() {
	atomic.AddUint64(&m.errorsCount, 1)
}

// IncrementAPI increments the served request counter.
func (m *SystemMetrics) IncrementAPI() {
	atomic.AddUint64(&m.apiRequests, 1)
}

// IncrementAPIErrors increments the 4xx/5xx response counter.
func (m *SystemMetrics) IncrementAPIErrors() {
	atomic.AddUint64(&m.apiErrors, 1)
}

// MetricsSnapshot is a point-in-time view served at the metrics endpoint.
type MetricsSnapshot struct {
	OrderLatency    LatencyStats             `json:"order_latency"`
	AdapterLatency  LatencyStats             `json:"adapter_latency"`
	DBLatency       LatencyStats             `json:"db_latency"`
	APILatency      LatencyStats             `json:"api_latency"`
	OrdersProcessed uint64                   `json:"orders_processed"`
	Allocations     uint64                   `json:"allocations"`
	ReconRuns       uint64                   `json:"recon_runs"`
	ErrorsCount     uint64                   `json:"errors_count"`
	APIRequests     uint64                   `json:"api_requests"`
	APIErrors       uint64                   `json:"api_errors"`
	WriteQueue      persistence.QueueMetrics `json:"write_queue"`
	WriteQueueDepth int                      `json:"write_queue_depth"`
	GoroutineCount  int                      `json:"goroutine_count"`
	HeapAlloc       uint64                   `json:"heap_alloc_bytes"`
	HeapSys         uint64                   `json:"heap_sys_bytes"`
	Timestamp       time.Time                `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	snap := MetricsSnapshot{
		OrderLatency:    m.OrderLatency.Stats(),
		AdapterLatency:  m.AdapterLatency.Stats(),
		DBLatency:       m.DBLatency.Stats(),
		APILatency:      m.APILatency.Stats(),
		OrdersProcessed: atomic.LoadUint64(&m.ordersProcessed),
		Allocations:     atomic.LoadUint64(&m.allocations),
		ReconRuns:       atomic.LoadUint64(&m.reconRuns),
		ErrorsCount:     atomic.LoadUint64(&m.errorsCount),
		APIRequests:     atomic.LoadUint64(&m.apiRequests),
		APIErrors:       atomic.LoadUint64(&m.apiErrors),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		HeapSys:         memStats.HeapSys,
		Timestamp:       time.Now(),
	}
	if m.queue != nil {
		snap.WriteQueue = m.queue.Metrics()
		snap.WriteQueueDepth = m.queue.Pending()
	}
	return snap
}

// Timer helps measure operation duration.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{
		start:     time.Now(),
		histogram: h,
	}
}

// Stop records elapsed time to the histogram.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
