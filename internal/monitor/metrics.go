package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DispatchMetrics tracks order dispatch and reconciliation performance.
type DispatchMetrics struct {
	// Submit to terminal result.
	OrderLatency *LatencyHistogram
	// One logical transport call, failovers included.
	TransportLatency *LatencyHistogram
	// One full reconciliation pass.
	ReconcileLatency *LatencyHistogram

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	withdrawn atomic.Uint64
	failovers atomic.Uint64
	passes    atomic.Uint64
	corrected atomic.Uint64

	mu           sync.RWMutex
	failedByKind map[string]uint64
}

// NewDispatchMetrics creates a new metrics instance.
func NewDispatchMetrics() *DispatchMetrics {
	return &DispatchMetrics{
		OrderLatency:     NewLatencyHistogram(1000),
		TransportLatency: NewLatencyHistogram(1000),
		ReconcileLatency: NewLatencyHistogram(200),
		failedByKind:     make(map[string]uint64),
	}
}

// LatencyHistogram keeps the most recent samples in a fixed ring. Stats are
// recomputed only after new samples arrive.
type LatencyHistogram struct {
	mu     sync.Mutex
	ring   []float64
	next   int
	full   bool
	stale  bool
	cached LatencyStats
}

// NewLatencyHistogram returns a histogram over the last size samples.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{ring: make([]float64, size)}
}

// Record adds a sample in milliseconds, overwriting the oldest once full.
func (h *LatencyHistogram) Record(ms float64) {
	h.mu.Lock()
	h.ring[h.next] = ms
	h.next++
	if h.next == len(h.ring) {
		h.next = 0
		h.full = true
	}
	h.stale = true
	h.mu.Unlock()
}

// RecordDuration records d in milliseconds.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d) / float64(time.Millisecond))
}

func (h *LatencyHistogram) window() []float64 {
	if h.full {
		return h.ring
	}
	return h.ring[:h.next]
}

// Stats summarises the current window.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.stale {
		return h.cached
	}

	sorted := append([]float64(nil), h.window()...)
	h.stale = false
	if len(sorted) == 0 {
		h.cached = LatencyStats{}
		return h.cached
	}
	sort.Float64s(sorted)

	var total float64
	for _, v := range sorted {
		total += v
	}
	h.cached = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Avg:   total / float64(len(sorted)),
		P50:   quantile(sorted, 0.50),
		P95:   quantile(sorted, 0.95),
		P99:   quantile(sorted, 0.99),
		Count: len(sorted),
	}
	return h.cached
}

// quantile picks the nearest-rank value from an ascending slice.
func quantile(sorted []float64, q float64) float64 {
	i := int(float64(len(sorted)) * q)
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}

// LatencyStats is a summary of one histogram window, in milliseconds.
type LatencyStats struct {
	Min   float64 `json:"min_ms"`
	Max   float64 `json:"max_ms"`
	Avg   float64 `json:"avg_ms"`
	P50   float64 `json:"p50_ms"`
	P95   float64 `json:"p95_ms"`
	P99   float64 `json:"p99_ms"`
	Count int     `json:"count"`
}

func (m *DispatchMetrics) IncSubmitted() { m.submitted.Add(1) }
func (m *DispatchMetrics) IncCompleted() { m.completed.Add(1) }
func (m *DispatchMetrics) IncWithdrawn() { m.withdrawn.Add(1) }

// IncFailed counts a failed operation under its error kind.
func (m *DispatchMetrics) IncFailed(kind string) {
	m.failed.Add(1)
	m.mu.Lock()
	m.failedByKind[kind]++
	m.mu.Unlock()
}

// AddFailovers counts endpoints abandoned during a transport call.
func (m *DispatchMetrics) AddFailovers(n int) {
	if n > 0 {
		m.failovers.Add(uint64(n))
	}
}

// RecordPass counts a reconciliation pass and the positions it corrected.
func (m *DispatchMetrics) RecordPass(d time.Duration, corrected int) {
	m.passes.Add(1)
	if corrected > 0 {
		m.corrected.Add(uint64(corrected))
	}
	m.ReconcileLatency.RecordDuration(d)
}

// MetricsSnapshot is a point-in-time view of DispatchMetrics.
type MetricsSnapshot struct {
	OrderLatency     LatencyStats      `json:"order_latency"`
	TransportLatency LatencyStats      `json:"transport_latency"`
	ReconcileLatency LatencyStats      `json:"reconcile_latency"`
	Submitted        uint64            `json:"submitted"`
	Completed        uint64            `json:"completed"`
	Failed           uint64            `json:"failed"`
	FailedByKind     map[string]uint64 `json:"failed_by_kind"`
	Withdrawn        uint64            `json:"withdrawn"`
	Failovers        uint64            `json:"failovers"`
	ReconcilePasses  uint64            `json:"reconcile_passes"`
	Corrected        uint64            `json:"positions_corrected"`
	GoroutineCount   int               `json:"goroutine_count"`
	HeapAlloc        uint64            `json:"heap_alloc_bytes"`
	Timestamp        time.Time         `json:"timestamp"`
}

// Snapshot returns a point-in-time metrics snapshot.
func (m *DispatchMetrics) Snapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	m.mu.RLock()
	byKind := make(map[string]uint64, len(m.failedByKind))
	for k, v := range m.failedByKind {
		byKind[k] = v
	}
	m.mu.RUnlock()

	return MetricsSnapshot{
		OrderLatency:     m.OrderLatency.Stats(),
		TransportLatency: m.TransportLatency.Stats(),
		ReconcileLatency: m.ReconcileLatency.Stats(),
		Submitted:        m.submitted.Load(),
		Completed:        m.completed.Load(),
		Failed:           m.failed.Load(),
		FailedByKind:     byKind,
		Withdrawn:        m.withdrawn.Load(),
		Failovers:        m.failovers.Load(),
		ReconcilePasses:  m.passes.Load(),
		Corrected:        m.corrected.Load(),
		GoroutineCount:   runtime.NumGoroutine(),
		HeapAlloc:        memStats.HeapAlloc,
		Timestamp:        time.Now(),
	}
}
