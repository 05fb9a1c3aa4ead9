package monitor

import (
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SystemMetrics exposes engine counters to Prometheus and keeps an in-process
// latency window for the status endpoint.
type SystemMetrics struct {
	registry *prometheus.Registry

	ordersSubmitted *prometheus.CounterVec // by result
	orderTerminal   *prometheus.CounterVec // by status
	fills           *prometheus.CounterVec // by symbol
	ticks           *prometheus.CounterVec // by symbol, accepted
	riskRejections  *prometheus.CounterVec // by reason
	ledgerOps       *prometheus.CounterVec // by op, result
	supervisors     *prometheus.GaugeVec   // by kind
	feedStale       *prometheus.GaugeVec   // by symbol
	apiRequests     *prometheus.CounterVec // by method, status class
	submitLatency   prometheus.Histogram

	OrderLatency *LatencyHistogram
	APILatency   *LatencyHistogram

	startedAt time.Time
}

// NewSystemMetrics registers all collectors on a private registry.
func NewSystemMetrics() *SystemMetrics {
	reg := prometheus.NewRegistry()
	m := &SystemMetrics{
		registry: reg,
		ordersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordercore_orders_submitted_total",
			Help: "Order submissions by result.",
		}, []string{"result"}),
		orderTerminal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordercore_orders_terminal_total",
			Help: "Orders reaching a terminal status.",
		}, []string{"status"}),
		fills: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordercore_fills_total",
			Help: "Fills executed by symbol.",
		}, []string{"symbol"}),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordercore_ticks_total",
			Help: "Price ticks received by symbol and whether they were applied.",
		}, []string{"symbol", "accepted"}),
		riskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordercore_risk_rejections_total",
			Help: "Risk gate rejections by reason.",
		}, []string{"reason"}),
		ledgerOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordercore_ledger_operations_total",
			Help: "Balance ledger operations by type and result.",
		}, []string{"op", "result"}),
		supervisors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ordercore_supervisors_active",
			Help: "Running advanced-order supervisors by kind.",
		}, []string{"kind"}),
		feedStale: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ordercore_feed_stale",
			Help: "1 when the symbol's price feed is stale.",
		}, []string{"symbol"}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ordercore_api_requests_total",
			Help: "HTTP requests by method and status class.",
		}, []string{"method", "class"}),
		submitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ordercore_submit_seconds",
			Help:    "Order submission latency.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 16),
		}),
		OrderLatency: NewLatencyHistogram(1000),
		APILatency:   NewLatencyHistogram(1000),
		startedAt:    time.Now(),
	}
	reg.MustRegister(
		m.ordersSubmitted, m.orderTerminal, m.fills, m.ticks, m.riskRejections,
		m.ledgerOps, m.supervisors, m.feedStale, m.apiRequests, m.submitLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the Prometheus exposition format.
func (m *SystemMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *SystemMetrics) Registry() *prometheus.Registry { return m.registry }

// ObserveSubmit records a submission outcome and its latency.
func (m *SystemMetrics) ObserveSubmit(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.ordersSubmitted.WithLabelValues(result).Inc()
	m.submitLatency.Observe(d.Seconds())
	m.OrderLatency.RecordDuration(d)
}

// ObserveTerminal counts an order reaching status.
func (m *SystemMetrics) ObserveTerminal(status string) {
	if m == nil {
		return
	}
	m.orderTerminal.WithLabelValues(status).Inc()
}

// ObserveFill counts a fill.
func (m *SystemMetrics) ObserveFill(symbol string) {
	if m == nil {
		return
	}
	m.fills.WithLabelValues(symbol).Inc()
}

// ObserveTick counts a received tick.
func (m *SystemMetrics) ObserveTick(symbol string, accepted bool) {
	if m == nil {
		return
	}
	a := "false"
	if accepted {
		a = "true"
	}
	m.ticks.WithLabelValues(symbol, a).Inc()
}

// ObserveRiskRejection counts a gate rejection.
func (m *SystemMetrics) ObserveRiskRejection(reason string) {
	if m == nil {
		return
	}
	m.riskRejections.WithLabelValues(reason).Inc()
}

// ObserveLedger counts a ledger operation.
func (m *SystemMetrics) ObserveLedger(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.ledgerOps.WithLabelValues(op, result).Inc()
}

// SetSupervisors sets the running supervisor count of a kind.
func (m *SystemMetrics) SetSupervisors(kind string, n int) {
	if m == nil {
		return
	}
	m.supervisors.WithLabelValues(kind).Set(float64(n))
}

// SetFeedStale flags a symbol's feed.
func (m *SystemMetrics) SetFeedStale(symbol string, stale bool) {
	if m == nil {
		return
	}
	v := 0.0
	if stale {
		v = 1
	}
	m.feedStale.WithLabelValues(symbol).Set(v)
}

// ObserveAPI counts a request.
func (m *SystemMetrics) ObserveAPI(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	class := "2xx"
	switch {
	case status >= 500:
		class = "5xx"
	case status >= 400:
		class = "4xx"
	case status >= 300:
		class = "3xx"
	}
	m.apiRequests.WithLabelValues(method, class).Inc()
	m.APILatency.RecordDuration(d)
}

// LatencyHistogram tracks latency samples with sliding window.
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

// Stats returns min, max, avg, p50, p95, p99, recomputed only after new samples.
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
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
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

// MetricsSnapshot is the JSON status view.
type MetricsSnapshot struct {
	OrderLatency   LatencyStats `json:"order_latency"`
	APILatency     LatencyStats `json:"api_latency"`
	GoroutineCount int          `json:"goroutine_count"`
	HeapAlloc      uint64       `json:"heap_alloc_bytes"`
	Uptime         string       `json:"uptime"`
	Timestamp      time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		OrderLatency:   m.OrderLatency.Stats(),
		APILatency:     m.APILatency.Stats(),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      memStats.HeapAlloc,
		Uptime:         time.Since(m.startedAt).Truncate(time.Second).String(),
		Timestamp:      time.Now(),
	}
}
