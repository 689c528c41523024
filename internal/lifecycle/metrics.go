package lifecycle

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// recentResultCap bounds the in-memory operation history served by the
// admin status endpoint.
const recentResultCap = 200

// OperationResult is one completed lifecycle operation, kept in the recent
// ring and counted in Prometheus.
type OperationResult struct {
	Operation   string         `json:"operation"`
	DatasetSlug string         `json:"datasetSlug"`
	Status      string         `json:"status"` // completed | failed | skipped
	DurationMs  int64          `json:"durationMs"`
	Detail      map[string]any `json:"detail,omitempty"`
	FinishedAt  time.Time      `json:"finishedAt"`
}

// Metrics tracks lifecycle operation outcomes: a bounded recent-results
// ring for the status endpoint and Prometheus series for scraping.
type Metrics struct {
	mu     sync.Mutex
	ring   []OperationResult
	next   int
	filled bool

	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

// NewMetrics registers the lifecycle series on a registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ring: make([]OperationResult, recentResultCap),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "timestore",
			Subsystem: "lifecycle",
			Name:      "operations_total",
			Help:      "Lifecycle operations by operation and status.",
		}, []string{"operation", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "timestore",
			Subsystem: "lifecycle",
			Name:      "operation_duration_seconds",
			Help:      "Lifecycle operation wall time.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"operation"}),
	}

	if reg != nil {
		reg.MustRegister(m.operations, m.duration)
	}

	return m
}

// Record adds one finished operation.
func (m *Metrics) Record(result OperationResult) {
	if result.FinishedAt.IsZero() {
		result.FinishedAt = time.Now().UTC()
	}

	m.operations.WithLabelValues(result.Operation, result.Status).Inc()
	m.duration.WithLabelValues(result.Operation).Observe(float64(result.DurationMs) / 1000)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.ring[m.next] = result
	m.next = (m.next + 1) % len(m.ring)

	if m.next == 0 {
		m.filled = true
	}
}

// Recent returns finished operations newest-first, up to the ring capacity.
func (m *Metrics) Recent() []OperationResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	size := m.next
	if m.filled {
		size = len(m.ring)
	}

	out := make([]OperationResult, 0, size)

	for i := 1; i <= size; i++ {
		out = append(out, m.ring[(m.next-i+len(m.ring))%len(m.ring)])
	}

	return out
}
