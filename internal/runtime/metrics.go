package runtime

import "github.com/prometheus/client_golang/prometheus"

// Metrics tracks run outcomes the run rows alone cannot expose to scraping.
type Metrics struct {
	cancelledSteps prometheus.Counter
}

// NewMetrics registers the runtime series on a registerer. A nil registerer
// keeps the series local, which the tests use.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cancelledSteps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "timestore",
			Subsystem: "jobs",
			Name:      "cancelled_steps_total",
			Help:      "Job run execution steps stopped by cancellation.",
		}),
	}

	if reg != nil {
		reg.MustRegister(m.cancelledSteps)
	}

	return m
}

// CancelledStep counts one execution step interrupted by a cancel request.
func (m *Metrics) CancelledStep() {
	if m == nil {
		return
	}

	m.cancelledSteps.Inc()
}
