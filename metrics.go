package snapfs

import (
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for an engine.
type Metrics struct {
	calls    *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	watches  prometheus.Gauge
}

// NewMetrics creates engine metrics and registers them with reg. A nil reg
// leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapfs",
			Subsystem: "backend",
			Name:      "calls_total",
			Help:      "Backend calls by mount and operation.",
		}, []string{"mount", "op"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "snapfs",
			Subsystem: "backend",
			Name:      "failures_total",
			Help:      "Backend calls that failed with something other than a missing path.",
		}, []string{"mount", "op"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "snapfs",
			Subsystem: "backend",
			Name:      "call_duration_seconds",
			Help:      "Backend call latency.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"mount", "op"}),
		watches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "snapfs",
			Name:      "active_watches",
			Help:      "Watch subscriptions currently open.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.calls, m.failures, m.duration, m.watches)
	}
	return m
}

// MetricsInterceptor counts and times every backend call.
func MetricsInterceptor(m *Metrics) Interceptor {
	return Intercept(func(mount, op, name string, call func() error) error {
		start := time.Now()
		err := call()
		m.calls.WithLabelValues(mount, op).Inc()
		m.duration.WithLabelValues(mount, op).Observe(time.Since(start).Seconds())
		if err != nil && !os.IsNotExist(err) {
			m.failures.WithLabelValues(mount, op).Inc()
		}
		return err
	})
}
