package gateway

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricLoginSucceeded    = "login.success"
	metricLoginFailedPrefix = "login.failed."
	metricRefreshSucceeded  = "refresh.success"
	metricRefreshRejected   = "refresh.rejected"
	metricLogout            = "logout"
	metricCodeRejected      = "authorization_code.rejected"
	metricCacheDegraded     = "store.cache.degraded"
	metricDurableDegraded   = "store.durable.degraded"
	metricDurableConflict   = "store.durable.conflict_retry"
	metricProbeHealthy      = "probe.cache.healthy"
	metricProbeFailed       = "probe.cache.failed"
)

// MetricsRecorder increments counters for gateway events.
type MetricsRecorder interface {
	Increment(event string)
}

type noopMetrics struct{}

func (noopMetrics) Increment(string) {}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

// PrometheusMetrics exports events as the gateway_events_total counter vector.
type PrometheusMetrics struct {
	events *prometheus.CounterVec
}

// NewPrometheusMetrics registers the counter vector with the registerer.
func NewPrometheusMetrics(registerer prometheus.Registerer) (*PrometheusMetrics, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Name:      "events_total",
		Help:      "Login, refresh, store degradation and probe events.",
	}, []string{"event"})
	if registerer != nil {
		if err := registerer.Register(events); err != nil {
			return nil, err
		}
	}
	return &PrometheusMetrics{events: events}, nil
}

// Increment increases the counter for the given event.
func (recorder *PrometheusMetrics) Increment(event string) {
	recorder.events.WithLabelValues(event).Inc()
}

// Collector exposes the underlying vector, mainly for tests.
func (recorder *PrometheusMetrics) Collector() *prometheus.CounterVec {
	return recorder.events
}
