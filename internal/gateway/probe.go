package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

const (
	DefaultProbeInitialDelay = 3 * time.Second
	DefaultProbeInterval     = 2 * time.Second
	DefaultProbeMaxAttempts  = 3

	probeKey   = "connection:test"
	probeValue = "ok"
	probeTTL   = 10 * time.Second
)

// ProbeState is the advisory outcome of the cache connectivity probe.
type ProbeState string

const (
	ProbeStatePending  ProbeState = "pending"
	ProbeStateHealthy  ProbeState = "healthy"
	ProbeStateFailed   ProbeState = "failed"
	ProbeStateDisabled ProbeState = "disabled"
)

// ProbeStatus is a snapshot of the probe outcome.
type ProbeStatus struct {
	State     ProbeState `json:"state"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"lastError,omitempty"`
	CheckedAt time.Time  `json:"checkedAt,omitempty"`
}

// ProbeOption customizes a ConnectivityProbe.
type ProbeOption func(*ConnectivityProbe)

// WithProbeTiming overrides the initial delay, spacing, and attempt budget.
func WithProbeTiming(initialDelay time.Duration, interval time.Duration, maxAttempts int) ProbeOption {
	return func(probe *ConnectivityProbe) {
		if initialDelay >= 0 {
			probe.initialDelay = initialDelay
		}
		if interval > 0 {
			probe.interval = interval
		}
		if maxAttempts > 0 {
			probe.maxAttempts = maxAttempts
		}
	}
}

// WithProbeLogger sets the probe logger.
func WithProbeLogger(logger *zap.Logger) ProbeOption {
	return func(probe *ConnectivityProbe) {
		if logger != nil {
			probe.logger = logger
		}
	}
}

// WithProbeMetrics sets the probe metrics recorder.
func WithProbeMetrics(metrics MetricsRecorder) ProbeOption {
	return func(probe *ConnectivityProbe) {
		if metrics != nil {
			probe.metrics = metrics
		}
	}
}

// ConnectivityProbe exercises the cache tier once shortly after startup.
// Its outcome is observability only; request handling never waits on it.
type ConnectivityProbe struct {
	cache        CacheTier
	initialDelay time.Duration
	interval     time.Duration
	maxAttempts  int
	callTimeout  time.Duration
	logger       *zap.Logger
	metrics      MetricsRecorder
	clock        Clock

	mutex  sync.RWMutex
	status ProbeStatus
}

// NewConnectivityProbe builds a probe for the cache tier; a nil tier reports disabled.
func NewConnectivityProbe(cache CacheTier, options ...ProbeOption) *ConnectivityProbe {
	probe := &ConnectivityProbe{
		cache:        cache,
		initialDelay: DefaultProbeInitialDelay,
		interval:     DefaultProbeInterval,
		maxAttempts:  DefaultProbeMaxAttempts,
		callTimeout:  DefaultStoreTimeout,
		logger:       zap.NewNop(),
		metrics:      noopMetrics{},
		clock:        NewSystemClock(),
		status:       ProbeStatus{State: ProbeStatePending},
	}
	if cache == nil {
		probe.status.State = ProbeStateDisabled
	}
	for _, option := range options {
		option(probe)
	}
	return probe
}

// Status returns the latest probe outcome.
func (probe *ConnectivityProbe) Status() ProbeStatus {
	probe.mutex.RLock()
	defer probe.mutex.RUnlock()
	return probe.status
}

// Run waits the initial delay, then checks connectivity with a bounded retry.
// It always returns nil so it can run beside the server without failing it.
func (probe *ConnectivityProbe) Run(ctx context.Context) error {
	if probe.cache == nil {
		return nil
	}
	timer := time.NewTimer(probe.initialDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-timer.C:
	}

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, probe.check(ctx)
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(probe.interval)),
		backoff.WithMaxTries(uint(probe.maxAttempts)),
		backoff.WithNotify(func(notifyErr error, wait time.Duration) {
			probe.logger.Warn("cache probe attempt failed",
				zap.String("code", "probe.cache.retry"),
				zap.Int("attempt", attempts),
				zap.Duration("retry_in", wait),
				zap.Error(notifyErr))
		}),
	)
	if err != nil && ctx.Err() != nil {
		return nil
	}

	status := ProbeStatus{State: ProbeStateHealthy, Attempts: attempts, CheckedAt: probe.clock.Now()}
	if err != nil {
		status.State = ProbeStateFailed
		status.LastError = err.Error()
		probe.logger.Warn("cache tier unreachable after probe",
			zap.String("code", "probe.cache.failed"),
			zap.Int("attempts", attempts),
			zap.Error(err))
		probe.metrics.Increment(metricProbeFailed)
	} else {
		probe.logger.Info("cache tier reachable",
			zap.String("code", "probe.cache.healthy"),
			zap.Int("attempts", attempts))
		probe.metrics.Increment(metricProbeHealthy)
	}
	probe.mutex.Lock()
	probe.status = status
	probe.mutex.Unlock()
	return nil
}

func (probe *ConnectivityProbe) check(ctx context.Context) error {
	pingCtx, cancelPing := context.WithTimeout(ctx, probe.callTimeout)
	defer cancelPing()
	if err := probe.cache.Ping(pingCtx); err != nil {
		return fmt.Errorf("probe.ping: %w", err)
	}
	setCtx, cancelSet := context.WithTimeout(ctx, probe.callTimeout)
	defer cancelSet()
	if err := probe.cache.Set(setCtx, probeKey, probeValue, probeTTL); err != nil {
		return fmt.Errorf("probe.set: %w", err)
	}
	return nil
}
