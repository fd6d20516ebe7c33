package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// AcquireCounter counts finished Acquire calls by outcome
	// (held, timeout, lost, connection, error).
	AcquireCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fairlock_acquire_total",
		Help: "Total number of Acquire calls by outcome",
	}, []string{"outcome"})
	// AcquireDuration observes the time from Acquire to holding the lock.
	AcquireDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "fairlock_acquire_duration_seconds",
		Help:    "Time taken to acquire a lock",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	// ReleaseCounter tracks Release calls.
	ReleaseCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fairlock_release_total",
		Help: "Total number of Release calls",
	})
	// WatchFireCounter tracks predecessor watch fires handled by waiters.
	WatchFireCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fairlock_watch_fires_total",
		Help: "Total number of predecessor watch fires",
	})
	// WatchRaceCounter tracks predecessors that vanished before the watch was armed.
	WatchRaceCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fairlock_watch_races_total",
		Help: "Total number of predecessors gone before their watch was armed",
	})
	// RetryCounter tracks transient coordination errors that were retried.
	RetryCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fairlock_transient_retries_total",
		Help: "Total number of retried transient coordination errors",
	})
	// LostCounter counts lost locks by phase (waiting, holding).
	LostCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fairlock_lost_total",
		Help: "Total number of locks lost without a release",
	}, []string{"phase"})
	// HeldGauge reports locks currently held by this process.
	HeldGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fairlock_held",
		Help: "Current number of held locks",
	})
	// WaitingGauge reports attempts currently queued behind a predecessor.
	WaitingGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fairlock_waiting",
		Help: "Current number of waiting attempts",
	})
	// OrphanCounter counts contender nodes found without a live session.
	OrphanCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fairlock_orphans_total",
		Help: "Total number of orphaned contender nodes detected",
	})
	// SignalBreakerOpen is 1 while deletion signals are suspended and
	// watches rely on liveness polling alone.
	SignalBreakerOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fairlock_signal_breaker_open",
		Help: "Whether the deletion signal circuit breaker is open",
	})
	// SignalsDroppedCounter counts deletion signals rejected by an open breaker.
	SignalsDroppedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fairlock_signals_dropped_total",
		Help: "Total number of deletion signals dropped while the breaker was open",
	})
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		AcquireCounter,
		AcquireDuration,
		ReleaseCounter,
		WatchFireCounter,
		WatchRaceCounter,
		RetryCounter,
		LostCounter,
		HeldGauge,
		WaitingGauge,
		OrphanCounter,
		SignalBreakerOpen,
		SignalsDroppedCounter,
	}
}

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterLockMetrics registers the lock metrics on the provided registry.
func RegisterLockMetrics(reg prometheus.Registerer) {
	reg.MustRegister(collectors()...)
}

// EnsureLockMetrics is RegisterLockMetrics for callers that may register
// more than once on the same registry: collectors already present are kept.
func EnsureLockMetrics(reg prometheus.Registerer) error {
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
