package syncbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mirkobrombin/go-fairlock/v1/metrics"
)

// ErrCircuitOpen is returned by Publish while the breaker rejects signals.
var ErrCircuitOpen = errors.New("syncbus: circuit breaker is open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerOption customises a CircuitBreakerBus.
type BreakerOption func(*CircuitBreakerBus)

// WithBreakerLogger sets the logger used for state changes.
func WithBreakerLogger(logger *slog.Logger) BreakerOption {
	return func(cb *CircuitBreakerBus) {
		if logger != nil {
			cb.logger = logger
		}
	}
}

// CircuitBreakerBus guards the publishing side of a deletion signal
// transport. After threshold consecutive failures it stops publishing for
// cooldown; meanwhile watchers only learn about deletions from their
// liveness poll. The first Publish after the cooldown is a trial that
// decides whether signals resume.
type CircuitBreakerBus struct {
	bus       Bus
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
}

// NewCircuitBreaker wraps bus.
func NewCircuitBreaker(bus Bus, threshold int, cooldown time.Duration, opts ...BreakerOption) *CircuitBreakerBus {
	if threshold < 1 {
		threshold = 1
	}
	cb := &CircuitBreakerBus{
		bus:       bus,
		threshold: threshold,
		cooldown:  cooldown,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// IsHealthy reports whether the next Publish would reach the transport.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerOpen:
		return time.Since(cb.openedAt) > cb.cooldown
	case breakerHalfOpen:
		return false
	}
	return true
}

// admit decides whether a publish may go through, moving an open breaker
// whose cooldown elapsed to half-open.
func (cb *CircuitBreakerBus) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(cb.openedAt) <= cb.cooldown {
			return false
		}
		cb.state = breakerHalfOpen
		return true
	}
	return false
}

// record feeds back the outcome of an admitted publish.
func (cb *CircuitBreakerBus) record(key string, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	prev := cb.state
	if err == nil {
		cb.failures = 0
		cb.state = breakerClosed
		if prev != breakerClosed {
			metrics.SignalBreakerOpen.Set(0)
			cb.logger.Info("deletion signals resumed", "key", key)
		}
		return
	}
	cb.failures++
	if prev == breakerHalfOpen || cb.failures >= cb.threshold {
		cb.state = breakerOpen
		cb.openedAt = time.Now()
		if prev == breakerClosed {
			metrics.SignalBreakerOpen.Set(1)
			cb.logger.Warn("deletion signals suspended, watches fall back to polling",
				"failures", cb.failures, "cooldown", cb.cooldown, "error", err)
		}
	}
}

// Publish implements Bus.Publish.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, key string) error {
	if !cb.admit() {
		metrics.SignalsDroppedCounter.Inc()
		return ErrCircuitOpen
	}
	err := cb.bus.Publish(ctx, key)
	cb.record(key, err)
	return err
}

// Subscribe passes through: a broken transport shows up on Publish first,
// and watchers keep polling whatever the subscription does.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	return cb.bus.Subscribe(ctx, key)
}

// Unsubscribe implements Bus.Unsubscribe.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	return cb.bus.Unsubscribe(ctx, key, ch)
}
