// Package validator sweeps a coordination backend for contender nodes whose
// session died without the backend noticing.
package validator

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-fairlock/v1/coord"
	"github.com/mirkobrombin/go-fairlock/v1/metrics"
)

// Mode defines validator behaviour.
type Mode int

const (
	// ModeNoop only counts orphans.
	ModeNoop Mode = iota
	// ModeAlert counts and logs them.
	ModeAlert
	// ModeAutoHeal deletes them, which wakes the contender queued behind.
	ModeAutoHeal
)

func (m Mode) String() string {
	switch m {
	case ModeNoop:
		return "noop"
	case ModeAlert:
		return "alert"
	case ModeAutoHeal:
		return "autoheal"
	default:
		return "unknown"
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, bool) {
	for _, m := range []Mode{ModeNoop, ModeAlert, ModeAutoHeal} {
		if m.String() == s {
			return m, true
		}
	}
	return ModeNoop, false
}

// Validator periodically looks for orphaned contender nodes.
type Validator struct {
	finder   coord.OrphanFinder
	mode     Mode
	interval time.Duration
	logger   *slog.Logger
	orphans  uint64
	healed   uint64
}

// Option configures a Validator.
type Option func(*Validator)

// WithLogger sets the logger used in ModeAlert and for sweep failures.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Validator) { v.logger = logger }
}

// New creates a new Validator.
func New(f coord.OrphanFinder, mode Mode, interval time.Duration, opts ...Option) *Validator {
	v := &Validator{finder: f, mode: mode, interval: interval, logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Run starts the validation loop. It returns when ctx ends.
func (v *Validator) Run(ctx context.Context) {
	if v.finder == nil {
		return
	}
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Scan(ctx)
		}
	}
}

// Scan runs one sweep and returns the orphans it saw.
func (v *Validator) Scan(ctx context.Context) []coord.Orphan {
	found, err := v.finder.Orphans(ctx)
	if err != nil {
		v.logger.Warn("orphan scan failed", "error", err)
		return nil
	}
	for _, o := range found {
		atomic.AddUint64(&v.orphans, 1)
		metrics.OrphanCounter.Inc()
		switch v.mode {
		case ModeAlert:
			v.logger.Warn("orphaned contender node", "path", o.Path, "session", o.Session)
		case ModeAutoHeal:
			if err := v.finder.Reap(ctx, o); err != nil {
				v.logger.Warn("reaping orphan failed", "path", o.Path, "error", err)
				continue
			}
			atomic.AddUint64(&v.healed, 1)
		}
	}
	return found
}

// Metrics returns the number of orphans detected.
func (v *Validator) Metrics() uint64 {
	return atomic.LoadUint64(&v.orphans)
}

// Healed returns the number of orphans removed in ModeAutoHeal.
func (v *Validator) Healed() uint64 {
	return atomic.LoadUint64(&v.healed)
}
