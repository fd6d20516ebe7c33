// Package gate provides a boolean wait/notify gate. Waiters block while the
// gate is closed and are released together when it opens.
package gate

import (
	"context"
	"sync"
	"time"
)

// Gate is safe for concurrent use.
type Gate struct {
	mu   sync.Mutex
	open bool
	ch   chan struct{}
}

// New returns a gate in the given state.
func New(open bool) *Gate {
	g := &Gate{ch: make(chan struct{})}
	if open {
		g.open = true
		close(g.ch)
	}
	return g
}

// Set opens or closes the gate. Opening wakes every waiter.
func (g *Gate) Set(open bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if open == g.open {
		return
	}
	g.open = open
	if open {
		close(g.ch)
	} else {
		g.ch = make(chan struct{})
	}
}

// State reports whether the gate is open.
func (g *Gate) State() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Wait blocks until the gate is open or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitTimeout is Wait bounded by d.
func (g *Gate) WaitTimeout(ctx context.Context, d time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return g.Wait(ctx)
}
