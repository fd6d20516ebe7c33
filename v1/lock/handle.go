package lock

import (
	"context"
	"sync"
	"time"
)

// Handle is one acquisition attempt. It is returned by Acquire once the
// lock is held and passed back to Release.
type Handle struct {
	resource string
	group    string
	token    string
	reg      registry

	acquiredAt time.Time

	mu       sync.Mutex
	cancel   context.CancelFunc // stops the holding monitor
	released bool
	err      error
	lost     chan struct{}
}

func newHandle(resource, group, token string) *Handle {
	return &Handle{
		resource: resource,
		group:    group,
		token:    token,
		lost:     make(chan struct{}),
		cancel:   func() {},
	}
}

// Resource returns the locked resource name.
func (h *Handle) Resource() string { return h.resource }

// Path returns the contender node owned by the attempt.
func (h *Handle) Path() string { return h.reg.path() }

// Token returns the owner token stored in the contender node.
func (h *Handle) Token() string { return h.token }

// State returns the current lifecycle state.
func (h *Handle) State() State { return h.reg.current() }

// AcquiredAt returns when the lock became held.
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// Lost is closed when a held lock is lost without a Release, because the
// session expired or the node was removed by someone else.
func (h *Handle) Lost() <-chan struct{} { return h.lost }

// Err returns the *LostError that closed Lost, or nil.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// markLost records err once and closes Lost. It reports false when the
// handle was already released or lost.
func (h *Handle) markLost(err error) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released || h.err != nil {
		return false
	}
	h.err = err
	close(h.lost)
	return true
}

// beginRelease flips the handle to released. Only the first caller gets true.
func (h *Handle) beginRelease() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return false
	}
	h.released = true
	return true
}

// swapMonitor installs cancel as the stop function of the holding monitor
// and returns the previous one.
func (h *Handle) swapMonitor(cancel context.CancelFunc) context.CancelFunc {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.cancel
	h.cancel = cancel
	return prev
}

func (h *Handle) abortRelease() {
	h.mu.Lock()
	h.released = false
	h.mu.Unlock()
}

func (h *Handle) isReleasing() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}
