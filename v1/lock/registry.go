package lock

import (
	"sort"
	"strings"
	"sync"

	"github.com/mirkobrombin/go-fairlock/v1/coord"
)

// registry records the node an attempt owns and the predecessor it watches.
// The attempt goroutine is the only writer; readers take the lock.
type registry struct {
	mu       sync.RWMutex
	self     string
	watching string
	state    State
}

func (r *registry) bind(self string) {
	r.mu.Lock()
	r.self = self
	r.mu.Unlock()
}

func (r *registry) watch(pred string) {
	r.mu.Lock()
	r.watching = pred
	r.mu.Unlock()
}

// setState returns the previous state.
func (r *registry) setState(s State) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.state
	r.state = s
	if s != StateWaiting {
		r.watching = ""
	}
	return prev
}

func (r *registry) snapshot() (self, watching string, state State) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self, r.watching, r.state
}

func (r *registry) path() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.self
}

func (r *registry) current() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// isContender reports whether name is a contender node created with
// prefix. Protected creates may put a marker in front of prefix.
func isContender(name, prefix string) (int64, bool) {
	seq, ok := coord.ParseSequence(name)
	if !ok || !strings.HasSuffix(name[:len(name)-coord.SequenceWidth], prefix) {
		return 0, false
	}
	return seq, true
}

// contenders keeps the contender nodes among names and orders them by
// sequence suffix. Group nodes of nested resources are skipped.
func contenders(names []string, prefix string) []string {
	type entry struct {
		name string
		seq  int64
	}
	entries := make([]entry, 0, len(names))
	for _, n := range names {
		if seq, ok := isContender(n, prefix); ok {
			entries = append(entries, entry{name: n, seq: seq})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].seq != entries[j].seq {
			return entries[i].seq < entries[j].seq
		}
		return entries[i].name < entries[j].name
	})
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.name
	}
	return out
}

func indexOf(ordered []string, name string) int {
	for i, n := range ordered {
		if n == name {
			return i
		}
	}
	return -1
}
