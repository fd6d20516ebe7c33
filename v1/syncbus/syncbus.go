// Package syncbus carries node-deletion signals between processes that share
// a coordination backend without native watches. A signal only says that
// something happened to a key; subscribers re-check the backend before
// acting, so duplicated or coalesced signals are harmless.
package syncbus

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
)

// Bus provides a simple pub/sub mechanism keyed by node path.
type Bus interface {
	Publish(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
}

const deletedPrefix = "fairlock.deleted"

// DeletedKey returns the bus key announcing the removal of the node at p.
// The result only contains characters NATS subjects and Kafka keys accept.
func DeletedKey(p string) string {
	return deletedPrefix + keyReplacer.Replace(p)
}

var keyReplacer = strings.NewReplacer("/", ".", " ", "_", "\t", "_", "*", "_", ">", "_")

// InMemoryBus is a local implementation of Bus mainly for testing.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	published uint64
	delivered uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan struct{})}
}

// Publish implements Bus.Publish. Subscribers whose buffer is full already
// have a signal pending and are skipped.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[key] {
		select {
		case ch <- struct{}{}:
			atomic.AddUint64(&b.delivered, 1)
		default:
		}
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	} else {
		b.subs[key] = subs
	}
	return nil
}

// Subscribers returns how many channels listen on key.
func (b *InMemoryBus) Subscribers(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[key])
}

type Metrics struct {
	Published uint64
	Delivered uint64
}

func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}

// fanout delivers one signal to every channel without blocking and returns
// how many received it.
func fanout(chans []chan struct{}) uint64 {
	var n uint64
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			n++
		default:
		}
	}
	return n
}
