package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan struct{}
}

// NATSBus implements Bus using a NATS backend. A closed connection is
// replaced on the next Publish or Subscribe and every subscription is
// restored on the new one.
type NATSBus struct {
	url       string
	mu        sync.Mutex
	conn      *nats.Conn
	subs      map[string]*natsSubscription
	published uint64
	delivered uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		url:  conn.ConnectedUrl(),
		conn: conn,
		subs: make(map[string]*natsSubscription),
	}
}

// handler fans a message out to the local channels of key.
func (b *NATSBus) handler(key string) nats.MsgHandler {
	return func(_ *nats.Msg) {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub := b.subs[key]; sub != nil {
			atomic.AddUint64(&b.delivered, fanout(sub.chans))
		}
	}
}

// reconnect dials again when the connection is closed. Caller holds b.mu.
func (b *NATSBus) reconnect() error {
	if b.conn != nil && !b.conn.IsClosed() {
		return nil
	}
	conn, err := nats.Connect(b.url)
	if err != nil {
		return err
	}
	for key, sub := range b.subs {
		ns, err := conn.Subscribe(key, b.handler(key))
		if err != nil {
			conn.Close()
			return err
		}
		sub.sub = ns
	}
	b.conn = conn
	return nil
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if err := b.reconnect(); err != nil {
		b.mu.Unlock()
		return err
	}
	conn := b.conn
	b.mu.Unlock()

	if err := conn.Publish(key, []byte("1")); err != nil {
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if err := b.reconnect(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	sub := b.subs[key]
	if sub == nil {
		ns, err := b.conn.Subscribe(key, b.handler(key))
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		// make sure the server knows the interest before a publish races it
		if err := b.conn.Flush(); err != nil {
			_ = ns.Unsubscribe()
			b.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		b.subs[key] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		b.mu.Unlock()
		if b.conn.IsClosed() {
			return nil
		}
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}

// Close closes the current connection.
func (b *NATSBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.conn.Close()
}
