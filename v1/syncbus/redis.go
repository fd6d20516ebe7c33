package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-fairlock/v1/syncbus")

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
	done   chan struct{}
}

// RedisBus implements Bus using Redis Pub/Sub.
type RedisBus struct {
	client    *redis.Client
	mu        sync.Mutex
	subs      map[string]*redisSubscription
	published uint64
	delivered uint64
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, subs: make(map[string]*redisSubscription)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
	ctx, span := tracer.Start(ctx, "RedisBus.Publish", trace.WithAttributes(attribute.String("fairlock.bus.key", key)))
	defer span.End()
	if err := b.client.Publish(ctx, key, "1").Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return err
	}
	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe implements Bus.Subscribe. It returns once Redis confirmed the
// subscription, so a later Publish cannot be missed. The round trip runs
// without holding the bus lock.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan struct{}, 1)
	if !b.join(key, ch) {
		ps := b.client.Subscribe(context.Background(), key)
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		b.mu.Lock()
		if cur := b.subs[key]; cur != nil {
			// lost the race to another subscriber of key
			cur.chans = append(cur.chans, ch)
			b.mu.Unlock()
			_ = ps.Close()
		} else {
			sub := &redisSubscription{pubsub: ps, chans: []chan struct{}{ch}, done: make(chan struct{})}
			b.subs[key] = sub
			b.mu.Unlock()
			go b.dispatch(key, sub)
		}
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// join adds ch to a confirmed subscription of key, if there is one.
func (b *RedisBus) join(key string, ch chan struct{}) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := b.subs[key]
	if sub == nil {
		return false
	}
	sub.chans = append(sub.chans, ch)
	return true
}

func (b *RedisBus) dispatch(key string, sub *redisSubscription) {
	defer close(sub.done)
	for range sub.pubsub.Channel() {
		b.mu.Lock()
		if cur := b.subs[key]; cur == sub {
			atomic.AddUint64(&b.delivered, fanout(sub.chans))
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch chan struct{}) error {
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
	if len(sub.chans) > 0 {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, key)
	b.mu.Unlock()
	return sub.pubsub.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}

// Close drops every subscription. The client stays open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[string]*redisSubscription)
	b.mu.Unlock()
	for _, sub := range subs {
		_ = sub.pubsub.Close()
		<-sub.done
		for _, c := range sub.chans {
			close(c)
		}
	}
	return nil
}
