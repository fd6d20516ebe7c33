package watchbus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// streamMaxLen caps each per-resource stream; old transitions are trimmed.
const streamMaxLen = 1000

// RedisWatchBus uses Redis Streams to implement WatchBus, so observers in
// other processes see the transitions of every locker sharing the server.
type RedisWatchBus struct {
	client  *redis.Client
	mu      sync.Mutex
	cancels map[string]map[chan []byte]context.CancelFunc
}

// NewRedisWatchBus creates a new RedisWatchBus using the provided client.
func NewRedisWatchBus(client *redis.Client) *RedisWatchBus {
	return &RedisWatchBus{
		client:  client,
		cancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
}

// Publish appends a message to the Redis stream identified by key.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Err()
}

// Watch reads new messages from the Redis stream. Messages published after
// Watch returns are delivered.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	lastID := "0"
	last, err := b.client.XRevRangeN(ctx, key, "+", "-", 1).Result()
	if err != nil {
		return nil, err
	}
	if len(last) == 1 {
		lastID = last[0].ID
	}
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, watcherBuffer)

	b.mu.Lock()
	m := b.cancels[key]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[key] = m
	}
	m[ch] = cancel
	b.mu.Unlock()

	go func() {
		defer close(ch)
		defer b.forget(key, ch)
		for {
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Block:   time.Second,
				Count:   16,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if err != redis.Nil {
					time.Sleep(100 * time.Millisecond)
				}
				continue
			}
			for _, s := range res {
				for _, msg := range s.Messages {
					lastID = msg.ID
					v, ok := msg.Values["data"].(string)
					if !ok {
						continue
					}
					select {
					case ch <- []byte(v):
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// Unwatch stops watching the given key and channel. The channel is closed
// by the reader goroutine once it observes the cancellation.
func (b *RedisWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	cancel, ok := b.cancels[key][ch]
	b.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (b *RedisWatchBus) forget(key string, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.cancels[key]; ok {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.cancels, key)
		}
	}
}
