package watchbus

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisWatchBus(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	bus := NewRedisWatchBus(client)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := PublishEvent(ctx, bus, LockEvent{Resource: "orders", State: "released"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	ch, err := bus.Watch(ctx, Key("orders"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := PublishEvent(ctx, bus, LockEvent{Resource: "orders", State: "holding"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		ev, err := DecodeEvent(msg)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Resource != "orders" || ev.State != "holding" || ev.At == 0 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	n, err := client.XLen(ctx, Key("orders")).Result()
	if err != nil {
		t.Fatalf("xlen: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 stream entries, got %d", n)
	}
}

func TestRedisWatchBusUnwatchClosesChannel(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	bus := NewRedisWatchBus(client)
	ctx := context.Background()

	ch, err := bus.Watch(ctx, Key("orders"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Unwatch(ctx, Key("orders"), ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for close")
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.cancels) != 0 {
		t.Fatal("watcher still registered after unwatch")
	}
}
