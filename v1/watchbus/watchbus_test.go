package watchbus

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryWatchBus(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	ch, err := bus.Watch(ctx, "foo")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "foo", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != "hello" {
			t.Fatalf("unexpected %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	if err := bus.Unwatch(ctx, "foo", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unwatch")
	}
	if bus.Watchers("foo") != 0 {
		t.Fatal("watcher still registered")
	}
}

func TestInMemoryWatchBusContextUnwatch(t *testing.T) {
	bus := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Watch(ctx, "foo")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unwatch")
	}
}

func TestInMemoryWatchBusDropsForSlowWatchers(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	ch, err := bus.Watch(ctx, "foo")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	for i := 0; i < watcherBuffer*2; i++ {
		if err := bus.Publish(ctx, "foo", []byte("x")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	if len(ch) != watcherBuffer {
		t.Fatalf("expected %d buffered messages, got %d", watcherBuffer, len(ch))
	}
}

func TestLockEventRoundTrip(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	ch, err := bus.Watch(ctx, Key("orders"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	ev := LockEvent{Resource: "orders", Path: "/locks/orders/lock-0000000003", State: "waiting", At: 7}
	if err := PublishEvent(ctx, bus, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got, err := DecodeEvent(<-ch)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != ev {
		t.Fatalf("expected %+v got %+v", ev, got)
	}
}
