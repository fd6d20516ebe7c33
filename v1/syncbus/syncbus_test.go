package syncbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishSubscribeFlowAndMetrics(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(context.Background(), "key"); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for publish")
	}

	metrics := bus.Metrics()
	if metrics.Published != 1 {
		t.Fatalf("expected published 1 got %d", metrics.Published)
	}
	if metrics.Delivered != 1 {
		t.Fatalf("expected delivered 1 got %d", metrics.Delivered)
	}
}

func TestPendingSignalsCoalesce(t *testing.T) {
	bus := NewInMemoryBus()
	ch, err := bus.Subscribe(context.Background(), "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := bus.Publish(context.Background(), "key"); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	<-ch
	select {
	case <-ch:
		t.Fatal("expected signals to coalesce")
	default:
	}
	if m := bus.Metrics(); m.Published != 3 || m.Delivered != 1 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestContextBasedUnsubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(ctx, "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}

	if bus.Subscribers("key") != 0 {
		t.Fatal("subscription still present after context cancel")
	}
}

func TestPublishContextCanceled(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Publish(ctx, "key"); err == nil {
		t.Fatal("expected publish error due to canceled context")
	}
	if m := bus.Metrics(); m.Published != 0 || m.Delivered != 0 {
		t.Fatalf("unexpected metrics %+v", m)
	}
}

func TestSubscribeContextCanceled(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := bus.Subscribe(ctx, "key"); err == nil {
		t.Fatal("expected subscribe error due to canceled context")
	}
	if bus.Subscribers("key") != 0 {
		t.Fatal("subscription should not be added when context is canceled")
	}
}

func TestUnsubscribeContextCanceled(t *testing.T) {
	bus := NewInMemoryBus()
	ch, err := bus.Subscribe(context.Background(), "key")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := bus.Unsubscribe(ctx, "key", ch); err == nil {
		t.Fatal("expected unsubscribe error due to canceled context")
	}
	if bus.Subscribers("key") != 1 {
		t.Fatal("subscription should remain when unsubscribe context is canceled")
	}
	if err := bus.Unsubscribe(context.Background(), "key", ch); err != nil {
		t.Fatalf("cleanup unsubscribe: %v", err)
	}
}

func TestDeletedKey(t *testing.T) {
	got := DeletedKey("/locks/my orders/lock-0000000001")
	want := "fairlock.deleted.locks.my_orders.lock-0000000001"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
