package presets

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"

	"github.com/mirkobrombin/go-fairlock/v1/coord/memory"
	"github.com/mirkobrombin/go-fairlock/v1/lock"
	"github.com/mirkobrombin/go-fairlock/v1/watchbus"
)

func testConfig() lock.Config {
	cfg := lock.DefaultConfig()
	cfg.Backoff = lock.ConstantBackoff(time.Millisecond)
	cfg.SessionTimeout = time.Minute
	return cfg
}

func acquireRelease(t *testing.T, st *Stack) {
	t.Helper()
	ctx := context.Background()
	feed, err := st.Events.Watch(ctx, watchbus.Key("orders"))
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer st.Events.Unwatch(ctx, watchbus.Key("orders"), feed)

	h, err := st.Locker.Acquire(ctx, "orders")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !st.Locker.IsHeld(h) {
		t.Fatal("expected lock held")
	}
	if err := st.Locker.Release(ctx, h); err != nil {
		t.Fatalf("release: %v", err)
	}
	seen := map[string]bool{}
	timeout := time.After(2 * time.Second)
	for !seen["released"] {
		select {
		case data := <-feed:
			ev, err := watchbus.DecodeEvent(data)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			seen[ev.State] = true
		case <-timeout:
			t.Fatalf("expected holding and released events, got %v", seen)
		}
	}
	if !seen["holding"] {
		t.Fatalf("expected holding event, got %v", seen)
	}
}

func TestNewInMemoryStandalone(t *testing.T) {
	st, err := NewInMemoryStandalone(nil, testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer st.Close()
	acquireRelease(t, st)
	if st.Orphans != nil {
		t.Fatal("in-memory backend reclaims its own nodes")
	}
	if st.Shared {
		t.Fatal("in-memory feed is process-local")
	}
}

func TestInMemoryStacksShareServer(t *testing.T) {
	srv := memory.NewServer()
	a, err := NewInMemoryStandalone(srv, testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Close()
	b, err := NewInMemoryStandalone(srv, testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer b.Close()

	ctx := context.Background()
	h, err := a.Locker.Acquire(ctx, "orders")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := b.Locker.Acquire(short, "orders"); err == nil {
		t.Fatal("second stack acquired a held lock")
	}
	if err := a.Locker.Release(ctx, h); err != nil {
		t.Fatalf("release: %v", err)
	}
}

func TestNewRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	st, err := NewRedis(context.Background(), RedisOptions{Addr: mr.Addr()}, testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer st.Close()
	if st.Orphans == nil {
		t.Fatal("redis stack must expose an orphan finder")
	}
	if !st.Shared {
		t.Fatal("redis feed is shared through the server")
	}
	acquireRelease(t, st)
}

func TestNewRedisWithNATS(t *testing.T) {
	ns := natsserver.RunRandClientPortServer()
	defer ns.Shutdown()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	st, err := NewRedis(context.Background(), RedisOptions{Addr: mr.Addr(), NATSURL: ns.ClientURL()}, testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer st.Close()
	acquireRelease(t, st)
}

func TestNewZooKeeper(t *testing.T) {
	addr := os.Getenv("FAIRLOCK_TEST_ZK_ADDR")
	if addr == "" {
		t.Skip("FAIRLOCK_TEST_ZK_ADDR not set")
	}
	cfg := testConfig()
	cfg.Endpoints = strings.Split(addr, ",")
	cfg.SessionTimeout = 4 * time.Second
	st, err := NewZooKeeper(context.Background(), cfg, ZooKeeperOptions{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer st.Close()
	if st.Shared {
		t.Fatal("feed without a redis address is process-local")
	}
	acquireRelease(t, st)
}

func TestNewZooKeeperWithRedisFeed(t *testing.T) {
	addr := os.Getenv("FAIRLOCK_TEST_ZK_ADDR")
	if addr == "" {
		t.Skip("FAIRLOCK_TEST_ZK_ADDR not set")
	}
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	cfg := testConfig()
	cfg.Endpoints = strings.Split(addr, ",")
	cfg.SessionTimeout = 4 * time.Second
	st, err := NewZooKeeper(context.Background(), cfg, ZooKeeperOptions{FeedAddr: mr.Addr()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer st.Close()
	if !st.Shared {
		t.Fatal("redis feed must be shared")
	}
	acquireRelease(t, st)
	if !mr.Exists(watchbus.Key("orders")) {
		t.Fatal("events did not reach the redis feed")
	}
}

func TestNewZooKeeperRejectsUnreachableFeed(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := NewZooKeeper(ctx, testConfig(), ZooKeeperOptions{FeedAddr: addr}); err == nil {
		t.Fatal("expected unreachable feed rejected")
	}
}

func TestNewRedisWithKafka(t *testing.T) {
	addr := os.Getenv("FAIRLOCK_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("FAIRLOCK_TEST_KAFKA_ADDR not set")
	}
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	defer mr.Close()

	st, err := NewRedis(context.Background(), RedisOptions{Addr: mr.Addr(), KafkaBrokers: strings.Split(addr, ",")}, testConfig())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer st.Close()
	acquireRelease(t, st)
}
