// Package presets wires a Locker to a coordination backend in one call.
package presets

import (
	"context"
	"errors"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-fairlock/v1/coord"
	"github.com/mirkobrombin/go-fairlock/v1/coord/memory"
	coordredis "github.com/mirkobrombin/go-fairlock/v1/coord/redis"
	"github.com/mirkobrombin/go-fairlock/v1/coord/zk"
	"github.com/mirkobrombin/go-fairlock/v1/lock"
	"github.com/mirkobrombin/go-fairlock/v1/syncbus"
	"github.com/mirkobrombin/go-fairlock/v1/watchbus"
)

// Stack is a Locker together with everything it was built on.
type Stack struct {
	Locker *lock.Locker
	Client coord.Client
	// Events receives the lock event feed of Locker.
	Events watchbus.WatchBus
	// Orphans is set for backends that need an external orphan sweep.
	Orphans coord.OrphanFinder
	// Shared reports whether Events also carries the feed of Lockers in
	// other processes. A process-local feed only sees this Locker.
	Shared bool

	closers []func() error
}

// Close shuts the stack down, Locker first.
func (s *Stack) Close() error {
	var errs []error
	if err := s.Locker.Close(); err != nil {
		errs = append(errs, err)
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func build(client coord.Client, events watchbus.WatchBus, cfg lock.Config, opts []lock.Option, closers []func() error) (*Stack, error) {
	opts = append([]lock.Option{lock.WithEvents(events)}, opts...)
	l, err := lock.New(client, cfg, opts...)
	if err != nil {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}
	return &Stack{Locker: l, Client: client, Events: events, closers: closers}, nil
}

// NewInMemoryStandalone runs the coordination service in-process. Every
// Stack built on the same server shares its lock tree; pass nil for a
// fresh one.
func NewInMemoryStandalone(srv *memory.Server, cfg lock.Config, opts ...lock.Option) (*Stack, error) {
	if srv == nil {
		srv = memory.NewServer()
	}
	sess := srv.Connect()
	return build(sess, watchbus.NewInMemory(), cfg, opts, []func() error{sess.Close})
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// NATSURL, when set, carries deletion signals over NATS instead of
	// Redis pub/sub.
	NATSURL string
	// KafkaBrokers, when set and NATSURL is not, carries deletion signals
	// over KafkaTopic.
	KafkaBrokers []string
	KafkaTopic   string
	// BreakerThreshold consecutive publish failures open the circuit of the
	// external bus for BreakerTimeout. Watches fall back to polling meanwhile.
	BreakerThreshold int
	BreakerTimeout   time.Duration
	// Logger receives backend and breaker logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// NewRedis opens a Redis-backed session. cfg.SessionTimeout becomes the
// session TTL.
func NewRedis(ctx context.Context, opts RedisOptions, cfg lock.Config, lockOpts ...lock.Option) (*Stack, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	closers := []func() error{client.Close}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}

	var external syncbus.Bus
	switch {
	case opts.NATSURL != "":
		nc, err := nats.Connect(opts.NATSURL)
		if err != nil {
			closeAll()
			return nil, err
		}
		nb := syncbus.NewNATSBus(nc)
		closers = append(closers, func() error { nb.Close(); return nil })
		external = nb
	case len(opts.KafkaBrokers) > 0:
		kb, err := syncbus.NewKafkaBus(opts.KafkaBrokers, opts.KafkaTopic, nil)
		if err != nil {
			closeAll()
			return nil, err
		}
		closers = append(closers, func() error { kb.Close(); return nil })
		external = kb
	}

	var bus syncbus.Bus
	if external != nil {
		threshold, timeout := opts.BreakerThreshold, opts.BreakerTimeout
		if threshold <= 0 {
			threshold = 5
		}
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		bus = syncbus.NewCircuitBreaker(external, threshold, timeout, syncbus.WithBreakerLogger(opts.Logger))
	}

	sess, err := coordredis.New(ctx, client, coordredis.Options{
		SessionTimeout: cfg.SessionTimeout,
		Bus:            bus,
		Logger:         opts.Logger,
	})
	if err != nil {
		closeAll()
		return nil, err
	}
	closers = append(closers, sess.Close)

	st, err := build(sess, watchbus.NewRedisWatchBus(client), cfg, lockOpts, closers)
	if err != nil {
		return nil, err
	}
	st.Orphans = sess
	st.Shared = true
	return st, nil
}

// ZooKeeperOptions configures the extras of a ZooKeeper stack.
type ZooKeeperOptions struct {
	// FeedAddr, when set, is a Redis server carrying the lock event feed,
	// so every process publishing there shows up on Stack.Events. Without
	// it the feed stays in-process.
	FeedAddr     string
	FeedPassword string
	FeedDB       int
}

// NewZooKeeper connects to the ensemble in cfg.Endpoints.
func NewZooKeeper(ctx context.Context, cfg lock.Config, opts ZooKeeperOptions, lockOpts ...lock.Option) (*Stack, error) {
	if len(cfg.Endpoints) == 0 {
		cfg.Endpoints = lock.DefaultConfig().Endpoints
	}
	timeout := cfg.SessionTimeout
	if timeout <= 0 {
		timeout = lock.DefaultConfig().SessionTimeout
	}

	var (
		events  watchbus.WatchBus = watchbus.NewInMemory()
		closers []func() error
	)
	if opts.FeedAddr != "" {
		feed := redis.NewClient(&redis.Options{
			Addr:     opts.FeedAddr,
			Password: opts.FeedPassword,
			DB:       opts.FeedDB,
		})
		if err := feed.Ping(ctx).Err(); err != nil {
			_ = feed.Close()
			return nil, err
		}
		events = watchbus.NewRedisWatchBus(feed)
		closers = append(closers, feed.Close)
	}

	sess, err := zk.Dial(ctx, cfg.Endpoints, timeout)
	if err != nil {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}
	closers = append(closers, sess.Close)
	st, err := build(sess, events, cfg, lockOpts, closers)
	if err != nil {
		return nil, err
	}
	st.Shared = opts.FeedAddr != ""
	return st, nil
}
