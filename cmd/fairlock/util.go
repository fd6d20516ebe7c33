package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-fairlock/v1/coord/memory"
	"github.com/mirkobrombin/go-fairlock/v1/lock"
	"github.com/mirkobrombin/go-fairlock/v1/metrics"
	"github.com/mirkobrombin/go-fairlock/v1/presets"
)

// defaultEndpoints is used when --endpoints is empty.
var defaultEndpoints = map[string]string{
	"redis": "127.0.0.1:6379",
	"zk":    "127.0.0.1:2181",
}

// setupFlags adds the coordination and logging flags shared by every command.
func setupFlags(cmd *cobra.Command) {
	def := lock.DefaultConfig()
	f := cmd.PersistentFlags()
	f.String("backend", "memory", "coordination backend (memory, redis, zk)")
	f.String("endpoints", "", "comma separated backend addresses (default 127.0.0.1:6379 for redis, 127.0.0.1:2181 for zk)")
	f.Duration("session-timeout", def.SessionTimeout, "session timeout of the coordination service")
	f.String("root-path", def.RootPath, "persistent parent of every lock group")
	f.String("node-prefix", def.NodePrefix, "name of contender nodes before the sequence suffix")
	f.Duration("acquire-timeout", 0, "give up acquiring after this long (0 waits forever)")
	f.Int("max-retries", def.MaxRetries, "retries of transient coordination errors")
	f.String("redis-password", "", "redis password")
	f.Int("redis-db", 0, "redis database")
	f.String("nats-url", "", "carry redis deletion signals over NATS")
	f.String("kafka-brokers", "", "carry redis deletion signals over Kafka (comma separated)")
	f.String("kafka-topic", "", "kafka topic for deletion signals")
	f.String("feed-addr", "", "redis address carrying the lock event feed of the zk backend")
	f.String("log-level", "info", "log level (debug, info, warn, error)")
	f.String("log-format", "text", "log format (text, json)")
	f.Bool("trace", false, "print OpenTelemetry spans to stdout")
}

// initConfig loads .env files and FAIRLOCK_* variables.
func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("fairlock")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func bindFlags(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.InheritedFlags())
}

// lockConfig builds the locker settings from viper.
func lockConfig() (lock.Config, error) {
	cfg := lock.DefaultConfig()
	eps := viper.GetString("endpoints")
	if eps == "" {
		eps = defaultEndpoints[viper.GetString("backend")]
	}
	if eps != "" {
		cfg.Endpoints = strings.Split(eps, ",")
	}
	cfg.SessionTimeout = viper.GetDuration("session-timeout")
	cfg.RootPath = viper.GetString("root-path")
	cfg.NodePrefix = viper.GetString("node-prefix")
	cfg.AcquireTimeout = viper.GetDuration("acquire-timeout")
	cfg.MaxRetries = viper.GetInt("max-retries")
	return cfg, cfg.Validate()
}

func newLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(viper.GetString("log-level"))); err != nil {
		return nil, fmt.Errorf("invalid log level %q", viper.GetString("log-level"))
	}
	opts := &slog.HandlerOptions{Level: level}
	switch viper.GetString("log-format") {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %s", viper.GetString("log-format"))
	}
}

// setupTracing installs a stdout span exporter when --trace is set.
func setupTracing() (func(context.Context) error, error) {
	if !viper.GetBool("trace") {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// stackFactory opens one coordination session with its Locker. Each
// contender of a demo gets its own, as separate processes would.
type stackFactory func(ctx context.Context) (*presets.Stack, error)

func newFactory(cfg lock.Config, logger *slog.Logger, reg prometheus.Registerer) (stackFactory, error) {
	opts := []lock.Option{lock.WithLogger(logger)}
	if reg != nil {
		opts = append(opts, lock.WithMetrics(reg))
	}
	switch backend := viper.GetString("backend"); backend {
	case "memory":
		var (
			once sync.Once
			srv  *memory.Server
		)
		return func(context.Context) (*presets.Stack, error) {
			once.Do(func() { srv = memory.NewServer() })
			return presets.NewInMemoryStandalone(srv, cfg, opts...)
		}, nil
	case "redis":
		ropts := presets.RedisOptions{
			Addr:     cfg.Endpoints[0],
			Password: viper.GetString("redis-password"),
			DB:       viper.GetInt("redis-db"),
			NATSURL:  viper.GetString("nats-url"),
			Logger:   logger,
		}
		if brokers := viper.GetString("kafka-brokers"); brokers != "" {
			ropts.KafkaBrokers = strings.Split(brokers, ",")
			ropts.KafkaTopic = viper.GetString("kafka-topic")
		}
		return func(ctx context.Context) (*presets.Stack, error) {
			return presets.NewRedis(ctx, ropts, cfg, opts...)
		}, nil
	case "zk":
		zopts := presets.ZooKeeperOptions{
			FeedAddr:     viper.GetString("feed-addr"),
			FeedPassword: viper.GetString("redis-password"),
			FeedDB:       viper.GetInt("redis-db"),
		}
		return func(ctx context.Context) (*presets.Stack, error) {
			return presets.NewZooKeeper(ctx, cfg, zopts, opts...)
		}, nil
	default:
		return nil, fmt.Errorf("invalid backend %s", backend)
	}
}

// setup gathers what every command needs.
func setup(cmd *cobra.Command) (stackFactory, *slog.Logger, *prometheus.Registry, error) {
	logger, err := newLogger(cmd.ErrOrStderr())
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := lockConfig()
	if err != nil {
		return nil, nil, nil, err
	}
	reg := metrics.NewRegistry()
	factory, err := newFactory(cfg, logger, reg)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Debug("configuration", "backend", viper.GetString("backend"), "config", cfg.String())
	return factory, logger, reg, nil
}
