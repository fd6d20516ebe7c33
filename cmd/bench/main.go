package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-fairlock/v1/coord/memory"
	"github.com/mirkobrombin/go-fairlock/v1/lock"
	"github.com/mirkobrombin/go-fairlock/v1/presets"
)

var (
	concurrency = flag.Int("c", 8, "Contenders, each on its own session")
	requests    = flag.Int("n", 2000, "Total acquire/release cycles")
	target      = flag.String("target", "memory", "Targets: memory, redis, zk (comma separated or all)")
	redisAddr   = flag.String("redis-addr", "localhost:6379", "Redis Address")
	natsURL     = flag.String("nats-url", "", "NATS URL for redis deletion signals")
	zkAddr      = flag.String("zk-addr", "localhost:2181", "ZooKeeper Address")
)

func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"memory", "redis", "zk"}
	}

	fmt.Printf("| %-15s | %-12s | %-12s | %-12s |\n", "Backend", "Handovers/s", "Avg Wait", "P99 Wait")
	fmt.Println("|:---|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t))
	}
}

func runBenchmark(name string) {
	ctx := context.Background()
	cfg := lock.DefaultConfig()
	cfg.RootPath = "/fairlock-bench"

	var open func() (*presets.Stack, error)
	switch name {
	case "memory":
		srv := memory.NewServer()
		open = func() (*presets.Stack, error) { return presets.NewInMemoryStandalone(srv, cfg) }
	case "redis":
		opts := presets.RedisOptions{Addr: *redisAddr, NATSURL: *natsURL}
		open = func() (*presets.Stack, error) { return presets.NewRedis(ctx, opts, cfg) }
	case "zk":
		zcfg := cfg
		zcfg.Endpoints = []string{*zkAddr}
		open = func() (*presets.Stack, error) { return presets.NewZooKeeper(ctx, zcfg, presets.ZooKeeperOptions{}) }
	default:
		log.Printf("Unknown target: %s", name)
		return
	}

	stacks := make([]*presets.Stack, 0, *concurrency)
	defer func() {
		for _, st := range stacks {
			_ = st.Close()
		}
	}()
	for i := 0; i < *concurrency; i++ {
		st, err := open()
		if err != nil {
			fmt.Printf("| %-15s | %-12s | %-12s | %-12s |\n", name, "FAIL", "-", "-")
			return
		}
		stacks = append(stacks, st)
	}

	var wg sync.WaitGroup
	var ops int64
	chunk := *requests / *concurrency
	latencies := make([]int64, chunk*(*concurrency))

	start := time.Now()
	for i, st := range stacks {
		wg.Add(1)
		go func(idx int, l *lock.Locker) {
			defer wg.Done()
			offset := idx * chunk
			for j := 0; j < chunk; j++ {
				reqStart := time.Now()
				h, err := l.Acquire(ctx, "bench")
				if err != nil {
					continue
				}
				latencies[offset+j] = time.Since(reqStart).Nanoseconds()
				if l.Release(ctx, h) == nil {
					atomic.AddInt64(&ops, 1)
				}
			}
		}(i, st.Locker)
	}
	wg.Wait()
	elapsed := time.Since(start)

	if ops == 0 {
		fmt.Printf("| %-15s | %-12s | %-12s | %-12s |\n", name, "ERROR", "-", "-")
		return
	}

	validLats := make([]int64, 0, ops)
	var sum int64
	for _, l := range latencies {
		if l > 0 {
			validLats = append(validLats, l)
			sum += l
		}
	}
	sort.Slice(validLats, func(i, j int) bool { return validLats[i] < validLats[j] })
	p99Idx := int(float64(len(validLats)) * 0.99)
	if p99Idx >= len(validLats) {
		p99Idx = len(validLats) - 1
	}

	throughput := float64(ops) / elapsed.Seconds()
	avg := time.Duration(sum / int64(len(validLats)))
	p99 := time.Duration(validLats[p99Idx])
	fmt.Printf("| %-15s | %-12.0f | %-12s | %-12s |\n", name, throughput, avg, p99)
}
