// Command probe periodically prints a healthSnapshot() from an in-process
// core, the lightweight standalone analogue of hitting a /health endpoint
// when no HTTP surface exists (spec §1). It shares no code with the
// teacher's cmd/probe (an eBPF syscall interceptor unrelated to health
// reporting); it follows cmd/dispatchd's own ticker-driven snapshot loop.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ocx/dragonpipe/internal/analyzer"
	"github.com/ocx/dragonpipe/internal/breaker"
	"github.com/ocx/dragonpipe/internal/bus"
	"github.com/ocx/dragonpipe/internal/clock"
	"github.com/ocx/dragonpipe/internal/config"
	"github.com/ocx/dragonpipe/internal/dedupcache"
	"github.com/ocx/dragonpipe/internal/events"
	"github.com/ocx/dragonpipe/internal/governor"
	"github.com/ocx/dragonpipe/internal/health"
	"github.com/ocx/dragonpipe/internal/tracking"
)

func main() {
	interval := 10 * time.Second
	if raw := os.Getenv("DRAGONPIPE_PROBE_INTERVAL_SEC"); raw != "" {
		var secs int
		if _, err := fmt.Sscanf(raw, "%d", &secs); err == nil && secs > 0 {
			interval = time.Duration(secs) * time.Second
		}
	}

	cfg, err := config.Load(os.Getenv("DRAGONPIPE_CONFIG_PATH"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	eventBus := events.New()
	clockRegistry := clock.NewRegistry(eventBus, nil)
	memSampler := clock.NewMemorySampler(cfg.Performance.MemoryLimitMB, 0.80, 5*time.Second, eventBus)
	memSampler.Start()
	defer memSampler.Stop()

	breakers := breaker.NewManager(breaker.Config{
		Name:             "pipeline",
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.CircuitBreaker.ResetTimeoutMs) * time.Millisecond,
		HalfOpenMax:      cfg.CircuitBreaker.HalfOpenMax,
	}, eventBus)
	breakers.Get("pipeline")

	gov := governor.New(governor.Config{
		MaxConcurrent: cfg.Concurrency.MaxConcurrent,
		QueueLimit:    cfg.Concurrency.QueueLimit,
		RateWindow:    time.Duration(cfg.Concurrency.RateWindowMs) * time.Millisecond,
		RateMax:       cfg.Concurrency.RateMax,
	}, nil)

	busClient := bus.New(nil) // probe observes state; it doesn't own the live Redis connection
	analyzers := analyzer.NewRegistry(time.Duration(cfg.Concurrency.DefaultTimeoutMs) * time.Millisecond)
	cache := dedupcache.New(nil, "")
	tracker := tracking.New(nil, "")

	monitor := health.New(clockRegistry, memSampler, breakers, gov, busClient, analyzers, cache, tracker, eventBus)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	printSnapshot(monitor)
	for {
		select {
		case <-sigChan:
			return
		case <-ticker.C:
			printSnapshot(monitor)
		}
	}
}

func printSnapshot(monitor *health.Monitor) {
	snap := monitor.Snapshot()
	out, err := json.Marshal(snap)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal snapshot: %v\n", err)
		return
	}
	fmt.Println(string(out))
}
