// Command dispatchd is the core process: it wires C1-C10 together and keeps
// them running. Per spec §1, HTTP/gRPC ingress, persistence, the
// pixel-forensic analyzer bodies, and the mirror/superior ML networks are
// external collaborators — this binary starts no HTTP listener. An
// embedding gateway process calls Dispatcher.Submit and Monitor.Snapshot
// directly, or drives them over whatever transport it owns.
//
// Grounded on the teacher's cmd/api/main.go composition style (config load,
// optional Redis wiring with graceful fallback, background workers,
// signal-driven shutdown) with the HTTP router section removed.
package main

import (
	"context"
	"log"
	"log/slog"
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
	"github.com/ocx/dragonpipe/internal/dispatch"
	"github.com/ocx/dragonpipe/internal/events"
	"github.com/ocx/dragonpipe/internal/governor"
	"github.com/ocx/dragonpipe/internal/health"
	"github.com/ocx/dragonpipe/internal/infra"
	"github.com/ocx/dragonpipe/internal/security"
	"github.com/ocx/dragonpipe/internal/tracking"
)

// redisStreamAdapter narrows *infra.GoRedisAdapter's XReadGroup result
// (infra.XStreamMessage) into bus.StreamMessage, so the bus package can
// stay decoupled from the concrete Redis driver's wire types.
type redisStreamAdapter struct {
	*infra.GoRedisAdapter
}

func (r redisStreamAdapter) XReadGroup(ctx context.Context, group, consumer, stream string, block time.Duration, count int64) ([]bus.StreamMessage, error) {
	msgs, err := r.GoRedisAdapter.XReadGroup(ctx, group, consumer, stream, block, count)
	if err != nil {
		return nil, err
	}
	out := make([]bus.StreamMessage, len(msgs))
	for i, m := range msgs {
		out[i] = bus.StreamMessage{ID: m.ID, Values: m.Values}
	}
	return out, nil
}

func main() {
	slog.Info("dragonpipe dispatchd starting")

	configPath := os.Getenv("DRAGONPIPE_CONFIG_PATH")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	eventBus := events.New()

	// Redis is optional: a failed connection degrades the cache, tracking
	// store and bus to local-only/degraded mode instead of failing startup,
	// matching the teacher's "Redis connection failed, falling back to
	// in-memory stores" idiom in cmd/api/main.go.
	var redisAdapter *infra.GoRedisAdapter
	addr := cfg.Bus.Host + ":" + itoa(cfg.Bus.Port)
	adapter, err := infra.NewGoRedisAdapter(addr, cfg.Bus.Password, cfg.Bus.DB)
	if err != nil {
		slog.Warn("redis connection failed, running in degraded/local-only mode", "addr", addr, "error", err)
	} else {
		redisAdapter = adapter
		defer redisAdapter.Close()
	}

	clockRegistry := clock.NewRegistry(eventBus, nil)
	clockRegistry.Get("api", clock.CapacityRequestLatency, clock.Thresholds{
		P95Ms: float64(cfg.Performance.APIP95Ms),
		P99Ms: float64(cfg.Performance.APIP99Ms),
	})
	clockRegistry.Get("fileProc", clock.CapacityHeavyOp, clock.Thresholds{
		P95Ms: float64(cfg.Performance.FileProcP95Ms),
		P99Ms: float64(cfg.Performance.FileProcP95Ms) * 2,
	})
	clockRegistry.Get("db", clock.CapacityBusOrDB, clock.Thresholds{
		P95Ms: float64(cfg.Performance.DBP95Ms),
		P99Ms: float64(cfg.Performance.DBP95Ms) * 2,
	})

	memSampler := clock.NewMemorySampler(cfg.Performance.MemoryLimitMB, 0.80, 5*time.Second, eventBus)
	memSampler.Start()
	defer memSampler.Stop()

	breakers := breaker.NewManager(breaker.Config{
		Name:             "pipeline",
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     time.Duration(cfg.CircuitBreaker.ResetTimeoutMs) * time.Millisecond,
		HalfOpenMax:      cfg.CircuitBreaker.HalfOpenMax,
	}, eventBus)
	pipelineBreaker := breakers.Get("pipeline")

	gov := governor.New(governor.Config{
		MaxConcurrent: cfg.Concurrency.MaxConcurrent,
		QueueLimit:    cfg.Concurrency.QueueLimit,
		RateWindow:    time.Duration(cfg.Concurrency.RateWindowMs) * time.Millisecond,
		RateMax:       cfg.Concurrency.RateMax,
	}, nil)

	var cache *dedupcache.Cache
	var tracker *tracking.Tracker
	var streamClient bus.StreamClient
	if redisAdapter != nil {
		cache = dedupcache.New(redisAdapter, "")
		tracker = tracking.New(redisAdapter, "")
		streamClient = redisStreamAdapter{redisAdapter}
	} else {
		cache = dedupcache.New(nil, "")
		tracker = tracking.New(nil, "")
		streamClient = nil
	}

	busClient := bus.New(streamClient)

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()

	if redisAdapter != nil {
		const group = "dispatchd"
		for _, s := range []string{bus.StreamResponseMirror, bus.StreamResponseSuperior} {
			if err := busClient.EnsureGroup(shutdownCtx, s, group); err != nil {
				slog.Warn("failed to create consumer group, bus will run degraded", "stream", s, "error", err)
			}
		}
		busClient.ConsumeResponses(shutdownCtx, bus.KindMirror, bus.StreamResponseMirror, group, "dispatchd-1")
		busClient.ConsumeResponses(shutdownCtx, bus.KindSuperior, bus.StreamResponseSuperior, group, "dispatchd-1")
	}

	analyzers := analyzer.NewRegistry(time.Duration(cfg.Concurrency.DefaultTimeoutMs) * time.Millisecond)

	validator := security.New(cfg.Security.MaxFileMB, cfg.Security.AllowedMimeClasses, cfg.Security.HeaderValidate)

	dispatcher := dispatch.New(gov, pipelineBreaker, cache, tracker, busClient, analyzers, validator, eventBus, cfg.Performance)
	_ = dispatcher // the embedding gateway process imports this package's composition to call Submit; kept live here to prove the wiring compiles end to end

	monitor := health.New(clockRegistry, memSampler, breakers, gov, busClient, analyzers, cache, tracker, eventBus)

	// Periodic health log, standing in for the HTTP-based /health and
	// /metrics surfaces that spec §1 places outside this core's scope.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-shutdownCtx.Done():
				return
			case <-ticker.C:
				snap := monitor.Snapshot()
				slog.Info("health snapshot", "status", snap.Status, "circuits", snap.CircuitStates, "busDegraded", snap.BusDegraded, "governorActive", snap.GovernorActive)
			}
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	slog.Info("dispatchd ready", "maxConcurrent", cfg.Concurrency.MaxConcurrent, "redis", redisAdapter != nil)

	<-sigChan
	slog.Info("received shutdown signal, stopping background workers")
	shutdownCancel()
	time.Sleep(100 * time.Millisecond) // let background goroutines observe cancellation
	slog.Info("dispatchd stopped")
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}
