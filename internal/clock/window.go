// Package clock implements the rolling metrics window and heap-pressure
// sampler described in spec §4.1. Percentiles are computed on demand by
// sorting the current bounded window — no eager histogram bucketing —
// and violations are cooldown-gated so a sustained breach emits one alert
// per cooldown period, not one per sample.
package clock

import (
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocx/dragonpipe/internal/events"
)

// Default ring capacities per spec §4.1.
const (
	CapacityRequestLatency = 1000
	CapacityBusOrDB        = 500
	CapacityHeavyOp        = 200
)

// Thresholds configures the P95/P99 breach levels for a metric.
type Thresholds struct {
	P95Ms float64
	P99Ms float64
}

// Window is a bounded ring of millisecond samples for one named metric.
type Window struct {
	mu         sync.Mutex
	name       string
	capacity   int
	samples    []float64
	writeIdx   int
	count      int
	thresholds Thresholds
	cooldown   time.Duration
	lastViolP95 time.Time
	lastViolP99 time.Time
	bus        *events.Bus

	observeHist prometheus.Histogram
}

// NewWindow creates a bounded ring buffer of the given capacity.
func NewWindow(name string, capacity int, thresholds Thresholds, bus *events.Bus, registry prometheus.Registerer) *Window {
	if capacity <= 0 {
		capacity = CapacityRequestLatency
	}
	w := &Window{
		name:       name,
		capacity:   capacity,
		samples:    make([]float64, 0, capacity),
		thresholds: thresholds,
		cooldown:   60 * time.Second,
		bus:        bus,
	}
	if registry != nil {
		w.observeHist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dragonpipe_metric_duration_ms",
			Help:    "Observed durations per metric, in milliseconds.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
			ConstLabels: prometheus.Labels{
				"metric": name,
			},
		})
		registry.MustRegister(w.observeHist)
	}
	return w
}

// SetCooldown overrides the default 60s violation cooldown (for tests).
func (w *Window) SetCooldown(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cooldown = d
}

// Observe records one sample (in milliseconds) and checks for threshold
// breaches, emitting a cooldown-gated ViolationEvent when one occurs.
func (w *Window) Observe(ms float64) {
	w.mu.Lock()
	if len(w.samples) < w.capacity {
		w.samples = append(w.samples, ms)
	} else {
		w.samples[w.writeIdx] = ms
	}
	w.writeIdx = (w.writeIdx + 1) % w.capacity
	w.count++

	p95, p99 := w.percentilesLocked(95), w.percentilesLocked(99)
	now := time.Now()

	var emitP95, emitP99 bool
	if w.thresholds.P95Ms > 0 && p95 > w.thresholds.P95Ms && now.Sub(w.lastViolP95) >= w.cooldown {
		w.lastViolP95 = now
		emitP95 = true
	}
	if w.thresholds.P99Ms > 0 && p99 > w.thresholds.P99Ms && now.Sub(w.lastViolP99) >= w.cooldown {
		w.lastViolP99 = now
		emitP99 = true
	}
	w.mu.Unlock()

	if w.observeHist != nil {
		w.observeHist.Observe(ms)
	}

	if w.bus == nil {
		return
	}
	if emitP95 {
		w.bus.Publish(events.Event{Kind: events.KindViolation, Source: w.name, Fields: map[string]interface{}{
			"percentile": "p95", "value_ms": p95, "threshold_ms": w.thresholds.P95Ms,
		}})
	}
	if emitP99 {
		w.bus.Publish(events.Event{Kind: events.KindViolation, Source: w.name, Fields: map[string]interface{}{
			"percentile": "p99", "value_ms": p99, "threshold_ms": w.thresholds.P99Ms,
		}})
	}
}

// Percentiles returns p50, p95, p99 for the current window.
func (w *Window) Percentiles() (p50, p95, p99 float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.percentilesLocked(50), w.percentilesLocked(95), w.percentilesLocked(99)
}

// percentilesLocked must be called with w.mu held.
func (w *Window) percentilesLocked(p int) float64 {
	n := len(w.samples)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), w.samples...)
	sort.Float64s(sorted)

	idx := (p * n) / 100
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// Count returns how many samples have ever been observed (not bounded by capacity).
func (w *Window) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Registry holds one Window per metric name.
type Registry struct {
	mu      sync.Mutex
	windows map[string]*Window
	bus     *events.Bus
	promReg prometheus.Registerer
}

// NewRegistry creates an empty metrics-window registry.
func NewRegistry(bus *events.Bus, promReg prometheus.Registerer) *Registry {
	return &Registry{windows: make(map[string]*Window), bus: bus, promReg: promReg}
}

// Get returns (creating if necessary) the Window for a metric name.
func (r *Registry) Get(name string, capacity int, thresholds Thresholds) *Window {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.windows[name]; ok {
		return w
	}
	w := NewWindow(name, capacity, thresholds, r.bus, r.promReg)
	r.windows[name] = w
	return w
}

// Snapshot returns p50/p95/p99 for every registered metric.
func (r *Registry) Snapshot() map[string][3]float64 {
	r.mu.Lock()
	windows := make([]*Window, 0, len(r.windows))
	names := make([]string, 0, len(r.windows))
	for name, w := range r.windows {
		names = append(names, name)
		windows = append(windows, w)
	}
	r.mu.Unlock()

	out := make(map[string][3]float64, len(windows))
	for i, w := range windows {
		p50, p95, p99 := w.Percentiles()
		out[names[i]] = [3]float64{p50, p95, p99}
	}
	return out
}

// MemorySampler periodically reads heap usage and emits MemoryPressureEvent
// when usage exceeds a configured percentage of the configured limit.
type MemorySampler struct {
	limitBytes   uint64
	pressurePct  float64
	cadence      time.Duration
	cooldown     time.Duration
	bus          *events.Bus

	mu           sync.Mutex
	lastEmit     time.Time
	lastPressure bool

	stop chan struct{}
}

// NewMemorySampler creates a sampler. limitMB is the configured memory
// limit (spec §6 performance.memoryLimitMB); pressurePct is the fraction
// (e.g. 0.85) of that limit that counts as pressure.
func NewMemorySampler(limitMB int, pressurePct float64, cadence time.Duration, bus *events.Bus) *MemorySampler {
	if cadence <= 0 {
		cadence = 10 * time.Second
	}
	if pressurePct <= 0 {
		pressurePct = 0.85
	}
	return &MemorySampler{
		limitBytes:  uint64(limitMB) * 1024 * 1024,
		pressurePct: pressurePct,
		cadence:     cadence,
		cooldown:    60 * time.Second,
		bus:         bus,
		stop:        make(chan struct{}),
	}
}

// Start launches the background sampling loop; call Stop to shut it down.
func (m *MemorySampler) Start() {
	go func() {
		ticker := time.NewTicker(m.cadence)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sampleOnce()
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop ends the sampling loop.
func (m *MemorySampler) Stop() {
	close(m.stop)
}

func (m *MemorySampler) sampleOnce() {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	pressure := m.limitBytes > 0 && float64(stats.HeapAlloc) > float64(m.limitBytes)*m.pressurePct

	m.mu.Lock()
	now := time.Now()
	shouldEmit := pressure && now.Sub(m.lastEmit) >= m.cooldown
	if shouldEmit {
		m.lastEmit = now
	}
	m.lastPressure = pressure
	m.mu.Unlock()

	if shouldEmit && m.bus != nil {
		m.bus.Publish(events.Event{Kind: events.KindMemoryPressure, Source: "memory_sampler", Fields: map[string]interface{}{
			"heap_alloc_bytes": stats.HeapAlloc,
			"limit_bytes":      m.limitBytes,
		}})
	}
}

// Pressure reports whether the last sample exceeded the threshold.
func (m *MemorySampler) Pressure() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastPressure
}

// HeapAllocBytes returns a fresh heap-allocation reading.
func HeapAllocBytes() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}
