// Package health implements the healthSnapshot() operation of spec §4.10:
// an aggregated, read-only view of every other component's state, rolled
// up into a three-tier ok/degraded/critical status.
//
// Grounded on the teacher's internal/circuitbreaker.AOCSCircuitBreakers.
// HealthStatus (any breaker OPEN flips the rollup from HEALTHY to DEGRADED)
// extended from two tiers to three per spec §4.10, and on
// internal/monitoring.MonitoringSystem.GetLiveMetrics's copy-under-lock
// snapshot idiom: every field here is read from a collaborator's own
// thread-safe accessor, never by reaching into its internals.
package health

import (
	"sync/atomic"

	"github.com/ocx/dragonpipe/internal/analyzer"
	"github.com/ocx/dragonpipe/internal/breaker"
	"github.com/ocx/dragonpipe/internal/bus"
	"github.com/ocx/dragonpipe/internal/clock"
	"github.com/ocx/dragonpipe/internal/dedupcache"
	"github.com/ocx/dragonpipe/internal/events"
	"github.com/ocx/dragonpipe/internal/governor"
	"github.com/ocx/dragonpipe/internal/tracking"
)

// Status is the three-tier rollup spec §4.10 requires.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Snapshot is the full response body of healthSnapshot().
type Snapshot struct {
	Status Status `json:"status"`

	Latency     map[string][3]float64 `json:"latencyMsByWindow"` // p50, p95, p99
	MemoryPressure bool                `json:"memoryPressure"`

	CircuitStates map[string]string `json:"circuitStates"`

	GovernorActive int `json:"governorActive"`
	GovernorMax    int `json:"governorMax"`
	GovernorQueued int `json:"governorQueued"`
	GovernorLimit  int `json:"governorLimit"`

	BusDegraded bool `json:"busDegraded"`

	AnalyzersLoaded int      `json:"analyzersLoaded"`
	AnalyzerLoadErrors []string `json:"analyzerLoadErrors"`

	CacheSize    int `json:"cacheSize"`
	TrackingSize int `json:"trackingSize"`

	ViolationCount int64 `json:"violationCount"`
}

// Monitor aggregates references to every other component and subscribes to
// the violation event stream so it can report a running count without
// polling anyone.
type Monitor struct {
	clockRegistry *clock.Registry
	memSampler    *clock.MemorySampler
	breakers      *breaker.Manager
	gov           *governor.Governor
	busClient     *bus.Client
	analyzers     *analyzer.Registry
	cache         *dedupcache.Cache
	tracking      *tracking.Tracker

	violationCount atomic.Int64
}

// New constructs a Monitor and subscribes it to bus's violation events.
func New(clockRegistry *clock.Registry, memSampler *clock.MemorySampler, breakers *breaker.Manager, gov *governor.Governor, busClient *bus.Client, analyzers *analyzer.Registry, cache *dedupcache.Cache, tracking *tracking.Tracker, eventBus *events.Bus) *Monitor {
	m := &Monitor{
		clockRegistry: clockRegistry,
		memSampler:    memSampler,
		breakers:      breakers,
		gov:           gov,
		busClient:     busClient,
		analyzers:     analyzers,
		cache:         cache,
		tracking:      tracking,
	}
	if eventBus != nil {
		eventBus.Subscribe(events.KindViolation, func(events.Event) {
			m.violationCount.Add(1)
		})
	}
	return m
}

// Snapshot assembles the current health snapshot, classifying overall
// Status per spec §4.10's rules. Four conditions are counted, each at most
// once: at least one circuit OPEN, the bus being down, memory pressure, and
// a breached P95 budget. One condition makes the status degraded; any two
// or more make it critical.
func (m *Monitor) Snapshot() Snapshot {
	circuitStates := map[string]string{}
	openCircuits := 0
	if m.breakers != nil {
		for name, state := range m.breakers.Snapshot() {
			circuitStates[name] = state.String()
			if state == breaker.StateOpen {
				openCircuits++
			}
		}
	}

	var latency map[string][3]float64
	if m.clockRegistry != nil {
		latency = m.clockRegistry.Snapshot()
	}

	memPressure := false
	if m.memSampler != nil {
		memPressure = m.memSampler.Pressure()
	}

	busDown := false
	if m.busClient != nil {
		busDown = m.busClient.Degraded()
	}

	var active, max, queued, limit int
	if m.gov != nil {
		active, max, queued, limit = m.gov.Utilization()
	}

	analyzersLoaded := 0
	var loadErrors []string
	if m.analyzers != nil {
		analyzersLoaded = m.analyzers.Count()
		for _, le := range m.analyzers.LoadErrors() {
			loadErrors = append(loadErrors, le.Name+": "+le.Cause.Error())
		}
	}

	cacheSize := 0
	if m.cache != nil {
		cacheSize = m.cache.Size()
	}
	trackingSize := 0
	if m.tracking != nil {
		trackingSize = m.tracking.Size()
	}

	degradedConditions := 0
	if openCircuits > 0 {
		degradedConditions++
	}
	if busDown {
		degradedConditions++
	}
	if memPressure {
		degradedConditions++
	}
	if p95Breached(latency) {
		degradedConditions++
	}

	status := StatusOK
	switch {
	case degradedConditions >= 2:
		status = StatusCritical
	case degradedConditions == 1:
		status = StatusDegraded
	}

	return Snapshot{
		Status:             status,
		Latency:            latency,
		MemoryPressure:     memPressure,
		CircuitStates:      circuitStates,
		GovernorActive:     active,
		GovernorMax:        max,
		GovernorQueued:     queued,
		GovernorLimit:      limit,
		BusDegraded:        busDown,
		AnalyzersLoaded:    analyzersLoaded,
		AnalyzerLoadErrors: loadErrors,
		CacheSize:          cacheSize,
		TrackingSize:       trackingSize,
		ViolationCount:     m.violationCount.Load(),
	}
}

// p95Breached reports whether any tracked window's p95 exceeds 1.5x
// heapPressureBudgetMs (1.5 x 200 = 300 ms), the same bound for every window.
func p95Breached(latency map[string][3]float64) bool {
	for _, pcts := range latency {
		p95 := pcts[1]
		if p95 > 0 && p95 > heapPressureBudgetMs*1.5 {
			return true
		}
	}
	return false
}

// heapPressureBudgetMs is the apiP95Ms default from spec §6; health has no
// direct config dependency so it uses the documented default as the budget
// reference point, same as the rest of this snapshot's fixed thresholds.
const heapPressureBudgetMs = 200
