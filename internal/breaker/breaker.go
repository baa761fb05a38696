// Package breaker implements the circuit breaker state machine described in
// spec §4.2: CLOSED → OPEN → HALF_OPEN, with Call racing the wrapped
// operation against a timeout and admitting at most halfOpenMax concurrent
// probes while half-open. Adapted from the teacher's
// internal/circuitbreaker package (generation-based stale-result rejection,
// the same Counts bookkeeping) and extended with the timeout race spec
// §4.2 requires.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ocx/dragonpipe/internal/events"
)

// State is one of CLOSED, OPEN, HALF_OPEN.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned when the breaker fast-fails a call in the OPEN state.
var ErrOpen = errors.New("circuit breaker is open")

// ErrHalfOpenRejected is returned when the HALF_OPEN probe budget is exhausted.
var ErrHalfOpenRejected = errors.New("circuit breaker: too many half-open probes")

// Config configures one breaker instance.
type Config struct {
	Name              string
	FailureThreshold  int           // consecutive failures in CLOSED before tripping to OPEN
	ResetTimeout      time.Duration // time OPEN must elapse before probing HALF_OPEN
	HalfOpenMax       int           // successes needed in HALF_OPEN before closing
}

// DefaultConfig mirrors spec §6's circuitBreaker defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		HalfOpenMax:      3,
	}
}

// Counts tracks consecutive and total outcomes, reset on every state change.
type Counts struct {
	Requests             int
	TotalSuccesses        int
	TotalFailures          int
	ConsecutiveSuccesses   int
	ConsecutiveFailures    int
}

func (c *Counts) onSuccess() {
	c.Requests++
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.Requests++
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() { *c = Counts{} }

// Breaker wraps operations with the CLOSED/OPEN/HALF_OPEN state machine.
type Breaker struct {
	cfg Config
	bus *events.Bus

	mu            sync.Mutex
	state         State
	generation    uint64
	counts        Counts
	openedAt      time.Time
	halfOpenInFlight int
}

// New constructs a breaker in the CLOSED state.
func New(cfg Config, bus *events.Bus) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &Breaker{cfg: cfg, bus: bus, state: StateClosed}
}

// Name returns the breaker's configured name.
func (b *Breaker) Name() string { return b.cfg.Name }

// State returns the current state, advancing OPEN→HALF_OPEN if the reset
// timeout has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked()
}

// Counts returns a copy of the current generation's counts.
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// currentStateLocked must be called with b.mu held.
func (b *Breaker) currentStateLocked() State {
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.ResetTimeout {
		b.setStateLocked(StateHalfOpen)
	}
	return b.state
}

func (b *Breaker) setStateLocked(s State) {
	if b.state == s {
		return
	}
	prev := b.state
	b.state = s
	b.generation++
	b.counts.clear()
	b.halfOpenInFlight = 0
	if s == StateOpen {
		b.openedAt = time.Now()
	}

	if b.bus != nil {
		b.bus.Publish(events.Event{
			Kind:   events.KindStateChange,
			Source: b.cfg.Name,
			Fields: map[string]interface{}{"from": prev.String(), "to": s.String()},
		})
	}
}

// beforeCall admits or rejects a call and returns the generation it was
// admitted under, used to discard stale results from a since-reset breaker.
func (b *Breaker) beforeCall() (generation uint64, halfOpenProbe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.currentStateLocked()
	switch state {
	case StateOpen:
		return b.generation, false, ErrOpen
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMax {
			return b.generation, false, ErrHalfOpenRejected
		}
		b.halfOpenInFlight++
		return b.generation, true, nil
	default:
		return b.generation, false, nil
	}
}

func (b *Breaker) afterCall(generation uint64, halfOpenProbe bool, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if generation != b.generation {
		return
	}
	if halfOpenProbe {
		b.halfOpenInFlight--
	}

	state := b.currentStateLocked()
	if success {
		b.counts.onSuccess()
		switch state {
		case StateHalfOpen:
			if b.counts.ConsecutiveSuccesses >= b.cfg.HalfOpenMax {
				b.setStateLocked(StateClosed)
			}
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.setStateLocked(StateOpen)
		}
	case StateHalfOpen:
		// a failure during HALF_OPEN trips back to OPEN immediately,
		// regardless of how many successes preceded it.
		b.setStateLocked(StateOpen)
	}
}

// Call races op against timeout (if positive) and records the outcome.
// A timeout counts as a failure. In OPEN state the call is rejected without
// invoking op at all.
func (b *Breaker) Call(ctx context.Context, timeout time.Duration, op func(context.Context) error) error {
	generation, halfOpenProbe, err := b.beforeCall()
	if err != nil {
		return err
	}

	callCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- op(callCtx)
	}()

	select {
	case opErr := <-done:
		b.afterCall(generation, halfOpenProbe, opErr == nil)
		return opErr
	case <-callCtx.Done():
		b.afterCall(generation, halfOpenProbe, false)
		return callCtx.Err()
	}
}

// Manager holds a named set of breakers, created lazily with a shared
// default config template.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	template Config
	bus      *events.Bus
}

// NewManager creates a breaker manager using template as the default config
// for breakers created via Get.
func NewManager(template Config, bus *events.Bus) *Manager {
	return &Manager{breakers: make(map[string]*Breaker), template: template, bus: bus}
}

// Get returns the named breaker, creating one from the template config if absent.
func (m *Manager) Get(name string) *Breaker {
	m.mu.RLock()
	b, ok := m.breakers[name]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok = m.breakers[name]; ok {
		return b
	}
	cfg := m.template
	cfg.Name = name
	b = New(cfg, m.bus)
	m.breakers[name] = b
	return b
}

// Snapshot returns {name: state} for every breaker created so far.
func (m *Manager) Snapshot() map[string]State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]State, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State()
	}
	return out
}
