// Package governor implements the concurrency governor described in spec
// §4.3: a counted semaphore, a priority-ordered FIFO queue of QueueTickets,
// and a per-client token bucket rate limiter. Grounded on the teacher's
// internal/ghostpool buffered-channel capacity pool and
// internal/middleware/rate_limiter.go's read-first double-checked locking,
// generalized to the spec's fixed-window token bucket and priority queue.
package governor

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ocx/dragonpipe/internal/errs"
)

// Config configures one Governor instance, matching spec §6's concurrency block.
type Config struct {
	MaxConcurrent int
	QueueLimit    int
	RateWindow    time.Duration
	RateMax       int
}

// DefaultConfig mirrors spec §6's concurrency defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 50,
		QueueLimit:    100,
		RateWindow:    60 * time.Second,
		RateMax:       100,
	}
}

type ticket struct {
	artifactID  string
	clientID    string
	priority    int
	enqueuedAt  time.Time
	index       int // heap index, maintained by container/heap
	ready       chan struct{}
	removed     bool
}

// priorityQueue is a max-heap on priority, ties broken by earliest enqueuedAt.
type priorityQueue []*ticket

func (pq priorityQueue) Len() int { return len(pq) }
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].priority != pq[j].priority {
		return pq[i].priority > pq[j].priority
	}
	return pq[i].enqueuedAt.Before(pq[j].enqueuedAt)
}
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}
func (pq *priorityQueue) Push(x interface{}) {
	t := x.(*ticket)
	t.index = len(*pq)
	*pq = append(*pq, t)
}
func (pq *priorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*pq = old[:n-1]
	return t
}

type bucket struct {
	tokens   int
	resetAt  time.Time
}

// Governor bounds concurrent dispatcher work per spec §4.3.
type Governor struct {
	cfg Config

	mu            sync.Mutex
	active        int
	activeHolders map[string]struct{}
	queue         priorityQueue
	waiting       map[string]*ticket
	buckets       map[string]*bucket

	activeGauge prometheus.Gauge
	queuedGauge prometheus.Gauge
}

// New constructs a Governor.
func New(cfg Config, registry prometheus.Registerer) *Governor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 50
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = 60 * time.Second
	}
	if cfg.RateMax <= 0 {
		cfg.RateMax = 100
	}
	g := &Governor{
		cfg:           cfg,
		activeHolders: make(map[string]struct{}),
		waiting:       make(map[string]*ticket),
		buckets:       make(map[string]*bucket),
	}
	if registry != nil {
		g.activeGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dragonpipe_governor_active",
			Help: "Number of requests currently holding a concurrency slot.",
		})
		g.queuedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dragonpipe_governor_queued",
			Help: "Number of requests waiting for a concurrency slot.",
		})
		registry.MustRegister(g.activeGauge, g.queuedGauge)
	}
	return g
}

// allowLocked checks and decrements the per-client token bucket. Must be called
// with g.mu held.
func (g *Governor) allowLocked(clientID string) bool {
	now := time.Now()
	b, ok := g.buckets[clientID]
	if !ok || now.After(b.resetAt) {
		b = &bucket{tokens: g.cfg.RateMax, resetAt: now.Add(g.cfg.RateWindow)}
		g.buckets[clientID] = b
	}
	if b.tokens <= 0 {
		return false
	}
	b.tokens--
	return true
}

// Acquire admits the caller immediately if capacity is free, otherwise
// enqueues it (priority-ordered, FIFO within a priority class) and waits up
// to timeout. Returns the time spent waiting. correlationID is stamped onto
// any errs.* rejection so the caller's error carries it, per spec §7's
// "every error returned to the caller carries a correlationId."
func (g *Governor) Acquire(ctx context.Context, artifactID, clientID, correlationID string, priority int, timeout time.Duration) (waited time.Duration, err error) {
	g.mu.Lock()

	if !g.allowLocked(clientID) {
		g.mu.Unlock()
		return 0, errs.RateLimited(correlationID)
	}

	if g.active < g.cfg.MaxConcurrent {
		g.active++
		g.activeHolders[artifactID] = struct{}{}
		g.updateGaugesLocked()
		g.mu.Unlock()
		return 0, nil
	}

	if len(g.queue) >= g.cfg.QueueLimit {
		g.mu.Unlock()
		return 0, errs.QueueFull(correlationID)
	}

	t := &ticket{
		artifactID: artifactID,
		clientID:   clientID,
		priority:   priority,
		enqueuedAt: time.Now(),
		ready:      make(chan struct{}),
	}
	heap.Push(&g.queue, t)
	g.waiting[artifactID] = t
	g.updateGaugesLocked()
	g.mu.Unlock()

	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer = time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case <-t.ready:
		return time.Since(t.enqueuedAt), nil
	case <-timeoutCh:
		g.mu.Lock()
		if !t.removed {
			g.removeFromQueueLocked(t)
		}
		g.updateGaugesLocked()
		g.mu.Unlock()
		return time.Since(t.enqueuedAt), errs.QueueTimeout(correlationID)
	case <-ctx.Done():
		g.mu.Lock()
		if !t.removed {
			g.removeFromQueueLocked(t)
		}
		g.updateGaugesLocked()
		g.mu.Unlock()
		return time.Since(t.enqueuedAt), ctx.Err()
	}
}

// removeFromQueueLocked removes t from the heap if it is still present.
// Must be called with g.mu held.
func (g *Governor) removeFromQueueLocked(t *ticket) {
	if t.index < 0 || t.index >= len(g.queue) || g.queue[t.index] != t {
		return
	}
	heap.Remove(&g.queue, t.index)
	delete(g.waiting, t.artifactID)
	t.removed = true
}

// Release gives up the slot held by artifactID, admitting the
// highest-priority waiter if any. Releasing an artifactID that does not
// currently hold a slot is a no-op.
func (g *Governor) Release(artifactID string) (wasHeld bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.activeHolders[artifactID]; !ok {
		return false
	}
	delete(g.activeHolders, artifactID)
	g.active--

	if len(g.queue) > 0 {
		next := heap.Pop(&g.queue).(*ticket)
		next.removed = true
		delete(g.waiting, next.artifactID)
		g.active++
		g.activeHolders[next.artifactID] = struct{}{}
		close(next.ready)
	}
	g.updateGaugesLocked()
	return true
}

func (g *Governor) updateGaugesLocked() {
	if g.activeGauge != nil {
		g.activeGauge.Set(float64(g.active))
	}
	if g.queuedGauge != nil {
		g.queuedGauge.Set(float64(len(g.queue)))
	}
}

// Utilization reports current active/max and queued/limit for health snapshots.
func (g *Governor) Utilization() (active, max, queued, limit int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active, g.cfg.MaxConcurrent, len(g.queue), g.cfg.QueueLimit
}
