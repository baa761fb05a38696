// Package bus implements the Bus Client of spec §4.6: a log-structured
// message bus with consumer groups, semantically equivalent to Redis
// Streams' XADD/XREADGROUP/XACK/XGROUP CREATE, plus the request/response
// waiter pairing the Dispatcher (C9) uses for mirror and superior calls.
//
// Grounded on internal/infra/redis_adapter.go (go-redis v9 wrapping,
// extended here from Pub/Sub to Streams) and on internal/escrow.EscrowGate's
// HeldItem.done channel: AwaitRelease's "register a channel keyed by ID,
// complete it from a different goroutine, block with select on ctx.Done()"
// idiom is generalized here to (kind, artifactId) keys so a mirror waiter
// and a superior waiter for the same artifact never collide. Degraded mode
// (the underlying stream client unreachable) mirrors RedisEventBus.Publish's
// "Redis fails → fall back to local" branch: publish becomes a no-op and
// awaitResponse synthesizes a timeout immediately instead of blocking.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Stream names, identifiers only (spec §4.6).
const (
	StreamRequestMirror   = "req.mirror"
	StreamResponseMirror  = "resp.mirror"
	StreamRequestSuperior = "req.superior"
	StreamResponseSuperior = "resp.superior"
	StreamStatus          = "status"
	StreamPerfMetrics     = "perf.metrics"
	StreamErrorAlerts     = "error.alerts"
	StreamSecurityEvents  = "security.events"
	StreamAudit           = "audit"
)

// Kind identifies which waiter pool a request/response pair belongs to.
type Kind string

const (
	KindMirror   Kind = "mirror"
	KindSuperior Kind = "superior"
)

// StreamClient is the minimal Streams surface the bus needs. cmd/dispatchd's
// redisStreamAdapter satisfies it by wrapping internal/infra.GoRedisAdapter,
// whose own XReadGroup returns infra.XStreamMessage values.
type StreamClient interface {
	XAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error)
	XGroupCreateMkStream(ctx context.Context, stream, group string) error
	XReadGroup(ctx context.Context, group, consumer, stream string, block time.Duration, count int64) ([]StreamMessage, error)
	XAck(ctx context.Context, stream, group, id string) error
}

// StreamMessage mirrors infra.XStreamMessage without importing infra, so
// bus stays independent of the concrete Redis driver.
type StreamMessage struct {
	ID     string
	Values map[string]interface{}
}

type waiterKey struct {
	kind       Kind
	artifactID string
}

type waiter struct {
	done chan map[string]string
}

// Client implements spec §4.6's Bus Client.
type Client struct {
	stream StreamClient

	mu       sync.Mutex
	waiting  map[waiterKey]*waiter
	degraded bool
}

// New constructs a bus Client. stream may be nil, in which case the client
// runs permanently degraded (used in tests and whenever Redis is
// unreachable at startup).
func New(stream StreamClient) *Client {
	return &Client{
		stream:   stream,
		waiting:  make(map[waiterKey]*waiter),
		degraded: stream == nil,
	}
}

// Degraded reports whether the bus is currently operating without a live
// stream client.
func (c *Client) Degraded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.degraded
}

func (c *Client) setDegraded(v bool) {
	c.mu.Lock()
	c.degraded = v
	c.mu.Unlock()
}

// EnsureGroup idempotently creates a consumer group on stream, making up to
// 3 attempts with a 1s * 2^attempt wait after each failed one. An
// "already exists" response is treated as success (handled inside
// StreamClient.XGroupCreateMkStream).
func (c *Client) EnsureGroup(ctx context.Context, stream, group string) error {
	if c.stream == nil {
		return nil
	}
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		err := c.stream.XGroupCreateMkStream(ctx, stream, group)
		if err == nil {
			c.setDegraded(false)
			return nil
		}
		lastErr = err
		slog.Warn("bus: consumer group creation failed, retrying", "stream", stream, "group", group, "attempt", attempt, "error", err)
		backoff := time.Duration(1<<uint(attempt)) * time.Second
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.setDegraded(true)
	return fmt.Errorf("bus: failed to create consumer group %q on %q after 3 attempts: %w", group, stream, lastErr)
}

// Publish appends fields to stream, returning the assigned message ID. In
// degraded mode this is a no-op that returns a locally generated ID and no
// error — spec invariant I8 requires the bus never surface a BusError at
// the submit() boundary.
func (c *Client) Publish(ctx context.Context, stream string, fields map[string]interface{}) (string, error) {
	if c.Degraded() || c.stream == nil {
		return "degraded-" + uuid.NewString(), nil
	}
	id, err := c.stream.XAdd(ctx, stream, fields)
	if err != nil {
		slog.Warn("bus: publish failed, entering degraded mode", "stream", stream, "error", err)
		c.setDegraded(true)
		return "degraded-" + uuid.NewString(), nil
	}
	return id, nil
}

// registerWaiter registers a waiter for (kind, artifactID), to be completed
// by a background response consumer. Returns an unregister func that must
// be called once the waiter resolves or times out, to avoid leaking entries.
func (c *Client) registerWaiter(kind Kind, artifactID string) (*waiter, func()) {
	key := waiterKey{kind: kind, artifactID: artifactID}
	w := &waiter{done: make(chan map[string]string, 1)}
	c.mu.Lock()
	c.waiting[key] = w
	c.mu.Unlock()
	return w, func() {
		c.mu.Lock()
		delete(c.waiting, key)
		c.mu.Unlock()
	}
}

// AwaitResponse registers a waiter for (kind, artifactID), publishes the
// given request fields to requestStream, and blocks until a matching
// response arrives, timeout elapses, or ctx is cancelled. In degraded mode
// it synthesizes an immediate timeout instead of blocking, per spec §4.9's
// "degraded mirror/superior does not block the verdict."
func (c *Client) AwaitResponse(ctx context.Context, kind Kind, requestStream, artifactID string, fields map[string]interface{}, timeout time.Duration) (payload map[string]string, timedOut bool, err error) {
	if c.Degraded() {
		return nil, true, nil
	}

	w, unregister := c.registerWaiter(kind, artifactID)
	defer unregister()

	if _, err := c.Publish(ctx, requestStream, fields); err != nil {
		return nil, false, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case payload := <-w.done:
		return payload, false, nil
	case <-timer.C:
		return nil, true, nil
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}
}

// ConsumeResponses starts a background goroutine reading responseStream via
// consumer group group as consumerName. For each message carrying an
// "artifactId" field, it completes the matching (kind, artifactId) waiter
// (if one is registered) with the message's fields and acks it. Returns
// immediately; the goroutine stops when ctx is cancelled.
func (c *Client) ConsumeResponses(ctx context.Context, kind Kind, responseStream, group, consumerName string) {
	if c.stream == nil {
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			msgs, err := c.stream.XReadGroup(ctx, group, consumerName, responseStream, 2*time.Second, 10)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("bus: consume failed", "stream", responseStream, "error", err)
				c.setDegraded(true)
				time.Sleep(time.Second)
				continue
			}
			for _, m := range msgs {
				c.handleResponse(ctx, kind, responseStream, group, m)
			}
		}
	}()
}

func (c *Client) handleResponse(ctx context.Context, kind Kind, stream, group string, m StreamMessage) {
	artifactID, _ := m.Values["artifactId"].(string)
	payload := make(map[string]string, len(m.Values))
	for k, v := range m.Values {
		if s, ok := v.(string); ok {
			payload[k] = s
		} else {
			payload[k] = fmt.Sprintf("%v", v)
		}
	}

	c.mu.Lock()
	w, ok := c.waiting[waiterKey{kind: kind, artifactID: artifactID}]
	c.mu.Unlock()
	if ok {
		select {
		case w.done <- payload:
		default:
		}
	}

	if err := c.stream.XAck(ctx, stream, group, m.ID); err != nil {
		slog.Warn("bus: ack failed", "stream", stream, "id", m.ID, "error", err)
	}
}
