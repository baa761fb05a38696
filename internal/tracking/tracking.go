// Package tracking implements the per-ArtifactId stage log of spec §4.5:
// an append-only list of {stageName, timestampMs, payload} entries, TTL 2
// hours. Grounded on the teacher's internal/escrow.EscrowGate (a per-ID map
// guarded by one mutex) and on RedisHubStore's TTL-keyed persistence;
// stage entries are appended to a Redis list with RPush + Expire, degrading
// to an in-memory ring the same way RedisEventBus.Publish degrades to
// local-only delivery when Redis is unreachable. Writes here are always
// non-fatal: a tracking failure never fails the request it is tracking.
package tracking

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/dragonpipe/internal/domain"
)

// TTL is spec §3's fixed 2-hour tracking retention.
const TTL = 2 * time.Hour

// maxStagesPerRecord bounds the in-memory ring so a runaway request can't
// grow a tracking record without limit.
const maxStagesPerRecord = 64

// Store is the minimal persistence interface tracking needs.
type Store interface {
	RPush(ctx context.Context, key string, value []byte) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	LRange(ctx context.Context, key string) ([][]byte, error)
	Del(ctx context.Context, keys ...string) error
}

// Tracker implements spec §4.5's Tracking Store.
type Tracker struct {
	store     Store
	keyPrefix string

	mu    sync.Mutex
	local map[string]*domain.TrackingRecord
}

// New constructs a Tracker. store may be nil (local-only, used in tests and
// whenever Redis is unreachable).
func New(store Store, keyPrefix string) *Tracker {
	if keyPrefix == "" {
		keyPrefix = "dragonpipe:track:"
	}
	return &Tracker{
		store:     store,
		keyPrefix: keyPrefix,
		local:     make(map[string]*domain.TrackingRecord),
	}
}

type stageJSON struct {
	StageName   string            `json:"stageName"`
	TimestampMs int64             `json:"timestampMs"`
	Payload     map[string]string `json:"payload,omitempty"`
}

// Append records a stage transition for artifactID. Failures are logged
// and swallowed; tracking never fails the request it observes.
func (t *Tracker) Append(ctx context.Context, artifactID, stageName string, payload map[string]string) {
	stage := domain.TrackingStage{
		StageName:   stageName,
		TimestampMs: time.Now().UnixMilli(),
		Payload:     payload,
	}

	t.mu.Lock()
	rec, ok := t.local[artifactID]
	if !ok {
		rec = &domain.TrackingRecord{ArtifactID: artifactID}
		t.local[artifactID] = rec
	}
	rec.Stages = append(rec.Stages, stage)
	if len(rec.Stages) > maxStagesPerRecord {
		rec.Stages = rec.Stages[len(rec.Stages)-maxStagesPerRecord:]
	}
	t.mu.Unlock()

	if t.store == nil {
		return
	}
	key := t.keyPrefix + artifactID
	data, err := json.Marshal(stageJSON{StageName: stage.StageName, TimestampMs: stage.TimestampMs, Payload: stage.Payload})
	if err != nil {
		slog.Warn("tracking: failed to marshal stage", "artifact_id", artifactID, "stage", stageName, "error", err)
		return
	}
	if err := t.store.RPush(ctx, key, data); err != nil {
		slog.Warn("tracking: redis RPUSH failed, stage kept local-only", "artifact_id", artifactID, "stage", stageName, "error", err)
		return
	}
	if err := t.store.Expire(ctx, key, TTL); err != nil {
		slog.Warn("tracking: redis EXPIRE failed", "artifact_id", artifactID, "error", err)
	}
}

// Get returns the tracking record for artifactID as currently known
// in-process. It does not reconstitute from Redis — the in-memory copy is
// always at least as fresh, since Append writes local before remote.
func (t *Tracker) Get(artifactID string) (domain.TrackingRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.local[artifactID]
	if !ok {
		return domain.TrackingRecord{}, false
	}
	return *rec, true
}

// Evict drops artifactID's record, in-process and (if a store is set) in
// Redis, without waiting for TTL expiry. The dispatcher's deferred cleanup
// calls it trackingEvictionDelay after every request that got past
// validation, whether or not a verdict was produced.
func (t *Tracker) Evict(ctx context.Context, artifactID string) {
	t.mu.Lock()
	delete(t.local, artifactID)
	t.mu.Unlock()
	if t.store != nil {
		if err := t.store.Del(ctx, t.keyPrefix+artifactID); err != nil {
			slog.Warn("tracking: redis DEL failed", "artifact_id", artifactID, "error", err)
		}
	}
}

// Size reports the number of in-flight tracking records, used by the
// health snapshot (C10).
func (t *Tracker) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.local)
}
