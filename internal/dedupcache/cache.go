// Package dedupcache implements the Content-hash → Verdict cache of spec
// §4.4: lookup and store, with TTL picked from the verdict's confidence
// level. Grounded on the teacher's internal/fabric.RedisHubStore (a minimal
// Store interface any Redis driver can satisfy, JSON-marshaled values,
// key-prefixed namespacing) and on RedisEventBus's "Redis fails → fall back
// to local" degrade idiom: an in-process RWMutex-guarded map fast path sits in front of
// the Redis tier so a lookup never blocks on network I/O once a value has
// been seen locally, and a Redis outage degrades the cache to local-only
// instead of failing lookups.
package dedupcache

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ocx/dragonpipe/internal/domain"
)

// Store is the minimal persistence interface the cache needs, satisfied by
// internal/infra's go-redis adapter (or any other Redis/KV driver).
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Del(ctx context.Context, keys ...string) error
}

// Cache implements spec §4.4's Dedup/Result Cache.
type Cache struct {
	store     Store
	keyPrefix string

	mu    sync.RWMutex
	local map[string]domain.CacheEntry
}

// New constructs a Cache. store may be nil, in which case the cache runs
// local-only (used in tests and whenever Redis is unreachable at startup).
func New(store Store, keyPrefix string) *Cache {
	if keyPrefix == "" {
		keyPrefix = "dragonpipe:cache:"
	}
	return &Cache{
		store:     store,
		keyPrefix: keyPrefix,
		local:     make(map[string]domain.CacheEntry),
	}
}

type entryJSON struct {
	Entry domain.CacheEntry
}

// Lookup returns the cached Verdict for hash if present and non-expired.
// The returned Verdict has CacheHit set to true. Spec invariant: a cache
// read never returns an entry whose cachedAtMs+ttlMs < now.
func (c *Cache) Lookup(ctx context.Context, hash domain.ContentHash) (domain.Verdict, bool) {
	key := hash.String()
	now := time.Now().UnixMilli()

	c.mu.RLock()
	entry, ok := c.local[key]
	c.mu.RUnlock()
	if ok {
		if entry.Expired(now) {
			c.mu.Lock()
			delete(c.local, key)
			c.mu.Unlock()
		} else {
			v := entry.Verdict
			v.CacheHit = true
			return v, true
		}
	}

	if c.store == nil {
		return domain.Verdict{}, false
	}

	raw, err := c.store.Get(ctx, c.keyPrefix+key)
	if err != nil {
		return domain.Verdict{}, false
	}
	var wrapped entryJSON
	if err := json.Unmarshal(raw, &wrapped); err != nil {
		slog.Warn("dedupcache: failed to unmarshal cache entry", "hash", key, "error", err)
		return domain.Verdict{}, false
	}
	if wrapped.Entry.Expired(now) {
		return domain.Verdict{}, false
	}

	c.mu.Lock()
	c.local[key] = wrapped.Entry
	c.mu.Unlock()

	v := wrapped.Entry.Verdict
	v.CacheHit = true
	return v, true
}

// Store saves verdict under hash, overwriting any prior entry. TTL is
// picked from verdict.ConfidenceLevel via domain.TTLForConfidence.
func (c *Cache) Store(ctx context.Context, hash domain.ContentHash, verdict domain.Verdict) {
	key := hash.String()
	ttl := domain.TTLForConfidence(verdict.ConfidenceLevel)
	now := time.Now()

	entry := domain.CacheEntry{
		Verdict:    verdict,
		CachedAtMs: now.UnixMilli(),
		TTLMs:      ttl.Milliseconds(),
		Confidence: verdict.ConfidenceLevel,
		Version:    1,
	}

	c.mu.Lock()
	c.local[key] = entry
	c.mu.Unlock()

	if c.store == nil {
		return
	}
	data, err := json.Marshal(entryJSON{Entry: entry})
	if err != nil {
		slog.Warn("dedupcache: failed to marshal cache entry", "hash", key, "error", err)
		return
	}
	if err := c.store.Set(ctx, c.keyPrefix+key, data, ttl); err != nil {
		slog.Warn("dedupcache: redis SET failed, entry kept local-only", "hash", key, "error", err)
	}
}

// Evict removes any cached entry for hash, local and remote.
func (c *Cache) Evict(ctx context.Context, hash domain.ContentHash) {
	key := hash.String()
	c.mu.Lock()
	delete(c.local, key)
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.Del(ctx, c.keyPrefix+key); err != nil {
			slog.Warn("dedupcache: redis DEL failed", "hash", key, "error", err)
		}
	}
}

// Size reports the number of entries held in the local fast-path tier,
// used by the health snapshot (C10).
func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.local)
}
