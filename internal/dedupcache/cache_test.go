package dedupcache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/dragonpipe/internal/domain"
)

type fakeStore struct {
	mu      sync.Mutex
	values  map[string][]byte
	getCalls int
}

func newFakeStore() *fakeStore {
	return &fakeStore{values: make(map[string][]byte)}
}

func (f *fakeStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = value
	return nil
}

func (f *fakeStore) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	v, ok := f.values[key]
	if !ok {
		return nil, errNotFound
	}
	return v, nil
}

func (f *fakeStore) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range keys {
		delete(f.values, k)
	}
	return nil
}

var errNotFound = &notFoundError{}

type notFoundError struct{}

func (e *notFoundError) Error() string { return "not found" }

func testHash(b byte) domain.ContentHash {
	var h domain.ContentHash
	h[0] = b
	return h
}

func TestLookupMissReturnsFalse(t *testing.T) {
	c := New(nil, "")
	_, ok := c.Lookup(context.Background(), testHash(1))
	assert.False(t, ok)
}

func TestStoreThenLookupHitsLocalFastPath(t *testing.T) {
	store := newFakeStore()
	c := New(store, "")
	hash := testHash(2)
	v := domain.Verdict{IsAuthentic: true, ConfidenceLevel: domain.ConfidenceHigh}

	c.Store(context.Background(), hash, v)
	got, ok := c.Lookup(context.Background(), hash)
	require.True(t, ok)
	assert.True(t, got.CacheHit)
	assert.True(t, got.IsAuthentic)
	assert.Equal(t, 0, store.getCalls) // local tier satisfied the read
}

func TestLookupFallsBackToRemoteStoreWhenNotLocal(t *testing.T) {
	store := newFakeStore()
	producer := New(store, "")
	hash := testHash(3)
	producer.Store(context.Background(), hash, domain.Verdict{ConfidenceLevel: domain.ConfidenceMedium})

	consumer := New(store, "") // fresh cache, no local entries
	got, ok := consumer.Lookup(context.Background(), hash)
	require.True(t, ok)
	assert.True(t, got.CacheHit)
	assert.Equal(t, 1, store.getCalls)
}

func TestExpiredEntryIsNotReturned(t *testing.T) {
	c := New(nil, "")
	hash := testHash(4)

	c.mu.Lock()
	c.local[hash.String()] = domain.CacheEntry{
		Verdict:    domain.Verdict{ConfidenceLevel: domain.ConfidenceLow},
		CachedAtMs: time.Now().Add(-2 * time.Hour).UnixMilli(),
		TTLMs:      (3600 * time.Second).Milliseconds(),
	}
	c.mu.Unlock()

	_, ok := c.Lookup(context.Background(), hash)
	assert.False(t, ok)
}

func TestStoreOverwritesPriorEntry(t *testing.T) {
	c := New(nil, "")
	hash := testHash(5)

	c.Store(context.Background(), hash, domain.Verdict{IsAuthentic: false, ConfidenceLevel: domain.ConfidenceLow})
	c.Store(context.Background(), hash, domain.Verdict{IsAuthentic: true, ConfidenceLevel: domain.ConfidenceHigh})

	got, ok := c.Lookup(context.Background(), hash)
	require.True(t, ok)
	assert.True(t, got.IsAuthentic)
}

func TestEvictRemovesLocalAndRemote(t *testing.T) {
	store := newFakeStore()
	c := New(store, "")
	hash := testHash(6)
	c.Store(context.Background(), hash, domain.Verdict{ConfidenceLevel: domain.ConfidenceHigh})

	c.Evict(context.Background(), hash)
	_, ok := c.Lookup(context.Background(), hash)
	assert.False(t, ok)
}

func TestTTLTableMatchesConfidenceLevels(t *testing.T) {
	assert.Equal(t, 14400*time.Second, domain.TTLForConfidence(domain.ConfidenceHigh))
	assert.Equal(t, 7200*time.Second, domain.TTLForConfidence(domain.ConfidenceMedium))
	assert.Equal(t, 3600*time.Second, domain.TTLForConfidence(domain.ConfidenceLow))
	assert.Equal(t, 1800*time.Second, domain.TTLForConfidence(domain.ConfidenceReviewRequired))
}
