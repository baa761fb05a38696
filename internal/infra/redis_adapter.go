// Package infra provides the concrete Redis adapter used by
// internal/dedupcache, internal/tracking and internal/bus. Adapted from the
// teacher's internal/infra/redis_adapter.go (GoRedisAdapter wrapping
// go-redis v9), extended from the teacher's Set/Get/Del/SAdd/Publish surface
// with the List and Streams operations the tracking store and bus client
// need (RPush/Expire/LRange, XAdd/XGroupCreateMkStream/XReadGroup/XAck). If
// Redis is unreachable at startup, callers fall back to local-only stores —
// the same decision the teacher's cmd/ entry points make.
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrKeyNotFound mirrors the teacher's redis_adapter.go convention of
// turning redis.Nil into a package-level sentinel rather than leaking the
// driver's error type to callers.
var ErrKeyNotFound = errors.New("infra: key not found")

// GoRedisAdapter wraps go-redis v9 to implement the minimal interfaces
// dedupcache.Store and tracking.Store expect. Its XReadGroup returns
// XStreamMessage, so it satisfies bus.StreamClient only through a wrapper
// that converts those messages (cmd/dispatchd's redisStreamAdapter).
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter attempts to connect to Redis using the provided options.
// Returns the adapter and any connection error; the caller decides whether
// to fall back to an in-memory store.
func NewGoRedisAdapter(addr, password string, db int) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", addr, err)
	}

	slog.Info("redis connected", "addr", addr, "db", db)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

// =============================================================================
// dedupcache.Store / generic KV
// =============================================================================

func (a *GoRedisAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return a.rdb.Set(ctx, key, value, ttl).Err()
}

func (a *GoRedisAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := a.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	return val, err
}

func (a *GoRedisAdapter) Del(ctx context.Context, keys ...string) error {
	return a.rdb.Del(ctx, keys...).Err()
}

// =============================================================================
// tracking.Store
// =============================================================================

func (a *GoRedisAdapter) RPush(ctx context.Context, key string, value []byte) error {
	return a.rdb.RPush(ctx, key, value).Err()
}

func (a *GoRedisAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return a.rdb.Expire(ctx, key, ttl).Err()
}

func (a *GoRedisAdapter) LRange(ctx context.Context, key string) ([][]byte, error) {
	vals, err := a.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

// =============================================================================
// bus.StreamClient (Redis Streams, consumer groups)
// =============================================================================

// XAdd appends a field/value payload to stream, returning the assigned
// message ID.
func (a *GoRedisAdapter) XAdd(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	return a.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
}

// XGroupCreateMkStream idempotently creates a consumer group, creating the
// stream first if it doesn't exist. A BUSYGROUP response (group already
// exists) is not treated as an error.
func (a *GoRedisAdapter) XGroupCreateMkStream(ctx context.Context, stream, group string) error {
	err := a.rdb.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil && isBusyGroupErr(err) {
		return nil
	}
	return err
}

func isBusyGroupErr(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// XStreamMessage is one message read back from a consumer group.
type XStreamMessage struct {
	ID     string
	Values map[string]interface{}
}

// XReadGroup blocks up to block for new messages on stream for consumer
// within group.
func (a *GoRedisAdapter) XReadGroup(ctx context.Context, group, consumer, stream string, block time.Duration, count int64) ([]XStreamMessage, error) {
	res, err := a.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []XStreamMessage
	for _, s := range res {
		for _, m := range s.Messages {
			out = append(out, XStreamMessage{ID: m.ID, Values: m.Values})
		}
	}
	return out, nil
}

// XAck acknowledges a processed message so the consumer group drops it
// from the pending-entries list.
func (a *GoRedisAdapter) XAck(ctx context.Context, stream, group, id string) error {
	return a.rdb.XAck(ctx, stream, group, id).Err()
}
