package governor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/dragonpipe/internal/errs"
)

func TestAcquireImmediateWhenCapacityFree(t *testing.T) {
	g := New(Config{MaxConcurrent: 2, QueueLimit: 5, RateWindow: time.Second, RateMax: 100}, nil)
	waited, err := g.Acquire(context.Background(), "a1", "c1", "corr-1", 0, time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), waited)
}

func TestAcquireQueuesThenAdmitsOnRelease(t *testing.T) {
	g := New(Config{MaxConcurrent: 1, QueueLimit: 5, RateWindow: time.Second, RateMax: 100}, nil)

	_, err := g.Acquire(context.Background(), "a1", "c1", "corr-1", 0, time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := g.Acquire(context.Background(), "a2", "c1", "corr-1", 0, time.Second)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond) // ensure a2 is queued
	g.Release("a1")

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("a2 never admitted after release")
	}
}

func TestHigherPriorityAdmittedFirst(t *testing.T) {
	g := New(Config{MaxConcurrent: 1, QueueLimit: 5, RateWindow: time.Second, RateMax: 100}, nil)
	_, _ = g.Acquire(context.Background(), "a0", "c1", "corr-1", 0, time.Second)

	order := make(chan string, 3)
	var wg sync.WaitGroup
	for _, spec := range []struct {
		id       string
		priority int
	}{{"low", 0}, {"high", 10}, {"mid", 5}} {
		wg.Add(1)
		go func(id string, priority int) {
			defer wg.Done()
			_, err := g.Acquire(context.Background(), id, "c1", "corr-1", priority, time.Second)
			if err == nil {
				order <- id
				g.Release(id)
			}
		}(spec.id, spec.priority)
	}
	time.Sleep(30 * time.Millisecond) // let all 3 enqueue
	g.Release("a0")
	wg.Wait()
	close(order)

	var got []string
	for id := range order {
		got = append(got, id)
	}
	require.Equal(t, []string{"high", "mid", "low"}, got)
}

func TestQueueFullRejectsBeyondLimit(t *testing.T) {
	g := New(Config{MaxConcurrent: 1, QueueLimit: 0, RateWindow: time.Second, RateMax: 100}, nil)
	_, err := g.Acquire(context.Background(), "a1", "c1", "corr-1", 0, time.Second)
	require.NoError(t, err)

	_, err = g.Acquire(context.Background(), "a2", "c1", "corr-queuefull", 0, time.Second)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.CategoryQueueFull, e.Category)
	assert.Equal(t, "corr-queuefull", e.CorrelationID)
}

func TestQueueTimeout(t *testing.T) {
	g := New(Config{MaxConcurrent: 1, QueueLimit: 5, RateWindow: time.Second, RateMax: 100}, nil)
	_, _ = g.Acquire(context.Background(), "a1", "c1", "corr-1", 0, time.Second)

	_, err := g.Acquire(context.Background(), "a2", "c1", "corr-queuetimeout", 0, 20*time.Millisecond)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.CategoryQueueTimeout, e.Category)
	assert.Equal(t, "corr-queuetimeout", e.CorrelationID)
}

func TestRateLimited(t *testing.T) {
	g := New(Config{MaxConcurrent: 10, QueueLimit: 10, RateWindow: time.Second, RateMax: 2}, nil)
	_, err := g.Acquire(context.Background(), "a1", "c1", "corr-1", 0, time.Second)
	require.NoError(t, err)
	g.Release("a1")
	_, err = g.Acquire(context.Background(), "a2", "c1", "corr-1", 0, time.Second)
	require.NoError(t, err)
	g.Release("a2")

	_, err = g.Acquire(context.Background(), "a3", "c1", "corr-ratelimited", 0, time.Second)
	require.Error(t, err)
	e, ok := errs.As(err)
	require.True(t, ok)
	assert.Equal(t, errs.CategoryRateLimited, e.Category)
	assert.Equal(t, "corr-ratelimited", e.CorrelationID)
}

func TestReleaseTwiceIsNoOp(t *testing.T) {
	g := New(Config{MaxConcurrent: 2, QueueLimit: 5, RateWindow: time.Second, RateMax: 100}, nil)
	_, err := g.Acquire(context.Background(), "a1", "c1", "corr-1", 0, time.Second)
	require.NoError(t, err)

	assert.True(t, g.Release("a1"))
	assert.False(t, g.Release("a1"))
}

func TestUtilizationNeverExceedsMaxPlusLimit(t *testing.T) {
	g := New(Config{MaxConcurrent: 2, QueueLimit: 2, RateWindow: time.Second, RateMax: 1000}, nil)
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = g.Acquire(context.Background(), fakeID(i), "c1", "corr-1", 0, 50*time.Millisecond)
		}(i)
	}
	time.Sleep(10 * time.Millisecond)
	active, max, queued, limit := g.Utilization()
	assert.LessOrEqual(t, active+queued, max+limit)
	wg.Wait()
}

func fakeID(i int) string {
	return "id-" + string(rune('a'+i))
}
