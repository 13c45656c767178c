package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/dbusbridge/errors"
)

// clock is a manually advanced time source
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock { return &clock{now: time.Unix(1000, 0)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestTTL(t *testing.T, ttl time.Duration, opts ...Option[string]) Cache[string] {
	t.Helper()
	c, err := NewTTL[string](context.Background(), ttl, time.Hour, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestTTLCache_BasicOperations(t *testing.T) {
	c := newTestTTL(t, time.Minute)

	_, ok := c.Get("a")
	assert.False(t, ok)

	isNew, err := c.Set("a", "1")
	require.NoError(t, err)
	assert.True(t, isNew)

	isNew, err = c.Set("a", "2")
	require.NoError(t, err)
	assert.False(t, isNew)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	deleted, err := c.Delete("a")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = c.Delete("a")
	require.NoError(t, err)
	assert.False(t, deleted)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits())
	assert.Equal(t, int64(1), stats.Misses())
	assert.Equal(t, int64(2), stats.Sets())
	assert.Equal(t, int64(1), stats.Deletes())
	assert.Equal(t, int64(0), stats.Size())
	assert.InDelta(t, 0.5, stats.HitRatio(), 1e-9)
}

func TestTTLCache_EmptyKey(t *testing.T) {
	c := newTestTTL(t, time.Minute)

	_, err := c.Set("", "x")
	assert.True(t, errors.IsInvalid(err))
	_, err = c.Delete("")
	assert.True(t, errors.IsInvalid(err))
}

func TestNewTTL_InvalidDurations(t *testing.T) {
	_, err := NewTTL[string](context.Background(), 0, time.Second)
	assert.True(t, errors.IsInvalid(err))
	_, err = NewTTL[string](context.Background(), time.Second, 0)
	assert.True(t, errors.IsInvalid(err))
}

func TestTTLCache_Expiry(t *testing.T) {
	clk := newClock()
	var evicted []string
	c := newTestTTL(t, time.Minute,
		WithClock[string](clk.Now),
		WithEvictionCallback[string](func(key, _ string) { evicted = append(evicted, key) }))

	_, _ = c.Set("a", "1")
	clk.Advance(30 * time.Second)
	_, _ = c.Set("b", "2")

	clk.Advance(30 * time.Second)
	_, ok := c.Get("a")
	assert.False(t, ok, "an entry expires exactly at its ttl")
	_, ok = c.Get("b")
	assert.True(t, ok)

	assert.Equal(t, []string{"b"}, c.Keys())
	assert.Equal(t, []string{"a"}, evicted)
	assert.Equal(t, int64(1), c.Stats().Evictions())
	assert.Equal(t, 1, c.Size())
}

func TestTTLCache_SetRefreshesExpiry(t *testing.T) {
	clk := newClock()
	c := newTestTTL(t, time.Minute, WithClock[string](clk.Now))

	_, _ = c.Set("a", "1")
	clk.Advance(50 * time.Second)
	_, _ = c.Set("a", "2")
	clk.Advance(50 * time.Second)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "2", v)
}

func TestTTLCache_KeysAndClear(t *testing.T) {
	var evictions atomic.Int32
	c := newTestTTL(t, time.Minute,
		WithEvictionCallback[string](func(string, string) { evictions.Add(1) }))

	for _, k := range []string{"svc\x00/a", "svc\x00/b", "other\x00/a"} {
		_, _ = c.Set(k, k)
	}
	keys := c.Keys()
	sort.Strings(keys)
	assert.Equal(t, []string{"other\x00/a", "svc\x00/a", "svc\x00/b"}, keys)

	require.NoError(t, c.Clear())
	assert.Equal(t, 0, c.Size())
	assert.Empty(t, c.Keys())
	assert.Equal(t, int32(3), evictions.Load())
}

func TestTTLCache_BackgroundCleanup(t *testing.T) {
	clk := newClock()
	c, err := NewTTL[string](context.Background(), time.Minute, 5*time.Millisecond, WithClock[string](clk.Now))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, _ = c.Set("a", "1")
	clk.Advance(2 * time.Minute)

	assert.Eventually(t, func() bool { return c.Size() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(1), c.Stats().Evictions())
}

func TestTTLCache_CleanupStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c, err := NewTTL[string](ctx, time.Minute, time.Millisecond)
	require.NoError(t, err)

	cancel()
	tc := c.(*ttlCache[string])
	select {
	case <-tc.done:
	case <-time.After(time.Second):
		t.Fatal("cleanup goroutine still running after context cancel")
	}
	assert.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}

func TestTTLCache_Concurrent(t *testing.T) {
	c := newTestTTL(t, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i))
			for j := 0; j < 100; j++ {
				_, _ = c.Set(key, key)
				_, _ = c.Get(key)
				_ = c.Keys()
			}
			_, _ = c.Delete(key)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 0, c.Size())
}
