package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T, capacity int) *MemoryCache {
	t.Helper()
	m, err := NewMemoryCache(capacity, time.Minute, 0)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestMemoryCacheSetGet(t *testing.T) {
	m := newTestMemory(t, 16)

	m.Set("quote:600519", []byte(`{"price":1700}`), time.Minute)

	t.Run("hit", func(t *testing.T) {
		got, ok := m.Get("quote:600519")
		require.True(t, ok)
		assert.Equal(t, []byte(`{"price":1700}`), got)
	})

	t.Run("miss", func(t *testing.T) {
		_, ok := m.Get("quote:000001")
		assert.False(t, ok)
	})

	t.Run("set is idempotent for the same key", func(t *testing.T) {
		m.Set("quote:600519", []byte(`{"price":1701}`), time.Minute)
		m.Set("quote:600519", []byte(`{"price":1701}`), time.Minute)
		got, ok := m.Get("quote:600519")
		require.True(t, ok)
		assert.Equal(t, []byte(`{"price":1701}`), got)
		assert.Equal(t, 1, countKeys(m, "quote:600519"))
	})

	stats := m.Stats()
	assert.Equal(t, int64(2), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func countKeys(m *MemoryCache, key string) int {
	n := 0
	for _, k := range m.Keys() {
		if k == key {
			n++
		}
	}
	return n
}

func TestMemoryCacheTTL(t *testing.T) {
	m := newTestMemory(t, 16)

	m.Set("quote:short", []byte("v"), 15*time.Millisecond)

	_, ok := m.Get("quote:short")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)

	_, ok = m.Get("quote:short")
	assert.False(t, ok, "entry must expire lazily on read")
	assert.Equal(t, int64(1), m.Stats().Expirations)
	assert.False(t, m.Exists("quote:short"))
}

func TestMemoryCacheJanitorSweep(t *testing.T) {
	m, err := NewMemoryCache(16, time.Minute, 10*time.Millisecond)
	require.NoError(t, err)
	defer m.Close()

	m.Set("a:1", []byte("v"), 5*time.Millisecond)
	m.Set("a:2", []byte("v"), time.Minute)

	assert.Eventually(t, func() bool {
		return m.Len() == 1
	}, time.Second, 5*time.Millisecond, "janitor should drop the expired entry without a read")
	assert.True(t, m.Exists("a:2"))
}

func TestMemoryCacheLRUEviction(t *testing.T) {
	m := newTestMemory(t, 3)

	for i := 0; i < 3; i++ {
		m.Set(fmt.Sprintf("k:%d", i), []byte("v"), time.Minute)
	}
	// Touch k:0 so k:1 becomes the LRU victim.
	_, ok := m.Get("k:0")
	require.True(t, ok)

	m.Set("k:3", []byte("v"), time.Minute)

	assert.False(t, m.Exists("k:1"), "least recently used entry should be evicted")
	assert.True(t, m.Exists("k:0"))
	assert.True(t, m.Exists("k:3"))
	assert.Equal(t, int64(1), m.Stats().Evictions)
}

func TestMemoryCacheDeletePattern(t *testing.T) {
	m := newTestMemory(t, 16)

	m.Set("quote:600519", []byte("v"), time.Minute)
	m.Set("quote:000001", []byte("v"), time.Minute)
	m.Set("kline:600519", []byte("v"), time.Minute)

	removed := m.DeletePattern("quote:*")
	assert.Equal(t, 2, removed)
	assert.False(t, m.Exists("quote:600519"))
	assert.False(t, m.Exists("quote:000001"))
	assert.True(t, m.Exists("kline:600519"))

	assert.Equal(t, 0, m.DeletePattern("quote:*"), "second pass removes nothing")
}

func TestMemoryCacheStaleMarking(t *testing.T) {
	m := newTestMemory(t, 16)

	m.SetWithStale("quote:s", []byte("v"), 200*time.Millisecond, 10*time.Millisecond)

	e, ok := m.GetEntry("quote:s")
	require.True(t, ok)
	assert.False(t, e.Stale(time.Now()))

	time.Sleep(20 * time.Millisecond)

	e, ok = m.GetEntry("quote:s")
	require.True(t, ok, "stale entries still serve")
	assert.True(t, e.Stale(time.Now()))
}

func TestMemoryCacheInvalidCapacity(t *testing.T) {
	_, err := NewMemoryCache(0, time.Minute, 0)
	require.Error(t, err)
}
