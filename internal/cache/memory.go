package cache

import (
	"fmt"
	"path"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Entry is one in-process cache record. StaleAt marks the soft expiry
// used for stale-while-revalidate; the zero value means never stale.
type Entry struct {
	Value     []byte
	CreatedAt time.Time
	ExpiresAt time.Time
	StaleAt   time.Time
}

// Expired reports whether the entry's hard TTL has elapsed.
func (e Entry) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Stale reports whether the entry passed its soft expiry but is still
// servable.
func (e Entry) Stale(now time.Time) bool {
	return !e.StaleAt.IsZero() && now.After(e.StaleAt) && !e.Expired(now)
}

// MemoryStats is a snapshot of in-process cache counters.
type MemoryStats struct {
	Size        int   `json:"size"`
	Capacity    int   `json:"capacity"`
	Hits        int64 `json:"hits"`
	Misses      int64 `json:"misses"`
	Evictions   int64 `json:"evictions"`
	Expirations int64 `json:"expirations"`
}

// MemoryCache is a bounded LRU with per-entry TTLs. Expired entries are
// dropped lazily on read and by a janitor sweeping on a fixed interval.
type MemoryCache struct {
	entries    *lru.Cache[string, Entry]
	capacity   int
	defaultTTL time.Duration

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewMemoryCache builds the in-process tier. A sweepInterval of zero
// disables the janitor; expiry then happens only on read.
func NewMemoryCache(capacity int, defaultTTL, sweepInterval time.Duration) (*MemoryCache, error) {
	entries, err := lru.New[string, Entry](capacity)
	if err != nil {
		return nil, fmt.Errorf("memory cache: %w", err)
	}

	m := &MemoryCache{
		entries:    entries,
		capacity:   capacity,
		defaultTTL: defaultTTL,
		stopCh:     make(chan struct{}),
	}
	if sweepInterval > 0 {
		go m.janitor(sweepInterval)
	}
	return m, nil
}

// Get returns the value for key, counting hit/miss and dropping the
// entry when its TTL elapsed.
func (m *MemoryCache) Get(key string) ([]byte, bool) {
	e, ok := m.GetEntry(key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// GetEntry is Get with the entry metadata exposed, so callers can act
// on staleness.
func (m *MemoryCache) GetEntry(key string) (Entry, bool) {
	e, ok := m.entries.Get(key)
	if !ok {
		m.misses.Add(1)
		return Entry{}, false
	}
	if e.Expired(time.Now()) {
		m.entries.Remove(key)
		m.expirations.Add(1)
		m.misses.Add(1)
		return Entry{}, false
	}
	m.hits.Add(1)
	return e, true
}

// Set stores value under key. A non-positive ttl falls back to the
// cache default.
func (m *MemoryCache) Set(key string, value []byte, ttl time.Duration) {
	m.SetWithStale(key, value, ttl, 0)
}

// SetWithStale stores value with a soft expiry at staleAfter. A
// staleAfter of zero or one at/after the TTL disables staleness.
func (m *MemoryCache) SetWithStale(key string, value []byte, ttl, staleAfter time.Duration) {
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	now := time.Now()
	e := Entry{
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
	if staleAfter > 0 && staleAfter < ttl {
		e.StaleAt = now.Add(staleAfter)
	}
	if m.entries.Add(key, e) {
		m.evictions.Add(1)
	}
}

// Delete removes key and reports whether it was present.
func (m *MemoryCache) Delete(key string) bool {
	return m.entries.Remove(key)
}

// DeletePattern removes every key matching the glob pattern and returns
// the number removed. Patterns follow path.Match semantics, which cover
// the '*', '?' and character-class forms produced by NamespacePattern.
func (m *MemoryCache) DeletePattern(pattern string) int {
	removed := 0
	for _, key := range m.entries.Keys() {
		ok, err := path.Match(pattern, key)
		if err != nil {
			// Malformed pattern matches nothing.
			return removed
		}
		if ok && m.entries.Remove(key) {
			removed++
		}
	}
	return removed
}

// Exists reports presence without touching recency or hit/miss stats.
func (m *MemoryCache) Exists(key string) bool {
	e, ok := m.entries.Peek(key)
	return ok && !e.Expired(time.Now())
}

// Keys returns the cached keys, oldest first.
func (m *MemoryCache) Keys() []string {
	return m.entries.Keys()
}

// Len returns the number of resident entries, including any that
// expired but have not been swept yet.
func (m *MemoryCache) Len() int {
	return m.entries.Len()
}

// Purge drops every entry.
func (m *MemoryCache) Purge() {
	m.entries.Purge()
}

// Stats returns a snapshot of the counters.
func (m *MemoryCache) Stats() MemoryStats {
	return MemoryStats{
		Size:        m.entries.Len(),
		Capacity:    m.capacity,
		Hits:        m.hits.Load(),
		Misses:      m.misses.Load(),
		Evictions:   m.evictions.Load(),
		Expirations: m.expirations.Load(),
	}
}

// Close stops the janitor. Safe to call more than once.
func (m *MemoryCache) Close() {
	m.closeOnce.Do(func() { close(m.stopCh) })
}

func (m *MemoryCache) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now())
		case <-m.stopCh:
			return
		}
	}
}

func (m *MemoryCache) sweep(now time.Time) {
	for _, key := range m.entries.Keys() {
		if e, ok := m.entries.Peek(key); ok && e.Expired(now) {
			if m.entries.Remove(key) {
				m.expirations.Add(1)
			}
		}
	}
}
