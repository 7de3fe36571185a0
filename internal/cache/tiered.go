package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/sawpanic/chronoretrace/internal/config"
)

// RemoteCache is the slice of the Redis adapter the tiered cache needs.
// Kept narrow so tests can substitute a fake.
type RemoteCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)
	DeletePattern(ctx context.Context, pattern string) (int64, error)
	Ping(ctx context.Context) error
	Info(ctx context.Context) (RemoteInfo, error)
	Close() error
}

// Recorder receives hit/miss events keyed by logical cache name (the
// key's namespace). The monitor implements it.
type Recorder interface {
	RecordCacheHit(name string)
	RecordCacheMiss(name string)
}

type nopRecorder struct{}

func (nopRecorder) RecordCacheHit(string)  {}
func (nopRecorder) RecordCacheMiss(string) {}

// Loader fetches a value on a full cache miss.
type Loader func(ctx context.Context) ([]byte, error)

// refreshTimeout bounds detached stale-refresh loads.
const refreshTimeout = 10 * time.Second

// TieredStats combines both tiers for the stats endpoint.
type TieredStats struct {
	Local         MemoryStats `json:"local"`
	Remote        *RemoteInfo `json:"remote,omitempty"`
	RemoteHealthy bool        `json:"remote_healthy"`
}

// TieredCache layers the in-process LRU over Redis. Reads fall through
// local -> remote -> loader; writes go remote-first so the local tier
// never holds a value the remote does not. When Redis is unreachable
// the cache degrades to local-only reads until a health probe succeeds.
type TieredCache struct {
	local      *MemoryCache
	remote     RemoteCache
	recorder   Recorder
	defaultTTL time.Duration
	namespaces map[string]config.NamespaceConfig

	flight   singleflight.Group
	remoteUp atomic.Bool

	stopCh    chan struct{}
	closeOnce sync.Once
}

// NewTieredCache wires both tiers. remote may be nil for local-only
// operation (CLI runs); the health probe loop starts only when a remote
// is present.
func NewTieredCache(local *MemoryCache, remote RemoteCache, cfg config.CacheConfig, recorder Recorder) *TieredCache {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	t := &TieredCache{
		local:      local,
		remote:     remote,
		recorder:   recorder,
		defaultTTL: cfg.GetDefaultTTL(),
		namespaces: cfg.Namespaces,
		stopCh:     make(chan struct{}),
	}
	if remote != nil {
		t.remoteUp.Store(true)
		if interval := cfg.GetHealthInterval(); interval > 0 {
			go t.healthLoop(interval)
		}
	}
	return t
}

// Get reads through the tiers without a loader. A remote hit
// repopulates the local tier with the remaining TTL so lifetimes agree
// across tiers.
func (t *TieredCache) Get(ctx context.Context, key string) ([]byte, bool) {
	if e, ok := t.local.GetEntry(key); ok {
		t.recorder.RecordCacheHit(Namespace(key))
		return e.Value, true
	}

	if t.remoteAvailable() {
		val, ttl, found, err := t.remote.GetWithTTL(ctx, key)
		if err != nil {
			// Reads fail open: a broken remote is a miss, not an outage.
			log.Debug().Err(err).Str("key", key).Msg("remote cache read failed")
		} else if found {
			t.repopulateLocal(key, val, ttl)
			t.recorder.RecordCacheHit(Namespace(key))
			return val, true
		}
	}

	t.recorder.RecordCacheMiss(Namespace(key))
	return nil, false
}

// GetOrLoad is the read-through path. Concurrent misses for one key
// coalesce into a single loader call; all waiters share the result.
// A local hit past its soft expiry is served immediately while a
// detached single-flight refresh replaces it in the background.
func (t *TieredCache) GetOrLoad(ctx context.Context, key string, loader Loader) ([]byte, error) {
	if e, ok := t.local.GetEntry(key); ok {
		t.recorder.RecordCacheHit(Namespace(key))
		if e.Stale(time.Now()) && loader != nil {
			t.refreshAsync(key, loader)
		}
		return e.Value, nil
	}

	val, err, _ := t.flight.Do(key, func() (interface{}, error) {
		return t.loadMiss(ctx, key, loader)
	})
	if err != nil {
		return nil, err
	}
	return val.([]byte), nil
}

func (t *TieredCache) loadMiss(ctx context.Context, key string, loader Loader) ([]byte, error) {
	if t.remoteAvailable() {
		val, ttl, found, err := t.remote.GetWithTTL(ctx, key)
		if err != nil {
			log.Debug().Err(err).Str("key", key).Msg("remote cache read failed")
		} else if found {
			t.repopulateLocal(key, val, ttl)
			t.recorder.RecordCacheHit(Namespace(key))
			return val, nil
		}
	}

	t.recorder.RecordCacheMiss(Namespace(key))
	if loader == nil {
		return nil, ErrNotFound
	}

	val, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	if err := t.Set(ctx, key, val, 0); err != nil {
		// Serve the freshly loaded value even when the store fails;
		// the next read will load again.
		log.Warn().Err(err).Str("key", key).Msg("cache store after load failed")
	}
	return val, nil
}

// ErrNotFound reports a full miss on a loaderless read-through.
var ErrNotFound = errors.New("cache: key not found")

func (t *TieredCache) refreshAsync(key string, loader Loader) {
	go func() {
		_, _, _ = t.flight.Do("refresh:"+key, func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
			defer cancel()

			val, err := loader(ctx)
			if err != nil {
				log.Debug().Err(err).Str("key", key).Msg("stale refresh failed")
				return nil, err
			}
			if err := t.Set(ctx, key, val, 0); err != nil {
				log.Debug().Err(err).Str("key", key).Msg("stale refresh store failed")
			}
			return nil, nil
		})
	}()
}

// Set writes remote-first with the namespace TTL (or the explicit ttl
// when positive). The local tier is written only after the remote
// accepts, and a remote failure is returned loudly.
func (t *TieredCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = t.ttlFor(key)
	}

	if t.remote != nil {
		if !t.remoteUp.Load() {
			return ErrRemoteUnavailable
		}
		if err := t.remote.Set(ctx, key, value, ttl); err != nil {
			return err
		}
	}

	t.local.SetWithStale(key, value, ttl, t.staleFor(key))
	return nil
}

// Delete invalidates key in both tiers. The local tier is cleared even
// when the remote delete fails, and the remote error is returned.
func (t *TieredCache) Delete(ctx context.Context, key string) error {
	var remoteErr error
	if t.remote != nil {
		remoteErr = t.remote.Delete(ctx, key)
	}
	t.local.Delete(key)
	return remoteErr
}

// DeletePattern invalidates every key matching the glob in both tiers.
// The count reflects the remote tier when one is configured, otherwise
// the local removals.
func (t *TieredCache) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	var removed int64
	var remoteErr error
	if t.remote != nil {
		removed, remoteErr = t.remote.DeletePattern(ctx, pattern)
	}
	localRemoved := t.local.DeletePattern(pattern)
	if t.remote == nil {
		removed = int64(localRemoved)
	}
	return removed, remoteErr
}

// Clear drops everything from both tiers.
func (t *TieredCache) Clear(ctx context.Context) (int64, error) {
	var removed int64
	var remoteErr error
	if t.remote != nil {
		removed, remoteErr = t.remote.DeletePattern(ctx, "*")
	}
	t.local.Purge()
	return removed, remoteErr
}

// Exists reports presence in either tier without skewing hit stats.
func (t *TieredCache) Exists(ctx context.Context, key string) bool {
	if t.local.Exists(key) {
		return true
	}
	if !t.remoteAvailable() {
		return false
	}
	ok, err := t.remote.Exists(ctx, key)
	if err != nil {
		log.Debug().Err(err).Str("key", key).Msg("remote exists failed")
		return false
	}
	return ok
}

// RemoteHealthy reports the last health probe outcome.
func (t *TieredCache) RemoteHealthy() bool {
	return t.remote != nil && t.remoteUp.Load()
}

// Stats snapshots both tiers. Remote stats are omitted while degraded.
func (t *TieredCache) Stats(ctx context.Context) TieredStats {
	stats := TieredStats{
		Local:         t.local.Stats(),
		RemoteHealthy: t.RemoteHealthy(),
	}
	if t.remoteAvailable() {
		if info, err := t.remote.Info(ctx); err != nil {
			log.Debug().Err(err).Msg("remote cache info failed")
		} else {
			stats.Remote = &info
		}
	}
	return stats
}

// Close stops the health loop and releases both tiers.
func (t *TieredCache) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stopCh)
		t.local.Close()
		if t.remote != nil {
			err = t.remote.Close()
		}
	})
	return err
}

func (t *TieredCache) remoteAvailable() bool {
	return t.remote != nil && t.remoteUp.Load()
}

func (t *TieredCache) repopulateLocal(key string, val []byte, remaining time.Duration) {
	if remaining <= 0 {
		remaining = t.ttlFor(key)
	}
	// Shift the soft expiry by the lifetime already spent remotely so
	// staleness still lines up with the original write.
	stale := t.staleFor(key)
	if stale > 0 {
		spent := t.ttlFor(key) - remaining
		if spent > 0 {
			stale -= spent
			if stale <= 0 {
				stale = time.Millisecond
			}
		}
	}
	t.local.SetWithStale(key, val, remaining, stale)
}

func (t *TieredCache) ttlFor(key string) time.Duration {
	if ns, ok := t.namespaces[Namespace(key)]; ok {
		return ns.GetTTL()
	}
	return t.defaultTTL
}

func (t *TieredCache) staleFor(key string) time.Duration {
	if ns, ok := t.namespaces[Namespace(key)]; ok {
		return ns.GetStaleAfter()
	}
	return 0
}

func (t *TieredCache) healthLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.probe()
		case <-t.stopCh:
			return
		}
	}
}

func (t *TieredCache) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := t.remote.Ping(ctx)
	was := t.remoteUp.Load()
	now := err == nil
	if was == now {
		return
	}
	t.remoteUp.Store(now)
	if now {
		log.Info().Msg("remote cache recovered, leaving degraded mode")
	} else {
		log.Warn().Err(err).Msg("remote cache unreachable, degrading to local-only reads")
	}
}
