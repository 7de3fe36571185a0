package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sawpanic/chronoretrace/internal/config"
)

// ErrRemoteUnavailable wraps every Redis transport failure so callers
// can branch with errors.Is without importing the client package.
var ErrRemoteUnavailable = errors.New("remote cache unavailable")

// scanBatch is the COUNT hint for SCAN during pattern invalidation.
const scanBatch = 500

// RemoteInfo is a snapshot of server-side cache statistics.
type RemoteInfo struct {
	TotalKeys      int64   `json:"total_keys"`
	UsedMemory     string  `json:"used_memory"`
	KeyspaceHits   int64   `json:"keyspace_hits"`
	KeyspaceMisses int64   `json:"keyspace_misses"`
	HitRate        float64 `json:"hit_rate"`
}

// RedisCache adapts a go-redis client to the remote tier. Values are
// opaque bytes; TTLs are Redis-native.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache connects and pings the server so a dead Redis fails at
// startup rather than on first read.
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.GetDialTimeout(),
		ReadTimeout:  cfg.GetReadTimeout(),
		WriteTimeout: cfg.GetWriteTimeout(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w: %w", ErrRemoteUnavailable, err)
	}

	return &RedisCache{client: client}, nil
}

// NewRedisCacheFromClient wraps an existing client. Tests pass a
// redismock client here.
func NewRedisCacheFromClient(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

// Get returns the value for key. A missing key is (nil, false, nil),
// never an error.
func (r *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapRemote("get", err)
	}
	return val, true, nil
}

// GetWithTTL returns the value together with its remaining TTL, so the
// in-process tier can be repopulated without extending lifetime. Keys
// stored without expiry report a zero TTL.
func (r *RedisCache) GetWithTTL(ctx context.Context, key string) ([]byte, time.Duration, bool, error) {
	pipe := r.client.Pipeline()
	getCmd := pipe.Get(ctx, key)
	ttlCmd := pipe.TTL(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, 0, false, wrapRemote("get", err)
	}

	val, err := getCmd.Bytes()
	if err == redis.Nil {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, wrapRemote("get", err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = 0
	}
	return val, ttl, true, nil
}

// Set stores value under key with the given TTL.
func (r *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrapRemote("set", err)
	}
	return nil
}

// Delete removes the given keys. Deleting absent keys is not an error.
func (r *RedisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return wrapRemote("del", err)
	}
	return nil
}

// Exists reports whether key is present.
func (r *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, wrapRemote("exists", err)
	}
	return n > 0, nil
}

// DeletePattern removes every key matching the glob pattern using
// cursor SCAN, so large namespaces never block the server the way KEYS
// would. Returns the number of keys removed.
func (r *RedisCache) DeletePattern(ctx context.Context, pattern string) (int64, error) {
	var deleted int64
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return deleted, wrapRemote("scan", err)
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, wrapRemote("del", err)
			}
			deleted += n
		}
		cursor = next
		if cursor == 0 {
			return deleted, nil
		}
	}
}

// Ping probes the server.
func (r *RedisCache) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return wrapRemote("ping", err)
	}
	return nil
}

// Info reads key count and keyspace statistics from the server.
func (r *RedisCache) Info(ctx context.Context) (RemoteInfo, error) {
	info := RemoteInfo{}

	keys, err := r.client.DBSize(ctx).Result()
	if err != nil {
		return info, wrapRemote("dbsize", err)
	}
	info.TotalKeys = keys

	raw, err := r.client.Info(ctx, "memory", "stats").Result()
	if err != nil {
		return info, wrapRemote("info", err)
	}

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		switch name {
		case "used_memory_human":
			info.UsedMemory = value
		case "keyspace_hits":
			info.KeyspaceHits, _ = strconv.ParseInt(value, 10, 64)
		case "keyspace_misses":
			info.KeyspaceMisses, _ = strconv.ParseInt(value, 10, 64)
		}
	}
	if total := info.KeyspaceHits + info.KeyspaceMisses; total > 0 {
		info.HitRate = float64(info.KeyspaceHits) / float64(total)
	}
	return info, nil
}

// Close releases the connection pool.
func (r *RedisCache) Close() error {
	return r.client.Close()
}

func wrapRemote(op string, err error) error {
	return fmt.Errorf("redis %s: %w: %w", op, ErrRemoteUnavailable, err)
}
