package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration loaded from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Database DatabaseConfig `yaml:"database"`
	Cache    CacheConfig    `yaml:"cache"`
	Warming  WarmingConfig  `yaml:"warming"`
	Stream   StreamConfig   `yaml:"stream"`
	Monitor  MonitorConfig  `yaml:"monitor"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	ReadTimeoutSecs    int    `yaml:"read_timeout_secs"`
	WriteTimeoutSecs   int    `yaml:"write_timeout_secs"`
	IdleTimeoutSecs    int    `yaml:"idle_timeout_secs"`
	RequestTimeoutSecs int    `yaml:"request_timeout_secs"`
}

// RedisConfig holds remote cache connection settings.
type RedisConfig struct {
	Addr           string `yaml:"addr"`
	Password       string `yaml:"password"`
	DB             int    `yaml:"db"`
	PoolSize       int    `yaml:"pool_size"`
	DialTimeoutMS  int    `yaml:"dial_timeout_ms"`
	ReadTimeoutMS  int    `yaml:"read_timeout_ms"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
}

// DatabaseConfig holds the PostgreSQL pool settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// NamespaceConfig sets TTL policy for one logical cache namespace.
type NamespaceConfig struct {
	TTLSecs        int `yaml:"ttl_secs"`
	StaleAfterSecs int `yaml:"stale_after_secs"` // 0 disables stale-while-revalidate
}

// CacheConfig holds multi-tier cache settings.
type CacheConfig struct {
	LocalCapacity      int                        `yaml:"local_capacity"`
	DefaultTTLSecs     int                        `yaml:"default_ttl_secs"`
	SweepIntervalSecs  int                        `yaml:"sweep_interval_secs"`
	HealthIntervalSecs int                        `yaml:"health_interval_secs"`
	Namespaces         map[string]NamespaceConfig `yaml:"namespaces"`
}

// WarmingConfig holds cache warming controller settings.
type WarmingConfig struct {
	Enabled             bool     `yaml:"enabled"`
	IntervalSecs        int      `yaml:"interval_secs"`
	StaleSweepSecs      int      `yaml:"stale_sweep_secs"`
	Symbols             []string `yaml:"symbols"`
	Workers             int      `yaml:"workers"`
	MaxFailureRatio     float64  `yaml:"max_failure_ratio"`
	ProviderRPS         float64  `yaml:"provider_rps"`
	ProviderBurst       int      `yaml:"provider_burst"`
	BreakerFailures     uint32   `yaml:"breaker_failures"`
	BreakerCooldownSecs int      `yaml:"breaker_cooldown_secs"`
}

// StreamConfig holds WebSocket hub settings.
type StreamConfig struct {
	SendQueueSize        int   `yaml:"send_queue_size"`
	HeartbeatSecs        int   `yaml:"heartbeat_secs"`
	HeartbeatTimeoutSecs int   `yaml:"heartbeat_timeout_secs"`
	IdleThresholdSecs    int   `yaml:"idle_threshold_secs"`
	ReapIntervalSecs     int   `yaml:"reap_interval_secs"`
	MaxMessageBytes      int64 `yaml:"max_message_bytes"`
}

// MonitorConfig holds performance monitor settings.
type MonitorConfig struct {
	SampleIntervalSecs int `yaml:"sample_interval_secs"`
	RingSize           int `yaml:"ring_size"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load reads, parses, defaults, and validates the configuration file.
// Environment variables REDIS_ADDR, DATABASE_URL and HTTP_PORT override
// the corresponding file values when set.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeoutSecs == 0 {
		c.Server.ReadTimeoutSecs = 10
	}
	if c.Server.WriteTimeoutSecs == 0 {
		c.Server.WriteTimeoutSecs = 15
	}
	if c.Server.IdleTimeoutSecs == 0 {
		c.Server.IdleTimeoutSecs = 60
	}
	if c.Server.RequestTimeoutSecs == 0 {
		c.Server.RequestTimeoutSecs = 30
	}

	// Redis.Addr stays empty unless configured; an empty address runs
	// the cache memory-only.
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 10
	}
	if c.Redis.DialTimeoutMS == 0 {
		c.Redis.DialTimeoutMS = 2000
	}
	if c.Redis.ReadTimeoutMS == 0 {
		c.Redis.ReadTimeoutMS = 500
	}
	if c.Redis.WriteTimeoutMS == 0 {
		c.Redis.WriteTimeoutMS = 1000
	}

	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 10
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}

	if c.Cache.LocalCapacity == 0 {
		c.Cache.LocalCapacity = 10000
	}
	if c.Cache.DefaultTTLSecs == 0 {
		c.Cache.DefaultTTLSecs = 300
	}
	if c.Cache.SweepIntervalSecs == 0 {
		c.Cache.SweepIntervalSecs = 60
	}
	if c.Cache.HealthIntervalSecs == 0 {
		c.Cache.HealthIntervalSecs = 15
	}
	if c.Cache.Namespaces == nil {
		c.Cache.Namespaces = map[string]NamespaceConfig{
			"quote": {TTLSecs: 60, StaleAfterSecs: 30},
			"info":  {TTLSecs: 3600, StaleAfterSecs: 1800},
			"kline": {TTLSecs: 900, StaleAfterSecs: 600},
		}
	}

	if c.Warming.IntervalSecs == 0 {
		c.Warming.IntervalSecs = 300
	}
	if c.Warming.StaleSweepSecs == 0 {
		c.Warming.StaleSweepSecs = 120
	}
	if c.Warming.Workers == 0 {
		c.Warming.Workers = 4
	}
	if c.Warming.MaxFailureRatio == 0 {
		c.Warming.MaxFailureRatio = 0.5
	}
	if c.Warming.ProviderRPS == 0 {
		c.Warming.ProviderRPS = 20
	}
	if c.Warming.ProviderBurst == 0 {
		c.Warming.ProviderBurst = 40
	}
	if c.Warming.BreakerFailures == 0 {
		c.Warming.BreakerFailures = 5
	}
	if c.Warming.BreakerCooldownSecs == 0 {
		c.Warming.BreakerCooldownSecs = 30
	}

	if c.Stream.SendQueueSize == 0 {
		c.Stream.SendQueueSize = 256
	}
	if c.Stream.HeartbeatSecs == 0 {
		c.Stream.HeartbeatSecs = 30
	}
	if c.Stream.HeartbeatTimeoutSecs == 0 {
		c.Stream.HeartbeatTimeoutSecs = 90
	}
	if c.Stream.IdleThresholdSecs == 0 {
		c.Stream.IdleThresholdSecs = 300
	}
	if c.Stream.ReapIntervalSecs == 0 {
		c.Stream.ReapIntervalSecs = 60
	}
	if c.Stream.MaxMessageBytes == 0 {
		c.Stream.MaxMessageBytes = 64 * 1024
	}

	if c.Monitor.SampleIntervalSecs == 0 {
		c.Monitor.SampleIntervalSecs = 15
	}
	if c.Monitor.RingSize == 0 {
		c.Monitor.RingSize = 240
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.Database.URL = url
	}
	if portStr := os.Getenv("HTTP_PORT"); portStr != "" {
		if p, err := strconv.Atoi(portStr); err == nil {
			c.Server.Port = p
		}
	}
}

// Validate ensures the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Cache.LocalCapacity <= 0 {
		return fmt.Errorf("cache local_capacity must be positive, got %d", c.Cache.LocalCapacity)
	}
	if c.Cache.DefaultTTLSecs <= 0 {
		return fmt.Errorf("cache default_ttl_secs must be positive, got %d", c.Cache.DefaultTTLSecs)
	}
	for name, ns := range c.Cache.Namespaces {
		if ns.TTLSecs <= 0 {
			return fmt.Errorf("cache namespace %q ttl_secs must be positive, got %d", name, ns.TTLSecs)
		}
		if ns.StaleAfterSecs < 0 || ns.StaleAfterSecs > ns.TTLSecs {
			return fmt.Errorf("cache namespace %q stale_after_secs must be within [0, ttl_secs], got %d", name, ns.StaleAfterSecs)
		}
	}
	if c.Warming.MaxFailureRatio <= 0 || c.Warming.MaxFailureRatio > 1 {
		return fmt.Errorf("warming max_failure_ratio must be in (0, 1], got %f", c.Warming.MaxFailureRatio)
	}
	if c.Warming.Workers <= 0 {
		return fmt.Errorf("warming workers must be positive, got %d", c.Warming.Workers)
	}
	if c.Stream.SendQueueSize <= 0 {
		return fmt.Errorf("stream send_queue_size must be positive, got %d", c.Stream.SendQueueSize)
	}
	if c.Stream.HeartbeatTimeoutSecs <= c.Stream.HeartbeatSecs {
		return fmt.Errorf("stream heartbeat_timeout_secs (%d) must exceed heartbeat_secs (%d)",
			c.Stream.HeartbeatTimeoutSecs, c.Stream.HeartbeatSecs)
	}
	if c.Monitor.RingSize <= 0 {
		return fmt.Errorf("monitor ring_size must be positive, got %d", c.Monitor.RingSize)
	}
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown logging level %q", c.Logging.Level)
	}
	return nil
}

// GetReadTimeout returns the HTTP read timeout as a duration.
func (s ServerConfig) GetReadTimeout() time.Duration {
	return time.Duration(s.ReadTimeoutSecs) * time.Second
}

// GetWriteTimeout returns the HTTP write timeout as a duration.
func (s ServerConfig) GetWriteTimeout() time.Duration {
	return time.Duration(s.WriteTimeoutSecs) * time.Second
}

// GetIdleTimeout returns the HTTP idle timeout as a duration.
func (s ServerConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSecs) * time.Second
}

// GetRequestTimeout returns the per-request deadline.
func (s ServerConfig) GetRequestTimeout() time.Duration {
	return time.Duration(s.RequestTimeoutSecs) * time.Second
}

// Address returns the host:port listen address.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GetDialTimeout returns the Redis dial timeout.
func (r RedisConfig) GetDialTimeout() time.Duration {
	return time.Duration(r.DialTimeoutMS) * time.Millisecond
}

// GetReadTimeout returns the Redis per-read timeout.
func (r RedisConfig) GetReadTimeout() time.Duration {
	return time.Duration(r.ReadTimeoutMS) * time.Millisecond
}

// GetWriteTimeout returns the Redis per-write timeout.
func (r RedisConfig) GetWriteTimeout() time.Duration {
	return time.Duration(r.WriteTimeoutMS) * time.Millisecond
}

// GetTTL returns the namespace TTL as a duration.
func (n NamespaceConfig) GetTTL() time.Duration {
	return time.Duration(n.TTLSecs) * time.Second
}

// GetStaleAfter returns the namespace soft-expiry as a duration.
func (n NamespaceConfig) GetStaleAfter() time.Duration {
	return time.Duration(n.StaleAfterSecs) * time.Second
}

// GetDefaultTTL returns the fallback TTL for namespaces without policy.
func (c CacheConfig) GetDefaultTTL() time.Duration {
	return time.Duration(c.DefaultTTLSecs) * time.Second
}

// GetSweepInterval returns the local cache janitor period.
func (c CacheConfig) GetSweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalSecs) * time.Second
}

// GetHealthInterval returns the remote cache health probe period.
func (c CacheConfig) GetHealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalSecs) * time.Second
}

// GetInterval returns the scheduled warm period.
func (w WarmingConfig) GetInterval() time.Duration {
	return time.Duration(w.IntervalSecs) * time.Second
}

// GetStaleSweep returns the stale refresh sweep period.
func (w WarmingConfig) GetStaleSweep() time.Duration {
	return time.Duration(w.StaleSweepSecs) * time.Second
}

// GetBreakerCooldown returns the open-state hold before a half-open probe.
func (w WarmingConfig) GetBreakerCooldown() time.Duration {
	return time.Duration(w.BreakerCooldownSecs) * time.Second
}

// GetHeartbeat returns the WebSocket server ping period.
func (s StreamConfig) GetHeartbeat() time.Duration {
	return time.Duration(s.HeartbeatSecs) * time.Second
}

// GetHeartbeatTimeout returns the max pong age before disconnect.
func (s StreamConfig) GetHeartbeatTimeout() time.Duration {
	return time.Duration(s.HeartbeatTimeoutSecs) * time.Second
}

// GetIdleThreshold returns the max inactivity before reap.
func (s StreamConfig) GetIdleThreshold() time.Duration {
	return time.Duration(s.IdleThresholdSecs) * time.Second
}

// GetReapInterval returns the idle reaper period.
func (s StreamConfig) GetReapInterval() time.Duration {
	return time.Duration(s.ReapIntervalSecs) * time.Second
}

// GetSampleInterval returns the host sampler period.
func (m MonitorConfig) GetSampleInterval() time.Duration {
	return time.Duration(m.SampleIntervalSecs) * time.Second
}
