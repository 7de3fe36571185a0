// Package monitor aggregates cache, API, stream, and host telemetry.
// Recording paths are atomic-counter cheap and never panic; snapshots
// feed both the JSON monitor endpoints and the Prometheus registry.
package monitor

import (
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// latencyAlpha is the EWMA smoothing factor for per-endpoint latency.
const latencyAlpha = 0.2

// CacheStat is the per-logical-cache hit/miss summary.
type CacheStat struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// CacheSnapshot aggregates all logical caches.
type CacheSnapshot struct {
	Caches         map[string]CacheStat `json:"caches"`
	TotalHits      int64                `json:"total_hits"`
	TotalMisses    int64                `json:"total_misses"`
	OverallHitRate float64              `json:"overall_hit_rate"`
}

// APIStat is the per-endpoint request summary. Latency is an
// exponentially weighted mean in milliseconds.
type APIStat struct {
	Endpoint     string  `json:"endpoint"`
	Total        int64   `json:"total"`
	Success      int64   `json:"success"`
	Errors       int64   `json:"errors"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}

type cacheCounter struct {
	hits   atomic.Int64
	misses atomic.Int64
}

type apiStat struct {
	mu      sync.Mutex
	total   int64
	success int64
	errors  int64
	ewmaMS  float64
}

// Monitor is the process-wide telemetry registry. One instance is wired
// at startup and injected everywhere that records.
type Monitor struct {
	registry *prometheus.Registry

	promCacheHits   *prometheus.CounterVec
	promCacheMisses *prometheus.CounterVec
	promHitRatio    prometheus.Gauge
	promRequests    *prometheus.CounterVec
	promLatency     *prometheus.HistogramVec
	promSessions    prometheus.Gauge
	promTopics      prometheus.Gauge
	promDropped     prometheus.Counter
	promSuppressed  *prometheus.CounterVec

	mu     sync.RWMutex
	caches map[string]*cacheCounter
	apis   map[string]*apiStat

	totalHits   atomic.Int64
	totalMisses atomic.Int64
	suppressed  atomic.Int64

	sampler *Sampler
}

// New builds the monitor and registers its Prometheus collectors on a
// private registry, exposed through Handler.
func New(sampler *Sampler) *Monitor {
	m := &Monitor{
		registry: prometheus.NewRegistry(),
		caches:   map[string]*cacheCounter{},
		apis:     map[string]*apiStat{},
		sampler:  sampler,

		promCacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronoretrace_cache_hits_total",
				Help: "Total cache hits by logical cache name",
			},
			[]string{"cache"},
		),
		promCacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronoretrace_cache_misses_total",
				Help: "Total cache misses by logical cache name",
			},
			[]string{"cache"},
		),
		promHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chronoretrace_cache_hit_ratio",
				Help: "Overall cache hit ratio (0.0 to 1.0)",
			},
		),
		promRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronoretrace_http_requests_total",
				Help: "HTTP requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),
		promLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "chronoretrace_http_request_duration_seconds",
				Help:    "HTTP request duration by endpoint",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
			},
			[]string{"endpoint"},
		),
		promSessions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chronoretrace_ws_sessions",
				Help: "Active WebSocket sessions",
			},
		),
		promTopics: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "chronoretrace_ws_topics",
				Help: "Topics with at least one subscriber",
			},
		),
		promDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "chronoretrace_ws_dropped_frames_total",
				Help: "Outbound data frames dropped under backpressure",
			},
		),
		promSuppressed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chronoretrace_suppressed_errors_total",
				Help: "Errors swallowed on non-critical paths",
			},
			[]string{"component"},
		),
	}

	m.registry.MustRegister(
		m.promCacheHits,
		m.promCacheMisses,
		m.promHitRatio,
		m.promRequests,
		m.promLatency,
		m.promSessions,
		m.promTopics,
		m.promDropped,
		m.promSuppressed,
	)

	return m
}

// Handler serves the Prometheus exposition for this monitor's registry.
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordCacheHit counts a hit for the named logical cache.
func (m *Monitor) RecordCacheHit(name string) {
	m.cacheCounter(name).hits.Add(1)
	m.totalHits.Add(1)
	m.promCacheHits.WithLabelValues(name).Inc()
	m.updateHitRatio()
}

// RecordCacheMiss counts a miss for the named logical cache.
func (m *Monitor) RecordCacheMiss(name string) {
	m.cacheCounter(name).misses.Add(1)
	m.totalMisses.Add(1)
	m.promCacheMisses.WithLabelValues(name).Inc()
	m.updateHitRatio()
}

func (m *Monitor) cacheCounter(name string) *cacheCounter {
	m.mu.RLock()
	c, ok := m.caches[name]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok = m.caches[name]; ok {
		return c
	}
	c = &cacheCounter{}
	m.caches[name] = c
	return c
}

func (m *Monitor) updateHitRatio() {
	hits := float64(m.totalHits.Load())
	total := hits + float64(m.totalMisses.Load())
	if total > 0 {
		m.promHitRatio.Set(hits / total)
	}
}

// CacheStats snapshots hit/miss counters for every logical cache.
func (m *Monitor) CacheStats() CacheSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := CacheSnapshot{
		Caches:      make(map[string]CacheStat, len(m.caches)),
		TotalHits:   m.totalHits.Load(),
		TotalMisses: m.totalMisses.Load(),
	}
	for name, c := range m.caches {
		stat := CacheStat{Hits: c.hits.Load(), Misses: c.misses.Load()}
		if total := stat.Hits + stat.Misses; total > 0 {
			stat.HitRate = float64(stat.Hits) / float64(total)
		}
		snap.Caches[name] = stat
	}
	if total := snap.TotalHits + snap.TotalMisses; total > 0 {
		snap.OverallHitRate = float64(snap.TotalHits) / float64(total)
	}
	return snap
}

// RecordAPIRequest folds one request into the per-endpoint stats.
// Status codes at or above 500 count as errors.
func (m *Monitor) RecordAPIRequest(endpoint string, durationMS float64, status int) {
	s := m.apiStat(endpoint)

	s.mu.Lock()
	s.total++
	if status >= 500 {
		s.errors++
	} else {
		s.success++
	}
	if s.total == 1 {
		s.ewmaMS = durationMS
	} else {
		s.ewmaMS = latencyAlpha*durationMS + (1-latencyAlpha)*s.ewmaMS
	}
	s.mu.Unlock()

	outcome := "success"
	if status >= 500 {
		outcome = "error"
	}
	m.promRequests.WithLabelValues(endpoint, outcome).Inc()
	m.promLatency.WithLabelValues(endpoint).Observe(durationMS / 1000)
}

func (m *Monitor) apiStat(endpoint string) *apiStat {
	m.mu.RLock()
	s, ok := m.apis[endpoint]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok = m.apis[endpoint]; ok {
		return s
	}
	s = &apiStat{}
	m.apis[endpoint] = s
	return s
}

// APIMetrics snapshots per-endpoint request stats, sorted by endpoint
// for stable output.
func (m *Monitor) APIMetrics() []APIStat {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]APIStat, 0, len(m.apis))
	for endpoint, s := range m.apis {
		s.mu.Lock()
		out = append(out, APIStat{
			Endpoint:     endpoint,
			Total:        s.total,
			Success:      s.success,
			Errors:       s.errors,
			AvgLatencyMS: s.ewmaMS,
		})
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// SetActiveSessions updates the WS session gauge.
func (m *Monitor) SetActiveSessions(n int) {
	m.promSessions.Set(float64(n))
}

// SetActiveTopics updates the WS topic gauge.
func (m *Monitor) SetActiveTopics(n int) {
	m.promTopics.Set(float64(n))
}

// RecordDroppedFrame counts one data frame dropped under backpressure.
func (m *Monitor) RecordDroppedFrame() {
	m.promDropped.Inc()
}

// RecordSuppressedError counts an error that was logged and swallowed.
func (m *Monitor) RecordSuppressedError(component string) {
	m.suppressed.Add(1)
	m.promSuppressed.WithLabelValues(component).Inc()
}

// SuppressedErrors returns the process-wide suppressed error count.
func (m *Monitor) SuppressedErrors() int64 {
	return m.suppressed.Load()
}

// SystemMetrics returns the latest host sample, if one was collected.
func (m *Monitor) SystemMetrics() (SystemSample, bool) {
	if m.sampler == nil {
		return SystemSample{}, false
	}
	return m.sampler.Latest()
}

// MetricsInRange returns host samples with timestamps in [from, to].
func (m *Monitor) MetricsInRange(from, to time.Time) []SystemSample {
	if m.sampler == nil {
		return nil
	}
	return m.sampler.InRange(from, to)
}
