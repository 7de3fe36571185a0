package handlers

import (
	"time"

	"github.com/sawpanic/chronoretrace/internal/cache"
	"github.com/sawpanic/chronoretrace/internal/cache/warming"
	"github.com/sawpanic/chronoretrace/internal/monitor"
	"github.com/sawpanic/chronoretrace/internal/stream"
)

// ErrorResponse represents API error responses
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code,omitempty"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// WarmRequest selects which namespaces and symbols a warm run covers.
// All selector flags default to true when omitted, so an empty body
// warms everything.
type WarmRequest struct {
	StockCodes     []string `json:"stock_codes,omitempty"`
	ForceRefresh   bool     `json:"force_refresh"`
	WarmHotStocks  *bool    `json:"warm_hot_stocks,omitempty"`
	WarmStockInfo  *bool    `json:"warm_stock_info,omitempty"`
	WarmRecentData *bool    `json:"warm_recent_data,omitempty"`
}

// WarmResponse acknowledges a warm run that proceeds in the background.
type WarmResponse struct {
	RunID      string    `json:"run_id"`
	Status     string    `json:"status"`
	Namespaces []string  `json:"namespaces"`
	Symbols    int       `json:"symbols"`
	Force      bool      `json:"force_refresh"`
	StartedAt  time.Time `json:"started_at"`
}

// ClearRequest removes cached entries by pattern, or everything.
type ClearRequest struct {
	Pattern  string `json:"pattern,omitempty"`
	ClearAll bool   `json:"clear_all"`
}

// ClearResponse reports how many entries were dropped.
type ClearResponse struct {
	Cleared   int64     `json:"cleared"`
	Pattern   string    `json:"pattern,omitempty"`
	ClearAll  bool      `json:"clear_all"`
	Timestamp time.Time `json:"timestamp"`
}

// RefreshRequest forces a synchronous re-fetch for the given symbols.
// Namespaces defaults to the volatile ones (quote and kline).
type RefreshRequest struct {
	StockCodes []string `json:"stock_codes,omitempty"`
	Namespaces []string `json:"namespaces,omitempty"`
}

// RefreshResponse carries the per-namespace run results.
type RefreshResponse struct {
	Runs      []warming.RunStats `json:"runs"`
	Errors    []string           `json:"errors,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// CacheStatsResponse merges tier counters, per-namespace hit rates and
// warming controller state into one snapshot.
type CacheStatsResponse struct {
	Local         cache.MemoryStats        `json:"local"`
	Remote        *cache.RemoteInfo        `json:"remote,omitempty"`
	RemoteHealthy bool                     `json:"remote_healthy"`
	Namespaces    monitor.CacheSnapshot    `json:"namespaces"`
	Warming       *warming.ControllerStats `json:"warming,omitempty"`
	LastWarmAt    *time.Time               `json:"last_warm_at,omitempty"`
	Timestamp     time.Time                `json:"timestamp"`
}

// CacheHealthResponse reports the cache subsystem's view of itself.
type CacheHealthResponse struct {
	Status         string    `json:"status"`
	RemoteHealthy  bool      `json:"remote_healthy"`
	WarmingHealthy bool      `json:"warming_healthy"`
	DegradedReason string    `json:"degraded_reason,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// MonitorSummaryResponse is the operator dashboard payload.
type MonitorSummaryResponse struct {
	Cache            monitor.CacheSnapshot `json:"cache"`
	API              []monitor.APIStat     `json:"api"`
	System           *monitor.SystemSample `json:"system,omitempty"`
	Stream           *stream.HubStats      `json:"stream,omitempty"`
	SuppressedErrors int64                 `json:"suppressed_errors"`
	Timestamp        time.Time             `json:"timestamp"`
}

// MonitorRangeResponse returns system samples between two instants.
type MonitorRangeResponse struct {
	From    time.Time              `json:"from"`
	To      time.Time              `json:"to"`
	Count   int                    `json:"count"`
	Samples []monitor.SystemSample `json:"samples"`
}

// HealthResponse is the liveness payload.
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version,omitempty"`
	Uptime    string            `json:"uptime"`
	Checks    map[string]string `json:"checks"`
	Timestamp time.Time         `json:"timestamp"`
}
