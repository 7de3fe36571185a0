package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/chronoretrace/internal/backtest/grid"
	"github.com/sawpanic/chronoretrace/internal/cache"
	"github.com/sawpanic/chronoretrace/internal/cache/warming"
	"github.com/sawpanic/chronoretrace/internal/config"
	"github.com/sawpanic/chronoretrace/internal/data"
	"github.com/sawpanic/chronoretrace/internal/interfaces/http/handlers"
	"github.com/sawpanic/chronoretrace/internal/monitor"
	"github.com/sawpanic/chronoretrace/internal/stream"
)

type fixture struct {
	srv    *httptest.Server
	cache  *cache.TieredCache
	hub    *stream.Hub
	warmer *warming.Warmer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	local, err := cache.NewMemoryCache(256, time.Minute, 0)
	require.NoError(t, err)

	mon := monitor.New(nil)

	cacheCfg := config.CacheConfig{
		DefaultTTLSecs: 60,
		Namespaces: map[string]config.NamespaceConfig{
			data.NamespaceQuote: {TTLSecs: 60},
			data.NamespaceInfo:  {TTLSecs: 3600},
			data.NamespaceKline: {TTLSecs: 900},
		},
	}
	tiered := cache.NewTieredCache(local, nil, cacheCfg, mon)
	t.Cleanup(func() { _ = tiered.Close() })

	svc := data.NewService(tiered, data.NewReplay("httptest"))

	warmer := warming.New(config.WarmingConfig{
		Symbols:         []string{"sh600000", "sz000001"},
		Workers:         2,
		MaxFailureRatio: 0.5,
	}, cacheCfg.Namespaces, tiered, svc, mon)

	hub := stream.NewHub(config.StreamConfig{
		SendQueueSize:        8,
		HeartbeatSecs:        30,
		HeartbeatTimeoutSecs: 60,
		IdleThresholdSecs:    300,
		ReapIntervalSecs:     60,
		MaxMessageBytes:      1 << 20,
	}, mon)
	hub.Start()
	t.Cleanup(hub.Close)

	server, err := NewServer(
		config.ServerConfig{Host: "127.0.0.1", Port: 0, RequestTimeoutSecs: 10},
		handlers.Deps{
			Cache:   tiered,
			Warmer:  warmer,
			Hub:     hub,
			Data:    svc,
			Monitor: mon,
			Version: "test",
		},
	)
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &fixture{srv: ts, cache: tiered, hub: hub, warmer: warmer}
}

func emptyDepsServer(t *testing.T) *httptest.Server {
	t.Helper()

	server, err := NewServer(
		config.ServerConfig{Host: "127.0.0.1", Port: 0, RequestTimeoutSecs: 10},
		handlers.Deps{},
	)
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	return ts
}

// doJSON issues a request; a string body goes out verbatim, anything
// else is marshaled.
func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, raw
}

func decodeInto[T any](t *testing.T, raw []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(raw, &out), "body: %s", raw)
	return out
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, raw := doJSON(t, http.MethodGet, f.srv.URL+"/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	assert.Len(t, resp.Header.Get("X-Request-ID"), 8)

	body := decodeInto[handlers.HealthResponse](t, raw)
	assert.Equal(t, "degraded", body.Status) // no remote cache tier
	assert.Equal(t, "test", body.Version)
	assert.Equal(t, "degraded", body.Checks["cache"])
	assert.Equal(t, "ok", body.Checks["warming"])
	assert.Equal(t, "ok", body.Checks["stream"])
	assert.Equal(t, "disabled", body.Checks["database"])
}

func TestHealthAnswers503WhileStarting(t *testing.T) {
	ts := emptyDepsServer(t)

	resp, raw := doJSON(t, http.MethodGet, ts.URL+"/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	body := decodeInto[handlers.HealthResponse](t, raw)
	assert.Equal(t, "starting", body.Status)
	assert.Equal(t, "missing", body.Checks["cache"])
	assert.Equal(t, "missing", body.Checks["stream"])
}

func TestUninitializedSubsystemsAnswer503(t *testing.T) {
	ts := emptyDepsServer(t)

	cases := []struct {
		name   string
		method string
		path   string
	}{
		{"cache stats", http.MethodGet, "/cache/stats"},
		{"cache warm", http.MethodPost, "/cache/warm"},
		{"cache clear", http.MethodPost, "/cache/clear"},
		{"cache refresh", http.MethodPost, "/cache/refresh"},
		{"cache health", http.MethodGet, "/cache/health"},
		{"grid backtest", http.MethodPost, "/backtest/grid"},
		{"grid optimize", http.MethodPost, "/backtest/grid/optimize"},
		{"monitor summary", http.MethodGet, "/monitor/summary"},
		{"monitor range", http.MethodGet, "/monitor/range?from=2024-01-01T00:00:00Z&to=2024-01-02T00:00:00Z"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, raw := doJSON(t, tc.method, ts.URL+tc.path, nil)
			require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode, "body: %s", raw)

			body := decodeInto[handlers.ErrorResponse](t, raw)
			assert.Equal(t, "NOT_INITIALIZED", body.Code)
			assert.NotEmpty(t, body.RequestID)
			assert.NotEqual(t, "unknown", body.RequestID)
		})
	}

	// Without a monitor there is no Prometheus route at all.
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/metrics", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCacheWarmAccepted(t *testing.T) {
	f := newFixture(t)

	resp, raw := doJSON(t, http.MethodPost, f.srv.URL+"/cache/warm", map[string]any{
		"stock_codes":     []string{"sh600000"},
		"warm_stock_info": false,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, "body: %s", raw)

	body := decodeInto[handlers.WarmResponse](t, raw)
	assert.Len(t, body.RunID, 8)
	assert.Equal(t, "started", body.Status)
	assert.Equal(t, []string{data.NamespaceQuote, data.NamespaceKline}, body.Namespaces)
	assert.Equal(t, 1, body.Symbols)
	assert.False(t, body.Force)
	assert.False(t, body.StartedAt.IsZero())

	// The run proceeds in the background; the warmed key appears under
	// the same name the read path uses.
	key := cache.Key(data.NamespaceQuote, "sh600000", nil)
	assert.Eventually(t, func() bool {
		return f.cache.Exists(context.Background(), key)
	}, 3*time.Second, 20*time.Millisecond)
}

func TestCacheWarmRejectsEmptyTargetSet(t *testing.T) {
	f := newFixture(t)

	resp, raw := doJSON(t, http.MethodPost, f.srv.URL+"/cache/warm", map[string]any{
		"warm_hot_stocks":  false,
		"warm_stock_info":  false,
		"warm_recent_data": false,
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_CONFIG", decodeInto[handlers.ErrorResponse](t, raw).Code)
}

func TestCacheWarmRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)

	resp, raw := doJSON(t, http.MethodPost, f.srv.URL+"/cache/warm", "{nope")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_JSON", decodeInto[handlers.ErrorResponse](t, raw).Code)
}

func TestCacheRefreshRunsSynchronously(t *testing.T) {
	f := newFixture(t)

	resp, raw := doJSON(t, http.MethodPost, f.srv.URL+"/cache/refresh", map[string]any{
		"stock_codes": []string{"sh600000"},
		"namespaces":  []string{data.NamespaceQuote},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)

	body := decodeInto[handlers.RefreshResponse](t, raw)
	require.Len(t, body.Runs, 1)
	assert.Equal(t, data.NamespaceQuote, body.Runs[0].Namespace)
	assert.True(t, body.Runs[0].Forced)
	assert.Equal(t, 1, body.Runs[0].Warmed)
	assert.Empty(t, body.Errors)

	key := cache.Key(data.NamespaceQuote, "sh600000", nil)
	assert.True(t, f.cache.Exists(context.Background(), key))
}

func TestCacheRefreshRejectsUnknownNamespace(t *testing.T) {
	f := newFixture(t)

	resp, raw := doJSON(t, http.MethodPost, f.srv.URL+"/cache/refresh", map[string]any{
		"namespaces": []string{"positions"},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeInto[handlers.ErrorResponse](t, raw)
	assert.Equal(t, "INVALID_CONFIG", body.Code)
	assert.Contains(t, body.Message, "positions")
}

func TestCacheClear(t *testing.T) {
	f := newFixture(t)

	_, _ = doJSON(t, http.MethodPost, f.srv.URL+"/cache/refresh", map[string]any{
		"stock_codes": []string{"sh600000"},
	})

	resp, raw := doJSON(t, http.MethodPost, f.srv.URL+"/cache/clear", map[string]any{
		"pattern": cache.NamespacePattern(data.NamespaceQuote),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)
	body := decodeInto[handlers.ClearResponse](t, raw)
	assert.GreaterOrEqual(t, body.Cleared, int64(1))

	resp, raw = doJSON(t, http.MethodPost, f.srv.URL+"/cache/clear", map[string]any{
		"clear_all": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeInto[handlers.ClearResponse](t, raw).ClearAll)

	resp, raw = doJSON(t, http.MethodPost, f.srv.URL+"/cache/clear", map[string]any{})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_CONFIG", decodeInto[handlers.ErrorResponse](t, raw).Code)
}

func TestCacheStatsReflectsWarmedReads(t *testing.T) {
	f := newFixture(t)

	resp, raw := doJSON(t, http.MethodPost, f.srv.URL+"/cache/refresh", map[string]any{
		"stock_codes": []string{"sh600000"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)

	// A backtest over the recent window reads the kline key the refresh
	// just wrote, so the first recorded namespace event is a hit.
	resp, raw = doJSON(t, http.MethodPost, f.srv.URL+"/backtest/grid", map[string]any{
		"symbol":           "sh600000",
		"lower_price":      10.0,
		"upper_price":      11.0,
		"grid_count":       10,
		"total_investment": 100000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)

	resp, raw = doJSON(t, http.MethodGet, f.srv.URL+"/cache/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeInto[handlers.CacheStatsResponse](t, raw)
	assert.GreaterOrEqual(t, body.Local.Size, 2)
	assert.False(t, body.RemoteHealthy)
	assert.Nil(t, body.Remote)
	require.NotNil(t, body.Warming)
	assert.GreaterOrEqual(t, body.Warming.TotalWarmed, uint64(2))
	assert.NotNil(t, body.LastWarmAt)
	assert.GreaterOrEqual(t, body.Namespaces.TotalHits, int64(1))
}

func TestCacheHealthReport(t *testing.T) {
	f := newFixture(t)

	resp, raw := doJSON(t, http.MethodGet, f.srv.URL+"/cache/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeInto[handlers.CacheHealthResponse](t, raw)
	assert.Equal(t, "degraded", body.Status) // memory-only deployment
	assert.False(t, body.RemoteHealthy)
	assert.True(t, body.WarmingHealthy)
	assert.False(t, body.CheckedAt.IsZero())
}

func TestGridBacktestOverRecentWindow(t *testing.T) {
	f := newFixture(t)

	resp, raw := doJSON(t, http.MethodPost, f.srv.URL+"/backtest/grid", map[string]any{
		"symbol":           "sh600000",
		"lower_price":      10.0,
		"upper_price":      11.0,
		"grid_count":       10,
		"total_investment": 100000,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)

	res := decodeInto[grid.Result](t, raw)
	assert.Equal(t, "sh600000", res.Symbol)
	assert.Greater(t, res.BarCount, 50)
	assert.InDelta(t, 100000, res.InitialValue, 1e-6)
	assert.Greater(t, res.FinalValue, 0.0)
	assert.Greater(t, res.TradeCount, 0)
	assert.Len(t, res.EquityCurve, res.BarCount)
}

func TestGridBacktestStatusMapping(t *testing.T) {
	f := newFixture(t)

	valid := map[string]any{
		"symbol":           "sh600000",
		"lower_price":      10.0,
		"upper_price":      11.0,
		"grid_count":       10,
		"total_investment": 100000,
	}
	withFields := func(extra map[string]any) map[string]any {
		out := make(map[string]any, len(valid)+len(extra))
		for k, v := range valid {
			out[k] = v
		}
		for k, v := range extra {
			out[k] = v
		}
		return out
	}

	cases := []struct {
		name       string
		body       any
		wantStatus int
		wantCode   string
	}{
		{
			name:       "inverted band",
			body:       withFields(map[string]any{"lower_price": 12.0, "upper_price": 9.0}),
			wantStatus: http.StatusBadRequest,
			wantCode:   grid.CodeInvalidConfig,
		},
		{
			name:       "unknown symbol",
			body:       withFields(map[string]any{"symbol": "zz999999"}),
			wantStatus: http.StatusNotFound,
			wantCode:   "SYMBOL_UNKNOWN",
		},
		{
			name:       "missing symbol",
			body:       withFields(map[string]any{"symbol": ""}),
			wantStatus: http.StatusBadRequest,
			wantCode:   grid.CodeInvalidConfig,
		},
		{
			name:       "half-open date pair",
			body:       withFields(map[string]any{"start_date": "2024-03-01T00:00:00Z"}),
			wantStatus: http.StatusBadRequest,
			wantCode:   grid.CodeInvalidConfig,
		},
		{
			name: "weekend-only range",
			body: withFields(map[string]any{
				"start_date": "2024-03-02T00:00:00Z",
				"end_date":   "2024-03-03T00:00:00Z",
			}),
			wantStatus: http.StatusNotFound,
			wantCode:   grid.CodeNoData,
		},
		{
			name:       "malformed body",
			body:       "{nope",
			wantStatus: http.StatusBadRequest,
			wantCode:   "INVALID_JSON",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, raw := doJSON(t, http.MethodPost, f.srv.URL+"/backtest/grid", tc.body)
			require.Equal(t, tc.wantStatus, resp.StatusCode, "body: %s", raw)

			body := decodeInto[handlers.ErrorResponse](t, raw)
			assert.Equal(t, tc.wantCode, body.Code)
			assert.NotEmpty(t, body.RequestID)
			assert.NotEqual(t, "unknown", body.RequestID)
		})
	}
}

func TestGridOptimizeEndpoint(t *testing.T) {
	f := newFixture(t)

	resp, raw := doJSON(t, http.MethodPost, f.srv.URL+"/backtest/grid/optimize", map[string]any{
		"base": map[string]any{
			"symbol":           "sh600000",
			"total_investment": 100000,
		},
		"grid_counts":  []int{5, 10},
		"lower_prices": []float64{10.0},
		"upper_prices": []float64{11.0},
		"max_workers":  2,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", raw)

	res := decodeInto[grid.OptimizeResult](t, raw)
	assert.Equal(t, 2, res.Evaluated)
	assert.Zero(t, res.Skipped)
	require.NotNil(t, res.Best)
	assert.Len(t, res.Entries, 2)
}

func TestWebSocketSession(t *testing.T) {
	f := newFixture(t)
	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/ws/client-1?token=alice"

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	require.Eventually(t, func() bool {
		return f.hub.Stats().ActiveSessions == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The first frame is the connection ack.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"type":"connection_ack"`)
	assert.Contains(t, string(msg), `"client_id":"client-1"`)

	// Server-side push reaches the dialed client.
	require.True(t, f.hub.SendToClient("client-1", map[string]string{"greeting": "hello"}))
	_, msg, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(msg), `"greeting":"hello"`)

	// A second connection with the same id is upgraded, then closed
	// with a policy violation.
	dup, dupResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if dupResp != nil {
		dupResp.Body.Close()
	}
	defer dup.Close()

	require.NoError(t, dup.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = dup.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)

	// Closing the first connection frees the session.
	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		return f.hub.Stats().ActiveSessions == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocketRejectedWhileStarting(t *testing.T) {
	ts := emptyDepsServer(t)
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/client-1"

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "NOT_INITIALIZED", decodeInto[handlers.ErrorResponse](t, raw).Code)
}

func TestMetricsExposition(t *testing.T) {
	f := newFixture(t)

	_, _ = doJSON(t, http.MethodGet, f.srv.URL+"/health", nil)

	resp, raw := doJSON(t, http.MethodGet, f.srv.URL+"/metrics", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
	assert.Contains(t, string(raw), "chronoretrace_http_requests_total")
}

func TestMonitorSummary(t *testing.T) {
	f := newFixture(t)

	_, _ = doJSON(t, http.MethodGet, f.srv.URL+"/health", nil)

	resp, raw := doJSON(t, http.MethodGet, f.srv.URL+"/monitor/summary", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeInto[handlers.MonitorSummaryResponse](t, raw)
	require.NotEmpty(t, body.API)

	var sawHealth bool
	for _, stat := range body.API {
		if stat.Endpoint == "/health" {
			sawHealth = true
			assert.GreaterOrEqual(t, stat.Total, int64(1))
		}
	}
	assert.True(t, sawHealth, "expected /health in API stats: %+v", body.API)

	require.NotNil(t, body.Stream)
	assert.Zero(t, body.Stream.ActiveSessions)
	assert.Nil(t, body.System) // no sampler in the fixture
	assert.Zero(t, body.SuppressedErrors)
}

func TestMonitorRange(t *testing.T) {
	f := newFixture(t)

	resp, raw := doJSON(t, http.MethodGet,
		f.srv.URL+"/monitor/range?from=2024-01-01T00:00:00Z&to=2024-01-02T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeInto[handlers.MonitorRangeResponse](t, raw)
	assert.Zero(t, body.Count)

	resp, raw = doJSON(t, http.MethodGet, f.srv.URL+"/monitor/range?from=bogus&to=2024-01-02T00:00:00Z", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_RANGE", decodeInto[handlers.ErrorResponse](t, raw).Code)

	resp, raw = doJSON(t, http.MethodGet,
		f.srv.URL+"/monitor/range?from=2024-01-02T00:00:00Z&to=2024-01-01T00:00:00Z", nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_RANGE", decodeInto[handlers.ErrorResponse](t, raw).Code)
}

func TestUnknownRouteAnswersJSON404(t *testing.T) {
	f := newFixture(t)

	resp, raw := doJSON(t, http.MethodGet, f.srv.URL+"/does/not/exist", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	body := decodeInto[handlers.ErrorResponse](t, raw)
	assert.Equal(t, "endpoint_not_found", body.Code)
	// The not-found handler runs outside the middleware chain.
	assert.Equal(t, "unknown", body.RequestID)
}
