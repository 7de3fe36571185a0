package data

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/chronoretrace/internal/cache"
	"github.com/sawpanic/chronoretrace/internal/config"
	"github.com/sawpanic/chronoretrace/internal/models"
)

type fakeProvider struct {
	mu     sync.Mutex
	calls  map[string]int
	quotes map[string]models.Quote
	infos  map[string]models.SecurityInfo
	bars   map[string][]models.Bar
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		calls:  make(map[string]int),
		quotes: make(map[string]models.Quote),
		infos:  make(map[string]models.SecurityInfo),
		bars:   make(map[string][]models.Bar),
	}
}

func (f *fakeProvider) count(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *fakeProvider) callCount(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) DailyBars(ctx context.Context, code string, from, to time.Time) ([]models.Bar, error) {
	f.count("bars:" + code)
	bars, ok := f.bars[code]
	if !ok {
		return nil, ErrSymbolUnknown
	}
	return bars, nil
}

func (f *fakeProvider) Quote(ctx context.Context, code string) (*models.Quote, error) {
	f.count("quote:" + code)
	q, ok := f.quotes[code]
	if !ok {
		return nil, ErrSymbolUnknown
	}
	return &q, nil
}

func (f *fakeProvider) SecurityInfo(ctx context.Context, code string) (*models.SecurityInfo, error) {
	f.count("info:" + code)
	info, ok := f.infos[code]
	if !ok {
		return nil, ErrSymbolUnknown
	}
	return &info, nil
}

func (f *fakeProvider) Symbols(ctx context.Context) ([]string, error) {
	f.count("symbols")
	codes := make([]string, 0, len(f.infos))
	for code := range f.infos {
		codes = append(codes, code)
	}
	return codes, nil
}

func newTestCache(t *testing.T) *cache.TieredCache {
	t.Helper()
	local, err := cache.NewMemoryCache(128, time.Minute, 0)
	require.NoError(t, err)

	tc := cache.NewTieredCache(local, nil, config.CacheConfig{
		DefaultTTLSecs: 60,
		Namespaces: map[string]config.NamespaceConfig{
			NamespaceQuote: {TTLSecs: 60},
			NamespaceInfo:  {TTLSecs: 3600},
			NamespaceKline: {TTLSecs: 900},
		},
	}, nil)
	t.Cleanup(func() { _ = tc.Close() })
	return tc
}

func testQuote(code string, price float64) models.Quote {
	return models.Quote{
		Symbol:    code,
		Price:     price,
		PrevClose: price - 0.1,
		Timestamp: time.Date(2024, 3, 6, 10, 0, 0, 0, time.UTC),
	}
}

func TestServiceQuoteReadThrough(t *testing.T) {
	p := newFakeProvider()
	p.quotes["sh600000"] = testQuote("sh600000", 10.52)
	svc := NewService(newTestCache(t), p)
	ctx := context.Background()

	q, err := svc.Quote(ctx, "sh600000")
	require.NoError(t, err)
	assert.Equal(t, 10.52, q.Price)
	assert.Equal(t, 1, p.callCount("quote:sh600000"))

	q, err = svc.Quote(ctx, "sh600000")
	require.NoError(t, err)
	assert.Equal(t, 10.52, q.Price)
	assert.Equal(t, 1, p.callCount("quote:sh600000"), "second read must hit the cache")
}

func TestServiceQuoteErrorNotCached(t *testing.T) {
	p := newFakeProvider()
	svc := NewService(newTestCache(t), p)
	ctx := context.Background()

	_, err := svc.Quote(ctx, "xx000000")
	assert.ErrorIs(t, err, ErrSymbolUnknown)

	_, err = svc.Quote(ctx, "xx000000")
	assert.ErrorIs(t, err, ErrSymbolUnknown)
	assert.Equal(t, 2, p.callCount("quote:xx000000"), "failures must not be cached")
}

func TestServiceNormalizesCode(t *testing.T) {
	p := newFakeProvider()
	p.infos["sz000001"] = models.SecurityInfo{Symbol: "sz000001", Name: "Ping An Bank", Market: models.MarketAShare}
	svc := NewService(newTestCache(t), p)
	ctx := context.Background()

	first, err := svc.SecurityInfo(ctx, "  SZ000001 ")
	require.NoError(t, err)
	second, err := svc.SecurityInfo(ctx, "sz000001")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, p.callCount("info:sz000001"))
}

func TestServiceRecentBarsServedFromWarmedEntry(t *testing.T) {
	p := newFakeProvider()
	tc := newTestCache(t)
	svc := NewService(tc, p)
	ctx := context.Background()

	warmed := []models.Bar{
		{Code: "sh600000", Date: date(2024, 3, 4), Close: 10.5},
		{Code: "sh600000", Date: date(2024, 3, 5), Close: 10.6},
	}
	payload, err := json.Marshal(warmed)
	require.NoError(t, err)
	require.NoError(t, tc.Set(ctx, cache.Key(NamespaceKline, "sh600000", nil), payload, 0))

	bars, err := svc.RecentBars(ctx, "sh600000")
	require.NoError(t, err)
	assert.Len(t, bars, 2)
	assert.Equal(t, 10.6, bars[1].Close)
	assert.Zero(t, p.callCount("bars:sh600000"), "warmed entry must satisfy the read")
}

func TestServiceFetchMatchesReadFormat(t *testing.T) {
	p := newFakeProvider()
	p.quotes["sh600519"] = testQuote("sh600519", 1688.0)
	tc := newTestCache(t)
	svc := NewService(tc, p)
	ctx := context.Background()

	payload, err := svc.Fetch(ctx, NamespaceQuote, "sh600519")
	require.NoError(t, err)
	require.NoError(t, tc.Set(ctx, cache.Key(NamespaceQuote, "sh600519", nil), payload, 0))

	q, err := svc.Quote(ctx, "sh600519")
	require.NoError(t, err)
	assert.Equal(t, 1688.0, q.Price)
	assert.Equal(t, 1, p.callCount("quote:sh600519"), "read must decode the warmed payload")
}

func TestServiceFetchKlineWindow(t *testing.T) {
	p := newFakeProvider()
	p.bars["sz300750"] = []models.Bar{{Code: "sz300750", Date: date(2024, 3, 4), Close: 188.5}}
	svc := NewService(newTestCache(t), p)

	payload, err := svc.Fetch(context.Background(), NamespaceKline, "sz300750")
	require.NoError(t, err)

	bars, err := decodeBars(payload, "sz300750")
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 188.5, bars[0].Close)
}

func TestServiceFetchUnknownNamespace(t *testing.T) {
	svc := NewService(newTestCache(t), newFakeProvider())

	_, err := svc.Fetch(context.Background(), "positions", "sh600000")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown warm namespace")
}

func TestServiceDailyBarsRangeKeys(t *testing.T) {
	p := newFakeProvider()
	p.bars["sh600000"] = []models.Bar{{Code: "sh600000", Date: date(2024, 3, 4), Close: 10.5}}
	svc := NewService(newTestCache(t), p)
	ctx := context.Background()

	_, err := svc.DailyBars(ctx, "sh600000", date(2024, 3, 1), date(2024, 3, 31))
	require.NoError(t, err)
	_, err = svc.DailyBars(ctx, "sh600000", date(2024, 3, 1), date(2024, 3, 31))
	require.NoError(t, err)
	assert.Equal(t, 1, p.callCount("bars:sh600000"), "identical range reuses the entry")

	_, err = svc.DailyBars(ctx, "sh600000", date(2024, 2, 1), date(2024, 2, 29))
	require.NoError(t, err)
	assert.Equal(t, 2, p.callCount("bars:sh600000"), "new range loads again")

	_, err = svc.DailyBars(ctx, "sh600000", date(2024, 3, 31), date(2024, 3, 1))
	assert.Error(t, err)
}
