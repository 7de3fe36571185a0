package data

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sawpanic/chronoretrace/internal/cache"
	"github.com/sawpanic/chronoretrace/internal/models"
)

// Cache namespaces served by the data layer. The cache config and the
// warming controller address entries through the same names.
const (
	NamespaceQuote = "quote"
	NamespaceInfo  = "info"
	NamespaceKline = "kline"
)

// defaultRecentDays is the trailing window held under the parameterless
// kline key, which is the entry the warmer keeps fresh.
const defaultRecentDays = 120

// Service is the typed read-through layer: callers get domain values,
// the tiered cache sees JSON payloads, and misses fall through to the
// provider exactly once per key. It also implements the warming fetch
// seam so warmed entries and read-through entries share one format.
type Service struct {
	cache      *cache.TieredCache
	provider   Provider
	recentDays int
	now        func() time.Time
}

// NewService wires the cache in front of the provider.
func NewService(c *cache.TieredCache, p Provider) *Service {
	return &Service{
		cache:      c,
		provider:   p,
		recentDays: defaultRecentDays,
		now:        time.Now,
	}
}

// Quote returns the cached level-1 snapshot for code.
func (s *Service) Quote(ctx context.Context, code string) (*models.Quote, error) {
	code = normalizeCode(code)
	key := cache.Key(NamespaceQuote, code, nil)

	payload, err := s.cache.GetOrLoad(ctx, key, func(ctx context.Context) ([]byte, error) {
		q, err := s.provider.Quote(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("load quote %s: %w", code, err)
		}
		return json.Marshal(q)
	})
	if err != nil {
		return nil, err
	}

	var q models.Quote
	if err := json.Unmarshal(payload, &q); err != nil {
		return nil, fmt.Errorf("decode cached quote %s: %w", code, err)
	}
	return &q, nil
}

// SecurityInfo returns the cached reference record for code.
func (s *Service) SecurityInfo(ctx context.Context, code string) (*models.SecurityInfo, error) {
	code = normalizeCode(code)
	key := cache.Key(NamespaceInfo, code, nil)

	payload, err := s.cache.GetOrLoad(ctx, key, func(ctx context.Context) ([]byte, error) {
		info, err := s.provider.SecurityInfo(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("load info %s: %w", code, err)
		}
		return json.Marshal(info)
	})
	if err != nil {
		return nil, err
	}

	var info models.SecurityInfo
	if err := json.Unmarshal(payload, &info); err != nil {
		return nil, fmt.Errorf("decode cached info %s: %w", code, err)
	}
	return &info, nil
}

// RecentBars returns the trailing daily-bar window for code. This is
// the entry the warming controller refreshes.
func (s *Service) RecentBars(ctx context.Context, code string) ([]models.Bar, error) {
	code = normalizeCode(code)
	key := cache.Key(NamespaceKline, code, nil)

	payload, err := s.cache.GetOrLoad(ctx, key, func(ctx context.Context) ([]byte, error) {
		return s.loadRecentBars(ctx, code)
	})
	if err != nil {
		return nil, err
	}
	return decodeBars(payload, code)
}

// DailyBars returns bars for an explicit [from, to] range. Range reads
// are cached under their own parameterised keys.
func (s *Service) DailyBars(ctx context.Context, code string, from, to time.Time) ([]models.Bar, error) {
	code = normalizeCode(code)
	if from.After(to) {
		return nil, fmt.Errorf("data: bars range for %s: from after to", code)
	}
	key := cache.Key(NamespaceKline, code, map[string]string{
		"from": from.Format(models.TradeDateLayout),
		"to":   to.Format(models.TradeDateLayout),
	})

	payload, err := s.cache.GetOrLoad(ctx, key, func(ctx context.Context) ([]byte, error) {
		bars, err := s.provider.DailyBars(ctx, code, from, to)
		if err != nil {
			return nil, fmt.Errorf("load bars %s: %w", code, err)
		}
		return json.Marshal(bars)
	})
	if err != nil {
		return nil, err
	}
	return decodeBars(payload, code)
}

// Symbols lists the provider universe. Not cached: providers answer
// from memory and the list backs the warming symbol set.
func (s *Service) Symbols(ctx context.Context) ([]string, error) {
	return s.provider.Symbols(ctx)
}

// Fetch implements the warming source seam. Payloads are the same JSON
// the read-through loaders produce, so warmed entries are
// indistinguishable from demand-loaded ones.
func (s *Service) Fetch(ctx context.Context, namespace, symbol string) ([]byte, error) {
	symbol = normalizeCode(symbol)
	switch namespace {
	case NamespaceQuote:
		q, err := s.provider.Quote(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("warm quote %s: %w", symbol, err)
		}
		return json.Marshal(q)
	case NamespaceInfo:
		info, err := s.provider.SecurityInfo(ctx, symbol)
		if err != nil {
			return nil, fmt.Errorf("warm info %s: %w", symbol, err)
		}
		return json.Marshal(info)
	case NamespaceKline:
		return s.loadRecentBars(ctx, symbol)
	default:
		return nil, fmt.Errorf("data: unknown warm namespace %q", namespace)
	}
}

func (s *Service) loadRecentBars(ctx context.Context, code string) ([]byte, error) {
	to := s.now()
	from := to.AddDate(0, 0, -s.recentDays)
	bars, err := s.provider.DailyBars(ctx, code, from, to)
	if err != nil {
		return nil, fmt.Errorf("load recent bars %s: %w", code, err)
	}
	return json.Marshal(bars)
}

func decodeBars(payload []byte, code string) ([]models.Bar, error) {
	var bars []models.Bar
	if err := json.Unmarshal(payload, &bars); err != nil {
		return nil, fmt.Errorf("decode cached bars %s: %w", code, err)
	}
	return bars, nil
}

func normalizeCode(code string) string {
	return strings.ToLower(strings.TrimSpace(code))
}
