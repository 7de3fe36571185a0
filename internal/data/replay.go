package data

import (
	"context"
	"crypto/md5"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/chronoretrace/internal/models"
)

// priceAnchor is the epoch the deterministic walk drifts from.
var priceAnchor = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type replaySecurity struct {
	info models.SecurityInfo
	base float64
	seed int64
}

// Replay is a deterministic offline provider. Identical (name, code,
// date) inputs always produce identical bars, which makes it usable for
// development, warming smoke tests, and backtest fixtures without any
// upstream connectivity.
type Replay struct {
	name       string
	volatility float64
	trendBias  float64
	now        func() time.Time

	mu         sync.RWMutex
	securities map[string]replaySecurity
}

// NewReplay builds a provider with the default A-share universe.
func NewReplay(name string) *Replay {
	r := &Replay{
		name:       name,
		volatility: 0.02,
		now:        time.Now,
		securities: make(map[string]replaySecurity),
	}
	for _, d := range defaultUniverse() {
		r.AddSecurity(d.info, d.base)
	}
	log.Info().Str("provider", name).Int("symbols", len(r.securities)).
		Msg("replay provider ready")
	return r
}

// SetVolatility scales the daily walk. 0.02 means 2% typical moves.
func (r *Replay) SetVolatility(v float64) { r.volatility = v }

// SetTrendBias skews the walk; positive drifts upward over time.
func (r *Replay) SetTrendBias(b float64) { r.trendBias = b }

// AddSecurity registers a code with its reference record and base price.
func (r *Replay) AddSecurity(info models.SecurityInfo, basePrice float64) {
	code := strings.ToLower(info.Symbol)
	r.mu.Lock()
	r.securities[code] = replaySecurity{
		info: info,
		base: basePrice,
		seed: hashSeed(r.name + ":" + code),
	}
	r.mu.Unlock()
}

// Name implements Provider.
func (r *Replay) Name() string { return r.name }

// DailyBars generates weekday bars for [from, to]. Consecutive trading
// days share their boundary price so the series has no artificial gaps.
func (r *Replay) DailyBars(ctx context.Context, code string, from, to time.Time) ([]models.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sec, ok := r.lookup(code)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSymbolUnknown, code)
	}

	from = dayStart(from)
	to = dayStart(to)
	if from.After(to) {
		return nil, nil
	}

	var bars []models.Bar
	prevClose := 0.0
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}

		// Prices are rounded before any derived field so ChangePct
		// agrees with the published closes.
		open := round2(r.priceAt(sec, d))
		closep := round2(r.priceAt(sec, d.AddDate(0, 0, 1)))

		rng := rand.New(rand.NewSource(sec.seed ^ d.Unix()))
		rangePct := rng.Float64() * 0.02
		high := round2(math.Max(open, closep) * (1 + rangePct))
		low := round2(math.Min(open, closep) * (1 - rangePct))

		move := math.Abs(closep-open) / open
		volume := math.Round(1e5 + move*2e6 + rng.Float64()*5e4)

		if prevClose == 0 {
			prevClose = open
		}
		bars = append(bars, models.Bar{
			Code:      strings.ToLower(code),
			Date:      d,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closep,
			Volume:    int64(volume),
			Amount:    math.Round(volume * (open + high + low + closep) / 4),
			ChangePct: round2((closep - prevClose) / prevClose * 100),
			Source:    r.name,
		})
		prevClose = closep
	}

	log.Debug().Str("provider", r.name).Str("code", code).
		Int("bars", len(bars)).Msg("generated replay bars")
	return bars, nil
}

// Quote derives the snapshot from the two most recent trading days.
func (r *Replay) Quote(ctx context.Context, code string) (*models.Quote, error) {
	now := r.now()
	bars, err := r.DailyBars(ctx, code, now.AddDate(0, 0, -7), now)
	if err != nil {
		return nil, err
	}
	if len(bars) < 2 {
		return nil, fmt.Errorf("replay quote for %s: insufficient history", code)
	}

	last, prev := bars[len(bars)-1], bars[len(bars)-2]
	return &models.Quote{
		Symbol:    last.Code,
		Price:     last.Close,
		Change:    round2(last.Close - prev.Close),
		ChangePct: round2((last.Close - prev.Close) / prev.Close * 100),
		Volume:    float64(last.Volume),
		High:      last.High,
		Low:       last.Low,
		Open:      last.Open,
		PrevClose: prev.Close,
		Timestamp: now,
	}, nil
}

// SecurityInfo implements Provider.
func (r *Replay) SecurityInfo(ctx context.Context, code string) (*models.SecurityInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sec, ok := r.lookup(code)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSymbolUnknown, code)
	}
	info := sec.info
	return &info, nil
}

// Symbols implements Provider.
func (r *Replay) Symbols(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	codes := make([]string, 0, len(r.securities))
	for code := range r.securities {
		codes = append(codes, code)
	}
	r.mu.RUnlock()
	sort.Strings(codes)
	return codes, nil
}

func (r *Replay) lookup(code string) (replaySecurity, bool) {
	r.mu.RLock()
	sec, ok := r.securities[strings.ToLower(code)]
	r.mu.RUnlock()
	return sec, ok
}

// priceAt is the deterministic walk: base price plus trend drift plus a
// seeded random step plus a slow volatility cluster.
func (r *Replay) priceAt(sec replaySecurity, day time.Time) float64 {
	rng := rand.New(rand.NewSource(sec.seed + day.Unix()))

	days := day.Sub(priceAnchor).Hours() / 24
	trend := r.trendBias * days * 0.001
	walk := rng.NormFloat64() * r.volatility * sec.base * 0.1
	cluster := math.Sin(days*0.1) * r.volatility * sec.base * 0.05

	price := sec.base*(1+trend) + walk + cluster
	if price < 0.01 {
		price = 0.01
	}
	return price
}

func hashSeed(s string) int64 {
	h := md5.Sum([]byte(s))
	return int64(h[0])<<56 | int64(h[1])<<48 | int64(h[2])<<40 | int64(h[3])<<32 |
		int64(h[4])<<24 | int64(h[5])<<16 | int64(h[6])<<8 | int64(h[7])
}

func dayStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

type universeEntry struct {
	info models.SecurityInfo
	base float64
}

func defaultUniverse() []universeEntry {
	listed := func(y int) time.Time { return time.Date(y, 1, 10, 0, 0, 0, 0, time.UTC) }
	return []universeEntry{
		{models.SecurityInfo{Symbol: "sh600000", Name: "SPD Bank", Exchange: "SSE", Market: models.MarketAShare, Industry: "Banking", ListedAt: listed(1999)}, 10.5},
		{models.SecurityInfo{Symbol: "sh600519", Name: "Kweichow Moutai", Exchange: "SSE", Market: models.MarketAShare, Industry: "Beverages", ListedAt: listed(2001)}, 1680.0},
		{models.SecurityInfo{Symbol: "sh601318", Name: "Ping An Insurance", Exchange: "SSE", Market: models.MarketAShare, Industry: "Insurance", ListedAt: listed(2007)}, 42.3},
		{models.SecurityInfo{Symbol: "sz000001", Name: "Ping An Bank", Exchange: "SZSE", Market: models.MarketAShare, Industry: "Banking", ListedAt: listed(1991)}, 11.2},
		{models.SecurityInfo{Symbol: "sz000858", Name: "Wuliangye", Exchange: "SZSE", Market: models.MarketAShare, Industry: "Beverages", ListedAt: listed(1998)}, 142.0},
		{models.SecurityInfo{Symbol: "sz300750", Name: "CATL", Exchange: "SZSE", Market: models.MarketAShare, Industry: "Batteries", ListedAt: listed(2018)}, 188.5},
	}
}
