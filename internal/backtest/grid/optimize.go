package grid

import (
	"context"
	"errors"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/sawpanic/chronoretrace/internal/models"
)

// defaultSweepWorkers caps concurrent simulations when the request
// does not say otherwise.
const defaultSweepWorkers = 4

// OptimizeConfig sweeps the cross product of the candidate lists over
// one bar series. Empty candidate lists fall back to the base value, so
// a sweep can vary any subset of the three parameters.
type OptimizeConfig struct {
	Base        Config    `json:"base"`
	GridCounts  []int     `json:"grid_counts"`
	LowerPrices []float64 `json:"lower_prices"`
	UpperPrices []float64 `json:"upper_prices"`
	MaxWorkers  int       `json:"max_workers"`
}

// OptimizeEntry is one combination's summary.
type OptimizeEntry struct {
	GridCount       int     `json:"grid_count"`
	LowerPrice      float64 `json:"lower_price"`
	UpperPrice      float64 `json:"upper_price"`
	TotalPnL        float64 `json:"total_pnl"`
	TotalReturnRate float64 `json:"total_return_rate"`
	WinRate         float64 `json:"win_rate"`
	MaxDrawdown     float64 `json:"max_drawdown"`
	TradeCount      int     `json:"trade_count"`
}

// OptimizeResult ranks every valid combination by total P&L.
type OptimizeResult struct {
	Evaluated int             `json:"evaluated"`
	Skipped   int             `json:"skipped"`
	Best      *OptimizeEntry  `json:"best,omitempty"`
	Entries   []OptimizeEntry `json:"entries"`
}

// Optimize runs each parameter combination as its own simulation.
// Combinations share nothing but the read-only bar slice, so they run
// concurrently under a bounded errgroup; invalid combinations (for
// example an inverted band from the cross product) are skipped and
// counted rather than failing the sweep. Output order is deterministic
// regardless of scheduling.
func Optimize(ctx context.Context, bars []models.Bar, cfg OptimizeConfig) (*OptimizeResult, error) {
	gridCounts := cfg.GridCounts
	if len(gridCounts) == 0 {
		gridCounts = []int{cfg.Base.GridCount}
	}
	lowers := cfg.LowerPrices
	if len(lowers) == 0 {
		lowers = []float64{cfg.Base.LowerPrice}
	}
	uppers := cfg.UpperPrices
	if len(uppers) == 0 {
		uppers = []float64{cfg.Base.UpperPrice}
	}

	type combo struct {
		cfg Config
	}
	var combos []combo
	skipped := 0
	for _, gc := range gridCounts {
		for _, lo := range lowers {
			for _, hi := range uppers {
				c := cfg.Base
				c.GridCount = gc
				c.LowerPrice = lo
				c.UpperPrice = hi
				c.normalize()
				if c.Validate() != nil {
					skipped++
					continue
				}
				combos = append(combos, combo{cfg: c})
			}
		}
	}

	workers := cfg.MaxWorkers
	if workers <= 0 {
		workers = defaultSweepWorkers
	}

	entries := make([]OptimizeEntry, len(combos))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i := range combos {
		i := i
		g.Go(func() error {
			res, err := Run(gctx, bars, combos[i].cfg)
			if err != nil {
				return err
			}
			entries[i] = OptimizeEntry{
				GridCount:       combos[i].cfg.GridCount,
				LowerPrice:      combos[i].cfg.LowerPrice,
				UpperPrice:      combos[i].cfg.UpperPrice,
				TotalPnL:        res.TotalPnL,
				TotalReturnRate: res.TotalReturnRate,
				WinRate:         res.WinRate,
				MaxDrawdown:     res.MaxDrawdown,
				TradeCount:      res.TradeCount,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sortEntries(entries)

	out := &OptimizeResult{
		Evaluated: len(entries),
		Skipped:   skipped,
		Entries:   entries,
	}
	if len(entries) > 0 {
		out.Best = &entries[0]
	}
	return out, nil
}

// sortEntries orders by total P&L descending with a full parameter
// tie-break so equal-P&L combinations keep a stable order.
func sortEntries(entries []OptimizeEntry) {
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.TotalPnL != b.TotalPnL {
			return a.TotalPnL > b.TotalPnL
		}
		if a.GridCount != b.GridCount {
			return a.GridCount < b.GridCount
		}
		if a.LowerPrice != b.LowerPrice {
			return a.LowerPrice < b.LowerPrice
		}
		return a.UpperPrice < b.UpperPrice
	})
}

// IsEngineError reports whether err carries the given engine code.
func IsEngineError(err error, code string) bool {
	var ee *EngineError
	return errors.As(err, &ee) && ee.Code == code
}
