package grid

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/sawpanic/chronoretrace/internal/models"
)

// annualizeFloorDays is the minimum simulated span before an
// annualized return is reported; shorter runs report zero.
const annualizeFloorDays = 30.0

// slot is one grid level. A slot is either open (waiting to buy at
// buyPrice) or held (waiting to sell at sellPrice).
type slot struct {
	buyPrice  float64
	sellPrice float64
	held      bool
	quantity  int64
	costBasis float64
}

// Run simulates the grid strategy over bars. It is pure: identical
// inputs produce bit-for-bit identical results. Cancellation is checked
// between bars and surfaces as CodeCancelled.
func Run(ctx context.Context, bars []models.Bar, cfg Config) (*Result, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	window := barsInWindow(bars, cfg.StartDate, cfg.EndDate)
	if len(window) == 0 {
		return nil, &EngineError{Code: CodeNoData, Message: "no bars in the requested date range"}
	}

	e := newEngine(cfg, window)
	for i := range window {
		if err := ctx.Err(); err != nil {
			return nil, &EngineError{Code: CodeCancelled, Message: err.Error()}
		}
		if done := e.processBar(&window[i]); done {
			break
		}
	}
	return e.finalize(), nil
}

// barsInWindow returns the bars inside [start, end] sorted by date.
// A zero bound leaves that side open.
func barsInWindow(bars []models.Bar, start, end time.Time) []models.Bar {
	window := make([]models.Bar, 0, len(bars))
	for _, b := range bars {
		if !start.IsZero() && b.Date.Before(start) {
			continue
		}
		if !end.IsZero() && b.Date.After(end) {
			continue
		}
		window = append(window, b)
	}
	sort.SliceStable(window, func(i, j int) bool { return window[i].Date.Before(window[j].Date) })
	return window
}

type engine struct {
	cfg   Config
	bars  []models.Bar
	slots []slot
	lot   int64

	cashPerGrid float64
	cash        float64
	shares      int64
	holdingCost float64

	initialValue float64
	benchShares  float64

	peak    float64
	maxDD   float64
	lastBar *models.Bar

	sellCount    int
	winningSells int

	curve        []EquityPoint
	transactions []Transaction
}

func newEngine(cfg Config, bars []models.Bar) *engine {
	step := (cfg.UpperPrice - cfg.LowerPrice) / float64(cfg.GridCount)
	slots := make([]slot, cfg.GridCount)
	for i := range slots {
		slots[i].buyPrice = cfg.LowerPrice + float64(i)*step
		slots[i].sellPrice = cfg.LowerPrice + float64(i+1)*step
	}

	holdingCost := float64(cfg.InitialQuantity) * cfg.InitialShareCost
	initialValue := cfg.TotalInvestment + holdingCost

	benchPrice := bars[0].Open
	if benchPrice <= 0 {
		benchPrice = bars[0].Close
	}

	return &engine{
		cfg:          cfg,
		bars:         bars,
		slots:        slots,
		lot:          cfg.MarketType.LotSize(),
		cashPerGrid:  cfg.TotalInvestment / float64(cfg.GridCount),
		cash:         cfg.TotalInvestment,
		shares:       cfg.InitialQuantity,
		holdingCost:  holdingCost,
		initialValue: initialValue,
		benchShares:  initialValue / benchPrice,
		peak:         initialValue,
		curve:        make([]EquityPoint, 0, len(bars)),
		transactions: make([]Transaction, 0, 16),
	}
}

// processBar runs one bar through the trade, drawdown, equity and
// bound-exit stages. It returns true when the simulation terminated.
func (e *engine) processBar(bar *models.Bar) bool {
	e.lastBar = bar

	traded := e.tryBuy(bar)
	if !traded {
		e.trySell(bar)
	}

	value := e.cash + float64(e.shares)*bar.Close
	e.markValue(value)
	e.curve = append(e.curve, EquityPoint{
		Date:           bar.Date,
		PortfolioValue: value,
		BenchmarkValue: e.benchShares * bar.Close,
	})

	// A breach only ends the run while shares are held; a flat pool
	// keeps simulating and may re-enter if price returns to the band.
	if e.shares > 0 && bar.Close > e.cfg.UpperPrice && e.cfg.OnExceedUpper == PolicySellAll {
		e.liquidate(bar)
		return true
	}
	if e.shares > 0 && bar.Close < e.cfg.LowerPrice && e.cfg.OnFallBelowLower == PolicySellAll {
		e.liquidate(bar)
		return true
	}
	return false
}

// tryBuy scans slots from the lowest level and fills at most one.
func (e *engine) tryBuy(bar *models.Bar) bool {
	for i := range e.slots {
		s := &e.slots[i]
		if s.held || bar.Low > s.buyPrice {
			continue
		}

		qty := e.affordableQuantity(s.buyPrice)
		if qty <= 0 {
			continue
		}
		gross := float64(qty) * s.buyPrice
		fee := e.commission(gross)
		total := gross + fee
		if total > e.cash {
			continue
		}

		e.cash -= total
		e.shares += qty
		e.holdingCost += total
		s.held = true
		s.quantity = qty
		s.costBasis = total

		e.transactions = append(e.transactions, Transaction{
			Date:      bar.Date,
			Side:      SideBuy,
			GridIndex: i,
			Price:     s.buyPrice,
			Quantity:  qty,
			Amount:    gross,
			Fees:      fee,
			Reason:    ReasonGrid,
		})
		return true
	}
	return false
}

// affordableQuantity rounds the per-grid budget down to the market lot
// and keeps decrementing one lot until the all-in cost fits the budget.
func (e *engine) affordableQuantity(price float64) int64 {
	qty := int64(e.cashPerGrid/price) / e.lot * e.lot
	for qty > 0 {
		gross := float64(qty) * price
		if gross+e.commission(gross) <= e.cashPerGrid {
			break
		}
		qty -= e.lot
	}
	return qty
}

// commission applies the broker rate with the per-trade floor.
func (e *engine) commission(gross float64) float64 {
	return math.Max(e.cfg.MinCommission, gross*e.cfg.CommissionRate)
}

// trySell scans slots from the lowest level and fills at most one.
func (e *engine) trySell(bar *models.Bar) bool {
	for i := range e.slots {
		s := &e.slots[i]
		if !s.held || bar.High < s.sellPrice {
			continue
		}

		gross := float64(s.quantity) * s.sellPrice
		fees := e.commission(gross) + gross*e.cfg.StampDutyRate
		net := gross - fees
		pnl := net - s.costBasis

		e.cash += net
		e.shares -= s.quantity
		e.holdingCost -= s.costBasis
		e.recordSell(pnl)

		e.transactions = append(e.transactions, Transaction{
			Date:      bar.Date,
			Side:      SideSell,
			GridIndex: i,
			Price:     s.sellPrice,
			Quantity:  s.quantity,
			Amount:    gross,
			Fees:      fees,
			PnL:       pnl,
			Reason:    ReasonGrid,
		})

		s.held = false
		s.quantity = 0
		s.costBasis = 0
		return true
	}
	return false
}

// liquidate sells the whole position at the bar close with full fees
// and rewrites the bar's equity point to the realized cash value.
// Callers guarantee e.shares > 0.
func (e *engine) liquidate(bar *models.Bar) {
	gross := float64(e.shares) * bar.Close
	fees := e.commission(gross) + gross*e.cfg.StampDutyRate
	net := gross - fees
	pnl := net - e.holdingCost

	e.cash += net
	e.recordSell(pnl)

	e.transactions = append(e.transactions, Transaction{
		Date:      bar.Date,
		Side:      SideSell,
		GridIndex: -1,
		Price:     bar.Close,
		Quantity:  e.shares,
		Amount:    gross,
		Fees:      fees,
		PnL:       pnl,
		Reason:    ReasonBoundExit,
	})

	e.shares = 0
	e.holdingCost = 0
	for i := range e.slots {
		e.slots[i].held = false
		e.slots[i].quantity = 0
		e.slots[i].costBasis = 0
	}

	e.markValue(e.cash)
	e.curve[len(e.curve)-1].PortfolioValue = e.cash
}

func (e *engine) recordSell(pnl float64) {
	e.sellCount++
	if pnl > 0 {
		e.winningSells++
	}
}

func (e *engine) markValue(value float64) {
	if value > e.peak {
		e.peak = value
	}
	if e.peak > 0 {
		if dd := (e.peak - value) / e.peak; dd > e.maxDD {
			e.maxDD = dd
		}
	}
}

func (e *engine) finalize() *Result {
	lastClose := e.lastBar.Close
	finalValue := e.cash + float64(e.shares)*lastClose
	totalPnL := finalValue - e.initialValue
	totalReturn := totalPnL / e.initialValue

	days := e.lastBar.Date.Sub(e.bars[0].Date).Hours() / 24
	annualized := 0.0
	if days > annualizeFloorDays {
		years := days / 365
		if base := 1 + totalReturn; base > 0 {
			annualized = math.Pow(base, 1/years) - 1
		} else {
			annualized = -1
		}
	}

	winRate := 0.0
	if e.sellCount > 0 {
		winRate = float64(e.winningSells) / float64(e.sellCount)
	}

	holdings := Holdings{Quantity: e.shares, MarketValue: float64(e.shares) * lastClose}
	if e.shares > 0 {
		holdings.AvgCost = e.holdingCost / float64(e.shares)
	}

	return &Result{
		Symbol:           e.cfg.Symbol,
		MarketType:       e.cfg.MarketType,
		StartDate:        e.bars[0].Date,
		EndDate:          e.lastBar.Date,
		BarCount:         len(e.curve),
		InitialValue:     e.initialValue,
		FinalValue:       finalValue,
		TotalPnL:         totalPnL,
		TotalReturnRate:  totalReturn,
		AnnualizedReturn: annualized,
		WinRate:          winRate,
		MaxDrawdown:      e.maxDD,
		TradeCount:       len(e.transactions),
		SellCount:        e.sellCount,
		WinningSells:     e.winningSells,
		FinalHoldings:    holdings,
		EquityCurve:      e.curve,
		Transactions:     e.transactions,
	}
}
