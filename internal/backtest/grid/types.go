// Package grid implements the deterministic grid-trading backtest
// engine: pure arithmetic over a bar series, no I/O, no wall clock.
package grid

import (
	"fmt"
	"time"

	"github.com/sawpanic/chronoretrace/internal/models"
)

// BoundPolicy decides what happens when a bar closes outside the grid
// price band.
type BoundPolicy string

const (
	// PolicyHold keeps positions and continues the simulation.
	PolicyHold BoundPolicy = "hold"
	// PolicySellAll liquidates every share at the breaching close and
	// terminates the simulation.
	PolicySellAll BoundPolicy = "sell_all"
)

// Side labels a transaction direction.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Transaction reasons.
const (
	ReasonGrid      = "grid"
	ReasonBoundExit = "bound_exit"
)

// Error codes surfaced by the engine.
const (
	CodeInvalidConfig = "INVALID_CONFIG"
	CodeNoData        = "NO_DATA_IN_RANGE"
	CodeCancelled     = "CANCELLED"
)

// EngineError is the typed failure every engine entry point returns.
// Code is stable for API mapping; Field names the offending config
// field for INVALID_CONFIG.
type EngineError struct {
	Code    string
	Field   string
	Message string
}

func (e *EngineError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Code, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func invalidConfig(field, format string, args ...interface{}) *EngineError {
	return &EngineError{Code: CodeInvalidConfig, Field: field, Message: fmt.Sprintf(format, args...)}
}

// Config is one backtest request. Zero StartDate/EndDate mean
// "unbounded" on that side; bars outside the window are ignored.
type Config struct {
	Symbol    string    `json:"symbol"`
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`

	LowerPrice      float64 `json:"lower_price"`
	UpperPrice      float64 `json:"upper_price"`
	GridCount       int     `json:"grid_count"`
	TotalInvestment float64 `json:"total_investment"`

	InitialQuantity  int64   `json:"initial_quantity"`
	InitialShareCost float64 `json:"initial_share_cost"`

	OnExceedUpper    BoundPolicy `json:"on_exceed_upper"`
	OnFallBelowLower BoundPolicy `json:"on_fall_below_lower"`

	CommissionRate float64 `json:"commission_rate"`
	MinCommission  float64 `json:"min_commission"`
	StampDutyRate  float64 `json:"stamp_duty_rate"`

	MarketType models.MarketType `json:"market_type"`
}

// normalize fills the defaulted enum fields in place.
func (c *Config) normalize() {
	if c.MarketType == "" {
		c.MarketType = models.MarketAShare
	}
	if c.OnExceedUpper == "" {
		c.OnExceedUpper = PolicyHold
	}
	if c.OnFallBelowLower == "" {
		c.OnFallBelowLower = PolicyHold
	}
}

// Validate rejects configurations the engine cannot simulate. The
// returned error is always an *EngineError with CodeInvalidConfig.
func (c *Config) Validate() error {
	if c.LowerPrice <= 0 {
		return invalidConfig("lower_price", "must be positive, got %v", c.LowerPrice)
	}
	if c.UpperPrice <= c.LowerPrice {
		return invalidConfig("upper_price", "must exceed lower_price %v, got %v", c.LowerPrice, c.UpperPrice)
	}
	if c.GridCount < 1 {
		return invalidConfig("grid_count", "must be at least 1, got %d", c.GridCount)
	}
	if c.TotalInvestment <= 0 {
		return invalidConfig("total_investment", "must be positive, got %v", c.TotalInvestment)
	}
	if !c.StartDate.IsZero() && !c.EndDate.IsZero() && c.StartDate.After(c.EndDate) {
		return invalidConfig("end_date", "must not precede start_date")
	}
	if c.InitialQuantity < 0 {
		return invalidConfig("initial_quantity", "must not be negative, got %d", c.InitialQuantity)
	}
	if c.InitialQuantity > 0 && c.InitialShareCost <= 0 {
		return invalidConfig("initial_share_cost", "must be positive when initial_quantity is set")
	}
	if c.CommissionRate < 0 || c.CommissionRate >= 1 {
		return invalidConfig("commission_rate", "must be in [0, 1), got %v", c.CommissionRate)
	}
	if c.MinCommission < 0 {
		return invalidConfig("min_commission", "must not be negative, got %v", c.MinCommission)
	}
	if c.StampDutyRate < 0 || c.StampDutyRate >= 1 {
		return invalidConfig("stamp_duty_rate", "must be in [0, 1), got %v", c.StampDutyRate)
	}
	if !c.MarketType.Valid() {
		return invalidConfig("market_type", "unknown market type %q", c.MarketType)
	}
	if c.OnExceedUpper != PolicyHold && c.OnExceedUpper != PolicySellAll {
		return invalidConfig("on_exceed_upper", "unknown policy %q", c.OnExceedUpper)
	}
	if c.OnFallBelowLower != PolicyHold && c.OnFallBelowLower != PolicySellAll {
		return invalidConfig("on_fall_below_lower", "unknown policy %q", c.OnFallBelowLower)
	}
	return nil
}

// Transaction is one executed order. GridIndex is -1 for bound-exit
// liquidations; PnL is set on sells only.
type Transaction struct {
	Date      time.Time `json:"date"`
	Side      Side      `json:"side"`
	GridIndex int       `json:"grid_index"`
	Price     float64   `json:"price"`
	Quantity  int64     `json:"quantity"`
	Amount    float64   `json:"amount"`
	Fees      float64   `json:"fees"`
	PnL       float64   `json:"pnl,omitempty"`
	Reason    string    `json:"reason"`
}

// EquityPoint is one point of the portfolio and benchmark curves.
type EquityPoint struct {
	Date           time.Time `json:"date"`
	PortfolioValue float64   `json:"portfolio_value"`
	BenchmarkValue float64   `json:"benchmark_value"`
}

// Holdings is the terminal position.
type Holdings struct {
	Quantity    int64   `json:"quantity"`
	AvgCost     float64 `json:"avg_cost"`
	MarketValue float64 `json:"market_value"`
}

// Result is the full deterministic backtest output.
type Result struct {
	Symbol     string            `json:"symbol"`
	MarketType models.MarketType `json:"market_type"`
	StartDate  time.Time         `json:"start_date"`
	EndDate    time.Time         `json:"end_date"`
	BarCount   int               `json:"bar_count"`

	InitialValue     float64 `json:"initial_value"`
	FinalValue       float64 `json:"final_value"`
	TotalPnL         float64 `json:"total_pnl"`
	TotalReturnRate  float64 `json:"total_return_rate"`
	AnnualizedReturn float64 `json:"annualized_return"`
	WinRate          float64 `json:"win_rate"`
	MaxDrawdown      float64 `json:"max_drawdown"`

	TradeCount   int `json:"trade_count"`
	SellCount    int `json:"sell_count"`
	WinningSells int `json:"winning_sells"`

	FinalHoldings Holdings      `json:"final_holdings"`
	EquityCurve   []EquityPoint `json:"equity_curve"`
	Transactions  []Transaction `json:"transactions"`
}
