package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Indicator identifies which series a condition reads.
type Indicator string

const (
	IndicatorSMA       Indicator = "sma"
	IndicatorEMA       Indicator = "ema"
	IndicatorRSI       Indicator = "rsi"
	IndicatorMACD      Indicator = "macd"
	IndicatorBollinger Indicator = "bollinger"
	IndicatorATR       Indicator = "atr"
	IndicatorPrice     Indicator = "price"
)

// Operator compares the selected series against the condition's
// reference. Cross operators fire only on the bar where the close
// moves through the series.
type Operator string

const (
	OpGreaterThan Operator = "gt"
	OpLessThan    Operator = "lt"
	OpCrossAbove  Operator = "cross_above"
	OpCrossBelow  Operator = "cross_below"
)

// Band selects which Bollinger line a condition reads.
type Band string

const (
	BandUpper  Band = "upper"
	BandMiddle Band = "middle"
	BandLower  Band = "lower"
)

// Condition is one comparison in a rule. Which parameter fields apply
// depends on Indicator:
//
//	sma, ema       Period; gt/lt compare close to the line, cross_* detect the close crossing it
//	rsi, atr       Period; gt/lt compare the indicator to Threshold
//	macd           FastPeriod, SlowPeriod, SignalPeriod; gt/lt compare the histogram to Threshold,
//	               cross_* detect the MACD line crossing its signal line
//	bollinger      Period, Width, Band; gt/lt compare close to the band, cross_* detect the crossing
//	price          gt/lt compare close to Threshold
type Condition struct {
	Indicator    Indicator `json:"indicator"`
	Operator     Operator  `json:"operator"`
	Period       int       `json:"period,omitempty"`
	FastPeriod   int       `json:"fast_period,omitempty"`
	SlowPeriod   int       `json:"slow_period,omitempty"`
	SignalPeriod int       `json:"signal_period,omitempty"`
	Width        float64   `json:"width,omitempty"`
	Band         Band      `json:"band,omitempty"`
	Threshold    float64   `json:"threshold,omitempty"`
}

// Validate reports the first malformed parameter.
func (c Condition) Validate() error {
	switch c.Operator {
	case OpGreaterThan, OpLessThan, OpCrossAbove, OpCrossBelow:
	default:
		return fmt.Errorf("condition: unknown operator %q", c.Operator)
	}

	switch c.Indicator {
	case IndicatorSMA, IndicatorEMA:
		if c.Period < 1 {
			return fmt.Errorf("condition %s: period must be >= 1, got %d", c.Indicator, c.Period)
		}
	case IndicatorRSI, IndicatorATR:
		if c.Period < 1 {
			return fmt.Errorf("condition %s: period must be >= 1, got %d", c.Indicator, c.Period)
		}
		if c.Operator == OpCrossAbove || c.Operator == OpCrossBelow {
			return fmt.Errorf("condition %s: operator %q not supported", c.Indicator, c.Operator)
		}
	case IndicatorMACD:
		if c.FastPeriod < 1 || c.SlowPeriod < 1 || c.SignalPeriod < 1 {
			return fmt.Errorf("condition macd: fast/slow/signal periods must be >= 1")
		}
		if c.FastPeriod >= c.SlowPeriod {
			return fmt.Errorf("condition macd: fast_period %d must be below slow_period %d", c.FastPeriod, c.SlowPeriod)
		}
	case IndicatorBollinger:
		if c.Period < 1 {
			return fmt.Errorf("condition bollinger: period must be >= 1, got %d", c.Period)
		}
		if c.Width <= 0 {
			return fmt.Errorf("condition bollinger: width must be positive, got %g", c.Width)
		}
		switch c.Band {
		case BandUpper, BandMiddle, BandLower:
		default:
			return fmt.Errorf("condition bollinger: unknown band %q", c.Band)
		}
	case IndicatorPrice:
		if c.Operator == OpCrossAbove || c.Operator == OpCrossBelow {
			return fmt.Errorf("condition price: operator %q not supported", c.Operator)
		}
	default:
		return fmt.Errorf("condition: unknown indicator %q", c.Indicator)
	}
	return nil
}

// ActionKind is what a fired rule does.
type ActionKind string

const (
	ActionBuy  ActionKind = "buy"
	ActionSell ActionKind = "sell"
	ActionHold ActionKind = "hold"
)

// SizeMode describes how much of the position an action moves.
type SizeMode string

const (
	SizeAll      SizeMode = "all"
	SizeFraction SizeMode = "fraction"
	SizeFixed    SizeMode = "fixed"
)

// Action is the order a fired rule emits. Hold actions carry no size.
type Action struct {
	Kind     ActionKind `json:"kind"`
	Mode     SizeMode   `json:"mode,omitempty"`
	Fraction float64    `json:"fraction,omitempty"`
	Quantity int64      `json:"quantity,omitempty"`
}

func (a Action) Validate() error {
	switch a.Kind {
	case ActionHold:
		return nil
	case ActionBuy, ActionSell:
	default:
		return fmt.Errorf("action: unknown kind %q", a.Kind)
	}
	switch a.Mode {
	case SizeAll:
	case SizeFraction:
		if a.Fraction <= 0 || a.Fraction > 1 {
			return fmt.Errorf("action %s: fraction must be in (0, 1], got %g", a.Kind, a.Fraction)
		}
	case SizeFixed:
		if a.Quantity < 1 {
			return fmt.Errorf("action %s: quantity must be >= 1, got %d", a.Kind, a.Quantity)
		}
	default:
		return fmt.Errorf("action %s: unknown size mode %q", a.Kind, a.Mode)
	}
	return nil
}

// Rule fires its action on bars where every condition holds.
type Rule struct {
	Name string      `json:"name"`
	When []Condition `json:"when"`
	Then Action      `json:"then"`
}

func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rule: name is required")
	}
	if len(r.When) == 0 {
		return fmt.Errorf("rule %s: at least one condition is required", r.Name)
	}
	for i, c := range r.When {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("rule %s, condition %d: %w", r.Name, i, err)
		}
	}
	if err := r.Then.Validate(); err != nil {
		return fmt.Errorf("rule %s: %w", r.Name, err)
	}
	return nil
}

// ParseRules decodes and validates a rule set. Unknown fields are
// rejected so typos in indicator parameters surface as errors instead
// of silently defaulting.
func ParseRules(data []byte) ([]Rule, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var rules []Rule
	if err := dec.Decode(&rules); err != nil {
		return nil, fmt.Errorf("parse rules: %w", err)
	}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return rules, nil
}
