package strategy

import (
	"fmt"
	"sort"
	"time"

	"github.com/sawpanic/chronoretrace/internal/models"
)

// Signal is one rule firing on one bar.
type Signal struct {
	Date   time.Time `json:"date"`
	Rule   string    `json:"rule"`
	Action Action    `json:"action"`
	Close  float64   `json:"close"`
}

// Evaluator computes the indicator series a rule set needs once and
// replays the rules over a bar window. Safe to reuse across windows.
type Evaluator struct {
	rules []Rule
}

// NewEvaluator validates the rule set up front so malformed parameters
// fail before any bars are touched.
func NewEvaluator(rules []Rule) (*Evaluator, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("evaluator: at least one rule is required")
	}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return &Evaluator{rules: rules}, nil
}

// Evaluate replays the rules over bars sorted by date and returns the
// signals in bar order. Rules are checked in declaration order; one
// bar can fire several rules. Hold actions are evaluated but emit no
// signal.
func (e *Evaluator) Evaluate(bars []models.Bar) ([]Signal, error) {
	if len(bars) == 0 {
		return nil, fmt.Errorf("evaluator: no bars")
	}
	sorted := make([]models.Bar, len(bars))
	copy(sorted, bars)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	env := newSeriesEnv(sorted)
	var signals []Signal
	for i := range sorted {
		for _, r := range e.rules {
			if !env.ruleHolds(r, i) {
				continue
			}
			if r.Then.Kind == ActionHold {
				continue
			}
			signals = append(signals, Signal{
				Date:   sorted[i].Date,
				Rule:   r.Name,
				Action: r.Then,
				Close:  sorted[i].Close,
			})
		}
	}
	return signals, nil
}

// seriesEnv memoizes computed indicator lines per parameter set.
type seriesEnv struct {
	bars   []models.Bar
	closes []float64
	memo   map[string]Series
	macd   map[string]MACDSeries
	boll   map[string]BollingerSeries
}

func newSeriesEnv(bars []models.Bar) *seriesEnv {
	return &seriesEnv{
		bars:   bars,
		closes: Closes(bars),
		memo:   make(map[string]Series),
		macd:   make(map[string]MACDSeries),
		boll:   make(map[string]BollingerSeries),
	}
}

func (env *seriesEnv) ruleHolds(r Rule, i int) bool {
	for _, c := range r.When {
		if !env.conditionHolds(c, i) {
			return false
		}
	}
	return true
}

func (env *seriesEnv) conditionHolds(c Condition, i int) bool {
	switch c.Indicator {
	case IndicatorPrice:
		return compare(c.Operator, env.closes[i], c.Threshold)

	case IndicatorRSI, IndicatorATR:
		v, ok := env.line(c).At(i)
		if !ok {
			return false
		}
		return compare(c.Operator, v, c.Threshold)

	case IndicatorSMA, IndicatorEMA, IndicatorBollinger:
		line := env.line(c)
		switch c.Operator {
		case OpCrossAbove, OpCrossBelow:
			return env.crosses(c.Operator, env.closes, line, i)
		default:
			v, ok := line.At(i)
			if !ok {
				return false
			}
			return compare(c.Operator, env.closes[i], v)
		}

	case IndicatorMACD:
		m := env.macdSeries(c)
		switch c.Operator {
		case OpCrossAbove, OpCrossBelow:
			return env.crosses(c.Operator, m.Line.Values, m.Signal, i)
		default:
			v, ok := m.Histogram.At(i)
			if !ok {
				return false
			}
			return compare(c.Operator, v, c.Threshold)
		}
	}
	return false
}

// crosses reports whether subject moved through line between i-1 and i.
func (env *seriesEnv) crosses(op Operator, subject []float64, line Series, i int) bool {
	if i == 0 {
		return false
	}
	cur, ok := line.At(i)
	if !ok {
		return false
	}
	prev, ok := line.At(i - 1)
	if !ok {
		return false
	}
	if op == OpCrossAbove {
		return subject[i-1] <= prev && subject[i] > cur
	}
	return subject[i-1] >= prev && subject[i] < cur
}

func (env *seriesEnv) line(c Condition) Series {
	key := fmt.Sprintf("%s:%d:%g:%s", c.Indicator, c.Period, c.Width, c.Band)
	if s, ok := env.memo[key]; ok {
		return s
	}
	var s Series
	switch c.Indicator {
	case IndicatorSMA:
		s = SMA(env.closes, c.Period)
	case IndicatorEMA:
		s = EMA(env.closes, c.Period)
	case IndicatorRSI:
		s = RSI(env.closes, c.Period)
	case IndicatorATR:
		s = ATR(env.bars, c.Period)
	case IndicatorBollinger:
		b := env.bollingerSeries(c)
		switch c.Band {
		case BandUpper:
			s = b.Upper
		case BandLower:
			s = b.Lower
		default:
			s = b.Middle
		}
	}
	env.memo[key] = s
	return s
}

func (env *seriesEnv) macdSeries(c Condition) MACDSeries {
	key := fmt.Sprintf("macd:%d:%d:%d", c.FastPeriod, c.SlowPeriod, c.SignalPeriod)
	if m, ok := env.macd[key]; ok {
		return m
	}
	m := MACD(env.closes, c.FastPeriod, c.SlowPeriod, c.SignalPeriod)
	env.macd[key] = m
	return m
}

func (env *seriesEnv) bollingerSeries(c Condition) BollingerSeries {
	key := fmt.Sprintf("boll:%d:%g", c.Period, c.Width)
	if b, ok := env.boll[key]; ok {
		return b
	}
	b := Bollinger(env.closes, c.Period, c.Width)
	env.boll[key] = b
	return b
}

func compare(op Operator, v, ref float64) bool {
	switch op {
	case OpGreaterThan:
		return v > ref
	case OpLessThan:
		return v < ref
	}
	return false
}
