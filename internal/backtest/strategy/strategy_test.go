package strategy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/chronoretrace/internal/models"
)

func day(n int) time.Time {
	return time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func barsFromCloses(closes ...float64) []models.Bar {
	bars := make([]models.Bar, len(closes))
	for i, c := range closes {
		bars[i] = models.Bar{
			Code:  "sh600000",
			Date:  day(i),
			Open:  c,
			High:  c,
			Low:   c,
			Close: c,
		}
	}
	return bars
}

func TestSMA(t *testing.T) {
	s := SMA([]float64{1, 2, 3, 4, 5}, 3)

	assert.Equal(t, 2, s.ValidFrom)
	_, ok := s.At(1)
	assert.False(t, ok)
	for i, want := range map[int]float64{2: 2, 3: 3, 4: 4} {
		v, ok := s.At(i)
		require.True(t, ok)
		assert.InDelta(t, want, v, 1e-9)
	}
}

func TestSMAInsufficientData(t *testing.T) {
	s := SMA([]float64{1, 2}, 5)
	assert.Equal(t, 2, s.ValidFrom)
	_, ok := s.At(1)
	assert.False(t, ok)
}

func TestEMA(t *testing.T) {
	s := EMA([]float64{1, 2, 3, 4, 5}, 3)

	require.Equal(t, 2, s.ValidFrom)
	v, _ := s.At(2)
	assert.InDelta(t, 2.0, v, 1e-9) // seeded with SMA(1,2,3)
	v, _ = s.At(3)
	assert.InDelta(t, 3.0, v, 1e-9) // 0.5*4 + 0.5*2
	v, _ = s.At(4)
	assert.InDelta(t, 4.0, v, 1e-9)
}

func TestRSIAllGains(t *testing.T) {
	s := RSI([]float64{1, 2, 3, 4, 5}, 3)

	require.Equal(t, 3, s.ValidFrom)
	v, ok := s.At(3)
	require.True(t, ok)
	assert.InDelta(t, 100.0, v, 1e-9)
}

func TestRSIWilderSmoothing(t *testing.T) {
	s := RSI([]float64{10, 11, 10.5, 11.5}, 2)

	require.Equal(t, 2, s.ValidFrom)
	// avgGain 0.5, avgLoss 0.25 -> rs 2 -> 66.67
	v, _ := s.At(2)
	assert.InDelta(t, 66.6666667, v, 1e-6)
	// next bar +1: avgGain 0.75, avgLoss 0.125 -> rs 6 -> 85.71
	v, _ = s.At(3)
	assert.InDelta(t, 85.7142857, v, 1e-6)
}

func TestATR(t *testing.T) {
	bars := []models.Bar{
		{Date: day(0), High: 10, Low: 9, Close: 9.5},
		{Date: day(1), High: 10.5, Low: 9.5, Close: 10},
		{Date: day(2), High: 11, Low: 10, Close: 10.8},
		{Date: day(3), High: 12, Low: 10, Close: 11},
	}

	s := ATR(bars, 2)

	require.Equal(t, 2, s.ValidFrom)
	v, _ := s.At(2)
	assert.InDelta(t, 1.0, v, 1e-9)
	// TR(3) = max(2, |12-10.8|, |10.8-10|) = 2; Wilder: (1*1 + 2) / 2
	v, _ = s.At(3)
	assert.InDelta(t, 1.5, v, 1e-9)
}

func TestMACDConstantSeriesIsFlat(t *testing.T) {
	values := make([]float64, 10)
	for i := range values {
		values[i] = 5
	}

	m := MACD(values, 2, 3, 2)

	assert.Equal(t, 2, m.Line.ValidFrom)
	assert.Equal(t, 3, m.Signal.ValidFrom)
	assert.Equal(t, 3, m.Histogram.ValidFrom)
	for i := 3; i < 10; i++ {
		v, ok := m.Histogram.At(i)
		require.True(t, ok)
		assert.InDelta(t, 0.0, v, 1e-9)
	}
}

func TestMACDRisingSeriesPositiveLine(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	m := MACD(values, 2, 4, 3)

	v, ok := m.Line.At(9)
	require.True(t, ok)
	assert.Greater(t, v, 0.0)
}

func TestBollinger(t *testing.T) {
	b := Bollinger([]float64{1, 2, 3}, 3, 2)

	mid, _ := b.Middle.At(2)
	up, _ := b.Upper.At(2)
	low, _ := b.Lower.At(2)
	assert.InDelta(t, 2.0, mid, 1e-9)
	assert.InDelta(t, 3.6329932, up, 1e-6)  // 2 + 2*sqrt(2/3)
	assert.InDelta(t, 0.3670068, low, 1e-6) // 2 - 2*sqrt(2/3)
}

func TestBollingerConstantSeriesCollapses(t *testing.T) {
	b := Bollinger([]float64{4, 4, 4, 4}, 2, 2)

	up, _ := b.Upper.At(3)
	low, _ := b.Lower.At(3)
	assert.Equal(t, up, low)
}

func TestConditionValidate(t *testing.T) {
	cases := []struct {
		name string
		cond Condition
	}{
		{"unknown indicator", Condition{Indicator: "vwap", Operator: OpGreaterThan}},
		{"unknown operator", Condition{Indicator: IndicatorPrice, Operator: "ge"}},
		{"sma missing period", Condition{Indicator: IndicatorSMA, Operator: OpCrossAbove}},
		{"rsi cross unsupported", Condition{Indicator: IndicatorRSI, Operator: OpCrossAbove, Period: 14}},
		{"price cross unsupported", Condition{Indicator: IndicatorPrice, Operator: OpCrossBelow}},
		{"macd fast not below slow", Condition{Indicator: IndicatorMACD, Operator: OpGreaterThan, FastPeriod: 26, SlowPeriod: 12, SignalPeriod: 9}},
		{"bollinger zero width", Condition{Indicator: IndicatorBollinger, Operator: OpGreaterThan, Period: 20, Band: BandUpper}},
		{"bollinger unknown band", Condition{Indicator: IndicatorBollinger, Operator: OpGreaterThan, Period: 20, Width: 2, Band: "mid"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.cond.Validate())
		})
	}

	valid := Condition{Indicator: IndicatorMACD, Operator: OpCrossAbove, FastPeriod: 12, SlowPeriod: 26, SignalPeriod: 9}
	assert.NoError(t, valid.Validate())
}

func TestActionValidate(t *testing.T) {
	assert.NoError(t, Action{Kind: ActionHold}.Validate())
	assert.NoError(t, Action{Kind: ActionBuy, Mode: SizeAll}.Validate())
	assert.NoError(t, Action{Kind: ActionSell, Mode: SizeFraction, Fraction: 0.5}.Validate())
	assert.NoError(t, Action{Kind: ActionBuy, Mode: SizeFixed, Quantity: 100}.Validate())

	assert.Error(t, Action{Kind: "short", Mode: SizeAll}.Validate())
	assert.Error(t, Action{Kind: ActionBuy, Mode: "half"}.Validate())
	assert.Error(t, Action{Kind: ActionBuy, Mode: SizeFraction, Fraction: 1.5}.Validate())
	assert.Error(t, Action{Kind: ActionSell, Mode: SizeFixed, Quantity: 0}.Validate())
}

func TestParseRules(t *testing.T) {
	data := []byte(`[
		{
			"name": "oversold entry",
			"when": [
				{"indicator": "rsi", "operator": "lt", "period": 14, "threshold": 30},
				{"indicator": "price", "operator": "gt", "threshold": 5}
			],
			"then": {"kind": "buy", "mode": "fraction", "fraction": 0.25}
		}
	]`)

	rules, err := ParseRules(data)

	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "oversold entry", rules[0].Name)
	require.Len(t, rules[0].When, 2)
	assert.Equal(t, IndicatorRSI, rules[0].When[0].Indicator)
	assert.Equal(t, ActionBuy, rules[0].Then.Kind)
}

func TestParseRulesRejectsUnknownField(t *testing.T) {
	data := []byte(`[{"name": "x", "when": [{"indicator": "price", "operator": "gt", "treshold": 5}], "then": {"kind": "buy", "mode": "all"}}]`)

	_, err := ParseRules(data)

	assert.Error(t, err)
}

func TestParseRulesRejectsUnknownIndicator(t *testing.T) {
	data := []byte(`[{"name": "x", "when": [{"indicator": "vwap", "operator": "gt"}], "then": {"kind": "buy", "mode": "all"}}]`)

	_, err := ParseRules(data)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown indicator")
}

func TestEvaluatePriceRule(t *testing.T) {
	ev, err := NewEvaluator([]Rule{{
		Name: "breakout",
		When: []Condition{{Indicator: IndicatorPrice, Operator: OpGreaterThan, Threshold: 10}},
		Then: Action{Kind: ActionBuy, Mode: SizeAll},
	}})
	require.NoError(t, err)

	signals, err := ev.Evaluate(barsFromCloses(9, 10, 11, 12))

	require.NoError(t, err)
	require.Len(t, signals, 2)
	assert.Equal(t, day(2), signals[0].Date)
	assert.Equal(t, 11.0, signals[0].Close)
	assert.Equal(t, day(3), signals[1].Date)
	assert.Equal(t, "breakout", signals[1].Rule)
}

func TestEvaluateSMACross(t *testing.T) {
	ev, err := NewEvaluator([]Rule{
		{
			Name: "cross up",
			When: []Condition{{Indicator: IndicatorSMA, Operator: OpCrossAbove, Period: 2}},
			Then: Action{Kind: ActionBuy, Mode: SizeAll},
		},
		{
			Name: "cross down",
			When: []Condition{{Indicator: IndicatorSMA, Operator: OpCrossBelow, Period: 2}},
			Then: Action{Kind: ActionSell, Mode: SizeAll},
		},
	})
	require.NoError(t, err)

	// SMA(2): [_, 10, 11.5, 10.5]; close crosses above on bar 2, below on bar 3.
	signals, err := ev.Evaluate(barsFromCloses(10, 10, 13, 8))

	require.NoError(t, err)
	require.Len(t, signals, 2)
	assert.Equal(t, "cross up", signals[0].Rule)
	assert.Equal(t, day(2), signals[0].Date)
	assert.Equal(t, "cross down", signals[1].Rule)
	assert.Equal(t, day(3), signals[1].Date)
}

func TestEvaluateConditionsAreConjunctive(t *testing.T) {
	ev, err := NewEvaluator([]Rule{{
		Name: "both",
		When: []Condition{
			{Indicator: IndicatorPrice, Operator: OpGreaterThan, Threshold: 10},
			{Indicator: IndicatorPrice, Operator: OpLessThan, Threshold: 12},
		},
		Then: Action{Kind: ActionBuy, Mode: SizeFixed, Quantity: 100},
	}})
	require.NoError(t, err)

	signals, err := ev.Evaluate(barsFromCloses(9, 11, 13))

	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, day(1), signals[0].Date)
}

func TestEvaluateHoldEmitsNothing(t *testing.T) {
	ev, err := NewEvaluator([]Rule{{
		Name: "wait",
		When: []Condition{{Indicator: IndicatorPrice, Operator: OpGreaterThan, Threshold: 0}},
		Then: Action{Kind: ActionHold},
	}})
	require.NoError(t, err)

	signals, err := ev.Evaluate(barsFromCloses(1, 2, 3))

	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestEvaluateWarmupSuppressesSignals(t *testing.T) {
	ev, err := NewEvaluator([]Rule{{
		Name: "oversold",
		When: []Condition{{Indicator: IndicatorRSI, Operator: OpLessThan, Period: 14, Threshold: 30}},
		Then: Action{Kind: ActionBuy, Mode: SizeAll},
	}})
	require.NoError(t, err)

	// Five bars cannot fill a 14-period RSI.
	signals, err := ev.Evaluate(barsFromCloses(10, 9, 8, 7, 6))

	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestEvaluateSortsBars(t *testing.T) {
	ev, err := NewEvaluator([]Rule{{
		Name: "breakout",
		When: []Condition{{Indicator: IndicatorPrice, Operator: OpGreaterThan, Threshold: 10}},
		Then: Action{Kind: ActionBuy, Mode: SizeAll},
	}})
	require.NoError(t, err)

	bars := barsFromCloses(9, 10, 11, 12)
	shuffled := []models.Bar{bars[3], bars[0], bars[2], bars[1]}

	signals, err := ev.Evaluate(shuffled)

	require.NoError(t, err)
	require.Len(t, signals, 2)
	assert.True(t, signals[0].Date.Before(signals[1].Date))
}

func TestNewEvaluatorRejectsInvalidRules(t *testing.T) {
	_, err := NewEvaluator(nil)
	assert.Error(t, err)

	_, err = NewEvaluator([]Rule{{Name: "bad", When: []Condition{{Indicator: "vwap", Operator: OpGreaterThan}}, Then: Action{Kind: ActionBuy, Mode: SizeAll}}})
	assert.Error(t, err)

	_, err = NewEvaluator([]Rule{{Name: "", When: []Condition{{Indicator: IndicatorPrice, Operator: OpGreaterThan}}, Then: Action{Kind: ActionHold}}})
	assert.Error(t, err)
}

func TestEvaluateNoBars(t *testing.T) {
	ev, err := NewEvaluator([]Rule{{
		Name: "breakout",
		When: []Condition{{Indicator: IndicatorPrice, Operator: OpGreaterThan, Threshold: 10}},
		Then: Action{Kind: ActionBuy, Mode: SizeAll},
	}})
	require.NoError(t, err)

	_, err = ev.Evaluate(nil)

	assert.Error(t, err)
}
