package strategy

import (
	"math"

	"github.com/sawpanic/chronoretrace/internal/models"
)

// Series is an indicator line aligned to the input bars. Indexes below
// ValidFrom are warmup and must not be read.
type Series struct {
	Values    []float64
	ValidFrom int
}

// At returns the value at i and whether it is past warmup.
func (s Series) At(i int) (float64, bool) {
	if i < s.ValidFrom || i >= len(s.Values) {
		return 0, false
	}
	return s.Values[i], true
}

// Closes extracts the close column.
func Closes(bars []models.Bar) []float64 {
	out := make([]float64, len(bars))
	for i := range bars {
		out[i] = bars[i].Close
	}
	return out
}

// SMA computes the simple moving average over period.
func SMA(values []float64, period int) Series {
	s := Series{Values: make([]float64, len(values)), ValidFrom: period - 1}
	if period < 1 || len(values) < period {
		s.ValidFrom = len(values)
		return s
	}
	sum := 0.0
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			s.Values[i] = sum / float64(period)
		}
	}
	return s
}

// EMA computes the exponential moving average, seeded with the SMA of
// the first period values.
func EMA(values []float64, period int) Series {
	s := Series{Values: make([]float64, len(values)), ValidFrom: period - 1}
	if period < 1 || len(values) < period {
		s.ValidFrom = len(values)
		return s
	}
	seed := 0.0
	for i := 0; i < period; i++ {
		seed += values[i]
	}
	seed /= float64(period)
	s.Values[period-1] = seed

	alpha := 2.0 / float64(period+1)
	prev := seed
	for i := period; i < len(values); i++ {
		prev = alpha*values[i] + (1-alpha)*prev
		s.Values[i] = prev
	}
	return s
}

// RSI computes the relative strength index with Wilder smoothing. The
// first readable value sits at index period.
func RSI(values []float64, period int) Series {
	s := Series{Values: make([]float64, len(values)), ValidFrom: period}
	if period < 1 || len(values) < period+1 {
		s.ValidFrom = len(values)
		return s
	}

	var avgGain, avgLoss float64
	for i := 1; i <= period; i++ {
		change := values[i] - values[i-1]
		if change > 0 {
			avgGain += change
		} else {
			avgLoss -= change
		}
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	s.Values[period] = rsiFrom(avgGain, avgLoss)

	alpha := 1.0 / float64(period)
	for i := period + 1; i < len(values); i++ {
		change := values[i] - values[i-1]
		gain, loss := 0.0, 0.0
		if change > 0 {
			gain = change
		} else {
			loss = -change
		}
		avgGain = avgGain*(1-alpha) + gain*alpha
		avgLoss = avgLoss*(1-alpha) + loss*alpha
		s.Values[i] = rsiFrom(avgGain, avgLoss)
	}
	return s
}

func rsiFrom(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// MACDSeries bundles the three MACD lines.
type MACDSeries struct {
	Line      Series
	Signal    Series
	Histogram Series
}

// MACD computes line = EMA(fast) - EMA(slow), its signal EMA, and the
// histogram (line - signal).
func MACD(values []float64, fast, slow, signal int) MACDSeries {
	emaFast := EMA(values, fast)
	emaSlow := EMA(values, slow)

	line := Series{Values: make([]float64, len(values)), ValidFrom: emaSlow.ValidFrom}
	if emaFast.ValidFrom > line.ValidFrom {
		line.ValidFrom = emaFast.ValidFrom
	}
	for i := line.ValidFrom; i < len(values); i++ {
		line.Values[i] = emaFast.Values[i] - emaSlow.Values[i]
	}

	// The signal EMA runs over the valid tail of the MACD line.
	tail := line.Values[min(line.ValidFrom, len(values)):]
	sigTail := EMA(tail, signal)

	sig := Series{Values: make([]float64, len(values)), ValidFrom: line.ValidFrom + sigTail.ValidFrom}
	for i := sigTail.ValidFrom; i < len(tail); i++ {
		sig.Values[line.ValidFrom+i] = sigTail.Values[i]
	}

	hist := Series{Values: make([]float64, len(values)), ValidFrom: sig.ValidFrom}
	for i := hist.ValidFrom; i < len(values); i++ {
		hist.Values[i] = line.Values[i] - sig.Values[i]
	}

	return MACDSeries{Line: line, Signal: sig, Histogram: hist}
}

// BollingerSeries bundles the three Bollinger bands.
type BollingerSeries struct {
	Upper  Series
	Middle Series
	Lower  Series
}

// Bollinger computes middle = SMA(period) with upper/lower at width
// standard deviations.
func Bollinger(values []float64, period int, width float64) BollingerSeries {
	middle := SMA(values, period)
	upper := Series{Values: make([]float64, len(values)), ValidFrom: middle.ValidFrom}
	lower := Series{Values: make([]float64, len(values)), ValidFrom: middle.ValidFrom}

	for i := middle.ValidFrom; i < len(values); i++ {
		variance := 0.0
		for j := i - period + 1; j <= i; j++ {
			d := values[j] - middle.Values[i]
			variance += d * d
		}
		std := math.Sqrt(variance / float64(period))
		upper.Values[i] = middle.Values[i] + width*std
		lower.Values[i] = middle.Values[i] - width*std
	}
	return BollingerSeries{Upper: upper, Middle: middle, Lower: lower}
}

// ATR computes the average true range: SMA of TR for the first period,
// Wilder smoothing after.
func ATR(bars []models.Bar, period int) Series {
	s := Series{Values: make([]float64, len(bars)), ValidFrom: period}
	if period < 1 || len(bars) < period+1 {
		s.ValidFrom = len(bars)
		return s
	}

	tr := func(i int) float64 {
		hl := bars[i].High - bars[i].Low
		hc := math.Abs(bars[i].High - bars[i-1].Close)
		lc := math.Abs(bars[i].Low - bars[i-1].Close)
		return math.Max(hl, math.Max(hc, lc))
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += tr(i)
	}
	prev := sum / float64(period)
	s.Values[period] = prev

	for i := period + 1; i < len(bars); i++ {
		prev = (prev*float64(period-1) + tr(i)) / float64(period)
		s.Values[i] = prev
	}
	return s
}
