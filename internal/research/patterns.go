package research

import (
	"math"

	"github.com/Rajchodisetti/tradegate/internal/indicators"
)

// Pattern names.
const (
	PatternDoji         = "doji"
	PatternHammer       = "hammer"
	PatternEngulfing    = "engulfing"
	PatternHigherHighs  = "higher_highs"
	PatternLowerLows    = "lower_lows"
	PatternDoubleTop    = "double_top"
	PatternDoubleBottom = "double_bottom"
)

type direction int

const (
	neutral direction = iota
	bullish
	bearish
)

var patternDirection = map[string]direction{
	PatternHammer:       bullish,
	PatternEngulfing:    bullish,
	PatternDoji:         neutral,
	PatternHigherHighs:  bullish,
	PatternLowerLows:    bearish,
	PatternDoubleTop:    bearish,
	PatternDoubleBottom: bullish,
}

var (
	reversalPatterns = map[string]bool{
		PatternDoubleBottom: true, PatternDoubleTop: true, PatternHammer: true, PatternEngulfing: true, PatternDoji: true,
	}
	trendPatterns = map[string]bool{PatternHigherHighs: true, PatternLowerLows: true}
)

// Detect returns, per pattern, the bar indexes where it fires.
func Detect(bars []indicators.Bar) map[string][]int {
	n := len(bars)
	out := make(map[string][]int, len(patternDirection))
	if n == 0 {
		return out
	}

	high := make([]float64, n)
	low := make([]float64, n)
	for i, b := range bars {
		high[i], low[i] = b.High, b.Low
	}
	max5 := rolling(high, 5, math.Max)
	min5 := rolling(low, 5, math.Min)
	max10 := rolling(high, 10, math.Max)
	minHigh10 := rolling(high, 10, math.Min)
	min10 := rolling(low, 10, math.Min)
	maxLow10 := rolling(low, 10, math.Max)

	for i, b := range bars {
		body := math.Abs(b.Close - b.Open)
		span := b.High - b.Low
		upper := b.High - math.Max(b.Open, b.Close)
		lower := math.Min(b.Open, b.Close) - b.Low

		if span > 0 && body/span < 0.1 {
			out[PatternDoji] = append(out[PatternDoji], i)
		}
		if body > 0 && lower > 2*body && upper < 0.5*body {
			out[PatternHammer] = append(out[PatternHammer], i)
		}
		if i >= 1 {
			prev := bars[i-1]
			if prev.Close < prev.Open && b.Close > b.Open && b.Open < prev.Close && b.Close > prev.Open {
				out[PatternEngulfing] = append(out[PatternEngulfing], i)
			}
		}
		if i >= 10 && valid(max5[i], max5[i-5], max5[i-10]) && max5[i] > max5[i-5] && max5[i-5] > max5[i-10] {
			out[PatternHigherHighs] = append(out[PatternHigherHighs], i)
		}
		if i >= 10 && valid(min5[i], min5[i-5], min5[i-10]) && min5[i] < min5[i-5] && min5[i-5] < min5[i-10] {
			out[PatternLowerLows] = append(out[PatternLowerLows], i)
		}
		if i >= 20 && valid(max10[i], max10[i-20], minHigh10[i-10]) && max10[i] > 0 &&
			math.Abs(max10[i]-max10[i-20])/max10[i] < 0.02 && minHigh10[i-10] < max10[i]*0.95 {
			out[PatternDoubleTop] = append(out[PatternDoubleTop], i)
		}
		if i >= 20 && valid(min10[i], min10[i-20], maxLow10[i-10]) && min10[i] > 0 &&
			math.Abs(min10[i]-min10[i-20])/min10[i] < 0.02 && maxLow10[i-10] > min10[i]*1.05 {
			out[PatternDoubleBottom] = append(out[PatternDoubleBottom], i)
		}
	}
	return out
}

// rolling applies agg over trailing windows; indexes before the first full
// window are NaN.
func rolling(xs []float64, window int, agg func(a, b float64) float64) []float64 {
	out := make([]float64, len(xs))
	for i := range xs {
		if i < window-1 {
			out[i] = math.NaN()
			continue
		}
		v := xs[i-window+1]
		for _, x := range xs[i-window+2 : i+1] {
			v = agg(v, x)
		}
		out[i] = v
	}
	return out
}

func valid(xs ...float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) {
			return false
		}
	}
	return true
}
