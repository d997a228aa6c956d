package research

import (
	"math"
	"sort"

	"github.com/Rajchodisetti/tradegate/internal/indicators"
)

// PatternStat is the forward-return record of one pattern on one series.
type PatternStat struct {
	Symbol      string  `json:"symbol"`
	Timeframe   string  `json:"timeframe"`
	Pattern     string  `json:"pattern_name"`
	Occurrences int     `json:"occurrences"`
	SuccessRate float64 `json:"success_rate"`
	AvgReturn   float64 `json:"avg_return"`
	SampleSize  int     `json:"sample_size"`
}

// Analyze scores every detected pattern by its return lookahead bars later.
// Bullish patterns succeed at +threshold, bearish at -threshold, neutral at
// either. Patterns with fewer than minOccurrences hits are dropped.
func Analyze(bars []indicators.Bar, timeframe string, threshold float64, lookahead, minOccurrences int) []PatternStat {
	var out []PatternStat
	for name, positions := range Detect(bars) {
		if len(positions) < minOccurrences {
			continue
		}
		dir := patternDirection[name]
		var (
			sum       float64
			samples   int
			successes int
		)
		for _, pos := range positions {
			if pos+lookahead >= len(bars) || bars[pos].Close == 0 {
				continue
			}
			ret := (bars[pos+lookahead].Close - bars[pos].Close) / bars[pos].Close
			sum += ret
			samples++
			switch {
			case dir == bullish && ret >= threshold,
				dir == bearish && ret <= -threshold,
				dir == neutral && math.Abs(ret) >= threshold:
				successes++
			}
		}
		if samples == 0 {
			continue
		}
		out = append(out, PatternStat{
			Timeframe:   timeframe,
			Pattern:     name,
			Occurrences: len(positions),
			SuccessRate: float64(successes) / float64(samples),
			AvgReturn:   sum / float64(samples),
			SampleSize:  samples,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pattern < out[j].Pattern })
	return out
}

// WeightedSuccess is the occurrence-weighted mean success rate.
func WeightedSuccess(stats []PatternStat) float64 {
	var occ, weighted float64
	for _, s := range stats {
		occ += float64(s.Occurrences)
		weighted += s.SuccessRate * float64(s.Occurrences)
	}
	if occ == 0 {
		return 0
	}
	return weighted / occ
}

// TopPatterns returns up to n pattern names by descending success rate.
func TopPatterns(stats []PatternStat, n int) []string {
	ranked := append([]PatternStat(nil), stats...)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].SuccessRate > ranked[j].SuccessRate })
	if len(ranked) > n {
		ranked = ranked[:n]
	}
	out := make([]string, len(ranked))
	for i, s := range ranked {
		out[i] = s.Pattern
	}
	return out
}
