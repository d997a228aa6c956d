package research

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/Rajchodisetti/tradegate/internal/params"
)

// Suggestion is a set of parameter changes plus the reasoning behind them.
type Suggestion struct {
	Fields  map[string]any `json:"fields"`
	Reasons []string       `json:"reasons"`
}

func (s Suggestion) Empty() bool { return len(s.Fields) == 0 }

// Advisor turns research results into parameter suggestions. It is separate
// from the trade approval evaluator.
type Advisor interface {
	Suggest(ctx context.Context, stats []PatternStat, current params.Params) (Suggestion, error)
}

// HeuristicAdvisor adjusts risk per trade by the weighted success rate and
// enables confirming indicators for whichever pattern family leads.
type HeuristicAdvisor struct{}

const (
	lowSuccess  = 0.45
	highSuccess = 0.60
	riskStep    = 0.005
	riskFloor   = 0.005
	riskCap     = 0.03
)

func (HeuristicAdvisor) Suggest(_ context.Context, stats []PatternStat, current params.Params) (Suggestion, error) {
	s := Suggestion{Fields: map[string]any{}}
	if len(stats) == 0 {
		return s, nil
	}

	success := WeightedSuccess(stats)
	risk := current.Risk.RiskPerTrade
	var next float64
	switch {
	case success < lowSuccess:
		next = math.Max(riskFloor, round4(risk-riskStep))
	case success > highSuccess:
		next = math.Min(riskCap, round4(risk+riskStep))
	default:
		next = risk
	}
	if next != risk {
		s.Fields["risk.risk_per_trade"] = next
		s.Reasons = append(s.Reasons, fmt.Sprintf("weighted success %.2f moves risk per trade %.4f -> %.4f", success, risk, next))
	}

	top := TopPatterns(stats, 3)
	enabled := current.Signal.Enabled
	if anyIn(top, reversalPatterns) {
		if path, ok := firstDisabled(enabled, "stochastic", "williams_r"); ok {
			s.Fields[path] = true
			s.Reasons = append(s.Reasons, "reversal patterns lead ("+strings.Join(top, ", ")+")")
		}
	}
	if anyIn(top, trendPatterns) {
		if path, ok := firstDisabled(enabled, "ema", "vwap"); ok {
			s.Fields[path] = true
			s.Reasons = append(s.Reasons, "trend patterns lead ("+strings.Join(top, ", ")+")")
		}
	}
	return s, nil
}

func firstDisabled(enabled map[string]bool, names ...string) (string, bool) {
	for _, n := range names {
		if !enabled[n] {
			return "signal.enabled." + n, true
		}
	}
	return "", false
}

func anyIn(names []string, set map[string]bool) bool {
	for _, n := range names {
		if set[n] {
			return true
		}
	}
	return false
}

func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}
