package params

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrFieldNotAllowed = errors.New("field not in allow-list")
	ErrInvalidValue    = errors.New("invalid field value")
)

// Kind is the value type accepted for an allow-listed path.
type Kind string

const (
	KindFloat Kind = "float"
	KindInt   Kind = "int"
	KindBool  Kind = "bool"
)

type field struct {
	kind     Kind
	min, max float64
	set      func(p *Params, v any)
}

var allowList = map[string]field{}

func floatField(min, max float64, set func(p *Params, v float64)) field {
	return field{kind: KindFloat, min: min, max: max, set: func(p *Params, v any) { set(p, v.(float64)) }}
}

func intField(min, max float64, set func(p *Params, v int)) field {
	return field{kind: KindInt, min: min, max: max, set: func(p *Params, v any) { set(p, v.(int)) }}
}

func init() {
	allowList["signal.required_agreement_fraction"] = floatField(0.5, 1, func(p *Params, v float64) { p.Signal.RequiredAgreementFraction = v })
	for _, name := range Indicators {
		name := name
		allowList["signal.weights."+name] = floatField(0, 10, func(p *Params, v float64) { p.Signal.Weights[name] = v })
		allowList["signal.enabled."+name] = field{kind: KindBool, set: func(p *Params, v any) { p.Signal.Enabled[name] = v.(bool) }}
	}
	allowList["risk.risk_per_trade"] = floatField(0.001, 0.1, func(p *Params, v float64) { p.Risk.RiskPerTrade = v })
	allowList["risk.stop_loss_fraction"] = floatField(0.001, 0.5, func(p *Params, v float64) { p.Risk.StopLossFraction = v })
	allowList["risk.base_stop_fraction"] = floatField(0.001, 0.5, func(p *Params, v float64) { p.Risk.BaseStopFraction = v })
	allowList["risk.max_volatility_adjustment"] = floatField(0, 0.5, func(p *Params, v float64) { p.Risk.MaxVolatilityAdjustment = v })
	allowList["risk.reward_risk_ratio"] = floatField(0.5, 10, func(p *Params, v float64) { p.Risk.RewardRiskRatio = v })
	allowList["risk.min_confidence"] = floatField(0, 1, func(p *Params, v float64) { p.Risk.MinConfidence = v })
	allowList["risk.min_trade_size"] = floatField(0, math.MaxFloat64, func(p *Params, v float64) { p.Risk.MinTradeSize = v })
	allowList["risk.max_position_fraction"] = floatField(0.01, 1, func(p *Params, v float64) { p.Risk.MaxPositionFraction = v })
	allowList["risk.max_daily_loss"] = floatField(0.01, math.MaxFloat64, func(p *Params, v float64) { p.Risk.MaxDailyLoss = v })
	allowList["risk.max_consecutive_losses"] = intField(1, 100, func(p *Params, v int) { p.Risk.MaxConsecutiveLosses = v })
	allowList["risk.max_daily_trades"] = intField(1, 1000, func(p *Params, v int) { p.Risk.MaxDailyTrades = v })
	allowList["risk.max_concurrent_positions"] = intField(1, 100, func(p *Params, v int) { p.Risk.MaxConcurrentPositions = v })
}

// Allowed reports whether path may be changed at runtime.
func Allowed(path string) bool {
	_, ok := allowList[path]
	return ok
}

// AllowedPaths lists every mutable path, sorted.
func AllowedPaths() []string {
	out := make([]string, 0, len(allowList))
	for k := range allowList {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// KindOf returns the value kind for path.
func KindOf(path string) (Kind, bool) {
	f, ok := allowList[path]
	return f.kind, ok
}

// Coerce converts v into the kind of path and range-checks it. Strings are
// parsed, so values typed into a chat command are accepted.
func Coerce(path string, v any) (any, error) {
	f, ok := allowList[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFieldNotAllowed, path)
	}
	switch f.kind {
	case KindBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, fmt.Errorf("%w: %s expects bool, got %q", ErrInvalidValue, path, b)
			}
			return parsed, nil
		}
		return nil, fmt.Errorf("%w: %s expects bool, got %T", ErrInvalidValue, path, v)
	default:
		n, err := toFloat(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidValue, path, err)
		}
		if math.IsNaN(n) || n < f.min || n > f.max {
			return nil, fmt.Errorf("%w: %s=%v outside [%v, %v]", ErrInvalidValue, path, n, f.min, f.max)
		}
		if f.kind == KindInt {
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("%w: %s expects an integer, got %v", ErrInvalidValue, path, n)
			}
			return int(n), nil
		}
		return n, nil
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	case interface{ Float64() (float64, error) }:
		return n.Float64()
	}
	return 0, fmt.Errorf("expected number, got %T", v)
}

// With returns a copy of p with changes applied and the version bumped. The
// result is validated as a whole; on error p is untouched.
func (p Params) With(changes map[string]any) (Params, error) {
	next := p.Clone()
	paths := make([]string, 0, len(changes))
	for path := range changes {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	for _, path := range paths {
		v, err := Coerce(path, changes[path])
		if err != nil {
			return p, err
		}
		allowList[path].set(&next, v)
	}
	if err := next.Validate(); err != nil {
		return p, err
	}
	next.Version = p.Version + 1
	return next, nil
}
