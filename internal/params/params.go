package params

import (
	"errors"
	"fmt"
	"math"
)

// Indicators is the fixed set of indicator names the signal layer can weight.
var Indicators = []string{
	"rsi", "macd", "bollinger", "ema", "vwap", "stochastic",
	"williams_r", "cci", "mfi", "hma", "vwao",
}

var ErrInvalidParams = errors.New("invalid parameters")

// Signal holds the synthesizer's live tuning.
type Signal struct {
	RequiredAgreementFraction float64            `json:"required_agreement_fraction"`
	Weights                   map[string]float64 `json:"weights"`
	Enabled                   map[string]bool    `json:"enabled"`
}

// ActiveWeights returns the positive weights of enabled indicators. An indicator
// missing from Enabled counts as enabled.
func (s Signal) ActiveWeights() map[string]float64 {
	out := make(map[string]float64, len(s.Weights))
	for name, w := range s.Weights {
		if w <= 0 {
			continue
		}
		if on, ok := s.Enabled[name]; ok && !on {
			continue
		}
		out[name] = w
	}
	return out
}

// Risk holds sizing, stop placement and breaker limits.
type Risk struct {
	RiskPerTrade            float64 `json:"risk_per_trade"`
	StopLossFraction        float64 `json:"stop_loss_fraction"`
	BaseStopFraction        float64 `json:"base_stop_fraction"`
	MaxVolatilityAdjustment float64 `json:"max_volatility_adjustment"`
	RewardRiskRatio         float64 `json:"reward_risk_ratio"`
	MinConfidence           float64 `json:"min_confidence"`
	MinTradeSize            float64 `json:"min_trade_size"`
	MaxPositionFraction     float64 `json:"max_position_fraction"`
	MaxDailyLoss            float64 `json:"max_daily_loss"`
	MaxConsecutiveLosses    int     `json:"max_consecutive_losses"`
	MaxDailyTrades          int     `json:"max_daily_trades"`
	MaxConcurrentPositions  int     `json:"max_concurrent_positions"`
}

// Params is one immutable snapshot of the live parameter set. Version grows by
// one on every applied change.
type Params struct {
	Version int64  `json:"version"`
	Signal  Signal `json:"signal"`
	Risk    Risk   `json:"risk"`
}

// Default returns the stock parameter set.
func Default() Params {
	p := Params{
		Signal: Signal{
			RequiredAgreementFraction: 0.75,
			Weights:                   map[string]float64{},
			Enabled:                   map[string]bool{},
		},
		Risk: Risk{
			RiskPerTrade:            0.02,
			StopLossFraction:        0.02,
			BaseStopFraction:        0.02,
			MaxVolatilityAdjustment: 0.02,
			RewardRiskRatio:         2.0,
			MinConfidence:           0.6,
			MinTradeSize:            10,
			MaxPositionFraction:     0.2,
			MaxDailyLoss:            50,
			MaxConsecutiveLosses:    3,
			MaxDailyTrades:          10,
			MaxConcurrentPositions:  3,
		},
	}
	for _, name := range Indicators {
		p.Signal.Weights[name] = 1.0
		p.Signal.Enabled[name] = true
	}
	return p
}

// Clone returns a deep copy.
func (p Params) Clone() Params {
	c := p
	c.Signal.Weights = make(map[string]float64, len(p.Signal.Weights))
	for k, v := range p.Signal.Weights {
		c.Signal.Weights[k] = v
	}
	c.Signal.Enabled = make(map[string]bool, len(p.Signal.Enabled))
	for k, v := range p.Signal.Enabled {
		c.Signal.Enabled[k] = v
	}
	return c
}

// Validate checks cross-field invariants.
func (p Params) Validate() error {
	s, r := p.Signal, p.Risk
	check := func(ok bool, format string, args ...any) error {
		if ok {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrInvalidParams, fmt.Sprintf(format, args...))
	}
	for _, err := range []error{
		check(s.RequiredAgreementFraction > 0 && s.RequiredAgreementFraction <= 1, "required_agreement_fraction %v not in (0,1]", s.RequiredAgreementFraction),
		check(r.RiskPerTrade > 0 && r.RiskPerTrade <= 0.1, "risk_per_trade %v not in (0,0.1]", r.RiskPerTrade),
		check(r.StopLossFraction > 0 && r.StopLossFraction < 1, "stop_loss_fraction %v not in (0,1)", r.StopLossFraction),
		check(r.BaseStopFraction > 0 && r.BaseStopFraction < 1, "base_stop_fraction %v not in (0,1)", r.BaseStopFraction),
		check(r.MaxVolatilityAdjustment >= 0 && r.BaseStopFraction+r.MaxVolatilityAdjustment < 1, "max_volatility_adjustment %v too large", r.MaxVolatilityAdjustment),
		check(r.RewardRiskRatio > 0, "reward_risk_ratio must be positive"),
		check(r.MinConfidence >= 0 && r.MinConfidence <= 1, "min_confidence %v not in [0,1]", r.MinConfidence),
		check(r.MinTradeSize >= 0, "min_trade_size must not be negative"),
		check(r.MaxPositionFraction > 0 && r.MaxPositionFraction <= 1, "max_position_fraction %v not in (0,1]", r.MaxPositionFraction),
		check(r.MaxDailyLoss > 0, "max_daily_loss must be positive"),
		check(r.MaxConsecutiveLosses > 0, "max_consecutive_losses must be positive"),
		check(r.MaxDailyTrades > 0, "max_daily_trades must be positive"),
		check(r.MaxConcurrentPositions > 0, "max_concurrent_positions must be positive"),
	} {
		if err != nil {
			return err
		}
	}
	for name, w := range s.Weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return fmt.Errorf("%w: weight %s=%v", ErrInvalidParams, name, w)
		}
	}
	return nil
}
