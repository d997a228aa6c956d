package risk

import (
	"math"
	"testing"
	"time"

	"github.com/Rajchodisetti/tradegate/internal/decision"
	"github.com/Rajchodisetti/tradegate/internal/params"
)

func testRisk() params.Risk {
	return params.Risk{
		RiskPerTrade:            0.02,
		StopLossFraction:        0.02,
		BaseStopFraction:        0.02,
		MaxVolatilityAdjustment: 0.02,
		RewardRiskRatio:         2,
		MinConfidence:           0.6,
		MinTradeSize:            10,
		MaxPositionFraction:     0.2,
		MaxDailyLoss:            10,
		MaxConsecutiveLosses:    3,
		MaxDailyTrades:          5,
		MaxConcurrentPositions:  2,
	}
}

func buySignal(conf float64) decision.Signal {
	return decision.Signal{
		Symbol:         "BTC-USDT",
		Direction:      decision.Buy,
		Confidence:     conf,
		ReferencePrice: 100,
		Timestamp:      time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func newTestEngine(t *testing.T, now time.Time) *Engine {
	t.Helper()
	e, err := NewEngine("", WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestEvaluate_SizeClampedToMaxPosition(t *testing.T) {
	e := newTestEngine(t, time.Now())
	prop, rej := e.Evaluate(buySignal(0.8), testRisk(), 500)
	if rej != nil {
		t.Fatalf("Expected proposal, got rejection %s", rej)
	}
	if math.Abs(prop.RiskAmount-10) > 1e-9 {
		t.Errorf("Expected risk amount 10, got %v", prop.RiskAmount)
	}
	if math.Abs(prop.Size-100) > 1e-9 {
		t.Errorf("Expected size clamped to 100, got %v", prop.Size)
	}
}

func TestEvaluate_StopsAndTargets(t *testing.T) {
	tests := []struct {
		name       string
		dir        decision.Direction
		volatility float64
		wantStop   float64
		wantTP     float64
	}{
		{"buy calm", decision.Buy, 0, 98, 104},
		{"buy volatile capped", decision.Buy, 0.5, 96, 108},
		{"sell with volatility", decision.Sell, 0.01, 103, 94},
	}
	e := newTestEngine(t, time.Now())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := buySignal(0.9)
			sig.Direction = tt.dir
			sig.Volatility = tt.volatility
			prop, rej := e.Evaluate(sig, testRisk(), 1000)
			if rej != nil {
				t.Fatalf("Unexpected rejection %s", rej)
			}
			if math.Abs(prop.StopLossPrice-tt.wantStop) > 1e-9 {
				t.Errorf("Expected stop %v, got %v", tt.wantStop, prop.StopLossPrice)
			}
			if math.Abs(prop.TakeProfit-tt.wantTP) > 1e-9 {
				t.Errorf("Expected take profit %v, got %v", tt.wantTP, prop.TakeProfit)
			}
		})
	}
}

func TestPositionSize_Bounds(t *testing.T) {
	p := testRisk()
	for _, balance := range []float64{50, 51, 100, 500, 1e6} {
		size, _, rej := PositionSize(balance, p)
		if rej != nil {
			t.Fatalf("balance %v: unexpected rejection %s", balance, rej)
		}
		if size < p.MinTradeSize || size > balance*p.MaxPositionFraction {
			t.Errorf("balance %v: size %v outside [%v, %v]", balance, size, p.MinTradeSize, balance*p.MaxPositionFraction)
		}
	}

	for _, balance := range []float64{0, -5, 49} {
		if _, _, rej := PositionSize(balance, p); rej == nil || rej.Reason != RejectPositionSizeBelowFloor {
			t.Errorf("balance %v: expected POSITION_SIZE_BELOW_FLOOR, got %v", balance, rej)
		}
	}
}

func TestEvaluate_RejectionOrder(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		prepare func(e *Engine, p params.Risk)
		signal  decision.Signal
		balance float64
		want    RejectReason
	}{
		{
			name:    "low confidence",
			prepare: func(*Engine, params.Risk) {},
			signal:  buySignal(0.59),
			balance: 500,
			want:    RejectBelowMinConfidence,
		},
		{
			name: "max concurrent positions",
			prepare: func(e *Engine, p params.Risk) {
				e.RecordOutcome(Outcome{Symbol: "A", Kind: OutcomeEntry}, p)
				e.RecordOutcome(Outcome{Symbol: "B", Kind: OutcomeEntry}, p)
			},
			signal:  buySignal(0.9),
			balance: 500,
			want:    RejectMaxConcurrentPositions,
		},
		{
			name:    "tiny balance",
			prepare: func(*Engine, params.Risk) {},
			signal:  buySignal(0.9),
			balance: 20,
			want:    RejectPositionSizeBelowFloor,
		},
		{
			name:    "hold signal",
			prepare: func(*Engine, params.Risk) {},
			signal:  decision.Signal{Symbol: "X", Direction: decision.Hold},
			balance: 500,
			want:    RejectNoTradeSignal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newTestEngine(t, now)
			p := testRisk()
			tt.prepare(e, p)
			_, rej := e.Evaluate(tt.signal, p, tt.balance)
			if rej == nil {
				t.Fatalf("Expected %s, got proposal", tt.want)
			}
			if rej.Reason != tt.want {
				t.Errorf("Expected %s, got %s", tt.want, rej.Reason)
			}
		})
	}
}

func TestEvaluate_DailyLossLimitAfterLimitLowered(t *testing.T) {
	e := newTestEngine(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
	p := testRisk()
	p.MaxDailyLoss = 50

	// a -10 session stays under the original limit
	e.RecordOutcome(Outcome{Symbol: "BTC-USDT", Kind: OutcomeEntry, PnL: 0}, p)
	e.RecordOutcome(Outcome{Symbol: "BTC-USDT", Kind: OutcomeExit, PnL: -10}, p)
	if e.State().Tripped() {
		t.Fatalf("Breaker should not trip under the 50 limit")
	}

	// then the live limit is lowered to 10
	p.MaxDailyLoss = 10
	_, rej := e.Evaluate(buySignal(0.9), p, 500)
	if rej == nil || rej.Reason != RejectDailyLossLimit {
		t.Fatalf("Expected DAILY_LOSS_LIMIT, got %v", rej)
	}
	if e.State().Tripped() {
		t.Errorf("Evaluate must not trip the breaker")
	}
}

func TestEvaluate_DoesNotMutateState(t *testing.T) {
	e := newTestEngine(t, time.Now())
	before := e.State()
	for i := 0; i < 5; i++ {
		e.Evaluate(buySignal(0.9), testRisk(), 500)
		e.Evaluate(buySignal(0.1), testRisk(), 500)
	}
	if e.State() != before {
		t.Errorf("Expected unchanged state, got %+v", e.State())
	}
}
