package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/Rajchodisetti/tradegate/internal/decision"
	"github.com/Rajchodisetti/tradegate/internal/observ"
	"github.com/Rajchodisetti/tradegate/internal/params"
)

// RejectReason enumerates why a signal did not become an order.
type RejectReason string

const (
	RejectCircuitBreakerOpen     RejectReason = "CIRCUIT_BREAKER_OPEN"
	RejectBelowMinConfidence     RejectReason = "BELOW_MIN_CONFIDENCE"
	RejectDailyLossLimit         RejectReason = "DAILY_LOSS_LIMIT"
	RejectMaxConcurrentPositions RejectReason = "MAX_CONCURRENT_POSITIONS"
	RejectPositionSizeBelowFloor RejectReason = "POSITION_SIZE_BELOW_FLOOR"
	RejectNoTradeSignal          RejectReason = "NO_TRADE_SIGNAL"
)

type Rejection struct {
	Reason RejectReason `json:"reason"`
	Detail string       `json:"detail"`
}

func (r *Rejection) String() string {
	return fmt.Sprintf("%s: %s", r.Reason, r.Detail)
}

// OrderProposal is a risk-bounded order. It is a value and never changes after
// Evaluate returns it.
type OrderProposal struct {
	Symbol        string             `json:"symbol"`
	Side          decision.Direction `json:"side"`
	Size          float64            `json:"size"`
	EntryPrice    float64            `json:"entry_price"`
	StopLossPrice float64            `json:"stop_loss_price"`
	TakeProfit    float64            `json:"take_profit_price"`
	RiskAmount    float64            `json:"risk_amount"`
	StopFraction  float64            `json:"stop_fraction"`
	Confidence    float64            `json:"confidence"`
	SignalTime    time.Time          `json:"signal_time"`
}

func reject(reason RejectReason, format string, args ...any) *Rejection {
	observ.IncCounter("risk_rejections_total", map[string]string{"reason": string(reason)})
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Evaluate turns a directional signal into a sized order or a rejection.
// Checks run in a fixed order and the first failure wins. Evaluate reads the
// state but never changes it.
func (e *Engine) Evaluate(sig decision.Signal, p params.Risk, balance float64) (OrderProposal, *Rejection) {
	s := e.State()

	if s.Tripped() {
		return OrderProposal{}, reject(RejectCircuitBreakerOpen, "breaker tripped: %s", s.TripReason)
	}
	if sig.Direction != decision.Buy && sig.Direction != decision.Sell {
		return OrderProposal{}, reject(RejectNoTradeSignal, "direction %s", sig.Direction)
	}
	if sig.Confidence < p.MinConfidence {
		return OrderProposal{}, reject(RejectBelowMinConfidence, "confidence %.3f < %.3f", sig.Confidence, p.MinConfidence)
	}
	if s.DailyPnL <= -p.MaxDailyLoss {
		return OrderProposal{}, reject(RejectDailyLossLimit, "daily pnl %.2f at or beyond limit %.2f", s.DailyPnL, p.MaxDailyLoss)
	}
	if s.OpenPositionCount >= p.MaxConcurrentPositions {
		return OrderProposal{}, reject(RejectMaxConcurrentPositions, "%d open, limit %d", s.OpenPositionCount, p.MaxConcurrentPositions)
	}

	size, riskAmount, rej := PositionSize(balance, p)
	if rej != nil {
		return OrderProposal{}, rej
	}
	entry := sig.ReferencePrice
	if entry <= 0 || math.IsNaN(entry) {
		return OrderProposal{}, reject(RejectPositionSizeBelowFloor, "no reference price for %s", sig.Symbol)
	}

	stopFrac := StopDistance(sig.Volatility, p)
	prop := OrderProposal{
		Symbol:       sig.Symbol,
		Side:         sig.Direction,
		Size:         size,
		EntryPrice:   entry,
		RiskAmount:   riskAmount,
		StopFraction: stopFrac,
		Confidence:   sig.Confidence,
		SignalTime:   sig.Timestamp,
	}
	if sig.Direction == decision.Buy {
		prop.StopLossPrice = entry * (1 - stopFrac)
		prop.TakeProfit = entry * (1 + stopFrac*p.RewardRiskRatio)
	} else {
		prop.StopLossPrice = entry * (1 + stopFrac)
		prop.TakeProfit = entry * (1 - stopFrac*p.RewardRiskRatio)
	}
	observ.IncCounter("risk_proposals_total", map[string]string{"side": string(sig.Direction)})
	return prop, nil
}

// PositionSize sizes by fixed-fraction risk: risk amount over stop fraction,
// clamped into [MinTradeSize, balance*MaxPositionFraction].
func PositionSize(balance float64, p params.Risk) (size, riskAmount float64, rej *Rejection) {
	if balance <= 0 || math.IsNaN(balance) {
		return 0, 0, reject(RejectPositionSizeBelowFloor, "balance %.2f", balance)
	}
	ceiling := balance * p.MaxPositionFraction
	if ceiling < p.MinTradeSize {
		return 0, 0, reject(RejectPositionSizeBelowFloor, "max position %.2f below minimum trade %.2f", ceiling, p.MinTradeSize)
	}
	riskAmount = balance * p.RiskPerTrade
	size = riskAmount / p.StopLossFraction
	if size > ceiling {
		size = ceiling
	}
	if size < p.MinTradeSize {
		size = p.MinTradeSize
	}
	return size, riskAmount, nil
}

// StopDistance widens the base stop by observed volatility, capped.
func StopDistance(volatility float64, p params.Risk) float64 {
	adj := volatility
	if adj < 0 || math.IsNaN(adj) {
		adj = 0
	}
	if adj > p.MaxVolatilityAdjustment {
		adj = p.MaxVolatilityAdjustment
	}
	return p.BaseStopFraction + adj
}
