package risk

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/Rajchodisetti/tradegate/internal/observ"
	"github.com/Rajchodisetti/tradegate/internal/params"
)

// BreakerState is the circuit breaker position. OPEN admits trades.
type BreakerState string

const (
	BreakerOpen    BreakerState = "OPEN"
	BreakerTripped BreakerState = "TRIPPED"
)

const (
	TripDailyLoss         = "daily_loss_limit"
	TripConsecutiveLosses = "consecutive_losses"
	TripDailyTrades       = "daily_trade_limit"
	TripStateCorrupted    = "state_corrupted"
)

// State is the engine's running risk accounting for one session day (UTC).
type State struct {
	SessionDay        string       `json:"session_day"`
	DailyPnL          float64      `json:"daily_pnl"`
	ConsecutiveLosses int          `json:"consecutive_losses"`
	TradeCountToday   int          `json:"trade_count_today"`
	OpenPositionCount int          `json:"open_position_count"`
	Breaker           BreakerState `json:"breaker"`
	TripReason        string       `json:"trip_reason,omitempty"`
	TrippedAt         time.Time    `json:"tripped_at,omitempty"`
}

func (s State) Tripped() bool { return s.Breaker == BreakerTripped }

type OutcomeKind string

const (
	OutcomeEntry OutcomeKind = "ENTRY"
	OutcomeExit  OutcomeKind = "EXIT"
)

// Outcome is a settled fill reported back to the engine.
type Outcome struct {
	Symbol  string      `json:"symbol"`
	Kind    OutcomeKind `json:"kind"`
	PnL     float64     `json:"pnl"`
	OrderID string      `json:"order_id,omitempty"`
}

// Transition reports a breaker state change.
type Transition struct {
	From      BreakerState `json:"from"`
	To        BreakerState `json:"to"`
	Reason    string       `json:"reason"`
	Principal string       `json:"principal,omitempty"`
	State     State        `json:"state"`
}

// Engine owns the risk state. All reads and writes go through its mutex; the
// only mutating paths are RecordOutcome, Rollover and Reset.
type Engine struct {
	mu    sync.RWMutex
	state State
	now   func() time.Time

	// event sourcing
	events      []Event
	eventLog    string
	lastEventID int64
	maxEvents   int
}

type Option func(*Engine)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine restores state from eventLogPath when it exists. An empty path
// disables persistence.
func NewEngine(eventLogPath string, opts ...Option) (*Engine, error) {
	e := &Engine{
		now:       time.Now,
		eventLog:  eventLogPath,
		maxEvents: 1000,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.state = State{SessionDay: dayOf(e.now()), Breaker: BreakerOpen}
	if eventLogPath != "" {
		if err := e.loadEvents(); err != nil {
			return nil, fmt.Errorf("restore risk state: %w", err)
		}
	}
	e.rolloverLocked(e.now())
	e.updateMetrics()
	return e, nil
}

func dayOf(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// State returns a copy of the current state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// RecordOutcome folds a fill into the counters and re-checks the breaker. It
// is the only path that can trip the breaker; a non-nil Transition is returned
// when it does.
func (e *Engine) RecordOutcome(o Outcome, p params.Risk) *Transition {
	e.mu.Lock()
	defer e.mu.Unlock()

	if rolled := e.rolloverLocked(e.now()); rolled != nil {
		observ.Log("risk_session_rollover", map[string]any{"session_day": e.state.SessionDay})
	}

	s := &e.state
	if math.IsNaN(o.PnL) || math.IsInf(o.PnL, 0) {
		return e.tripLocked(TripStateCorrupted, "", map[string]any{"symbol": o.Symbol, "pnl": fmt.Sprint(o.PnL)})
	}

	s.DailyPnL += o.PnL
	switch {
	case o.PnL < 0:
		s.ConsecutiveLosses++
	case o.PnL > 0:
		s.ConsecutiveLosses = 0
	}
	switch o.Kind {
	case OutcomeEntry:
		s.TradeCountToday++
		s.OpenPositionCount++
	case OutcomeExit:
		s.OpenPositionCount--
	}

	e.addEvent(EventOutcomeRecorded, map[string]any{
		"symbol":   o.Symbol,
		"kind":     string(o.Kind),
		"pnl":      o.PnL,
		"order_id": o.OrderID,
	}, "", "")
	observ.IncCounter("risk_outcomes_total", map[string]string{"kind": string(o.Kind)})

	var tr *Transition
	if reason := e.integrityLocked(); reason != "" {
		tr = e.tripLocked(TripStateCorrupted, "", map[string]any{"detail": reason})
	} else if !s.Tripped() {
		if reason := breachLocked(*s, p); reason != "" {
			tr = e.tripLocked(reason, "", nil)
		}
	}
	e.updateMetrics()
	return tr
}

func breachLocked(s State, p params.Risk) string {
	switch {
	case s.DailyPnL <= -p.MaxDailyLoss:
		return TripDailyLoss
	case s.ConsecutiveLosses >= p.MaxConsecutiveLosses:
		return TripConsecutiveLosses
	case s.TradeCountToday >= p.MaxDailyTrades:
		return TripDailyTrades
	}
	return ""
}

// integrityLocked reports a broken counter invariant.
func (e *Engine) integrityLocked() string {
	s := e.state
	switch {
	case math.IsNaN(s.DailyPnL) || math.IsInf(s.DailyPnL, 0):
		return "daily pnl is not finite"
	case s.ConsecutiveLosses < 0:
		return "negative consecutive losses"
	case s.TradeCountToday < 0:
		return "negative trade count"
	case s.OpenPositionCount < 0:
		return "negative open position count"
	}
	return ""
}

func (e *Engine) tripLocked(reason, principal string, data map[string]any) *Transition {
	from := e.state.Breaker
	e.state.Breaker = BreakerTripped
	e.state.TripReason = reason
	e.state.TrippedAt = e.now()
	e.addEvent(EventBreakerTripped, data, principal, reason)

	observ.IncCounter("risk_breaker_trips_total", map[string]string{"reason": reason})
	observ.Log("risk_breaker_tripped", map[string]any{
		"level":              "warn",
		"reason":             reason,
		"daily_pnl":          e.state.DailyPnL,
		"consecutive_losses": e.state.ConsecutiveLosses,
		"trade_count":        e.state.TradeCountToday,
	})
	e.updateMetrics()
	return &Transition{From: from, To: BreakerTripped, Reason: reason, Principal: principal, State: e.state}
}

// Rollover starts a new session when now falls on a later UTC day than the
// current session, clearing daily counters and the breaker. Open positions
// carry over.
func (e *Engine) Rollover(now time.Time) *Transition {
	e.mu.Lock()
	defer e.mu.Unlock()
	tr := e.rolloverLocked(now)
	e.updateMetrics()
	return tr
}

func (e *Engine) rolloverLocked(now time.Time) *Transition {
	day := dayOf(now)
	if day <= e.state.SessionDay {
		return nil
	}
	from := e.state.Breaker
	prev := e.state.SessionDay
	e.state = State{
		SessionDay:        day,
		OpenPositionCount: e.state.OpenPositionCount,
		Breaker:           BreakerOpen,
	}
	if e.state.OpenPositionCount < 0 {
		e.state.OpenPositionCount = 0
	}
	e.addEvent(EventSessionRollover, map[string]any{"previous_day": prev}, "", "session_rollover")
	return &Transition{From: from, To: BreakerOpen, Reason: "session_rollover", State: e.state}
}

// Reset clears a tripped breaker and the loss streak on an operator's
// request. Daily PnL and trade count are kept, so the daily limits still
// apply to the rest of the session.
func (e *Engine) Reset(principal, reason string) *Transition {
	e.mu.Lock()
	defer e.mu.Unlock()

	from := e.state.Breaker
	e.state.Breaker = BreakerOpen
	e.state.TripReason = ""
	e.state.TrippedAt = time.Time{}
	e.state.ConsecutiveLosses = 0
	if e.integrityLocked() != "" {
		// corrupted counters are rebuilt from zero
		open := e.state.OpenPositionCount
		e.state = State{SessionDay: e.state.SessionDay, Breaker: BreakerOpen}
		if open > 0 {
			e.state.OpenPositionCount = open
		}
	}
	e.addEvent(EventBreakerReset, map[string]any{"previous": string(from)}, principal, reason)
	observ.IncCounter("risk_breaker_resets_total", nil)
	observ.Log("risk_breaker_reset", map[string]any{"principal": principal, "reason": reason, "previous": string(from)})
	e.updateMetrics()
	return &Transition{From: from, To: BreakerOpen, Reason: reason, Principal: principal, State: e.state}
}

func (e *Engine) updateMetrics() {
	s := e.state
	observ.SetGauge("risk_daily_pnl", s.DailyPnL, nil)
	observ.SetGauge("risk_consecutive_losses", float64(s.ConsecutiveLosses), nil)
	observ.SetGauge("risk_trades_today", float64(s.TradeCountToday), nil)
	observ.SetGauge("risk_open_positions", float64(s.OpenPositionCount), nil)
	tripped := 0.0
	if s.Tripped() {
		tripped = 1
	}
	observ.SetGauge("risk_breaker_tripped", tripped, nil)
}

// CheckIntegrity trips the breaker with state_corrupted when a counter
// invariant is broken. Admission stays halted until Reset.
func (e *Engine) CheckIntegrity() *Transition {
	e.mu.Lock()
	defer e.mu.Unlock()
	reason := e.integrityLocked()
	if reason == "" || (e.state.Tripped() && e.state.TripReason == TripStateCorrupted) {
		return nil
	}
	return e.tripLocked(TripStateCorrupted, "", map[string]any{"detail": reason})
}
