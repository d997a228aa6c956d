package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/Rajchodisetti/tradegate/internal/decision"
	"github.com/Rajchodisetti/tradegate/internal/exchange"
	"github.com/Rajchodisetti/tradegate/internal/gate"
	"github.com/Rajchodisetti/tradegate/internal/risk"
)

type State string

const (
	StateIdle         State = "IDLE"
	StateSignalReady  State = "SIGNAL_READY"
	StateRiskApproved State = "RISK_APPROVED"
	StateGatePending  State = "GATE_PENDING"
	StateExecuting    State = "EXECUTING"
	StateSettled      State = "SETTLED"
	StateRejected     State = "REJECTED"
	StateFailed       State = "FAILED"
)

// Terminal reports whether a trade in s is finished.
func (s State) Terminal() bool {
	return s == StateSettled || s == StateRejected || s == StateFailed
}

var transitions = map[State][]State{
	StateIdle:         {StateSignalReady, StateRejected},
	StateSignalReady:  {StateRiskApproved, StateRejected},
	StateRiskApproved: {StateGatePending, StateRejected},
	StateGatePending:  {StateExecuting, StateRejected},
	StateExecuting:    {StateSettled, StateFailed},
}

var ErrIllegalTransition = errors.New("illegal state transition")

func allowed(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome reasons for trades that end REJECTED or FAILED outside the risk
// engine's own reasons.
const (
	ReasonHold                = "HOLD"
	ReasonPaused              = "PAUSED"
	ReasonStopped             = "STOPPED"
	ReasonLaneFull            = "LANE_FULL"
	ReasonPositionAlreadyOpen = "POSITION_ALREADY_OPEN"
	ReasonExchangeUnavailable = "EXCHANGE_UNAVAILABLE"
	ReasonDuplicateOrder      = "DUPLICATE_ORDER"
	ReasonGateRejected        = "GATE_REJECTED"
	ReasonOrderRejected       = "ORDER_REJECTED"
	ReasonFillTimeout         = "FILL_TIMEOUT"
	ReasonFillFailed          = "FILL_FAILED"
	ReasonShutdown            = "SHUTDOWN"
)

type StateChange struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Trade follows one tick of one symbol through the state machine. It is owned
// by the symbol's lane until it reaches a terminal state.
type Trade struct {
	ID         string              `json:"id"`
	Symbol     string              `json:"symbol"`
	State      State               `json:"state"`
	Reason     string              `json:"reason,omitempty"`
	Detail     string              `json:"detail,omitempty"`
	Signal     *decision.Signal    `json:"signal,omitempty"`
	Proposal   *risk.OrderProposal `json:"proposal,omitempty"`
	Verdict    *gate.Verdict       `json:"verdict,omitempty"`
	OrderID    string              `json:"order_id,omitempty"`
	ClientID   string              `json:"client_id,omitempty"`
	Fill       *exchange.FillEvent `json:"fill,omitempty"`
	History    []StateChange       `json:"history"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at,omitempty"`
}

func newTrade(id, symbol string, now time.Time) *Trade {
	return &Trade{ID: id, Symbol: symbol, State: StateIdle, StartedAt: now}
}

func (t *Trade) advance(to State, now time.Time) error {
	if !allowed(t.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.State, to)
	}
	t.History = append(t.History, StateChange{From: t.State, To: to, At: now})
	t.State = to
	if to.Terminal() {
		t.FinishedAt = now
	}
	return nil
}

func (t *Trade) end(to State, reason, detail string, now time.Time) error {
	if err := t.advance(to, now); err != nil {
		return err
	}
	t.Reason = reason
	t.Detail = detail
	return nil
}
