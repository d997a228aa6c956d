package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Rajchodisetti/tradegate/internal/alerts"
	"github.com/Rajchodisetti/tradegate/internal/configchange"
	"github.com/Rajchodisetti/tradegate/internal/exchange"
	"github.com/Rajchodisetti/tradegate/internal/gate"
	"github.com/Rajchodisetti/tradegate/internal/indicators"
	"github.com/Rajchodisetti/tradegate/internal/outbox"
	"github.com/Rajchodisetti/tradegate/internal/params"
	"github.com/Rajchodisetti/tradegate/internal/risk"
)

const sym = "BTC-USDT"

var day1 = time.Date(2025, 5, 5, 10, 0, 0, 0, time.UTC)

type fakeExchange struct {
	mu        sync.Mutex
	balance   float64
	positions []exchange.Position
	placeErr  error
	autoFill  bool
	placed    []exchange.OrderRequest
	canceled  []string
	fills     chan exchange.FillEvent
	seq       int
	tickers   int
	byID      map[string]exchange.OrderRequest
	// fillOnCancel makes CancelOrder lose the race against a fill.
	fillOnCancel bool
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{balance: 1000, autoFill: true, fills: make(chan exchange.FillEvent, 16), byID: map[string]exchange.OrderRequest{}}
}

func (f *fakeExchange) GetBalance(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balance, nil
}

func (f *fakeExchange) GetTicker(_ context.Context, symbol string) (exchange.Ticker, error) {
	f.mu.Lock()
	f.tickers++
	f.mu.Unlock()
	return exchange.Ticker{Symbol: symbol, Bid: 99.99, Ask: 100.01, Last: 100}, nil
}

func (f *fakeExchange) PlaceOrder(_ context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.placeErr != nil {
		return exchange.Order{}, f.placeErr
	}
	f.seq++
	f.placed = append(f.placed, req)
	o := exchange.Order{ID: "ord-" + string(rune('0'+f.seq)), ClientID: req.ClientID, Symbol: req.Symbol, Side: req.Side, Size: req.Size, Request: req}
	f.byID[o.ID] = req
	if f.autoFill {
		// emitted before PlaceOrder returns
		f.fills <- exchange.FillEvent{OrderID: o.ID, ClientID: req.ClientID, Symbol: req.Symbol, Kind: exchange.FillEntry, Side: req.Side, Price: 100, Quantity: req.Size / 100}
	}
	return o, nil
}

func (f *fakeExchange) CancelOrder(_ context.Context, id string) error {
	f.mu.Lock()
	f.canceled = append(f.canceled, id)
	req, filled := f.byID[id], f.fillOnCancel
	f.mu.Unlock()
	if !filled {
		return nil
	}
	f.fills <- exchange.FillEvent{OrderID: id, ClientID: req.ClientID, Symbol: req.Symbol, Kind: exchange.FillEntry, Side: req.Side, Price: 100, Quantity: req.Size / 100}
	time.Sleep(50 * time.Millisecond)
	return errors.New("order already filled")
}

func (f *fakeExchange) GetPositions(context.Context) ([]exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.Position(nil), f.positions...), nil
}

func (f *fakeExchange) Fills() <-chan exchange.FillEvent { return f.fills }

func (f *fakeExchange) tickerCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tickers
}

// markingExchange adds a side-effect free mark to the fake venue.
type markingExchange struct {
	*fakeExchange
	mark float64
}

func (m *markingExchange) Mark(string) (float64, bool) { return m.mark, true }

func (f *fakeExchange) orders() []exchange.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.OrderRequest(nil), f.placed...)
}

type fakeGate struct {
	verdict gate.Verdict
	block   chan struct{}
	// blockSymbol limits block to one symbol when set.
	blockSymbol string
	calls       atomic.Int32
}

func (g *fakeGate) Approve(_ context.Context, id string, prop risk.OrderProposal, _ string) gate.Verdict {
	g.calls.Add(1)
	if g.block != nil && (g.blockSymbol == "" || g.blockSymbol == prop.Symbol) {
		<-g.block
	}
	v := g.verdict
	v.RequestID = id
	v.Symbol = prop.Symbol
	return v
}

type recorder struct {
	mu       sync.Mutex
	kinds    map[string]int
	payloads map[string][]any
	outcomes chan Trade
}

func newRecorder() *recorder {
	return &recorder{kinds: map[string]int{}, payloads: map[string][]any{}, outcomes: make(chan Trade, 16)}
}

func (r *recorder) Record(_ context.Context, kind string, payload any) error {
	r.mu.Lock()
	r.kinds[kind]++
	r.payloads[kind] = append(r.payloads[kind], payload)
	r.mu.Unlock()
	if t, ok := payload.(*Trade); ok {
		r.outcomes <- *t
	}
	return nil
}

func (r *recorder) count(kind string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kinds[kind]
}

type notifier struct {
	mu     sync.Mutex
	events []alerts.Event
}

func (n *notifier) Notify(ev alerts.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *notifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Type
	}
	return out
}

func (n *notifier) titles() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Title
	}
	return out
}

type dupLog struct{ dup bool }

func (d dupLog) HasRecentOrder(string) (bool, error) { return d.dup, nil }

type harness struct {
	o     *Orchestrator
	ex    *fakeExchange
	gate  *fakeGate
	rec   *recorder
	notes *notifier
	risk  *risk.Engine
	store *params.Store
	wf    *configchange.Workflow
}

func newHarness(t *testing.T, cfg Config, mutate func(*Deps)) *harness {
	t.Helper()
	eng, err := risk.NewEngine("", risk.WithClock(func() time.Time { return day1 }))
	require.NoError(t, err)
	store, err := params.NewStore(params.Default())
	require.NoError(t, err)
	h := &harness{
		ex:    newFakeExchange(),
		gate:  &fakeGate{verdict: gate.Verdict{Approved: true, Reason: "looks fine", Source: gate.SourceExternal}},
		rec:   newRecorder(),
		notes: &notifier{},
		risk:  eng,
		store: store,
	}
	h.wf = configchange.New(store, configchange.Config{TTL: time.Hour}, nil, nil)
	if cfg.Symbols == nil {
		cfg.Symbols = []string{sym}
	}
	if cfg.FillTimeout == 0 {
		cfg.FillTimeout = time.Second
	}
	d := Deps{
		Exchange: h.ex,
		Risk:     eng,
		Gate:     h.gate,
		Params:   store,
		Workflow: h.wf,
		RBAC:     alerts.NewRBAC([]string{"alice"}, []string{"bob"}, "", nil),
		Recorder: h.rec,
		Notifier: h.notes,
	}
	if mutate != nil {
		mutate(&d)
	}
	h.o = New(cfg, d)
	h.o.now = func() time.Time { return day1 }
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.o.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) outcome(t *testing.T) Trade {
	t.Helper()
	select {
	case tr := <-h.rec.outcomes:
		return tr
	case <-time.After(3 * time.Second):
		t.Fatal("no trade outcome recorded")
		return Trade{}
	}
}

func buySnapshot(ts time.Time) indicators.Snapshot {
	return buySnapshotFor(sym, ts)
}

func buySnapshotFor(symbol string, ts time.Time) indicators.Snapshot {
	readings := map[string]indicators.Reading{}
	for _, name := range params.Indicators {
		readings[name] = indicators.Reading{Value: 1, Vote: indicators.Buy, Strength: 0.9}
	}
	return indicators.NewSnapshot(symbol, ts, indicators.Context{Price: 100, VolumeConfirmed: true, TrendBias: indicators.Buy}, readings)
}

func neutralSnapshot(ts time.Time) indicators.Snapshot {
	return indicators.NewSnapshot(sym, ts, indicators.Context{Price: 100}, map[string]indicators.Reading{
		"rsi":  {Value: 50, Vote: indicators.Neutral},
		"macd": {Value: 0, Vote: indicators.Neutral},
	})
}

func states(t Trade) []State {
	out := []State{StateIdle}
	for _, c := range t.History {
		out = append(out, c.To)
	}
	return out
}

func TestTransitionTable(t *testing.T) {
	tr := newTrade("t1", sym, day1)
	require.NoError(t, tr.advance(StateSignalReady, day1))
	err := tr.advance(StateExecuting, day1)
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, StateSignalReady, tr.State)

	require.NoError(t, tr.end(StateRejected, ReasonHold, "", day1))
	assert.True(t, tr.State.Terminal())
	assert.ErrorIs(t, tr.advance(StateSignalReady, day1), ErrIllegalTransition, "terminal states are final")

	fresh := newTrade("t2", sym, day1)
	assert.ErrorIs(t, fresh.advance(StateFailed, day1), ErrIllegalTransition, "FAILED only from EXECUTING")
}

func TestHoldTickRecordsSingleRejectedOutcome(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.start(t)

	require.NoError(t, h.o.Submit(neutralSnapshot(day1)))
	out := h.outcome(t)
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, ReasonHold, out.Reason)
	assert.Equal(t, []State{StateIdle, StateRejected}, states(out))
	assert.Equal(t, int32(0), h.gate.calls.Load())
	assert.Equal(t, 1, h.rec.count(outbox.KindTradeOutcome))
	assert.Empty(t, h.notes.types(), "idle holds are not announced")
}

func TestBuyTickSettles(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.start(t)

	require.NoError(t, h.o.Submit(buySnapshot(day1)))
	out := h.outcome(t)
	require.Equal(t, StateSettled, out.State, "reason %s: %s", out.Reason, out.Detail)
	assert.Equal(t, []State{StateIdle, StateSignalReady, StateRiskApproved, StateGatePending, StateExecuting, StateSettled}, states(out))
	require.NotNil(t, out.Verdict)
	assert.Equal(t, gate.SourceExternal, out.Verdict.Source)
	require.NotNil(t, out.Fill)
	assert.Equal(t, exchange.FillEntry, out.Fill.Kind)

	orders := h.ex.orders()
	require.Len(t, orders, 1)
	assert.Equal(t, exchange.Buy, orders[0].Side)
	assert.InDelta(t, 200, orders[0].Size, 1e-9, "clamped to max position fraction")
	assert.InDelta(t, 98, orders[0].StopLoss, 1e-9)
	assert.InDelta(t, 104, orders[0].TakeProfit, 1e-9)

	st := h.risk.State()
	assert.Equal(t, 1, st.TradeCountToday)
	assert.Equal(t, 1, st.OpenPositionCount)
	assert.Equal(t, 1, h.rec.count(outbox.KindOrder))
	assert.Contains(t, h.notes.types(), alerts.EventTradeExecuted)
}

func TestRejectionsBeforeGate(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *harness)
		mutate func(d *Deps)
		reason string
	}{
		{
			name: "open position",
			setup: func(h *harness) {
				h.ex.positions = []exchange.Position{{Symbol: sym, Side: exchange.Buy, OrderID: "old"}}
			},
			reason: ReasonPositionAlreadyOpen,
		},
		{
			name:   "breaker tripped",
			setup:  func(h *harness) { h.risk.RecordOutcome(risk.Outcome{Symbol: sym, Kind: risk.OutcomeEntry, PnL: -60}, params.Default().Risk) },
			reason: string(risk.RejectCircuitBreakerOpen),
		},
		{
			name:   "duplicate order",
			mutate: func(d *Deps) { d.Orders = dupLog{dup: true} },
			reason: ReasonDuplicateOrder,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{}, tt.mutate)
			if tt.setup != nil {
				tt.setup(h)
			}
			h.start(t)
			require.NoError(t, h.o.Submit(buySnapshot(day1)))
			out := h.outcome(t)
			assert.Equal(t, StateRejected, out.State)
			assert.Equal(t, tt.reason, out.Reason)
			assert.Equal(t, int32(0), h.gate.calls.Load())
			assert.Empty(t, h.ex.orders())
			assert.Contains(t, h.notes.types(), alerts.EventRejection)
		})
	}
}

func TestGateFallbackRejects(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.gate.verdict = gate.Verdict{Approved: false, Reason: "evaluator timeout", Source: gate.SourceFailClosed}
	h.start(t)

	require.NoError(t, h.o.Submit(buySnapshot(day1)))
	out := h.outcome(t)
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, ReasonGateRejected, out.Reason)
	assert.Equal(t, "evaluator timeout", out.Detail)
	assert.Empty(t, h.ex.orders())
	types := h.notes.types()
	assert.Contains(t, types, alerts.EventGateVerdict)
	assert.Contains(t, types, alerts.EventRejection)
}

func TestFillTimeoutCancelsOrder(t *testing.T) {
	h := newHarness(t, Config{FillTimeout: 50 * time.Millisecond}, nil)
	h.ex.autoFill = false
	h.start(t)

	require.NoError(t, h.o.Submit(buySnapshot(day1)))
	out := h.outcome(t)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, ReasonFillTimeout, out.Reason)
	h.ex.mu.Lock()
	assert.Equal(t, []string{out.OrderID}, h.ex.canceled)
	h.ex.mu.Unlock()
	assert.Equal(t, 0, h.risk.State().TradeCountToday)
	assert.Contains(t, h.notes.types(), alerts.EventTradeFailed)
}

func TestFillDuringCancelOpensPosition(t *testing.T) {
	h := newHarness(t, Config{FillTimeout: 50 * time.Millisecond}, nil)
	h.ex.autoFill = false
	h.ex.fillOnCancel = true
	h.start(t)

	require.NoError(t, h.o.Submit(buySnapshot(day1)))
	out := h.outcome(t)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, ReasonFillTimeout, out.Reason)

	require.Eventually(t, func() bool {
		st := h.risk.State()
		return st.TradeCountToday == 1 && st.OpenPositionCount == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, h.notes.titles(), "Late fill for "+out.OrderID+" after its trade failed")

	h.ex.fills <- exchange.FillEvent{OrderID: out.OrderID, ClientID: out.ClientID, Symbol: sym, Kind: exchange.FillExit, Side: exchange.Buy, Price: 98, RealizedPnL: -2, Reason: "stop_loss"}
	require.Eventually(t, func() bool {
		return h.risk.State().OpenPositionCount == 0
	}, 2*time.Second, 5*time.Millisecond)
	st := h.risk.State()
	assert.False(t, st.Tripped(), st.TripReason)
	assert.InDelta(t, -2, st.DailyPnL, 1e-9)
}

func TestGiveUpDrainsHandedOverFill(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	tr := newTrade("t1", sym, day1)
	for _, s := range []State{StateSignalReady, StateRiskApproved, StateGatePending, StateExecuting} {
		require.NoError(t, tr.advance(s, day1))
	}
	tr.ClientID = tr.ID
	fills := h.o.expectFill(tr.ClientID)
	h.o.dispatchFill(context.Background(), exchange.FillEvent{OrderID: "ord-9", ClientID: tr.ClientID, Symbol: sym, Kind: exchange.FillEntry, Side: exchange.Buy, Price: 100})

	require.NoError(t, h.o.giveUp(tr, "ord-9", fills, ReasonFillTimeout, "no fill"))
	assert.Equal(t, StateFailed, tr.State)
	require.NotNil(t, tr.Fill)
	assert.Equal(t, 1, h.risk.State().OpenPositionCount)
	h.ex.mu.Lock()
	assert.Empty(t, h.ex.canceled)
	h.ex.mu.Unlock()
}

func TestPriceRefreshUsesMark(t *testing.T) {
	h := newHarness(t, Config{}, func(d *Deps) {
		d.Exchange = &markingExchange{fakeExchange: d.Exchange.(*fakeExchange), mark: 101}
	})
	h.start(t)

	require.NoError(t, h.o.Submit(buySnapshot(day1)))
	out := h.outcome(t)
	require.Equal(t, StateSettled, out.State, out.Detail)
	orders := h.ex.orders()
	require.Len(t, orders, 1)
	assert.InDelta(t, 101, orders[0].Price, 1e-9)
	assert.Zero(t, h.ex.tickerCalls())
}

func TestSymbolsRunInParallelTicksQueuePerSymbol(t *testing.T) {
	const eth = "ETH-USDT"
	h := newHarness(t, Config{Symbols: []string{sym, eth}}, nil)
	h.gate.block = make(chan struct{})
	h.gate.blockSymbol = sym
	h.start(t)

	require.NoError(t, h.o.Submit(buySnapshotFor(sym, day1)))
	require.Eventually(t, func() bool {
		return h.o.Status().Lanes[sym].State == StateGatePending
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, h.o.Submit(buySnapshotFor(sym, day1.Add(time.Minute))))
	require.Eventually(t, func() bool {
		return h.o.Status().Lanes[sym].Queued == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.o.Submit(buySnapshotFor(eth, day1)))
	out := h.outcome(t)
	assert.Equal(t, eth, out.Symbol)
	assert.Equal(t, StateSettled, out.State, out.Detail)
	lane := h.o.Status().Lanes[sym]
	assert.Equal(t, StateGatePending, lane.State)
	assert.Equal(t, 1, lane.Queued)

	close(h.gate.block)
	first := h.outcome(t)
	second := h.outcome(t)
	for _, tr := range []Trade{first, second} {
		assert.Equal(t, sym, tr.Symbol)
		assert.Equal(t, StateSettled, tr.State, tr.Detail)
	}
	assert.Equal(t, []string{"ord-2", "ord-3"}, []string{first.OrderID, second.OrderID})
	assert.Equal(t, 0, h.o.Status().Lanes[sym].Queued)
}

func TestOrderRejectedByExchange(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.ex.placeErr = exchange.ErrInsufficientBalance
	h.start(t)

	require.NoError(t, h.o.Submit(buySnapshot(day1)))
	out := h.outcome(t)
	assert.Equal(t, StateFailed, out.State)
	assert.Equal(t, ReasonOrderRejected, out.Reason)
}

func TestStopDiscardsPendingVerdict(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.gate.block = make(chan struct{})
	h.start(t)

	require.NoError(t, h.o.Submit(buySnapshot(day1)))
	require.Eventually(t, func() bool {
		return h.o.Status().Lanes[sym].State == StateGatePending
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := h.o.Execute(ctx, Command{Name: CmdStop, Principal: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "trading stopped", res.Message)

	out := h.outcome(t)
	assert.Equal(t, StateRejected, out.State)
	assert.Equal(t, ReasonStopped, out.Reason)

	close(h.gate.block)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.ex.orders(), "late approval must not execute")

	// stopped ticks are rejected from IDLE
	require.NoError(t, h.o.Submit(buySnapshot(day1.Add(time.Minute))))
	out = h.outcome(t)
	assert.Equal(t, ReasonStopped, out.Reason)
	assert.Equal(t, []State{StateIdle, StateRejected}, states(out))
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.start(t)
	ctx := context.Background()

	_, err := h.o.Execute(ctx, Command{Name: CmdPause, Principal: "bob"})
	require.NoError(t, err)
	require.NoError(t, h.o.Submit(buySnapshot(day1)))
	out := h.outcome(t)
	assert.Equal(t, ReasonPaused, out.Reason)
	assert.Equal(t, int32(0), h.gate.calls.Load())

	_, err = h.o.Execute(ctx, Command{Name: CmdResume, Principal: "bob"})
	require.NoError(t, err)
	require.NoError(t, h.o.Submit(buySnapshot(day1.Add(time.Minute))))
	out = h.outcome(t)
	assert.Equal(t, StateSettled, out.State)
}

func TestCommandAuthorization(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.start(t)
	ctx := context.Background()

	for _, name := range []string{CmdStop, CmdReset, CmdApprove, CmdReject} {
		_, err := h.o.Execute(ctx, Command{Name: name, Principal: "bob", ID: "x"})
		assert.ErrorIs(t, err, alerts.ErrUnauthorized, name)
	}
	_, err := h.o.Execute(ctx, Command{Name: "liquidate", Principal: "alice"})
	assert.ErrorIs(t, err, ErrUnknownCommand)

	for _, name := range []string{CmdPause, CmdResume} {
		_, err := h.o.Execute(ctx, Command{Name: name, Principal: "mallory"})
		assert.ErrorIs(t, err, alerts.ErrUnauthorized, name)
	}
	assert.False(t, h.o.Status().Paused)

	res, err := h.o.Execute(ctx, Command{Name: CmdStatus, Principal: "mallory"})
	require.NoError(t, err)
	st, ok := res.Data.(Status)
	require.True(t, ok)
	assert.False(t, st.Stopped)
	assert.Contains(t, st.Lanes, sym)
}

func TestApproveCommandAppliesChange(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.start(t)
	ctx := context.Background()

	req, err := h.wf.Propose(map[string]any{"risk.risk_per_trade": 0.01}, "research", "low win rate")
	require.NoError(t, err)

	_, err = h.o.Execute(ctx, Command{Name: CmdApprove, Principal: "alice"})
	assert.ErrorIs(t, err, ErrMissingID)
	_, err = h.o.Execute(ctx, Command{Name: CmdApprove, Principal: "alice", ID: "nope"})
	assert.ErrorIs(t, err, configchange.ErrNotFound)

	res, err := h.o.Execute(ctx, Command{Name: CmdApprove, Principal: "alice", ID: req.ID})
	require.NoError(t, err)
	decided, ok := res.Data.(configchange.Request)
	require.True(t, ok)
	assert.Equal(t, configchange.StatusApproved, decided.Status)
	assert.Equal(t, 0.01, h.store.Snapshot().Risk.RiskPerTrade)
}

func TestResetCommandReopensBreaker(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.risk.RecordOutcome(risk.Outcome{Symbol: sym, Kind: risk.OutcomeEntry, PnL: -60}, params.Default().Risk)
	require.True(t, h.risk.State().Tripped())
	h.start(t)

	_, err := h.o.Execute(context.Background(), Command{Name: CmdReset, Principal: "alice", Reason: "reviewed"})
	require.NoError(t, err)
	assert.False(t, h.risk.State().Tripped())
	assert.Contains(t, h.notes.types(), alerts.EventBreakerReset)
	assert.Equal(t, 1, h.rec.count(outbox.KindBreaker))
}

func TestTickRollsSessionOver(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.risk.RecordOutcome(risk.Outcome{Symbol: sym, Kind: risk.OutcomeEntry, PnL: -60}, params.Default().Risk)
	require.True(t, h.risk.State().Tripped())
	h.o.now = func() time.Time { return day1.Add(24 * time.Hour) }
	h.start(t)

	require.NoError(t, h.o.Submit(neutralSnapshot(day1.Add(24*time.Hour))))
	h.outcome(t)
	st := h.risk.State()
	assert.False(t, st.Tripped())
	assert.Equal(t, "2025-05-06", st.SessionDay)
	assert.Contains(t, h.notes.types(), alerts.EventBreakerReset)
}

func TestLaneFullRecordsRejection(t *testing.T) {
	h := newHarness(t, Config{LaneBuffer: 1}, nil)

	require.NoError(t, h.o.Submit(neutralSnapshot(day1)))
	require.NoError(t, h.o.Submit(neutralSnapshot(day1)))
	out := h.outcome(t)
	assert.Equal(t, ReasonLaneFull, out.Reason)

	err := h.o.Submit(indicators.NewSnapshot("DOGE-USDT", day1, indicators.Context{}, nil))
	assert.ErrorIs(t, err, ErrUnknownSymbol)
}

func TestDryRunSkipsExchange(t *testing.T) {
	h := newHarness(t, Config{DryRun: true}, nil)
	h.start(t)

	require.NoError(t, h.o.Submit(buySnapshot(day1)))
	out := h.outcome(t)
	assert.Equal(t, StateSettled, out.State)
	assert.Equal(t, "DRY_RUN", out.Reason)
	assert.Empty(t, h.ex.orders())
	assert.Equal(t, 0, h.risk.State().TradeCountToday)
}

func TestRunTwice(t *testing.T) {
	h := newHarness(t, Config{}, nil)
	h.start(t)
	require.Eventually(t, func() bool { return h.o.running.Load() }, time.Second, time.Millisecond)
	assert.True(t, errors.Is(h.o.Run(context.Background()), ErrAlreadyRunning))
}

func TestPaperStopLossExitUpdatesRisk(t *testing.T) {
	paper := exchange.NewPaper(exchange.PaperConfig{StartingBalance: 1000, StartingPrice: 100, Seed: 7})
	h := newHarness(t, Config{}, func(d *Deps) { d.Exchange = paper })
	h.start(t)

	require.NoError(t, h.o.Submit(buySnapshot(day1)))
	out := h.outcome(t)
	require.Equal(t, StateSettled, out.State, "reason %s: %s", out.Reason, out.Detail)
	assert.Equal(t, 1, h.risk.State().OpenPositionCount)

	paper.SetPrice(sym, 97)
	require.Eventually(t, func() bool {
		return h.risk.State().OpenPositionCount == 0
	}, 2*time.Second, 5*time.Millisecond)
	st := h.risk.State()
	assert.InDelta(t, -6, st.DailyPnL, 1e-6, "200 notional from 100 to 97")
	assert.Equal(t, 1, st.ConsecutiveLosses)
}
