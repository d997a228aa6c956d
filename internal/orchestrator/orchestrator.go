package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Rajchodisetti/tradegate/internal/alerts"
	"github.com/Rajchodisetti/tradegate/internal/configchange"
	"github.com/Rajchodisetti/tradegate/internal/decision"
	"github.com/Rajchodisetti/tradegate/internal/exchange"
	"github.com/Rajchodisetti/tradegate/internal/gate"
	"github.com/Rajchodisetti/tradegate/internal/indicators"
	"github.com/Rajchodisetti/tradegate/internal/observ"
	"github.com/Rajchodisetti/tradegate/internal/outbox"
	"github.com/Rajchodisetti/tradegate/internal/params"
	"github.com/Rajchodisetti/tradegate/internal/risk"
)

var (
	ErrUnknownSymbol  = errors.New("unknown symbol")
	ErrAlreadyRunning = errors.New("orchestrator already running")
)

// Approver is the approval gate.
type Approver interface {
	Approve(ctx context.Context, id string, prop risk.OrderProposal, rationale string) gate.Verdict
}

// Recorder persists audit records.
type Recorder interface {
	Record(ctx context.Context, kind string, payload any) error
}

// OrderLog reports whether an order with the same idempotency key went out
// recently.
type OrderLog interface {
	HasRecentOrder(idempotencyKey string) (bool, error)
}

// ChangeWorkflow is the config change workflow as seen by operator commands.
type ChangeWorkflow interface {
	Approve(id, approver string) (configchange.Request, error)
	Reject(id, approver string) (configchange.Request, error)
	List(statuses ...configchange.Status) []configchange.Request
}

type Config struct {
	Symbols      []string
	FillTimeout  time.Duration
	LaneBuffer   int
	CommandQueue int
	// DryRun settles approved trades without placing orders.
	DryRun bool
	// RecentTrades is how many finished trades Status keeps.
	RecentTrades int
}

type Deps struct {
	Exchange exchange.Exchange
	Risk     *risk.Engine
	Gate     Approver
	Params   *params.Store
	Workflow ChangeWorkflow
	RBAC     *alerts.RBAC
	Recorder Recorder
	Orders   OrderLog
	Notifier alerts.Notifier
}

type lane struct {
	symbol string
	ticks  chan indicators.Snapshot

	mu      sync.Mutex
	state   State
	tradeID string
}

func (l *lane) set(t *Trade) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = t.State
	l.tradeID = t.ID
}

// Orchestrator drives each symbol's ticks through the trade state machine.
// Ticks of one symbol are handled in order on that symbol's lane; symbols run
// in parallel. Operator commands are applied by a single control loop.
type Orchestrator struct {
	cfg      Config
	ex       exchange.Exchange
	risk     *risk.Engine
	gate     Approver
	params   *params.Store
	workflow ChangeWorkflow
	rbac     *alerts.RBAC
	rec      Recorder
	orders   OrderLog
	notifier alerts.Notifier
	now      func() time.Time

	lanes    map[string]*lane
	commands chan commandRequest
	running  atomic.Bool

	ctlMu   sync.Mutex
	paused  bool
	stopped bool
	stopCh  chan struct{}

	waitMu  sync.Mutex
	waiters map[string]chan exchange.FillEvent

	histMu sync.Mutex
	recent []Trade
}

func New(cfg Config, d Deps) *Orchestrator {
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = 30 * time.Second
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = 16
	}
	if cfg.CommandQueue <= 0 {
		cfg.CommandQueue = 32
	}
	if cfg.RecentTrades <= 0 {
		cfg.RecentTrades = 100
	}
	if d.Notifier == nil {
		d.Notifier = alerts.LogNotifier{}
	}
	if d.RBAC == nil {
		d.RBAC = alerts.NewRBAC(nil, nil, "", nil)
	}
	o := &Orchestrator{
		cfg:      cfg,
		ex:       d.Exchange,
		risk:     d.Risk,
		gate:     d.Gate,
		params:   d.Params,
		workflow: d.Workflow,
		rbac:     d.RBAC,
		rec:      d.Recorder,
		orders:   d.Orders,
		notifier: d.Notifier,
		now:      time.Now,
		lanes:    make(map[string]*lane, len(cfg.Symbols)),
		commands: make(chan commandRequest, cfg.CommandQueue),
		stopCh:   make(chan struct{}),
		waiters:  map[string]chan exchange.FillEvent{},
	}
	for _, sym := range cfg.Symbols {
		o.lanes[sym] = &lane{symbol: sym, ticks: make(chan indicators.Snapshot, cfg.LaneBuffer), state: StateIdle}
	}
	return o
}

// Run starts the lanes, the fill router and the control loop, and blocks
// until ctx is done and they have all returned.
func (o *Orchestrator) Run(ctx context.Context) error {
	if !o.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer o.running.Store(false)

	var wg sync.WaitGroup
	for _, l := range o.lanes {
		wg.Add(1)
		go func(l *lane) {
			defer wg.Done()
			o.runLane(ctx, l)
		}(l)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		o.routeFills(ctx)
	}()
	go func() {
		defer wg.Done()
		o.control(ctx)
	}()

	observ.Log("orchestrator_started", map[string]any{"symbols": len(o.lanes), "dry_run": o.cfg.DryRun})
	wg.Wait()
	observ.Log("orchestrator_stopped", nil)
	return nil
}

// Submit queues a snapshot on its symbol's lane. When the lane is full the
// tick is recorded as rejected instead of blocking the feed.
func (o *Orchestrator) Submit(snap indicators.Snapshot) error {
	l, ok := o.lanes[snap.Symbol()]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, snap.Symbol())
	}
	select {
	case l.ticks <- snap:
		observ.SetGauge("orchestrator_lane_depth", float64(len(l.ticks)), map[string]string{"symbol": l.symbol})
		return nil
	default:
	}
	now := o.now()
	t := newTrade(uuid.NewString(), l.symbol, now)
	_ = t.end(StateRejected, ReasonLaneFull, fmt.Sprintf("lane buffer of %d is full", cap(l.ticks)), now)
	o.finish(context.Background(), t)
	return nil
}

func (o *Orchestrator) runLane(ctx context.Context, l *lane) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-l.ticks:
			o.process(ctx, l, snap)
		}
	}
}

func (o *Orchestrator) process(ctx context.Context, l *lane, snap indicators.Snapshot) {
	began := time.Now()
	start := o.now()
	if tr := o.risk.Rollover(start); tr != nil {
		o.breakerTransition(*tr)
	}
	if tr := o.risk.CheckIntegrity(); tr != nil {
		o.breakerTransition(*tr)
	}

	t := newTrade(uuid.NewString(), l.symbol, start)
	l.set(t)
	if err := o.step(ctx, l, t, snap); err != nil {
		observ.Log("orchestrator_step_failed", map[string]any{
			"level":    "error",
			"trade_id": t.ID,
			"symbol":   t.Symbol,
			"state":    string(t.State),
			"err":      err,
		})
		if !t.State.Terminal() {
			t.State = StateFailed
			t.Reason = "INTERNAL_ERROR"
			t.Detail = err.Error()
			t.FinishedAt = o.now()
		}
	}
	o.finish(ctx, t)
	l.mu.Lock()
	l.state = StateIdle
	l.mu.Unlock()
	observ.RecordDuration("orchestrator_tick", time.Since(began), nil)
}

func (o *Orchestrator) advance(l *lane, t *Trade, to State) error {
	if err := t.advance(to, o.now()); err != nil {
		return err
	}
	l.set(t)
	return nil
}

func (o *Orchestrator) reject(t *Trade, reason, detail string) error {
	return t.end(StateRejected, reason, detail, o.now())
}

func (o *Orchestrator) fail(t *Trade, reason, detail string) error {
	return t.end(StateFailed, reason, detail, o.now())
}

// step runs one tick from IDLE to a terminal state. Only illegal transitions
// are returned as errors; every business outcome is a terminal state.
func (o *Orchestrator) step(ctx context.Context, l *lane, t *Trade, snap indicators.Snapshot) error {
	if paused, stopped := o.flags(); stopped {
		return o.reject(t, ReasonStopped, "trading stopped by operator")
	} else if paused {
		return o.reject(t, ReasonPaused, "trading paused by operator")
	}

	p := o.params.Snapshot()
	sig := decision.Synthesize(snap, p.Signal)
	t.Signal = &sig
	if sig.Direction == decision.Hold {
		return o.reject(t, ReasonHold, fmt.Sprintf("no quorum (buy %.2f, sell %.2f, need %.2f)",
			sig.Reason.BuyAgreement, sig.Reason.SellAgreement, sig.Reason.Quorum))
	}
	if err := o.advance(l, t, StateSignalReady); err != nil {
		return err
	}
	o.record(ctx, outbox.KindSignal, sig)

	positions, err := o.ex.GetPositions(ctx)
	if err != nil {
		return o.reject(t, ReasonExchangeUnavailable, err.Error())
	}
	for _, pos := range positions {
		if pos.Symbol == t.Symbol {
			return o.reject(t, ReasonPositionAlreadyOpen, fmt.Sprintf("%s position from order %s", pos.Side, pos.OrderID))
		}
	}
	if last, ok := o.lastPrice(ctx, t.Symbol); ok {
		sig.ReferencePrice = last
	}
	balance, err := o.ex.GetBalance(ctx)
	if err != nil {
		return o.reject(t, ReasonExchangeUnavailable, err.Error())
	}

	prop, rej := o.risk.Evaluate(sig, p.Risk, balance)
	if rej != nil {
		o.record(ctx, outbox.KindRejection, map[string]any{
			"trade_id": t.ID,
			"symbol":   t.Symbol,
			"reason":   rej.Reason,
			"detail":   rej.Detail,
		})
		return o.reject(t, string(rej.Reason), rej.Detail)
	}
	t.Proposal = &prop
	if err := o.advance(l, t, StateRiskApproved); err != nil {
		return err
	}

	if _, stopped := o.flags(); stopped {
		return o.reject(t, ReasonStopped, "stopped before approval")
	}
	key := outbox.GenerateIdempotencyKey(t.Symbol, string(prop.Side), prop.SignalTime, prop.Confidence)
	if o.orders != nil {
		dup, err := o.orders.HasRecentOrder(key)
		if err != nil {
			observ.Log("orchestrator_dedupe_check_failed", map[string]any{"level": "warn", "trade_id": t.ID, "err": err})
		} else if dup {
			return o.reject(t, ReasonDuplicateOrder, "order with key "+key+" already sent")
		}
	}
	if err := o.advance(l, t, StateGatePending); err != nil {
		return err
	}

	v, abandoned := o.awaitVerdict(ctx, t, prop, sig.Reason.JSON())
	if abandoned != "" {
		return o.reject(t, abandoned, "gate verdict abandoned")
	}
	t.Verdict = &v
	if v.Source != gate.SourceExternal {
		o.notifier.Notify(alerts.Event{
			Type:     alerts.EventGateVerdict,
			Severity: alerts.SeverityWarning,
			Symbol:   t.Symbol,
			Title:    fmt.Sprintf("Approval gate fallback %s: %s", v.Source, v.Reason),
			Fields:   map[string]string{"approved": fmt.Sprint(v.Approved), "trade_id": t.ID},
			Time:     o.now().UTC(),
		})
	}
	if !v.Approved {
		return o.reject(t, ReasonGateRejected, v.Reason)
	}
	if _, stopped := o.flags(); stopped {
		return o.reject(t, ReasonStopped, "stopped during approval")
	}
	if err := o.advance(l, t, StateExecuting); err != nil {
		return err
	}
	return o.execute(ctx, t, prop, key)
}

// lastPrice prefers a side-effect free mark over a ticker read.
func (o *Orchestrator) lastPrice(ctx context.Context, symbol string) (float64, bool) {
	if m, ok := o.ex.(exchange.Marker); ok {
		if last, ok := m.Mark(symbol); ok && last > 0 {
			return last, true
		}
		return 0, false
	}
	tk, err := o.ex.GetTicker(ctx, symbol)
	if err != nil || tk.Last <= 0 {
		return 0, false
	}
	return tk.Last, true
}

// awaitVerdict runs the gate call on its own goroutine so Stop or shutdown can
// abandon it. A non-empty reason means the verdict was abandoned; the late
// verdict is logged and dropped.
func (o *Orchestrator) awaitVerdict(ctx context.Context, t *Trade, prop risk.OrderProposal, rationale string) (gate.Verdict, string) {
	stop := o.stopSignal()
	ch := make(chan gate.Verdict, 1)
	go func() { ch <- o.gate.Approve(ctx, t.ID, prop, rationale) }()

	var reason string
	select {
	case v := <-ch:
		return v, ""
	case <-stop:
		reason = ReasonStopped
	case <-ctx.Done():
		reason = ReasonShutdown
	}
	go func() {
		v := <-ch
		observ.IncCounter("orchestrator_late_verdicts_total", nil)
		observ.Log("orchestrator_late_verdict_discarded", map[string]any{
			"trade_id": t.ID,
			"symbol":   t.Symbol,
			"approved": v.Approved,
			"source":   string(v.Source),
		})
	}()
	return gate.Verdict{}, reason
}

type orderRecord struct {
	TradeID        string         `json:"trade_id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Order          exchange.Order `json:"order"`
}

func (o *Orchestrator) execute(ctx context.Context, t *Trade, prop risk.OrderProposal, key string) error {
	if o.cfg.DryRun {
		return t.end(StateSettled, "DRY_RUN", fmt.Sprintf("would %s %.2f %s", prop.Side, prop.Size, prop.Symbol), o.now())
	}

	t.ClientID = t.ID
	fills := o.expectFill(t.ClientID)
	defer o.dropWaiter(t.ClientID)

	order, err := o.ex.PlaceOrder(ctx, exchange.OrderRequest{
		ClientID:   t.ClientID,
		Symbol:     prop.Symbol,
		Side:       exchange.Side(prop.Side),
		Size:       prop.Size,
		Price:      prop.EntryPrice,
		StopLoss:   prop.StopLossPrice,
		TakeProfit: prop.TakeProfit,
	})
	if err != nil {
		return o.fail(t, ReasonOrderRejected, err.Error())
	}
	t.OrderID = order.ID
	o.record(ctx, outbox.KindOrder, orderRecord{TradeID: t.ID, IdempotencyKey: key, Order: order})

	timer := time.NewTimer(o.cfg.FillTimeout)
	defer timer.Stop()
	select {
	case ev := <-fills:
		t.Fill = &ev
		if ev.Kind == exchange.FillFailed {
			return o.fail(t, ReasonFillFailed, ev.Reason)
		}
		o.recordEntry(ev)
		return t.advance(StateSettled, o.now())
	case <-timer.C:
		return o.giveUp(t, order.ID, fills, ReasonFillTimeout, fmt.Sprintf("no fill within %s", o.cfg.FillTimeout))
	case <-ctx.Done():
		return o.giveUp(t, order.ID, fills, ReasonShutdown, "shutdown while awaiting fill")
	}
}

// giveUp stops waiting for an order's fill. The waiter is dropped before the
// cancel, so a fill racing the cancel reaches lateFill through dispatchFill.
// A fill handed over before the drop is drained here.
func (o *Orchestrator) giveUp(t *Trade, orderID string, fills <-chan exchange.FillEvent, reason, detail string) error {
	o.dropWaiter(t.ClientID)
	select {
	case ev := <-fills:
		t.Fill = &ev
		o.lateFill(ev)
	default:
		o.cancel(orderID)
	}
	return o.fail(t, reason, detail)
}

func (o *Orchestrator) cancel(orderID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.ex.CancelOrder(ctx, orderID); err != nil {
		observ.Log("orchestrator_cancel_failed", map[string]any{"level": "warn", "order_id": orderID, "err": err})
	}
}

func (o *Orchestrator) recordEntry(ev exchange.FillEvent) {
	tr := o.risk.RecordOutcome(risk.Outcome{
		Symbol:  ev.Symbol,
		Kind:    risk.OutcomeEntry,
		PnL:     ev.RealizedPnL,
		OrderID: ev.OrderID,
	}, o.params.Snapshot().Risk)
	if tr != nil {
		o.breakerTransition(*tr)
	}
}

func (o *Orchestrator) expectFill(clientID string) <-chan exchange.FillEvent {
	ch := make(chan exchange.FillEvent, 1)
	o.waitMu.Lock()
	o.waiters[clientID] = ch
	o.waitMu.Unlock()
	return ch
}

func (o *Orchestrator) dropWaiter(clientID string) {
	o.waitMu.Lock()
	delete(o.waiters, clientID)
	o.waitMu.Unlock()
}

func (o *Orchestrator) routeFills(ctx context.Context) {
	fills := o.ex.Fills()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fills:
			if !ok {
				return
			}
			o.dispatchFill(ctx, ev)
		}
	}
}

// dispatchFill hands entry and failure fills to the lane awaiting them. Exit
// fills close the position's risk accounting here.
func (o *Orchestrator) dispatchFill(ctx context.Context, ev exchange.FillEvent) {
	if ev.Kind == exchange.FillExit {
		o.settleExit(ctx, ev)
		return
	}
	// Sent under the lock so a lane dropping its waiter either finds the fill
	// in its channel or leaves it to lateFill. Waiter channels hold one event.
	o.waitMu.Lock()
	ch, ok := o.waiters[ev.ClientID]
	if ok {
		delete(o.waiters, ev.ClientID)
		ch <- ev
	}
	o.waitMu.Unlock()
	if !ok {
		o.lateFill(ev)
	}
}

// lateFill accounts for a fill whose lane already gave up on the order. The
// trade is FAILED but an entry still opened a position.
func (o *Orchestrator) lateFill(ev exchange.FillEvent) {
	observ.IncCounter("orchestrator_orphan_fills_total", map[string]string{"kind": string(ev.Kind)})
	observ.Log("orchestrator_orphan_fill", map[string]any{
		"level":    "warn",
		"order_id": ev.OrderID,
		"symbol":   ev.Symbol,
		"kind":     string(ev.Kind),
	})
	if ev.Kind == exchange.FillEntry {
		o.recordEntry(ev)
		o.notifier.Notify(alerts.Event{
			Type:     alerts.EventTradeExecuted,
			Severity: alerts.SeverityWarning,
			Symbol:   ev.Symbol,
			Title:    fmt.Sprintf("Late fill for %s after its trade failed", ev.OrderID),
			Fields:   fillFields(ev),
			Time:     o.now().UTC(),
		})
	}
}

func (o *Orchestrator) settleExit(ctx context.Context, ev exchange.FillEvent) {
	tr := o.risk.RecordOutcome(risk.Outcome{
		Symbol:  ev.Symbol,
		Kind:    risk.OutcomeExit,
		PnL:     ev.RealizedPnL,
		OrderID: ev.OrderID,
	}, o.params.Snapshot().Risk)
	o.record(ctx, outbox.KindTradeOutcome, map[string]any{"exit": ev})

	sev := alerts.SeverityInfo
	if ev.RealizedPnL < 0 {
		sev = alerts.SeverityWarning
	}
	o.notifier.Notify(alerts.Event{
		Type:     alerts.EventTradeExecuted,
		Severity: sev,
		Symbol:   ev.Symbol,
		Title:    fmt.Sprintf("Position closed by %s, pnl %+.2f", ev.Reason, ev.RealizedPnL),
		Fields:   fillFields(ev),
		Time:     o.now().UTC(),
	})
	if tr != nil {
		o.breakerTransition(*tr)
	}
}

func fillFields(ev exchange.FillEvent) map[string]string {
	return map[string]string{
		"order_id": ev.OrderID,
		"side":     string(ev.Side),
		"quantity": fmt.Sprintf("%.6f", ev.Quantity),
		"price":    fmt.Sprintf("%.4f", ev.Price),
		"fee":      fmt.Sprintf("%.4f", ev.Fee),
		"pnl":      fmt.Sprintf("%+.2f", ev.RealizedPnL),
	}
}

func (o *Orchestrator) breakerTransition(tr risk.Transition) {
	o.notifier.Notify(alerts.BreakerEvent(tr))
	o.record(context.Background(), outbox.KindBreaker, tr)
}

// finish records the one outcome every tick produces.
func (o *Orchestrator) finish(ctx context.Context, t *Trade) {
	labels := map[string]string{"state": string(t.State), "reason": t.Reason}
	observ.IncCounter("orchestrator_outcomes_total", labels)
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	o.record(ctx, outbox.KindTradeOutcome, t)

	o.histMu.Lock()
	o.recent = append(o.recent, *t)
	if over := len(o.recent) - o.cfg.RecentTrades; over > 0 {
		o.recent = append([]Trade(nil), o.recent[over:]...)
	}
	o.histMu.Unlock()

	kv := map[string]any{
		"trade_id": t.ID,
		"symbol":   t.Symbol,
		"state":    string(t.State),
		"reason":   t.Reason,
	}
	if t.Detail != "" {
		kv["detail"] = t.Detail
	}
	observ.Log("trade_outcome", kv)

	if ev, ok := o.outcomeEvent(t); ok {
		o.notifier.Notify(ev)
	}
}

// outcomeEvent picks the notification for a finished trade. Idle ticks that
// never produced a signal are not announced.
func (o *Orchestrator) outcomeEvent(t *Trade) (alerts.Event, bool) {
	ev := alerts.Event{Symbol: t.Symbol, Time: o.now().UTC(), Fields: map[string]string{"trade_id": t.ID}}
	if t.Detail != "" {
		ev.Fields["detail"] = t.Detail
	}
	switch t.State {
	case StateSettled:
		ev.Type = alerts.EventTradeExecuted
		ev.Severity = alerts.SeverityInfo
		if t.Proposal != nil {
			ev.Title = fmt.Sprintf("%s %.2f filled", t.Proposal.Side, t.Proposal.Size)
			ev.Fields["stop_loss"] = fmt.Sprintf("%.4f", t.Proposal.StopLossPrice)
			ev.Fields["take_profit"] = fmt.Sprintf("%.4f", t.Proposal.TakeProfit)
		} else {
			ev.Title = "Trade settled"
		}
		if t.Fill != nil {
			for k, v := range fillFields(*t.Fill) {
				ev.Fields[k] = v
			}
		}
	case StateFailed:
		ev.Type = alerts.EventTradeFailed
		ev.Severity = alerts.SeverityWarning
		ev.Title = "Trade failed: " + t.Reason
	case StateRejected:
		switch t.Reason {
		case ReasonHold, ReasonPaused, ReasonStopped, ReasonLaneFull:
			if t.Signal == nil || t.Signal.Direction == decision.Hold {
				return alerts.Event{}, false
			}
		}
		ev.Type = alerts.EventRejection
		ev.Severity = alerts.SeverityInfo
		ev.Title = "Trade rejected: " + t.Reason
	default:
		return alerts.Event{}, false
	}
	return ev, true
}

func (o *Orchestrator) record(ctx context.Context, kind string, payload any) {
	if o.rec == nil {
		return
	}
	if err := o.rec.Record(ctx, kind, payload); err != nil {
		observ.IncCounter("orchestrator_record_errors_total", map[string]string{"kind": kind})
		observ.Log("orchestrator_record_failed", map[string]any{"level": "error", "kind": kind, "err": err})
	}
}

func (o *Orchestrator) flags() (paused, stopped bool) {
	o.ctlMu.Lock()
	defer o.ctlMu.Unlock()
	return o.paused, o.stopped
}

func (o *Orchestrator) stopSignal() <-chan struct{} {
	o.ctlMu.Lock()
	defer o.ctlMu.Unlock()
	return o.stopCh
}
