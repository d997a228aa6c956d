package exchange

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Rajchodisetti/tradegate/internal/observ"
)

type PaperConfig struct {
	StartingBalance float64
	StartingPrice   float64
	LatencyMsMin    int
	LatencyMsMax    int
	SlippageBpsMin  int
	SlippageBpsMax  int
	FeeBps          int
	TickVolatility  float64
	Seed            int64
	FillBuffer      int
}

type pendingOrder struct {
	order    Order
	reserved decimal.Decimal
	timer    *time.Timer
}

type paperPosition struct {
	Position
	qty      decimal.Decimal
	entry    decimal.Decimal
	margin   decimal.Decimal
	entryFee decimal.Decimal
	stop     decimal.Decimal
	target   decimal.Decimal
}

// Paper is an in-process venue. Orders fill after a simulated latency with
// adverse slippage; open positions close when a ticker crosses their stop or
// target. One position per symbol.
type Paper struct {
	mu        sync.Mutex
	cfg       PaperConfig
	sim       *FillSimulator
	rng       *rand.Rand
	balance   decimal.Decimal
	reserved  decimal.Decimal
	prices    map[string]decimal.Decimal
	pending   map[string]*pendingOrder
	positions map[string]*paperPosition
	fills     chan FillEvent
}

var bps = decimal.New(1, -4)

func NewPaper(cfg PaperConfig) *Paper {
	if cfg.FillBuffer <= 0 {
		cfg.FillBuffer = 1024
	}
	if cfg.StartingPrice <= 0 {
		cfg.StartingPrice = 100
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Paper{
		cfg:       cfg,
		sim:       NewFillSimulator(cfg.LatencyMsMin, cfg.LatencyMsMax, cfg.SlippageBpsMin, cfg.SlippageBpsMax),
		rng:       rand.New(rand.NewSource(seed)),
		balance:   decimal.NewFromFloat(cfg.StartingBalance),
		prices:    make(map[string]decimal.Decimal),
		pending:   make(map[string]*pendingOrder),
		positions: make(map[string]*paperPosition),
		fills:     make(chan FillEvent, cfg.FillBuffer),
	}
}

func (p *Paper) Fills() <-chan FillEvent { return p.fills }

// GetBalance returns cash not tied up in positions or pending orders.
func (p *Paper) GetBalance(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance.Sub(p.reserved).InexactFloat64(), nil
}

// GetTicker advances the symbol's random walk one step and settles any
// stop or take-profit the new price crosses.
func (p *Paper) GetTicker(ctx context.Context, symbol string) (Ticker, error) {
	if err := ctx.Err(); err != nil {
		return Ticker{}, err
	}
	p.mu.Lock()
	price := p.priceLocked(symbol)
	if p.cfg.TickVolatility > 0 {
		step := p.rng.NormFloat64() * p.cfg.TickVolatility
		next := price.Mul(decimal.NewFromFloat(1 + step))
		if next.IsPositive() {
			price = next
		}
		p.prices[symbol] = price
	}
	volume := 1000 + p.rng.Float64()*1000
	exits := p.checkExitsLocked(symbol, price)
	p.mu.Unlock()

	for _, ev := range exits {
		p.emit(ev)
	}
	half := price.Mul(bps).Div(decimal.NewFromInt(2))
	return Ticker{
		Symbol: symbol,
		Bid:    price.Sub(half).InexactFloat64(),
		Ask:    price.Add(half).InexactFloat64(),
		Last:   price.InexactFloat64(),
		Volume: volume,
		Time:   time.Now().UTC(),
	}, nil
}

// Mark returns the current simulated price. It never steps the walk.
func (p *Paper) Mark(symbol string) (float64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.prices[symbol]
	if !ok {
		return p.cfg.StartingPrice, p.cfg.StartingPrice > 0
	}
	return price.InexactFloat64(), true
}

// SetPrice marks symbol at price and settles crossed exits.
func (p *Paper) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	d := decimal.NewFromFloat(price)
	p.prices[symbol] = d
	exits := p.checkExitsLocked(symbol, d)
	p.mu.Unlock()
	for _, ev := range exits {
		p.emit(ev)
	}
}

func (p *Paper) priceLocked(symbol string) decimal.Decimal {
	price, ok := p.prices[symbol]
	if !ok {
		price = decimal.NewFromFloat(p.cfg.StartingPrice)
		p.prices[symbol] = price
	}
	return price
}

func (p *Paper) fee(notional decimal.Decimal) decimal.Decimal {
	return notional.Mul(decimal.NewFromInt(int64(p.cfg.FeeBps))).Mul(bps)
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if err := ctx.Err(); err != nil {
		return Order{}, err
	}
	if req.Symbol == "" || req.Size <= 0 || (req.Side != Buy && req.Side != Sell) {
		return Order{}, fmt.Errorf("%w: symbol=%q side=%q size=%v", ErrInvalidOrder, req.Symbol, req.Side, req.Size)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	size := decimal.NewFromFloat(req.Size)
	need := size.Add(p.fee(size))
	if need.GreaterThan(p.balance.Sub(p.reserved)) {
		return Order{}, fmt.Errorf("%w: need %s, available %s", ErrInsufficientBalance,
			need.StringFixed(2), p.balance.Sub(p.reserved).StringFixed(2))
	}

	o := Order{
		ID:        uuid.NewString(),
		ClientID:  req.ClientID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Size:      req.Size,
		CreatedAt: time.Now().UTC(),
		Request:   req,
	}
	latency, slippage := p.sim.Draw(p.rng)
	po := &pendingOrder{order: o, reserved: need}
	p.reserved = p.reserved.Add(need)
	p.pending[o.ID] = po
	po.timer = time.AfterFunc(latency, func() { p.execute(o.ID, latency, slippage) })

	observ.IncCounter("exchange_orders_total", map[string]string{"side": string(req.Side)})
	observ.Log("paper_order_placed", map[string]any{
		"order_id": o.ID,
		"symbol":   o.Symbol,
		"side":     string(o.Side),
		"size":     o.Size,
		"latency":  latency,
	})
	return o, nil
}

func (p *Paper) execute(orderID string, latency time.Duration, slippageBps int) {
	p.mu.Lock()
	po, ok := p.pending[orderID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.pending, orderID)
	p.reserved = p.reserved.Sub(po.reserved)

	o := po.order
	ev := FillEvent{
		OrderID:     o.ID,
		ClientID:    o.ClientID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		LatencyMs:   int(latency.Milliseconds()),
		SlippageBps: slippageBps,
		Time:        time.Now().UTC(),
	}

	size := decimal.NewFromFloat(o.Size)
	fee := p.fee(size)
	switch {
	case p.positions[o.Symbol] != nil:
		ev.Kind = FillFailed
		ev.Reason = "position already open"
	case size.Add(fee).GreaterThan(p.balance):
		ev.Kind = FillFailed
		ev.Reason = "insufficient balance at fill"
	default:
		fillPrice := Slip(p.priceLocked(o.Symbol), o.Side, slippageBps)
		qty := size.Div(fillPrice)
		p.balance = p.balance.Sub(size).Sub(fee)
		p.positions[o.Symbol] = &paperPosition{
			Position: Position{
				Symbol:     o.Symbol,
				Side:       o.Side,
				Quantity:   qty.InexactFloat64(),
				EntryPrice: fillPrice.InexactFloat64(),
				StopLoss:   o.Request.StopLoss,
				TakeProfit: o.Request.TakeProfit,
				OrderID:    o.ID,
				ClientID:   o.ClientID,
				OpenedAt:   ev.Time,
			},
			qty:      qty,
			entry:    fillPrice,
			margin:   size,
			entryFee: fee,
			stop:     decimal.NewFromFloat(o.Request.StopLoss),
			target:   decimal.NewFromFloat(o.Request.TakeProfit),
		}
		ev.Kind = FillEntry
		ev.Quantity = qty.InexactFloat64()
		ev.Price = fillPrice.InexactFloat64()
		ev.Fee = fee.InexactFloat64()
	}
	p.mu.Unlock()
	p.emit(ev)
}

func (p *Paper) checkExitsLocked(symbol string, price decimal.Decimal) []FillEvent {
	pos := p.positions[symbol]
	if pos == nil {
		return nil
	}
	var reason string
	if pos.Side == Buy {
		switch {
		case pos.stop.IsPositive() && price.LessThanOrEqual(pos.stop):
			reason = "stop_loss"
		case pos.target.IsPositive() && price.GreaterThanOrEqual(pos.target):
			reason = "take_profit"
		}
	} else {
		switch {
		case pos.stop.IsPositive() && price.GreaterThanOrEqual(pos.stop):
			reason = "stop_loss"
		case pos.target.IsPositive() && price.LessThanOrEqual(pos.target):
			reason = "take_profit"
		}
	}
	if reason == "" {
		return nil
	}
	return []FillEvent{p.closeLocked(pos, price, reason)}
}

func (p *Paper) closeLocked(pos *paperPosition, price decimal.Decimal, reason string) FillEvent {
	side := opposite(pos.Side)
	_, slippage := p.sim.Draw(p.rng)
	exit := Slip(price, side, slippage)

	gross := exit.Sub(pos.entry).Mul(pos.qty)
	if pos.Side == Sell {
		gross = gross.Neg()
	}
	exitFee := p.fee(exit.Mul(pos.qty))
	p.balance = p.balance.Add(pos.margin).Add(gross).Sub(exitFee)
	realized := gross.Sub(pos.entryFee).Sub(exitFee)
	delete(p.positions, pos.Symbol)

	return FillEvent{
		OrderID:     pos.OrderID,
		ClientID:    pos.ClientID,
		Symbol:      pos.Symbol,
		Kind:        FillExit,
		Side:        side,
		Quantity:    pos.qty.InexactFloat64(),
		Price:       exit.InexactFloat64(),
		Fee:         exitFee.InexactFloat64(),
		RealizedPnL: realized.InexactFloat64(),
		Reason:      reason,
		SlippageBps: slippage,
		Time:        time.Now().UTC(),
	}
}

func (p *Paper) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	po, ok := p.pending[orderID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	po.timer.Stop()
	delete(p.pending, orderID)
	p.reserved = p.reserved.Sub(po.reserved)
	observ.IncCounter("exchange_cancels_total", nil)
	return nil
}

func (p *Paper) GetPositions(ctx context.Context) ([]Position, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, pos.Position)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Close stops pending fills.
func (p *Paper) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, po := range p.pending {
		po.timer.Stop()
		delete(p.pending, id)
	}
	p.reserved = decimal.Zero
}

func (p *Paper) emit(ev FillEvent) {
	select {
	case p.fills <- ev:
		observ.IncCounter("exchange_fills_total", map[string]string{"kind": string(ev.Kind)})
	default:
		observ.IncCounter("exchange_fills_dropped_total", nil)
		observ.Log("paper_fill_dropped", map[string]any{"level": "error", "order_id": ev.OrderID, "kind": string(ev.Kind)})
	}
}
