package feed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/Rajchodisetti/tradegate/internal/exchange"
	"github.com/Rajchodisetti/tradegate/internal/indicators"
	"github.com/Rajchodisetti/tradegate/internal/observ"
)

// TickerSource is the slice of the exchange the feed needs.
type TickerSource interface {
	GetTicker(ctx context.Context, symbol string) (exchange.Ticker, error)
}

// Sink receives one snapshot per symbol per tick.
type Sink interface {
	Submit(snap indicators.Snapshot) error
}

// Poller samples the exchange ticker for every symbol each interval, folds the
// sample into a bar and emits a normalized snapshot once the indicator suite
// is warm.
type Poller struct {
	src      TickerSource
	suite    *indicators.SuiteSource
	norm     indicators.Normalizer
	sink     Sink
	symbols  []string
	interval time.Duration

	last map[string]float64
}

func NewPoller(src TickerSource, suite *indicators.SuiteSource, norm indicators.Normalizer, sink Sink, symbols []string, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		src:      src,
		suite:    suite,
		norm:     norm,
		sink:     sink,
		symbols:  append([]string(nil), symbols...),
		interval: interval,
		last:     map[string]float64{},
	}
}

// Prime feeds historical bars into the suite without emitting snapshots, so
// the first live tick can already produce one.
func (p *Poller) Prime(symbol string, bars []indicators.Bar) error {
	for _, b := range bars {
		if _, _, err := p.suite.Add(symbol, b); err != nil {
			return fmt.Errorf("prime %s: %w", symbol, err)
		}
	}
	if n := len(bars); n > 0 {
		p.last[symbol] = bars[n-1].Close
	}
	observ.Log("feed_primed", map[string]any{"symbol": symbol, "bars": len(bars)})
	return nil
}

// Run polls until ctx is done.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		p.PollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// PollOnce samples every symbol once and returns how many snapshots were
// submitted. A failing symbol does not hold up the others.
func (p *Poller) PollOnce(ctx context.Context) int {
	submitted := 0
	for _, sym := range p.symbols {
		if ctx.Err() != nil {
			return submitted
		}
		ok, err := p.poll(ctx, sym)
		if err != nil {
			observ.IncCounter("feed_errors_total", map[string]string{"symbol": sym})
			observ.Log("feed_poll_failed", map[string]any{"level": "warn", "symbol": sym, "err": err})
			continue
		}
		if ok {
			submitted++
		}
	}
	return submitted
}

var errBadTicker = errors.New("ticker has no usable price")

func (p *Poller) poll(ctx context.Context, sym string) (bool, error) {
	t, err := p.src.GetTicker(ctx, sym)
	if err != nil {
		return false, fmt.Errorf("get ticker: %w", err)
	}
	bar, err := p.barFrom(t)
	if err != nil {
		return false, err
	}
	raw, ready, err := p.suite.Add(sym, bar)
	if err != nil {
		return false, err
	}
	observ.IncCounter("feed_ticks_total", map[string]string{"symbol": sym})
	if !ready {
		return false, nil
	}
	snap := p.norm.Normalize(raw)
	if err := p.sink.Submit(snap); err != nil {
		return false, fmt.Errorf("submit snapshot: %w", err)
	}
	return true, nil
}

// barFrom builds a bar from one ticker sample. The open is the previous
// sample's last price; high and low span the open, the quote and the last
// trade.
func (p *Poller) barFrom(t exchange.Ticker) (indicators.Bar, error) {
	if t.Last <= 0 || math.IsNaN(t.Last) || math.IsInf(t.Last, 0) {
		return indicators.Bar{}, fmt.Errorf("%w: %s last=%v", errBadTicker, t.Symbol, t.Last)
	}
	open, ok := p.last[t.Symbol]
	if !ok {
		open = t.Last
	}
	high := math.Max(open, t.Last)
	low := math.Min(open, t.Last)
	if t.Ask > 0 {
		high = math.Max(high, t.Ask)
	}
	if t.Bid > 0 {
		low = math.Min(low, t.Bid)
	}
	p.last[t.Symbol] = t.Last

	ts := t.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return indicators.Bar{
		Time:   ts,
		Open:   open,
		High:   high,
		Low:    low,
		Close:  t.Last,
		Volume: t.Volume,
	}, nil
}
