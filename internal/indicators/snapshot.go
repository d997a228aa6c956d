package indicators

import (
	"sort"
	"time"
)

// Vote is an indicator's directional opinion.
type Vote string

const (
	Buy     Vote = "BUY"
	Sell    Vote = "SELL"
	Neutral Vote = "NEUTRAL"
)

// Reading is one normalized indicator value.
type Reading struct {
	Value    float64 `json:"value"`
	Vote     Vote    `json:"vote"`
	Strength float64 `json:"strength"`
}

// Context carries market conditions that are not votes themselves.
type Context struct {
	Price           float64 `json:"price"`
	Volatility      float64 `json:"volatility"`
	VolumeConfirmed bool    `json:"volume_confirmed"`
	TrendBias       Vote    `json:"trend_bias"`
}

// Snapshot is the normalized indicator state of one symbol at one tick. It is
// never modified after NewSnapshot returns.
type Snapshot struct {
	symbol    string
	timestamp time.Time
	ctx       Context
	readings  map[string]Reading
}

// NewSnapshot copies readings; out-of-range strengths are clamped and unknown
// votes become NEUTRAL.
func NewSnapshot(symbol string, ts time.Time, ctx Context, readings map[string]Reading) Snapshot {
	cp := make(map[string]Reading, len(readings))
	for name, r := range readings {
		switch r.Vote {
		case Buy, Sell:
		default:
			r.Vote = Neutral
		}
		r.Strength = clamp01(r.Strength)
		cp[name] = r
	}
	if ctx.TrendBias == "" {
		ctx.TrendBias = Neutral
	}
	return Snapshot{symbol: symbol, timestamp: ts, ctx: ctx, readings: cp}
}

func (s Snapshot) Symbol() string       { return s.symbol }
func (s Snapshot) Timestamp() time.Time { return s.timestamp }
func (s Snapshot) Context() Context     { return s.ctx }
func (s Snapshot) Len() int             { return len(s.readings) }

// Reading returns the named reading. A missing indicator is NEUTRAL with zero strength.
func (s Snapshot) Reading(name string) (Reading, bool) {
	r, ok := s.readings[name]
	if !ok {
		return Reading{Vote: Neutral}, false
	}
	return r, true
}

// Names lists indicator names in sorted order.
func (s Snapshot) Names() []string {
	out := make([]string, 0, len(s.readings))
	for k := range s.readings {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Readings returns a copy of all readings.
func (s Snapshot) Readings() map[string]Reading {
	out := make(map[string]Reading, len(s.readings))
	for k, v := range s.readings {
		out[k] = v
	}
	return out
}

func clamp01(v float64) float64 {
	if v != v || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
