package indicators

import (
	"math"
	"time"
)

// Raw is a batch of externally computed indicator values for one symbol.
// Recognized keys: rsi, mfi, stochastic, williams_r, cci, macd_hist,
// bollinger_pctb, ema_spread, vwap_spread, hma_cross, vwao_cross,
// rel_volume, atr, volatility. Others are ignored.
type Raw struct {
	Symbol string
	Time   time.Time
	Price  float64
	Values map[string]float64
}

// Band is an oscillator threshold pair: below Low votes BUY, above High votes SELL.
// Span is the distance past a threshold that maps to full strength.
type Band struct {
	Low, High, Span float64
}

func (b Band) vote(v float64) (Vote, float64) {
	switch {
	case v < b.Low:
		return Buy, clamp01((b.Low - v) / b.Span)
	case v > b.High:
		return Sell, clamp01((v - b.High) / b.Span)
	}
	return Neutral, 0
}

// Normalizer maps raw values onto votes and strengths.
type Normalizer struct {
	RSI        Band
	MFI        Band
	Stochastic Band
	WilliamsR  Band
	CCI        Band
	Bollinger  Band

	// MACDUnit is the histogram size, as a fraction of price, that maps to full strength.
	MACDUnit float64
	// SpreadUnit does the same for ema and vwap spreads, which are already fractions.
	SpreadUnit float64
	// VolumeConfirm is the relative volume at or above which volume confirms a move.
	VolumeConfirm float64
}

func DefaultNormalizer() Normalizer {
	return Normalizer{
		RSI:           Band{Low: 30, High: 70, Span: 30},
		MFI:           Band{Low: 20, High: 80, Span: 20},
		Stochastic:    Band{Low: 20, High: 80, Span: 20},
		WilliamsR:     Band{Low: -80, High: -20, Span: 20},
		CCI:           Band{Low: -100, High: 100, Span: 100},
		Bollinger:     Band{Low: 0.2, High: 0.8, Span: 0.4},
		MACDUnit:      0.002,
		SpreadUnit:    0.01,
		VolumeConfirm: 1.2,
	}
}

func signed(v, unit float64) (Vote, float64) {
	if unit <= 0 || v == 0 || math.IsNaN(v) {
		return Neutral, 0
	}
	s := clamp01(math.Abs(v) / unit)
	if v > 0 {
		return Buy, s
	}
	return Sell, s
}

func cross(v float64) (Vote, float64) {
	switch {
	case v > 0:
		return Buy, 1
	case v < 0:
		return Sell, 1
	}
	return Neutral, 0
}

// Normalize turns raw values into a Snapshot.
func (n Normalizer) Normalize(raw Raw) Snapshot {
	readings := make(map[string]Reading, len(raw.Values))
	put := func(name string, value float64, vote Vote, strength float64) {
		readings[name] = Reading{Value: value, Vote: vote, Strength: strength}
	}
	ctx := Context{Price: raw.Price, TrendBias: Neutral}

	for key, v := range raw.Values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		switch key {
		case "rsi":
			vote, s := n.RSI.vote(v)
			put("rsi", v, vote, s)
		case "mfi":
			vote, s := n.MFI.vote(v)
			put("mfi", v, vote, s)
		case "stochastic":
			vote, s := n.Stochastic.vote(v)
			put("stochastic", v, vote, s)
		case "williams_r":
			vote, s := n.WilliamsR.vote(v)
			put("williams_r", v, vote, s)
		case "cci":
			vote, s := n.CCI.vote(v)
			put("cci", v, vote, s)
		case "bollinger_pctb":
			vote, s := n.Bollinger.vote(v)
			put("bollinger", v, vote, s)
		case "macd_hist":
			unit := n.MACDUnit
			if raw.Price > 0 {
				unit *= raw.Price
			}
			vote, s := signed(v, unit)
			put("macd", v, vote, s)
		case "ema_spread":
			vote, s := signed(v, n.SpreadUnit)
			put("ema", v, vote, s)
			ctx.TrendBias = vote
		case "vwap_spread":
			vote, s := signed(v, n.SpreadUnit)
			put("vwap", v, vote, s)
		case "hma_cross":
			vote, s := cross(v)
			put("hma", v, vote, s)
		case "vwao_cross":
			vote, s := cross(v)
			put("vwao", v, vote, s)
		case "rel_volume":
			ctx.VolumeConfirmed = v >= n.VolumeConfirm
		case "atr":
			if raw.Price > 0 && ctx.Volatility == 0 {
				ctx.Volatility = v / raw.Price
			}
		case "volatility":
			ctx.Volatility = v
		}
	}
	if ctx.Volatility < 0 {
		ctx.Volatility = 0
	}
	return NewSnapshot(raw.Symbol, raw.Time, ctx, readings)
}
