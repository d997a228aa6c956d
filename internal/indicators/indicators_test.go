package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeVotes(t *testing.T) {
	n := DefaultNormalizer()
	ts := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	snap := n.Normalize(Raw{
		Symbol: "BTC-USDT",
		Time:   ts,
		Price:  100,
		Values: map[string]float64{
			"rsi":            15,
			"mfi":            90,
			"williams_r":     -50,
			"macd_hist":      0.1,
			"ema_spread":     -0.004,
			"bollinger_pctb": -0.2,
			"rel_volume":     1.5,
			"atr":            3,
			"unknown":        42,
			"cci":            math.NaN(),
		},
	})

	assert.Equal(t, "BTC-USDT", snap.Symbol())
	assert.Equal(t, ts, snap.Timestamp())

	tests := []struct {
		name     string
		vote     Vote
		strength float64
	}{
		{"rsi", Buy, 0.5},
		{"mfi", Sell, 0.5},
		{"williams_r", Neutral, 0},
		{"macd", Buy, 0.5},
		{"ema", Sell, 0.4},
		{"bollinger", Buy, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, ok := snap.Reading(tt.name)
			require.True(t, ok)
			assert.Equal(t, tt.vote, r.Vote)
			assert.InDelta(t, tt.strength, r.Strength, 1e-9)
		})
	}

	_, ok := snap.Reading("cci")
	assert.False(t, ok, "NaN values are dropped")
	_, ok = snap.Reading("unknown")
	assert.False(t, ok)

	ctx := snap.Context()
	assert.True(t, ctx.VolumeConfirmed)
	assert.Equal(t, Sell, ctx.TrendBias)
	assert.InDelta(t, 0.03, ctx.Volatility, 1e-12)
}

func TestSnapshotIsImmutable(t *testing.T) {
	in := map[string]Reading{"rsi": {Value: 20, Vote: Buy, Strength: 1.7}}
	snap := NewSnapshot("ETH-USDT", time.Now(), Context{}, in)

	in["rsi"] = Reading{Vote: Sell}
	out := snap.Readings()
	out["rsi"] = Reading{Vote: Sell}

	r, _ := snap.Reading("rsi")
	assert.Equal(t, Buy, r.Vote)
	assert.Equal(t, 1.0, r.Strength, "strength is clamped")
	assert.Equal(t, Neutral, snap.Context().TrendBias)
}

func TestMissingReadingIsNeutral(t *testing.T) {
	snap := NewSnapshot("X", time.Now(), Context{}, nil)
	r, ok := snap.Reading("rsi")
	assert.False(t, ok)
	assert.Equal(t, Neutral, r.Vote)
	assert.Zero(t, r.Strength)
}

func TestSuiteSourceWarmsUp(t *testing.T) {
	src := NewSuiteSource(Band{Low: 30, High: 70}, Band{Low: 20, High: 80}, 5)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	var (
		raw   Raw
		ready bool
		err   error
	)
	for i := 0; i < 30; i++ {
		price := 100 + float64(i)
		raw, ready, err = src.Add("BTC-USDT", Bar{
			Time: start.Add(time.Duration(i) * time.Minute), Open: price, High: price + 1, Low: price - 1, Close: price, Volume: 10,
		})
		require.NoError(t, err)
		switch {
		case i < 4:
			assert.False(t, ready)
		case i == 4:
			require.True(t, ready)
			assert.NotContains(t, raw.Values, "ema_spread", "slow average still seeding")
			assert.NotContains(t, raw.Values, "rel_volume")
		}
	}
	require.True(t, ready)
	assert.Equal(t, "BTC-USDT", raw.Symbol)
	assert.Equal(t, 129.0, raw.Price)
	assert.Greater(t, raw.Values["ema_spread"], 0.0)
	assert.InDelta(t, 2.0, raw.Values["atr"], 1e-9)
	assert.InDelta(t, 1.0, raw.Values["rel_volume"], 1e-9)
}

func TestSuiteSourceRelativeVolume(t *testing.T) {
	src := NewSuiteSource(Band{Low: 30, High: 70}, Band{Low: 20, High: 80}, 1)
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	bar := func(i int, vol float64) Bar {
		return Bar{Time: start.Add(time.Duration(i) * time.Minute), Open: 100, High: 101, Low: 99, Close: 100, Volume: vol}
	}
	for i := 0; i < volumeWindow; i++ {
		_, _, err := src.Add("ETH-USDT", bar(i, 10))
		require.NoError(t, err)
	}
	raw, ready, err := src.Add("ETH-USDT", bar(volumeWindow, 30))
	require.NoError(t, err)
	require.True(t, ready)
	assert.InDelta(t, 3.0, raw.Values["rel_volume"], 1e-9)

	snap := DefaultNormalizer().Normalize(raw)
	assert.True(t, snap.Context().VolumeConfirmed)
	assert.InDelta(t, 2.0/100, snap.Context().Volatility, 1e-9)
}
