package exchange

import (
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

type FillSimulator struct {
	latencyMsMin   int
	latencyMsMax   int
	slippageBpsMin int
	slippageBpsMax int
}

func NewFillSimulator(latencyMsMin, latencyMsMax, slippageBpsMin, slippageBpsMax int) *FillSimulator {
	if latencyMsMax < latencyMsMin {
		latencyMsMax = latencyMsMin
	}
	if slippageBpsMax < slippageBpsMin {
		slippageBpsMax = slippageBpsMin
	}
	return &FillSimulator{
		latencyMsMin:   latencyMsMin,
		latencyMsMax:   latencyMsMax,
		slippageBpsMin: slippageBpsMin,
		slippageBpsMax: slippageBpsMax,
	}
}

// Draw picks a latency and slippage for one fill.
func (fs *FillSimulator) Draw(rng *rand.Rand) (time.Duration, int) {
	latencyMs := fs.latencyMsMin + rng.Intn(fs.latencyMsMax-fs.latencyMsMin+1)
	slippageBps := fs.slippageBpsMin + rng.Intn(fs.slippageBpsMax-fs.slippageBpsMin+1)
	return time.Duration(latencyMs) * time.Millisecond, slippageBps
}

// Slip moves price against the taker: buys pay more, sells receive less.
func Slip(price decimal.Decimal, side Side, slippageBps int) decimal.Decimal {
	mult := decimal.NewFromInt(1).Add(decimal.New(int64(slippageBps), -4))
	if side == Buy {
		return price.Mul(mult)
	}
	return price.Div(mult)
}

func opposite(s Side) Side {
	if s == Buy {
		return Sell
	}
	return Buy
}
