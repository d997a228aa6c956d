package decision

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/Rajchodisetti/tradegate/internal/indicators"
	"github.com/Rajchodisetti/tradegate/internal/params"
)

type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
	Hold Direction = "HOLD"
)

// Confidence blend. The four terms sum to 1.
const (
	agreementWeight = 0.4
	strengthWeight  = 0.3
	volumeWeight    = 0.2
	trendWeight     = 0.1
)

// Vote is one indicator's contribution to a signal.
type Vote struct {
	Indicator string          `json:"indicator"`
	Vote      indicators.Vote `json:"vote"`
	Strength  float64         `json:"strength"`
	Weight    float64         `json:"weight"`
}

type Signal struct {
	Symbol     string    `json:"symbol"`
	Direction  Direction `json:"direction"`
	Confidence float64   `json:"confidence"`
	Votes      []Vote    `json:"votes"`
	Timestamp  time.Time `json:"timestamp"`

	ReferencePrice float64 `json:"reference_price"`
	Volatility     float64 `json:"volatility"`
	Reason         Reason  `json:"reason"`
}

// Reason explains how a signal was reached. It is forwarded to the approval
// evaluator and to operators.
type Reason struct {
	BuyAgreement    float64 `json:"buy_agreement"`
	SellAgreement   float64 `json:"sell_agreement"`
	Quorum          float64 `json:"quorum"`
	AvgStrength     float64 `json:"avg_strength"`
	VolumeConfirmed bool    `json:"volume_confirmed"`
	TrendAligned    bool    `json:"trend_aligned"`
	Policy          string  `json:"policy"`
}

func (r Reason) JSON() string {
	b, _ := json.Marshal(r)
	return string(b)
}

// Synthesize folds a snapshot into a single signal. It is a pure function of
// its inputs: indicators named in the active weights but absent from the
// snapshot vote NEUTRAL with zero strength.
func Synthesize(snap indicators.Snapshot, p params.Signal) Signal {
	ctx := snap.Context()
	sig := Signal{
		Symbol:         snap.Symbol(),
		Direction:      Hold,
		Timestamp:      snap.Timestamp(),
		ReferencePrice: ctx.Price,
		Volatility:     ctx.Volatility,
		Reason:         Reason{Quorum: p.RequiredAgreementFraction, VolumeConfirmed: ctx.VolumeConfirmed},
	}

	weights := p.ActiveWeights()
	names := make([]string, 0, len(weights))
	for name := range weights {
		names = append(names, name)
	}
	sort.Strings(names)

	var total, buyW, sellW float64
	for _, name := range names {
		w := weights[name]
		r, _ := snap.Reading(name)
		sig.Votes = append(sig.Votes, Vote{Indicator: name, Vote: r.Vote, Strength: r.Strength, Weight: w})
		total += w
		switch r.Vote {
		case indicators.Buy:
			buyW += w
		case indicators.Sell:
			sellW += w
		}
	}
	if total <= 0 || snap.Len() == 0 {
		sig.Reason.Policy = "no_inputs"
		return sig
	}

	buy, sell := buyW/total, sellW/total
	sig.Reason.BuyAgreement, sig.Reason.SellAgreement = buy, sell

	var (
		dir       Direction
		agreement float64
		want      indicators.Vote
	)
	switch {
	case buy >= p.RequiredAgreementFraction && buy > sell:
		dir, agreement, want = Buy, buy, indicators.Buy
	case sell >= p.RequiredAgreementFraction && sell > buy:
		dir, agreement, want = Sell, sell, indicators.Sell
	default:
		sig.Reason.Policy = "below_quorum"
		return sig
	}

	var strengthSum, strengthW float64
	for _, v := range sig.Votes {
		if v.Vote == want {
			strengthSum += v.Strength * v.Weight
			strengthW += v.Weight
		}
	}
	avgStrength := strengthSum / strengthW
	trendAligned := ctx.TrendBias == want

	conf := agreementWeight*agreement + strengthWeight*avgStrength
	if ctx.VolumeConfirmed {
		conf += volumeWeight
	}
	if trendAligned {
		conf += trendWeight
	}

	sig.Direction = dir
	sig.Confidence = clamp01(conf)
	sig.Reason.AvgStrength = avgStrength
	sig.Reason.TrendAligned = trendAligned
	sig.Reason.Policy = "quorum_met"
	return sig
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
