package market

import (
	"math"

	"github.com/shopspring/decimal"
)

// Divergence compares the direction of price and cumulative delta.
type Divergence int

const (
	DivergenceNone    Divergence = 0
	DivergenceBullish Divergence = 1
	DivergenceBearish Divergence = -1
)

// FlowDelta is the cumulative volume delta (taker buys minus taker sells)
// over a window.
type FlowDelta struct {
	Value      decimal.Decimal
	Momentum   decimal.Decimal
	Normalized float64 // position of the last value within the window range
	Pressure   float64 // momentum over traded volume, in [-1, 1]
	Divergence Divergence
}

// ComputeFlowDelta needs taker-side volume on at least half of the bars.
// lookback is the momentum span in bars.
func ComputeFlowDelta(candles []Candle, lookback int) (FlowDelta, bool) {
	if len(candles) < 2 {
		return FlowDelta{}, false
	}
	if lookback <= 0 {
		lookback = 5
	}
	lookback = min(lookback, len(candles)-1)

	withFlow := 0
	cvd := make([]decimal.Decimal, len(candles))
	cumulative := decimal.Zero
	for i, c := range candles {
		if c.TakerBuyVolume > 0 {
			withFlow++
		}
		buy := decimal.NewFromFloat(c.TakerBuyVolume)
		sell := decimal.NewFromFloat(c.Volume).Sub(buy)
		cumulative = cumulative.Add(buy.Sub(sell))
		cvd[i] = cumulative
	}
	if withFlow*2 < len(candles) {
		return FlowDelta{}, false
	}

	last := cvd[len(cvd)-1]
	prev := cvd[len(cvd)-1-lookback]
	out := FlowDelta{Value: last, Momentum: last.Sub(prev), Normalized: 0.5}

	lo, hi := cvd[0], cvd[0]
	for _, v := range cvd[1:] {
		if v.LessThan(lo) {
			lo = v
		}
		if v.GreaterThan(hi) {
			hi = v
		}
	}
	if hi.GreaterThan(lo) {
		out.Normalized = last.Sub(lo).Div(hi.Sub(lo)).InexactFloat64()
	}

	traded := decimal.Zero
	for _, c := range candles[len(candles)-lookback:] {
		traded = traded.Add(decimal.NewFromFloat(c.Volume))
	}
	if traded.IsPositive() {
		p := out.Momentum.Div(traded).InexactFloat64()
		out.Pressure = math.Max(-1, math.Min(1, p))
	}

	priceNow := candles[len(candles)-1].Close
	pricePrev := candles[len(candles)-1-lookback].Close
	switch {
	case priceNow > pricePrev && last.LessThan(prev):
		out.Divergence = DivergenceBearish
	case priceNow < pricePrev && last.GreaterThan(prev):
		out.Divergence = DivergenceBullish
	}
	return out, true
}
