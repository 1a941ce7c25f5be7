package regime

import (
	"math"

	"signalcartel/internal/analysis/stats"
	"signalcartel/internal/market"
	"signalcartel/internal/types"
)

// Feature groups.
const (
	GroupTrend          = "trend"
	GroupVolatility     = "volatility"
	GroupVolume         = "volume"
	GroupMomentum       = "momentum"
	GroupMicrostructure = "microstructure"
	GroupCyclical       = "cyclical"
)

// Features summarizes a history window. Price-denominated values are
// normalized by the latest price so instruments are comparable.
type Features struct {
	Bars int

	// trend
	Slope       float64 // per-bar regression slope / price
	EMASpread   float64 // (ema fast - ema slow) / price
	ADX         float64
	WindowRet   float64 // first-to-last return
	RecentRet   float64 // return over the last recentBars
	PriorRet    float64 // return over the recentBars before that
	RangePos    float64 // last close within the prior range: <0 below, >1 above
	Breakout    float64 // signed distance beyond the prior range in ATRs

	// volatility
	RealizedVol float64
	RecentVol   float64
	VolRatio    float64 // recent vol / window vol
	ATRPercent  float64
	BandWidth   float64
	VolOfVol    float64

	// volume
	RelVolume float64
	OBVSlope  float64

	// momentum
	RSI      float64
	ROC      float64
	MACDHist float64 // / price

	// microstructure
	SpreadBps      float64
	DepthImbalance float64
	Quality        float64
	HasBook        bool
	FlowPressure   float64 // taker delta momentum / volume
	FlowDivergence float64 // +1 bullish, -1 bearish
	HasFlow        bool

	// cyclical
	HourSin float64
	HourCos float64
	Session float64 // 0 asia, 1 europe, 2 americas
}

const recentBars = 20

// ExtractFeatures derives the feature set from a snapshot's history window.
func ExtractFeatures(snap market.Snapshot) Features {
	closes := snap.Closes()
	n := len(closes)
	f := Features{Bars: n, Quality: snap.Quality, RSI: 50}
	if n < 2 || snap.Price <= 0 {
		return f
	}
	price := snap.Price
	ind := snap.Indicators

	f.Slope = stats.Slope(closes) / price
	if fast, ok := ind.Latest(market.IndicatorEMAFast); ok {
		if slow, ok := ind.Latest(market.IndicatorEMASlow); ok {
			f.EMASpread = (fast - slow) / price
		}
	}
	f.ADX = ind.Value(market.IndicatorADX)
	if closes[0] != 0 {
		f.WindowRet = price/closes[0] - 1
	}
	recent := min(recentBars, n-1)
	if base := closes[n-1-recent]; base != 0 {
		f.RecentRet = price/base - 1
	}
	if n-1-2*recent >= 0 {
		if base := closes[n-1-2*recent]; base != 0 {
			f.PriorRet = closes[n-1-recent]/base - 1
		}
	}
	hi, lo := rangeOf(snap.History[:n-1])
	if hi > lo {
		f.RangePos = (price - lo) / (hi - lo)
	} else {
		f.RangePos = 0.5
	}
	atr := snap.ATR
	if atr <= 0 {
		atr = price * snap.Volatility
	}
	if atr > 0 {
		switch {
		case price > hi:
			f.Breakout = (price - hi) / atr
		case price < lo:
			f.Breakout = (price - lo) / atr
		}
	}

	returns := stats.Returns(closes)
	f.RealizedVol = stats.StdDev(returns)
	if len(returns) > recent {
		f.RecentVol = stats.StdDev(returns[len(returns)-recent:])
	} else {
		f.RecentVol = f.RealizedVol
	}
	if f.RealizedVol > 0 {
		f.VolRatio = f.RecentVol / f.RealizedVol
	} else {
		f.VolRatio = 1
	}
	f.ATRPercent = snap.ATRPercent()
	f.BandWidth = ind.Value(market.IndicatorBollWidth)
	f.VolOfVol = volOfVol(returns, 10)

	vols := snap.Volumes()
	if m := stats.Mean(vols); m > 0 {
		f.RelVolume = vols[len(vols)-1] / m
	}
	if obv := ind.Series[market.IndicatorOBV]; len(obv) > recent {
		tail := obv[len(obv)-recent:]
		if m := stats.Mean(vols); m > 0 {
			f.OBVSlope = stats.Slope(tail) / m
		}
	}

	if f.RealizedVol > 0 {
		if rsi, ok := ind.Latest(market.IndicatorRSI); ok {
			f.RSI = rsi
		}
	}
	f.ROC = ind.Value(market.IndicatorROC)
	f.MACDHist = ind.Value(market.IndicatorMACDHist) / price

	if flow, ok := market.ComputeFlowDelta(snap.History, recent); ok {
		f.HasFlow = true
		f.FlowPressure = flow.Pressure
		f.FlowDivergence = float64(flow.Divergence)
	}
	if snap.Book != nil {
		f.HasBook = true
		f.SpreadBps = snap.Book.SpreadBps()
		f.DepthImbalance = snap.Book.Imbalance()
	}

	if !snap.Timestamp.IsZero() {
		ts := snap.Timestamp.UTC()
		hour := float64(ts.Hour()) + float64(ts.Minute())/60
		f.HourSin = math.Sin(2 * math.Pi * hour / 24)
		f.HourCos = math.Cos(2 * math.Pi * hour / 24)
		switch {
		case hour < 8:
			f.Session = 0
		case hour < 14:
			f.Session = 1
		default:
			f.Session = 2
		}
	}
	return f
}

// Flat reports a zero-volatility window.
func (f Features) Flat() bool {
	return f.Bars >= 2 && f.RealizedVol == 0
}

// Vector flattens the features with their groups.
func (f Features) Vector() types.FeatureVector {
	return types.FeatureVector{
		{Key: "slope", Group: GroupTrend, Value: f.Slope},
		{Key: "ema_spread", Group: GroupTrend, Value: f.EMASpread},
		{Key: "adx", Group: GroupTrend, Value: f.ADX},
		{Key: "window_ret", Group: GroupTrend, Value: f.WindowRet},
		{Key: "recent_ret", Group: GroupTrend, Value: f.RecentRet},
		{Key: "breakout", Group: GroupTrend, Value: f.Breakout},
		{Key: "realized_vol", Group: GroupVolatility, Value: f.RealizedVol},
		{Key: "vol_ratio", Group: GroupVolatility, Value: f.VolRatio},
		{Key: "atr_pct", Group: GroupVolatility, Value: f.ATRPercent},
		{Key: "band_width", Group: GroupVolatility, Value: f.BandWidth},
		{Key: "vol_of_vol", Group: GroupVolatility, Value: f.VolOfVol},
		{Key: "rel_volume", Group: GroupVolume, Value: f.RelVolume},
		{Key: "obv_slope", Group: GroupVolume, Value: f.OBVSlope},
		{Key: "rsi", Group: GroupMomentum, Value: f.RSI},
		{Key: "roc", Group: GroupMomentum, Value: f.ROC},
		{Key: "macd_hist", Group: GroupMomentum, Value: f.MACDHist},
		{Key: "spread_bps", Group: GroupMicrostructure, Value: f.SpreadBps},
		{Key: "depth_imbalance", Group: GroupMicrostructure, Value: f.DepthImbalance},
		{Key: "quality", Group: GroupMicrostructure, Value: f.Quality},
		{Key: "flow_pressure", Group: GroupMicrostructure, Value: f.FlowPressure},
		{Key: "flow_divergence", Group: GroupMicrostructure, Value: f.FlowDivergence},
		{Key: "hour_sin", Group: GroupCyclical, Value: f.HourSin},
		{Key: "hour_cos", Group: GroupCyclical, Value: f.HourCos},
	}
}

// changeScales sets the size of a "full" move per feature.
var changeScales = map[string]float64{
	"slope":           0.002,
	"ema_spread":      0.01,
	"adx":             25,
	"window_ret":      0.05,
	"recent_ret":      0.03,
	"breakout":        1,
	"realized_vol":    0.01,
	"vol_ratio":       1,
	"atr_pct":         0.01,
	"band_width":      0.05,
	"vol_of_vol":      0.005,
	"rel_volume":      1,
	"obv_slope":       0.5,
	"rsi":             30,
	"roc":             3,
	"macd_hist":       0.003,
	"spread_bps":      10,
	"depth_imbalance": 1,
	"quality":         0.5,
}

// ChangeMagnitude is the mean scaled absolute difference between two feature
// sets, capped at 1. Identical inputs give 0.
func ChangeMagnitude(prev, cur Features) float64 {
	a, b := prev.Vector().Map(), cur.Vector().Map()
	var sum float64
	var count int
	for key, scale := range changeScales {
		d := math.Abs(a[key] - b[key])
		sum += math.Min(1, d/scale)
		count++
	}
	if count == 0 {
		return 0
	}
	return math.Min(1, sum/float64(count))
}

func rangeOf(cs []market.Candle) (float64, float64) {
	if len(cs) == 0 {
		return 0, 0
	}
	hi, lo := cs[0].High, cs[0].Low
	for _, c := range cs {
		h, l := c.High, c.Low
		if h == 0 && l == 0 {
			h, l = c.Close, c.Close
		}
		if h > hi {
			hi = h
		}
		if l < lo {
			lo = l
		}
	}
	return hi, lo
}

func volOfVol(returns []float64, window int) float64 {
	if len(returns) < 2*window {
		return 0
	}
	vols := make([]float64, 0, len(returns)/window)
	for i := 0; i+window <= len(returns); i += window {
		vols = append(vols, stats.StdDev(returns[i:i+window]))
	}
	return stats.StdDev(vols)
}
