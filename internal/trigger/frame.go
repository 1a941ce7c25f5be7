package trigger

import (
	"math"

	"signalcartel/internal/analysis/pattern"
	"signalcartel/internal/market"
	"signalcartel/internal/templates"
)

// Derived series available to conditions on top of the indicator bundle.
const (
	SeriesDonchianHigh   = "donchian_high"
	SeriesDonchianLow    = "donchian_low"
	SeriesVolumeRatio    = "volume_ratio"
	SeriesHTFSlope       = "htf_slope"
	SeriesVWAPDev        = "vwap_dev"
	SeriesSupportDist    = "support_dist"
	SeriesResistanceDist = "resistance_dist"
	SeriesPatternScore   = "pattern_score"
)

const (
	donchianBars = 20
	volumeBars   = 20
	vwapBars     = 20
	swingBars    = 50
	htfFactor    = 4
	htfBars      = 12
	patternBars  = 40
)

// Frame aligns every series a condition may read over one history window.
type Frame struct {
	n      int
	series map[string][]float64
	atr    []float64
}

// NewFrame derives the extra series from the snapshot.
func NewFrame(snap market.Snapshot) *Frame {
	n := snap.Len()
	f := &Frame{n: n, series: make(map[string][]float64, len(snap.Indicators.Series)+8)}
	for k, s := range snap.Indicators.Series {
		if len(s) == n {
			f.series[k] = s
		}
	}
	closes := snap.Closes()
	f.series[market.IndicatorClose] = closes
	highs, lows, vols := snap.History.Highs(), snap.History.Lows(), snap.Volumes()

	atr := f.series[market.IndicatorATR]
	if len(atr) != n {
		atr = nanFill(n)
	}
	f.atr = make([]float64, n)
	for i := range atr {
		v := atr[i]
		if math.IsNaN(v) || v <= 0 {
			v = closes[i] * math.Max(snap.Volatility, 0.001)
		}
		f.atr[i] = v
	}

	dh, dl := nanFill(n), nanFill(n)
	vr, vwap := nanFill(n), nanFill(n)
	sup, res := nanFill(n), nanFill(n)
	for i := 0; i < n; i++ {
		if i >= donchianBars {
			dh[i] = maxSlice(highs[i-donchianBars : i])
			dl[i] = minSlice(lows[i-donchianBars : i])
		}
		if i >= volumeBars {
			if m := meanSlice(vols[i-volumeBars : i]); m > 0 {
				vr[i] = vols[i] / m
			}
		}
		if i+1 >= vwapBars {
			var pv, vv float64
			for j := i + 1 - vwapBars; j <= i; j++ {
				typical := (highs[j] + lows[j] + closes[j]) / 3
				pv += typical * vols[j]
				vv += vols[j]
			}
			if vv > 0 {
				vwap[i] = (closes[i] - pv/vv) / f.atr[i]
			}
		}
		if i >= swingBars {
			support := minSlice(lows[i-swingBars : i])
			resistance := maxSlice(highs[i-swingBars : i])
			sup[i] = (closes[i] - support) / f.atr[i]
			res[i] = (resistance - closes[i]) / f.atr[i]
		}
	}
	f.series[SeriesDonchianHigh] = dh
	f.series[SeriesDonchianLow] = dl
	f.series[SeriesVolumeRatio] = vr
	f.series[SeriesVWAPDev] = vwap
	f.series[SeriesSupportDist] = sup
	f.series[SeriesResistanceDist] = res
	f.series[SeriesHTFSlope] = htfSlope(closes)
	f.series[SeriesPatternScore] = pattern.ScoreSeries(snap.History, patternBars)
	return f
}

// htfSlope is the change of a higher-timeframe moving average over one
// higher-timeframe bar, relative to price.
func htfSlope(closes []float64) []float64 {
	n := len(closes)
	out := nanFill(n)
	span := htfFactor * htfBars
	for i := span + htfFactor; i < n; i++ {
		cur := meanSlice(closes[i+1-span : i+1])
		prev := meanSlice(closes[i+1-span-htfFactor : i+1-htfFactor])
		if closes[i] > 0 {
			out[i] = (cur - prev) / closes[i]
		}
	}
	return out
}

func (f *Frame) Len() int { return f.n }

// Series returns a named series or nil.
func (f *Frame) Series(key string) []float64 { return f.series[key] }

// ATR at bar i, never zero.
func (f *Frame) ATR(i int) float64 { return f.atr[i] }

// rhs resolves a condition's right-hand side at bar i.
func (f *Frame) rhs(c Condition, i int) float64 {
	if c.Reference == "" {
		return c.Threshold
	}
	ref := f.series[c.Reference]
	if i < 0 || i >= len(ref) {
		return math.NaN()
	}
	return ref[i] + c.Threshold*f.atr[i]
}

func (f *Frame) lhs(c Condition, i int) float64 {
	s := f.series[c.Indicator]
	if i < 0 || i >= len(s) {
		return math.NaN()
	}
	return s[i]
}

// Holds evaluates one condition at bar i. Missing data never holds.
func (f *Frame) Holds(c Condition, i int) bool {
	l, r := f.lhs(c, i), f.rhs(c, i)
	if math.IsNaN(l) || math.IsNaN(r) {
		return false
	}
	switch c.Comparator {
	case "<":
		return l < r
	case "<=":
		return l <= r
	case ">":
		return l > r
	case ">=":
		return l >= r
	case "crosses_above", "crosses_below":
		pl, pr := f.lhs(c, i-1), f.rhs(c, i-1)
		if math.IsNaN(pl) || math.IsNaN(pr) {
			return false
		}
		if c.Comparator == "crosses_above" {
			return pl <= pr && l > r
		}
		return pl >= pr && l < r
	default:
		return false
	}
}

// Match evaluates a condition set at bar i under all/any logic.
func (f *Frame) Match(conds []Condition, logic string, i int) bool {
	if len(conds) == 0 {
		return false
	}
	if logic == "any" {
		for _, c := range conds {
			if f.Holds(c, i) {
				return true
			}
		}
		return false
	}
	for _, c := range conds {
		if !f.Holds(c, i) {
			return false
		}
	}
	return true
}

// Occurrences returns the bars where conds match and a forward return over
// horizon bars is observable.
func (f *Frame) Occurrences(conds []Condition, logic string, horizon int) []int {
	var out []int
	for i := 1; i+horizon < f.n; i++ {
		if f.Match(conds, logic, i) {
			out = append(out, i)
		}
	}
	return out
}

// ForwardReturn is the direction-adjusted return from bar i to i+horizon.
func (f *Frame) ForwardReturn(i, horizon int, sign float64) float64 {
	closes := f.series[market.IndicatorClose]
	if i+horizon >= len(closes) || closes[i] <= 0 {
		return math.NaN()
	}
	return sign * (closes[i+horizon]/closes[i] - 1)
}

// Resolve turns template condition specs into conditions for params.
func Resolve(family string, specs []templates.ConditionSpec, params map[string]float64) []Condition {
	out := make([]Condition, 0, len(specs))
	for _, s := range specs {
		c := Condition{
			Indicator:  s.Indicator,
			Comparator: s.Comparator,
			Threshold:  s.Threshold,
			Reference:  s.Reference,
			Timeframe:  s.Timeframe,
		}
		if s.Param != "" {
			c.Threshold = params[s.Param]
			c.Adaptive = true
			c.ParamKey = ParamKey(family, s.Param)
		}
		if s.Negate {
			c.Threshold = -c.Threshold
		}
		out = append(out, c)
	}
	return out
}

func nanFill(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func maxSlice(x []float64) float64 {
	m := math.Inf(-1)
	for _, v := range x {
		m = math.Max(m, v)
	}
	return m
}

func minSlice(x []float64) float64 {
	m := math.Inf(1)
	for _, v := range x {
		m = math.Min(m, v)
	}
	return m
}

func meanSlice(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var s float64
	for _, v := range x {
		s += v
	}
	return s / float64(len(x))
}
