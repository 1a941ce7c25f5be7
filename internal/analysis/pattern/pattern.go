package pattern

import (
	"math"

	"signalcartel/internal/analysis/stats"
	"signalcartel/internal/market"
)

// Signal is one detected pattern. Bias is +1 bullish, -1 bearish, 0 neutral.
type Signal struct {
	Name     string  `json:"name"`
	Bias     int     `json:"bias"`
	Strength float64 `json:"strength"`
	Level    float64 `json:"level,omitempty"`
}

type Result struct {
	Bias    string   `json:"bias"`
	Slope   float64  `json:"slope"`
	Signals []Signal `json:"signals"`
	// Score sums signed strengths, clamped to [-100, 100].
	Score float64 `json:"score"`
}

// Analyze scans the window for swing structures and last-bar candle patterns.
func Analyze(candles []market.Candle) Result {
	if len(candles) == 0 {
		return Result{Bias: "balanced"}
	}
	cs := market.Candles(candles)
	closes, highs, lows := cs.Closes(), cs.Highs(), cs.Lows()
	slope := stats.Slope(closes)
	if last := closes[len(closes)-1]; last != 0 {
		slope /= last
	}
	signals := make([]Signal, 0, 4)
	for _, detect := range []func([]float64, []float64) (Signal, bool){
		detectDoubleBottom, detectDoubleTop, detectTriangle, detectCompression,
	} {
		if sig, ok := detect(highs, lows); ok {
			signals = append(signals, sig)
		}
	}
	signals = append(signals, candleSignals(candles)...)
	var score float64
	for _, s := range signals {
		score += float64(s.Bias) * s.Strength
	}
	return Result{
		Bias:    classifySlope(slope),
		Slope:   slope,
		Signals: signals,
		Score:   math.Max(-100, math.Min(100, score)),
	}
}

// ScoreSeries scores every bar using the trailing window ending at it. Bars
// before the window fills score 0.
func ScoreSeries(candles []market.Candle, window int) []float64 {
	if window <= 0 {
		window = 40
	}
	out := make([]float64, len(candles))
	for i := range candles {
		start := i + 1 - window
		if start < 0 {
			continue
		}
		out[i] = Analyze(candles[start : i+1]).Score
	}
	return out
}

func classifySlope(slope float64) string {
	const threshold = 0.0001
	switch {
	case slope > threshold:
		return "bullish"
	case slope < -threshold:
		return "bearish"
	default:
		return "balanced"
	}
}

func detectDoubleBottom(_, lows []float64) (Signal, bool) {
	if len(lows) < 20 {
		return Signal{}, false
	}
	window := lows[len(lows)/2:]
	min1, idx1 := minWithIndex(window)
	masked := append([]float64(nil), window...)
	for i := max(idx1-2, 0); i <= idx1+2 && i < len(masked); i++ {
		masked[i] = math.MaxFloat64
	}
	min2, idx2 := minWithIndex(masked)
	diff := math.Abs(min1-min2) / math.Max(min1, 1e-9)
	if diff <= 0.004 && idx2 >= 3 {
		return Signal{Name: "double_bottom", Bias: 1, Strength: 40, Level: (min1 + min2) / 2}, true
	}
	return Signal{}, false
}

func detectDoubleTop(highs, _ []float64) (Signal, bool) {
	if len(highs) < 20 {
		return Signal{}, false
	}
	window := highs[len(highs)/2:]
	max1, idx1 := maxWithIndex(window)
	masked := append([]float64(nil), window...)
	for i := max(idx1-2, 0); i <= idx1+2 && i < len(masked); i++ {
		masked[i] = -math.MaxFloat64
	}
	max2, idx2 := maxWithIndex(masked)
	diff := math.Abs(max1-max2) / math.Max(max1, 1e-9)
	if diff <= 0.004 && idx2 >= 3 {
		return Signal{Name: "double_top", Bias: -1, Strength: 40, Level: (max1 + max2) / 2}, true
	}
	return Signal{}, false
}

func detectTriangle(highs, lows []float64) (Signal, bool) {
	if len(highs) < 30 {
		return Signal{}, false
	}
	half := len(highs) / 2
	firstHigh, lastHigh := maxOf(highs[:half]), maxOf(highs[half:])
	firstLow, lastLow := minOf(lows[:half]), minOf(lows[half:])
	if lastHigh < firstHigh && lastLow > firstLow {
		widthDelta := (firstHigh - firstLow) - (lastHigh - lastLow)
		if firstHigh > 0 && widthDelta/firstHigh > 0.05 {
			return Signal{Name: "triangle", Strength: 20}, true
		}
	}
	return Signal{}, false
}

func detectCompression(highs, lows []float64) (Signal, bool) {
	if len(highs) < 40 {
		return Signal{}, false
	}
	half := len(highs) / 2
	fh, sh := maxOf(highs[:half]), maxOf(highs[half:])
	if fh <= 0 || sh <= 0 {
		return Signal{}, false
	}
	first := (fh - minOf(lows[:half])) / fh
	second := (sh - minOf(lows[half:])) / sh
	if second < first*0.65 {
		return Signal{Name: "compression", Strength: 20}, true
	}
	return Signal{}, false
}

// candleSignals looks at the last two bars for engulfing, hammer and shooting
// star shapes.
func candleSignals(candles []market.Candle) []Signal {
	n := len(candles)
	if n < 2 {
		return nil
	}
	prev, cur := candles[n-2], candles[n-1]
	var out []Signal
	prevBody := prev.Close - prev.Open
	curBody := cur.Close - cur.Open
	switch {
	case prevBody < 0 && curBody > 0 && cur.Close >= prev.Open && cur.Open <= prev.Close:
		out = append(out, Signal{Name: "bullish_engulfing", Bias: 1, Strength: 60})
	case prevBody > 0 && curBody < 0 && cur.Open >= prev.Close && cur.Close <= prev.Open:
		out = append(out, Signal{Name: "bearish_engulfing", Bias: -1, Strength: 60})
	}
	rng := cur.High - cur.Low
	if rng <= 0 {
		return out
	}
	body := math.Abs(curBody)
	upper := cur.High - math.Max(cur.Open, cur.Close)
	lower := math.Min(cur.Open, cur.Close) - cur.Low
	switch {
	case lower >= 2*body && upper <= 0.25*rng && body > 0:
		out = append(out, Signal{Name: "hammer", Bias: 1, Strength: 40})
	case upper >= 2*body && lower <= 0.25*rng && body > 0:
		out = append(out, Signal{Name: "shooting_star", Bias: -1, Strength: 40})
	}
	return out
}

func minOf(values []float64) float64 {
	m, _ := minWithIndex(values)
	return m
}

func maxOf(values []float64) float64 {
	m, _ := maxWithIndex(values)
	return m
}

func minWithIndex(values []float64) (float64, int) {
	m := math.MaxFloat64
	idx := -1
	for i, v := range values {
		if v < m {
			m = v
			idx = i
		}
	}
	return m, idx
}

func maxWithIndex(values []float64) (float64, int) {
	m := -math.MaxFloat64
	idx := -1
	for i, v := range values {
		if v > m {
			m = v
			idx = i
		}
	}
	return m, idx
}
