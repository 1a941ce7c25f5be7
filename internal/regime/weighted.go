package regime

import (
	"context"
	"math"

	"signalcartel/internal/market"
)

// FeatureWeightedClassifier scores every label as a weighted blend of trend,
// volatility, momentum, breakout and reversal evidence.
type FeatureWeightedClassifier struct{}

func NewFeatureWeightedClassifier() *FeatureWeightedClassifier { return &FeatureWeightedClassifier{} }

func (c *FeatureWeightedClassifier) Name() string { return "feature_weighted" }

func (c *FeatureWeightedClassifier) Classify(ctx context.Context, f Features, _ market.Snapshot) (Classification, error) {
	if err := ctx.Err(); err != nil {
		return Classification{}, err
	}
	trend := math.Tanh(f.Slope*500 + f.EMASpread*100)
	adx := 0.6
	if f.ADX > 0 {
		adx = clamp(f.ADX/25, 0, 1.5)
	}
	momentum := clamp((f.RSI-50)/50, -1, 1)
	hiVol := clamp(f.VolRatio-1.2, 0, 1.5)
	calm := clamp(1.1-f.VolRatio, 0, 1)
	if f.BandWidth > 0 && f.BandWidth < 0.02 {
		calm += 0.3
	}
	breakout := clamp(f.Breakout, -3, 3) / 3
	volumeBoost := 0.0
	if f.RelVolume > 1.5 {
		volumeBoost = 0.3
	}
	reversal := 0.0
	if f.RealizedVol > 0 {
		band := 1.5 * f.RealizedVol * math.Sqrt(recentBars)
		if math.Abs(f.RecentRet) > band && math.Abs(f.PriorRet) > band && (f.RecentRet > 0) != (f.PriorRet > 0) {
			reversal = math.Min(1.5, math.Abs(f.RecentRet-f.PriorRet)/(2*band))
		}
	}
	flatness := 1 - math.Abs(trend)

	scores := map[Label]float64{
		TrendingBull:   math.Max(trend, 0)*adx + math.Max(momentum, 0)*0.3,
		TrendingBear:   math.Max(-trend, 0)*adx + math.Max(-momentum, 0)*0.3,
		SidewaysCalm:   flatness * (0.4 + calm),
		SidewaysChoppy: flatness * (0.2 + clamp(f.VolRatio-0.9, 0, 0.6)),
	}
	if breakout > 0 {
		scores[BreakoutBull] = breakout*1.5 + volumeBoost
	} else if breakout < 0 {
		scores[BreakoutBear] = -breakout*1.5 + volumeBoost
	}
	if f.RecentRet >= 0 {
		scores[VolatileUp] = hiVol
		scores[VolatileDown] = hiVol * 0.3
		scores[ReversalBull] = reversal
	} else {
		scores[VolatileDown] = hiVol
		scores[VolatileUp] = hiVol * 0.3
		scores[ReversalBear] = reversal
	}
	out := labelFromScores(c.Name(), scores, 0.3, 0.9)
	out.FeatureImportance = normalizeImportance(map[string]float64{
		GroupTrend:      math.Abs(trend) * adx,
		GroupVolatility: hiVol + calm,
		GroupMomentum:   math.Abs(momentum) * 0.3,
		"breakout":      math.Abs(breakout),
		"reversal":      reversal,
		GroupVolume:     volumeBoost,
	})
	return out, nil
}
