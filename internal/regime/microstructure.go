package regime

import (
	"context"
	"math"

	"signalcartel/internal/market"
	"signalcartel/internal/types"
)

// MicrostructureClassifier reads order flow only: volume pressure, taker
// delta, book imbalance and spread. Without an order book it relies on
// volume and caps its confidence lower.
type MicrostructureClassifier struct {
	minQuality float64
}

func NewMicrostructureClassifier() *MicrostructureClassifier {
	return &MicrostructureClassifier{minQuality: 0.2}
}

func (c *MicrostructureClassifier) Name() string { return "microstructure" }

func (c *MicrostructureClassifier) Classify(ctx context.Context, f Features, snap market.Snapshot) (Classification, error) {
	if err := ctx.Err(); err != nil {
		return Classification{}, err
	}
	if f.Quality < c.minQuality {
		return Classification{}, types.Errorf(types.KindStaleClassifier, snap.Instrument,
			"data quality %.2f below %.2f", f.Quality, c.minQuality)
	}
	pressure := math.Tanh(f.OBVSlope * 2)
	if f.HasFlow {
		pressure = 0.5*pressure + 0.5*math.Tanh(f.FlowPressure*3)
	}
	if f.HasBook {
		pressure = 0.6*pressure + 0.4*f.DepthImbalance
	}
	activity := f.RelVolume
	if activity <= 0 {
		activity = 1
	}
	wide := 0.0
	if f.SpreadBps > 20 {
		wide = 1
	}
	quiet := 1 - math.Abs(pressure)
	participation := 0.5 + math.Min(activity, 2)/4

	scores := map[Label]float64{
		TrendingBull:   math.Max(pressure, 0) * participation,
		TrendingBear:   math.Max(-pressure, 0) * participation,
		BreakoutBull:   math.Max(pressure, 0) * clamp(activity-1.5, 0, 2),
		BreakoutBear:   math.Max(-pressure, 0) * clamp(activity-1.5, 0, 2),
		SidewaysCalm:   quiet*clamp(1.2-activity, 0, 1)*(1-wide/2) + 0.1,
		SidewaysChoppy: quiet * (0.2 + wide/2),
	}
	surge := clamp(activity-1.2, 0, 2) * 0.4
	if pressure >= 0 {
		scores[VolatileUp] = surge + wide*0.2
		scores[VolatileDown] = surge * 0.3
	} else {
		scores[VolatileDown] = surge + wide*0.2
		scores[VolatileUp] = surge * 0.3
	}
	switch {
	case f.RSI >= 70 && pressure < -0.2:
		scores[ReversalBear] = (f.RSI - 70) / 30 * math.Abs(pressure) * 2
	case f.RSI <= 30 && pressure > 0.2:
		scores[ReversalBull] = (30 - f.RSI) / 30 * pressure * 2
	}
	// delta against price
	switch {
	case f.FlowDivergence < 0 && f.RecentRet > 0:
		scores[ReversalBear] += 0.15
	case f.FlowDivergence > 0 && f.RecentRet < 0:
		scores[ReversalBull] += 0.15
	}
	ceil := 0.75
	if f.HasBook {
		ceil = 0.85
	}
	out := labelFromScores(c.Name(), scores, 0.3, ceil*math.Max(0.5, f.Quality))
	out.FeatureImportance = normalizeImportance(map[string]float64{
		"obv_slope":       math.Abs(f.OBVSlope),
		"flow_pressure":   math.Abs(f.FlowPressure),
		"depth_imbalance": math.Abs(f.DepthImbalance),
		"rel_volume":      math.Abs(activity - 1),
		"spread_bps":      wide,
	})
	return out, nil
}
