package regime

import (
	"context"
	"math"

	"signalcartel/internal/analysis/stats"
	"signalcartel/internal/market"
	"signalcartel/internal/types"
)

// ChangePointClassifier locates the strongest mean shift in the return series
// with a CUSUM scan and reads the regime off the segment after it, compared
// with the segment before it.
type ChangePointClassifier struct {
	minReturns int
	minSegment int
}

func NewChangePointClassifier() *ChangePointClassifier {
	return &ChangePointClassifier{minReturns: 20, minSegment: 5}
}

func (c *ChangePointClassifier) Name() string { return "change_point" }

func (c *ChangePointClassifier) Classify(ctx context.Context, f Features, snap market.Snapshot) (Classification, error) {
	if err := ctx.Err(); err != nil {
		return Classification{}, err
	}
	returns := stats.Returns(snap.Closes())
	if len(returns) < c.minReturns {
		return Classification{}, types.Errorf(types.KindInsufficientData, snap.Instrument,
			"change point needs %d returns, got %d", c.minReturns, len(returns))
	}
	cp := cusumChangePoint(returns, c.minSegment)
	pre, post := returns[:cp], returns[cp:]
	tPre := clamp(tStat(pre), -6, 6)
	tPost := clamp(tStat(post), -6, 6)
	preVol, postVol := stats.StdDev(pre), stats.StdDev(post)
	varRatio := 1.0
	switch {
	case preVol > 0:
		varRatio = postVol / preVol
	case postVol > 0:
		varRatio = 3
	}
	volUp := clamp(varRatio-1, 0, 2)
	volDown := clamp(1-varRatio, 0, 1)
	bull := math.Max(tPost, 0) / 3
	bear := math.Max(-tPost, 0) / 3

	var postCum float64
	for _, r := range post {
		postCum += r
	}
	breakout := 0.0
	if preVol > 0 {
		breakout = clamp(math.Abs(postCum)/(preVol*math.Sqrt(float64(len(post)))), 0, 6) / 4
	}
	reversal := 0.0
	if math.Abs(tPre) > 1.5 && math.Abs(tPost) > 1.5 && (tPre > 0) != (tPost > 0) {
		reversal = math.Min(math.Abs(tPre), math.Abs(tPost)) / 3
	}
	quiet := 1 - math.Min(1, math.Abs(tPost)/2)

	scores := map[Label]float64{
		TrendingBull:   bull * (1 - volUp/4),
		TrendingBear:   bear * (1 - volUp/4),
		SidewaysCalm:   quiet * (0.5 + volDown),
		SidewaysChoppy: quiet * (0.3 + volUp/2),
	}
	if postCum > 0 {
		scores[BreakoutBull] = bull*volUp*0.8 + breakout
		scores[VolatileUp] = volUp * 0.5
		scores[VolatileDown] = volUp * 0.15
		scores[ReversalBull] = reversal
	} else {
		scores[BreakoutBear] = bear*volUp*0.8 + breakout
		scores[VolatileDown] = volUp * 0.5
		scores[VolatileUp] = volUp * 0.15
		scores[ReversalBear] = reversal
	}
	out := labelFromScores(c.Name(), scores, 0.35, 0.85)
	out.FeatureImportance = normalizeImportance(map[string]float64{
		"post_trend_t": math.Abs(tPost),
		"pre_trend_t":  math.Abs(tPre),
		"var_ratio":    math.Abs(varRatio - 1),
		"breakout":     breakout,
	})
	return out, nil
}

// cusumChangePoint returns the split index maximizing the absolute cumulative
// deviation from the mean, keeping minSeg points on either side.
func cusumChangePoint(x []float64, minSeg int) int {
	n := len(x)
	if n < 2*minSeg {
		return n / 2
	}
	mean := stats.Mean(x)
	best, bestIdx := -1.0, n/2
	var s float64
	for k := 1; k < n; k++ {
		s += x[k-1] - mean
		if k < minSeg || k > n-minSeg {
			continue
		}
		if a := math.Abs(s); a > best {
			best, bestIdx = a, k
		}
	}
	return bestIdx
}

func tStat(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	sd := stats.StdDev(x)
	if sd == 0 {
		return 0
	}
	return stats.Mean(x) / (sd / math.Sqrt(float64(len(x))))
}

func normalizeImportance(raw map[string]float64) map[string]float64 {
	var total float64
	for _, v := range raw {
		total += math.Abs(v)
	}
	out := make(map[string]float64, len(raw))
	for k, v := range raw {
		if total > 0 {
			out[k] = math.Abs(v) / total
		} else {
			out[k] = 0
		}
	}
	return out
}
