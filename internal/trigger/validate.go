package trigger

import (
	"math"

	"signalcartel/internal/analysis/stats"
	"signalcartel/internal/types"
)

// Significance bounds statistical validation.
type Significance struct {
	Horizon       int
	MinSampleSize int
	MaxPValue     float64
}

// OccurrenceReturns collects direction-adjusted forward returns at every bar
// where conds match.
func OccurrenceReturns(f *Frame, conds []Condition, logic string, sign float64, horizon int) []float64 {
	occ := f.Occurrences(conds, logic, horizon)
	out := make([]float64, 0, len(occ))
	for _, i := range occ {
		if r := f.ForwardReturn(i, horizon, sign); !math.IsNaN(r) {
			out = append(out, r)
		}
	}
	return out
}

// InformativeSamples counts bars whose forward return is observable and
// non-zero. A flat history has none.
func InformativeSamples(f *Frame, horizon int) int {
	n := 0
	for i := 0; i+horizon < f.Len(); i++ {
		if r := f.ForwardReturn(i, horizon, 1); !math.IsNaN(r) && r != 0 {
			n++
		}
	}
	return n
}

// Validate requires enough occurrences and a positive mean forward return
// that is significant under a one-sample t-test against zero.
func Validate(instrument string, returns []float64, sig Significance) (ExpectedPerformance, error) {
	n := len(returns)
	if n < sig.MinSampleSize {
		return ExpectedPerformance{}, types.Errorf(types.KindValidationFailure, instrument,
			"%d occurrences below minimum %d", n, sig.MinSampleSize)
	}
	mean := stats.Mean(returns)
	_, p := stats.OneSampleTTest(returns, 0)
	if mean <= 0 {
		return ExpectedPerformance{}, types.Errorf(types.KindValidationFailure, instrument,
			"non-positive mean forward return %.5f", mean)
	}
	if p > sig.MaxPValue {
		return ExpectedPerformance{}, types.Errorf(types.KindValidationFailure, instrument,
			"p-value %.4f above %.4f", p, sig.MaxPValue)
	}
	return summarize(returns, p), nil
}

func summarize(returns []float64, p float64) ExpectedPerformance {
	var wins, winSum, lossSum float64
	var losses int
	for _, r := range returns {
		switch {
		case r > 0:
			wins++
			winSum += r
		case r < 0:
			losses++
			lossSum += -r
		}
	}
	perf := ExpectedPerformance{
		ExpectedReturn: stats.Mean(returns),
		SampleSize:     len(returns),
		PValue:         p,
	}
	if len(returns) > 0 {
		perf.WinProbability = wins / float64(len(returns))
	}
	if wins > 0 {
		perf.AvgWin = winSum / wins
	}
	if losses > 0 {
		perf.AvgLoss = lossSum / float64(losses)
	}
	if q := stats.Quantile(0.05, returns); q < 0 {
		perf.DrawdownEstimate = -q
	}
	return perf
}
