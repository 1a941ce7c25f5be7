// Package stats provides the windowed statistics used across the pipeline:
// returns, dispersion, correlation with significance, and one-sample tests.
package stats

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

const flatEpsilon = 1e-12

var (
	ErrLengthMismatch = errors.New("stats: series length mismatch")
	ErrTooShort       = errors.New("stats: series too short")
)

// Method names accepted by Correlation.
const (
	MethodPearson  = "pearson"
	MethodSpearman = "spearman"
)

// Returns converts a price series into simple returns. Zero bases are skipped.
func Returns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 || !finite(prices[i]) || !finite(prices[i-1]) {
			continue
		}
		out = append(out, prices[i]/prices[i-1]-1)
	}
	return out
}

// AlignedReturns is Returns but keeps one entry per step (0 for skipped
// steps) so two series of equal length stay aligned.
func AlignedReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		if prices[i-1] == 0 || !finite(prices[i]) || !finite(prices[i-1]) {
			continue
		}
		out[i-1] = prices[i]/prices[i-1] - 1
	}
	return out
}

func Mean(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	return stat.Mean(x, nil)
}

// StdDev is the sample standard deviation; 0 for fewer than two points.
func StdDev(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	sd := stat.StdDev(x, nil)
	if !finite(sd) {
		return 0
	}
	return sd
}

// DownsideDev is the root mean square of negative values.
func DownsideDev(x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		if v < 0 {
			sum += v * v
		}
	}
	return math.Sqrt(sum / float64(len(x)))
}

// Quantile returns the empirical p-quantile of x. x is not modified.
func Quantile(p float64, x []float64) float64 {
	if len(x) == 0 {
		return 0
	}
	sorted := append([]float64(nil), x...)
	sort.Float64s(sorted)
	p = math.Max(0, math.Min(1, p))
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

// ZScore of the last element against the whole series.
func ZScore(x []float64) float64 {
	if len(x) < 3 {
		return 0
	}
	sd := StdDev(x)
	if sd == 0 {
		return 0
	}
	return (x[len(x)-1] - Mean(x)) / sd
}

// Slope is the least-squares slope of x against its index.
func Slope(x []float64) float64 {
	if len(x) < 2 {
		return 0
	}
	idx := make([]float64, len(x))
	for i := range idx {
		idx[i] = float64(i)
	}
	_, beta := stat.LinearRegression(idx, x, nil, false)
	if !finite(beta) {
		return 0
	}
	return beta
}

// Pearson correlation. Constant series correlate at 0.
func Pearson(x, y []float64) (float64, error) {
	if len(x) != len(y) {
		return 0, ErrLengthMismatch
	}
	if len(x) < 3 {
		return 0, ErrTooShort
	}
	if StdDev(x) < flatEpsilon || StdDev(y) < flatEpsilon {
		return 0, nil
	}
	r := stat.Correlation(x, y, nil)
	if !finite(r) {
		return 0, nil
	}
	return math.Max(-1, math.Min(1, r)), nil
}

// Spearman rank correlation with average ranks for ties.
func Spearman(x, y []float64) (float64, error) {
	if len(x) != len(y) {
		return 0, ErrLengthMismatch
	}
	if len(x) < 3 {
		return 0, ErrTooShort
	}
	return Pearson(Ranks(x), Ranks(y))
}

// Correlation dispatches on method; unknown methods use Pearson.
func Correlation(method string, x, y []float64) (float64, error) {
	if method == MethodSpearman {
		return Spearman(x, y)
	}
	return Pearson(x, y)
}

// Ranks assigns 1-based ranks, averaging ties.
func Ranks(x []float64) []float64 {
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })
	ranks := make([]float64, len(x))
	for i := 0; i < len(idx); {
		j := i
		for j+1 < len(idx) && x[idx[j+1]] == x[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			ranks[idx[k]] = avg
		}
		i = j + 1
	}
	return ranks
}

// CorrelationPValue is the two-sided p-value of r under H0: rho = 0, using a
// Student-t with n-2 degrees of freedom.
func CorrelationPValue(r float64, n int) float64 {
	if n < 3 {
		return 1
	}
	r = math.Abs(r)
	if r >= 1 {
		return 0
	}
	df := float64(n - 2)
	t := r * math.Sqrt(df/(1-r*r))
	return twoSided(t, df)
}

// OneSampleTTest tests mean(sample) == mu0 and returns (t, two-sided p).
func OneSampleTTest(sample []float64, mu0 float64) (float64, float64) {
	n := len(sample)
	if n < 2 {
		return 0, 1
	}
	mean := Mean(sample)
	sd := StdDev(sample)
	if sd < flatEpsilon {
		if mean == mu0 {
			return 0, 1
		}
		return math.Copysign(math.Inf(1), mean-mu0), 0
	}
	t := (mean - mu0) / (sd / math.Sqrt(float64(n)))
	return t, twoSided(t, float64(n-1))
}

func twoSided(t, df float64) float64 {
	if df <= 0 {
		return 1
	}
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: df}
	p := 2 * (1 - dist.CDF(math.Abs(t)))
	return math.Max(0, math.Min(1, p))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
