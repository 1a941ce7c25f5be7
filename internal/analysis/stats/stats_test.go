package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReturnsSkipsZeroBase(t *testing.T) {
	r := Returns([]float64{100, 110, 0, 5, 10})
	assert.InDeltaSlice(t, []float64{0.1, 1}, r, 1e-9)
	assert.Len(t, AlignedReturns([]float64{100, 110, 0, 5}), 3)
}

func TestPearsonPerfectAndConstant(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5}
	r, err := Pearson(x, []float64{2, 4, 6, 8, 10})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, r, 1e-9)

	r, err = Pearson(x, []float64{5, 4, 3, 2, 1})
	require.NoError(t, err)
	assert.InDelta(t, -1.0, r, 1e-9)

	r, err = Pearson(x, []float64{3, 3, 3, 3, 3})
	require.NoError(t, err)
	assert.Equal(t, 0.0, r)

	_, err = Pearson(x, []float64{1, 2})
	assert.ErrorIs(t, err, ErrLengthMismatch)
}

func TestSpearmanMonotonic(t *testing.T) {
	x := []float64{1, 2, 3, 4, 5, 6}
	y := []float64{1, 8, 27, 64, 125, 216}
	r, err := Spearman(x, y)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, r, 1e-9)
}

func TestRanksTies(t *testing.T) {
	assert.Equal(t, []float64{1, 2.5, 2.5, 4}, Ranks([]float64{1, 5, 5, 9}))
}

func TestCorrelationPValue(t *testing.T) {
	assert.Equal(t, 1.0, CorrelationPValue(0.9, 2))
	assert.Equal(t, 0.0, CorrelationPValue(1, 50))
	strong := CorrelationPValue(0.8, 50)
	weak := CorrelationPValue(0.05, 50)
	assert.Less(t, strong, 0.001)
	assert.Greater(t, weak, 0.5)
}

func TestOneSampleTTest(t *testing.T) {
	sample := []float64{0.011, 0.009, 0.012, 0.010, 0.008, 0.013, 0.011, 0.010}
	tv, p := OneSampleTTest(sample, 0)
	assert.Greater(t, tv, 0.0)
	assert.Less(t, p, 0.001)

	_, p = OneSampleTTest([]float64{1, -1, 1, -1, 1, -1}, 0)
	assert.Greater(t, p, 0.5)

	_, p = OneSampleTTest([]float64{0.5}, 0)
	assert.Equal(t, 1.0, p)

	tv, p = OneSampleTTest([]float64{0.2, 0.2, 0.2}, 0)
	assert.True(t, math.IsInf(tv, 1))
	assert.Equal(t, 0.0, p)
}

func TestQuantileAndDispersion(t *testing.T) {
	x := []float64{5, 1, 4, 2, 3}
	assert.Equal(t, 1.0, Quantile(0, x))
	assert.Equal(t, 5.0, Quantile(1, x))
	assert.Equal(t, []float64{5, 1, 4, 2, 3}, x)
	assert.Equal(t, 0.0, StdDev([]float64{1}))
	assert.InDelta(t, math.Sqrt(2.5), StdDev(x), 1e-9)
	assert.InDelta(t, 1.0, Slope([]float64{1, 2, 3, 4}), 1e-9)
	assert.InDelta(t, math.Sqrt(0.5), DownsideDev([]float64{-1, 1}), 1e-9)
}
