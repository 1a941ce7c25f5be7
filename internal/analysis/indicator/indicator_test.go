package indicator

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalcartel/internal/market"
)

func wave(n int) []market.Candle {
	out := make([]market.Candle, n)
	for i := range out {
		c := 100 + 5*math.Sin(float64(i)/6) + float64(i)*0.05
		out[i] = market.Candle{
			OpenTime: int64(i) * 60_000,
			Open:     c - 0.2,
			High:     c + 0.8,
			Low:      c - 0.8,
			Close:    c,
			Volume:   1000 + float64(i%7)*50,
		}
	}
	return out
}

func TestComputeAlignsSeries(t *testing.T) {
	candles := wave(120)
	b, err := Compute(candles, Settings{})
	require.NoError(t, err)

	for key, s := range b.Series {
		assert.Len(t, s, 120, key)
	}
	_, ok := b.At(market.IndicatorRSI, 13)
	assert.False(t, ok)
	rsi, ok := b.At(market.IndicatorRSI, 14)
	assert.True(t, ok)
	assert.True(t, rsi >= 0 && rsi <= 100)

	_, ok = b.At(market.IndicatorSMA, 48)
	assert.False(t, ok)
	_, ok = b.Latest(market.IndicatorSMA)
	assert.True(t, ok)

	upper := b.Value(market.IndicatorBollUpper)
	lower := b.Value(market.IndicatorBollLower)
	assert.Greater(t, upper, lower)
	assert.Greater(t, b.Value(market.IndicatorATR), 0.0)
	assert.Greater(t, b.Value(market.IndicatorBollWidth), 0.0)
}

func TestComputeShortHistory(t *testing.T) {
	b, err := Compute(wave(10), Settings{})
	require.NoError(t, err)
	_, ok := b.Latest(market.IndicatorRSI)
	assert.False(t, ok)
	_, ok = b.Latest(market.IndicatorMACD)
	assert.False(t, ok)
	_, ok = b.Latest(market.IndicatorOBV)
	assert.True(t, ok)

	_, err = Compute(nil, Settings{})
	assert.Error(t, err)
}

func TestComputeATRSeries(t *testing.T) {
	s, err := ComputeATRSeries(wave(40), 14)
	require.NoError(t, err)
	assert.Len(t, s, 26)
	_, err = ComputeATRSeries(wave(10), 14)
	assert.Error(t, err)
}

func TestBatchRSI(t *testing.T) {
	up := make([]float64, 30)
	flat := make([]float64, 30)
	for i := range up {
		up[i] = float64(100 + i)
		flat[i] = 50
	}
	rows, err := BatchRSI(context.Background(), [][]float64{up, flat, up[:10]}, 14)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.True(t, math.IsNaN(rows[0][13]))
	assert.InDelta(t, 100, rows[0][14], 1e-6)
	assert.InDelta(t, 100, rows[0][29], 1e-6)
	assert.InDelta(t, 0, rows[1][29], 1e-9)
	for _, v := range rows[2] {
		assert.True(t, math.IsNaN(v))
	}

	_, err = BatchRSI(context.Background(), nil, 1)
	assert.Error(t, err)
}

func TestBatchRSIMatchesWilder(t *testing.T) {
	prices := []float64{44, 44.3, 44.1, 44.5, 43.9, 44.6, 45.1}
	rows, err := BatchRSI(context.Background(), [][]float64{prices}, 3)
	require.NoError(t, err)
	// moves: +0.3 -0.2 +0.4 -0.6 +0.7 +0.5
	g, l := (0.3+0.4)/3, 0.2/3
	assert.InDelta(t, 100-100/(1+g/l), rows[0][3], 1e-6)
	g = g*2/3 + 0
	l = l*2/3 + 0.6/3
	assert.InDelta(t, 100-100/(1+g/l), rows[0][4], 1e-6)
}

func TestBatchBollingerPopulationStd(t *testing.T) {
	res, err := BatchBollinger(context.Background(), [][]float64{{1, 2, 3, 4}}, 4, 2)
	require.NoError(t, err)
	std := math.Sqrt(1.25)
	assert.InDelta(t, 2.5, res.Middle[0][3], 1e-9)
	assert.InDelta(t, 2.5+2*std, res.Upper[0][3], 1e-9)
	assert.InDelta(t, 2.5-2*std, res.Lower[0][3], 1e-9)
	assert.True(t, math.IsNaN(res.Middle[0][2]))
}

func TestBatchMACDSeededWithFirstValue(t *testing.T) {
	res, err := BatchMACD(context.Background(), [][]float64{{10, 10, 10}, {1, 2, 3, 4, 5}}, 2, 4, 2)
	require.NoError(t, err)
	assert.Equal(t, []float64{0, 0, 0}, res.MACD[0])
	assert.Equal(t, []float64{0, 0, 0}, res.Hist[0])
	assert.Equal(t, 0.0, res.MACD[1][0])
	assert.Greater(t, res.MACD[1][4], 0.0)

	latest, err := LatestRSI(context.Background(), [][]float64{{1, 2, 3, 4, 5}}, 2)
	require.NoError(t, err)
	assert.InDelta(t, 100, latest[0], 1e-6)
}
