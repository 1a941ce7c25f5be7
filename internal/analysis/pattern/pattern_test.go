package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"signalcartel/internal/market"
)

func bar(o, h, l, c float64) market.Candle {
	return market.Candle{Open: o, High: h, Low: l, Close: c}
}

func TestBullishEngulfing(t *testing.T) {
	res := Analyze([]market.Candle{
		bar(101, 101.5, 99.5, 100),
		bar(99.8, 102, 99.7, 101.6),
	})
	assert.Equal(t, 60.0, res.Score)
	assert.Equal(t, "bullish_engulfing", res.Signals[0].Name)
}

func TestShootingStar(t *testing.T) {
	res := Analyze([]market.Candle{
		bar(100, 100.5, 99.5, 100.2),
		bar(100.2, 103, 100.0, 100.0),
	})
	var names []string
	for _, s := range res.Signals {
		names = append(names, s.Name)
	}
	assert.Contains(t, names, "shooting_star")
	assert.Less(t, res.Score, 0.0)
}

func TestDoubleBottomDetected(t *testing.T) {
	lows := []float64{110, 109, 108, 107, 106, 105, 104, 103, 102, 101,
		100, 103, 106, 104, 100.2, 103, 105, 106, 107, 108}
	cs := make([]market.Candle, len(lows))
	for i, l := range lows {
		cs[i] = bar(l+1, l+2, l, l+1)
	}
	sig, ok := detectDoubleBottom(nil, market.Candles(cs).Lows())
	assert.True(t, ok)
	assert.Equal(t, 1, sig.Bias)
	assert.InDelta(t, 100.1, sig.Level, 1e-9)
}

func TestScoreSeriesWarmup(t *testing.T) {
	cs := make([]market.Candle, 10)
	for i := range cs {
		cs[i] = bar(100, 101, 99, 100)
	}
	out := ScoreSeries(cs, 5)
	assert.Len(t, out, 10)
	for i := 0; i < 4; i++ {
		assert.Zero(t, out[i])
	}
}

func TestAnalyzeEmpty(t *testing.T) {
	assert.Equal(t, "balanced", Analyze(nil).Bias)
}
