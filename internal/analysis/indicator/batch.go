package indicator

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
)

// Batch computations take one price row per instrument and return one output
// row per instrument with the same length. Rows are processed concurrently;
// warmup positions are NaN.

const rsiEpsilon = 1e-10

// BollingerRows holds the three band matrices.
type BollingerRows struct {
	Upper  [][]float64
	Middle [][]float64
	Lower  [][]float64
}

// MACDRows holds MACD line, signal line and histogram matrices.
type MACDRows struct {
	MACD   [][]float64
	Signal [][]float64
	Hist   [][]float64
}

// BatchRSI computes Wilder RSI per row. The first average is the simple mean
// of the first period moves.
func BatchRSI(ctx context.Context, rows [][]float64, period int) ([][]float64, error) {
	if period <= 1 {
		return nil, fmt.Errorf("rsi period must be > 1, got %d", period)
	}
	out := make([][]float64, len(rows))
	err := forEachRow(ctx, len(rows), func(i int) {
		out[i] = rsiRow(rows[i], period)
	})
	return out, err
}

func rsiRow(prices []float64, period int) []float64 {
	n := len(prices)
	out := nanSeries(n)
	if n <= period {
		return out
	}
	gains := make([]float64, n-1)
	losses := make([]float64, n-1)
	for i := 1; i < n; i++ {
		d := prices[i] - prices[i-1]
		if d > 0 {
			gains[i-1] = d
		} else {
			losses[i-1] = -d
		}
	}
	var avgGain, avgLoss float64
	for i := 0; i < period; i++ {
		avgGain += gains[i]
		avgLoss += losses[i]
	}
	avgGain /= float64(period)
	avgLoss /= float64(period)
	out[period] = rsiValue(avgGain, avgLoss)
	alpha := 1.0 / float64(period)
	for i := period + 1; i < n; i++ {
		avgGain = alpha*gains[i-1] + (1-alpha)*avgGain
		avgLoss = alpha*losses[i-1] + (1-alpha)*avgLoss
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	rs := avgGain / (avgLoss + rsiEpsilon)
	return 100 - 100/(1+rs)
}

// BatchBollinger computes SMA bands with population standard deviation.
func BatchBollinger(ctx context.Context, rows [][]float64, period int, mult float64) (BollingerRows, error) {
	if period <= 0 {
		return BollingerRows{}, fmt.Errorf("bollinger period must be > 0, got %d", period)
	}
	res := BollingerRows{
		Upper:  make([][]float64, len(rows)),
		Middle: make([][]float64, len(rows)),
		Lower:  make([][]float64, len(rows)),
	}
	err := forEachRow(ctx, len(rows), func(i int) {
		res.Upper[i], res.Middle[i], res.Lower[i] = bollingerRow(rows[i], period, mult)
	})
	return res, err
}

func bollingerRow(prices []float64, period int, mult float64) ([]float64, []float64, []float64) {
	n := len(prices)
	upper, middle, lower := nanSeries(n), nanSeries(n), nanSeries(n)
	for i := period - 1; i < n; i++ {
		window := prices[i-period+1 : i+1]
		var sum float64
		for _, v := range window {
			sum += v
		}
		mean := sum / float64(period)
		var sq float64
		for _, v := range window {
			sq += (v - mean) * (v - mean)
		}
		std := math.Sqrt(sq / float64(period))
		middle[i] = mean
		upper[i] = mean + mult*std
		lower[i] = mean - mult*std
	}
	return upper, middle, lower
}

// BatchMACD computes MACD with EMAs seeded by the first value.
func BatchMACD(ctx context.Context, rows [][]float64, fast, slow, signal int) (MACDRows, error) {
	if fast <= 0 || slow <= 0 || signal <= 0 {
		return MACDRows{}, fmt.Errorf("macd periods must be > 0")
	}
	res := MACDRows{
		MACD:   make([][]float64, len(rows)),
		Signal: make([][]float64, len(rows)),
		Hist:   make([][]float64, len(rows)),
	}
	err := forEachRow(ctx, len(rows), func(i int) {
		fastEMA := emaSeeded(rows[i], fast)
		slowEMA := emaSeeded(rows[i], slow)
		line := make([]float64, len(rows[i]))
		for j := range line {
			line[j] = fastEMA[j] - slowEMA[j]
		}
		sig := emaSeeded(line, signal)
		hist := make([]float64, len(line))
		for j := range hist {
			hist[j] = line[j] - sig[j]
		}
		res.MACD[i], res.Signal[i], res.Hist[i] = line, sig, hist
	})
	return res, err
}

func emaSeeded(data []float64, period int) []float64 {
	out := make([]float64, len(data))
	if len(data) == 0 {
		return out
	}
	alpha := 2.0 / float64(period+1)
	out[0] = data[0]
	for i := 1; i < len(data); i++ {
		out[i] = alpha*data[i] + (1-alpha)*out[i-1]
	}
	return out
}

// LatestRSI returns the last RSI value of each row, 0 when none is defined.
func LatestRSI(ctx context.Context, rows [][]float64, period int) ([]float64, error) {
	series, err := BatchRSI(ctx, rows, period)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(series))
	for i, s := range series {
		out[i] = lastValid(s)
	}
	return out, nil
}

func forEachRow(ctx context.Context, n int, fn func(i int)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn(i)
			return nil
		})
	}
	return g.Wait()
}
