package indicator

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"

	"signalcartel/internal/market"
)

// Settings 描述计算指标所需的参数，零值使用默认。
type Settings struct {
	RSIPeriod   int
	EMAFast     int
	EMASlow     int
	SMAPeriod   int
	MACDFast    int
	MACDSlow    int
	MACDSignal  int
	ADXPeriod   int
	ATRPeriod   int
	BollPeriod  int
	BollStdDevs float64
	ROCPeriod   int
}

// DefaultSettings returns the periods the pipeline uses unless overridden.
func DefaultSettings() Settings {
	return Settings{}.withDefaults()
}

func (s Settings) withDefaults() Settings {
	if s.RSIPeriod <= 0 {
		s.RSIPeriod = 14
	}
	if s.EMAFast <= 0 {
		s.EMAFast = 12
	}
	if s.EMASlow <= 0 {
		s.EMASlow = 26
	}
	if s.SMAPeriod <= 0 {
		s.SMAPeriod = 50
	}
	if s.MACDFast <= 0 {
		s.MACDFast = 12
	}
	if s.MACDSlow <= 0 {
		s.MACDSlow = 26
	}
	if s.MACDSignal <= 0 {
		s.MACDSignal = 9
	}
	if s.ADXPeriod <= 0 {
		s.ADXPeriod = 14
	}
	if s.ATRPeriod <= 0 {
		s.ATRPeriod = 14
	}
	if s.BollPeriod <= 0 {
		s.BollPeriod = 20
	}
	if s.BollStdDevs <= 0 {
		s.BollStdDevs = 2
	}
	if s.ROCPeriod <= 0 {
		s.ROCPeriod = 10
	}
	return s
}

// Compute 计算指标序列，所有序列与 candles 对齐，预热区为 NaN。
// 数据不足以覆盖某个指标的回看长度时，该指标整列为 NaN。
func Compute(candles []market.Candle, cfg Settings) (market.IndicatorBundle, error) {
	if len(candles) == 0 {
		return market.IndicatorBundle{}, fmt.Errorf("no candles")
	}
	cfg = cfg.withDefaults()
	cs := market.Candles(candles)
	closes := cs.Closes()
	highs := cs.Highs()
	lows := cs.Lows()
	volumes := cs.Volumes()
	n := len(closes)

	out := market.IndicatorBundle{Series: make(map[string][]float64, 16)}
	out.Series[market.IndicatorClose] = closes
	out.Series[market.IndicatorVolume] = volumes

	out.Series[market.IndicatorRSI] = guarded(n, cfg.RSIPeriod, func() []float64 {
		return talib.Rsi(closes, cfg.RSIPeriod)
	})
	out.Series[market.IndicatorEMAFast] = guarded(n, cfg.EMAFast-1, func() []float64 {
		return talib.Ema(closes, cfg.EMAFast)
	})
	out.Series[market.IndicatorEMASlow] = guarded(n, cfg.EMASlow-1, func() []float64 {
		return talib.Ema(closes, cfg.EMASlow)
	})
	out.Series[market.IndicatorSMA] = guarded(n, cfg.SMAPeriod-1, func() []float64 {
		return talib.Sma(closes, cfg.SMAPeriod)
	})

	macdLookback := cfg.MACDSlow - 1 + cfg.MACDSignal - 1
	if n > macdLookback {
		macd, signal, hist := talib.Macd(closes, cfg.MACDFast, cfg.MACDSlow, cfg.MACDSignal)
		out.Series[market.IndicatorMACD] = align(macd, macdLookback)
		out.Series[market.IndicatorMACDSignal] = align(signal, macdLookback)
		out.Series[market.IndicatorMACDHist] = align(hist, macdLookback)
	} else {
		out.Series[market.IndicatorMACD] = nanSeries(n)
		out.Series[market.IndicatorMACDSignal] = nanSeries(n)
		out.Series[market.IndicatorMACDHist] = nanSeries(n)
	}

	out.Series[market.IndicatorADX] = guarded(n, 2*cfg.ADXPeriod-1, func() []float64 {
		return talib.Adx(highs, lows, closes, cfg.ADXPeriod)
	})
	out.Series[market.IndicatorATR] = guarded(n, cfg.ATRPeriod, func() []float64 {
		return talib.Atr(highs, lows, closes, cfg.ATRPeriod)
	})

	bollLookback := cfg.BollPeriod - 1
	if n > bollLookback {
		upper, middle, lower := talib.BBands(closes, cfg.BollPeriod, cfg.BollStdDevs, cfg.BollStdDevs, talib.SMA)
		upper = align(upper, bollLookback)
		middle = align(middle, bollLookback)
		lower = align(lower, bollLookback)
		width := nanSeries(n)
		for i := range width {
			if middle[i] != 0 && !math.IsNaN(middle[i]) {
				width[i] = (upper[i] - lower[i]) / middle[i]
			}
		}
		out.Series[market.IndicatorBollUpper] = upper
		out.Series[market.IndicatorBollMiddle] = middle
		out.Series[market.IndicatorBollLower] = lower
		out.Series[market.IndicatorBollWidth] = width
	} else {
		for _, key := range []string{market.IndicatorBollUpper, market.IndicatorBollMiddle, market.IndicatorBollLower, market.IndicatorBollWidth} {
			out.Series[key] = nanSeries(n)
		}
	}

	out.Series[market.IndicatorOBV] = align(talib.Obv(closes, volumes), 0)
	out.Series[market.IndicatorROC] = guarded(n, cfg.ROCPeriod, func() []float64 {
		return talib.Roc(closes, cfg.ROCPeriod)
	})
	return out, nil
}

// ComputeATRSeries 单独计算 ATR 序列（已去掉预热区）。
func ComputeATRSeries(candles []market.Candle, period int) ([]float64, error) {
	if len(candles) == 0 {
		return nil, fmt.Errorf("no candles")
	}
	if period <= 0 {
		period = 14
	}
	if len(candles) <= period {
		return nil, fmt.Errorf("atr needs more than %d candles, got %d", period, len(candles))
	}
	cs := market.Candles(candles)
	series := sanitizeSeries(talib.Atr(cs.Highs(), cs.Lows(), cs.Closes(), period)[period:])
	if len(series) == 0 {
		return nil, fmt.Errorf("atr series empty")
	}
	return series, nil
}

func guarded(n, lookback int, fn func() []float64) []float64 {
	if lookback < 0 {
		lookback = 0
	}
	if n <= lookback {
		return nanSeries(n)
	}
	return align(fn(), lookback)
}

// align 把 talib 在预热区填充的 0 替换为 NaN。
func align(src []float64, lookback int) []float64 {
	out := make([]float64, len(src))
	for i, v := range src {
		if i < lookback || math.IsInf(v, 0) {
			out[i] = math.NaN()
			continue
		}
		out[i] = v
	}
	return out
}

func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

func sanitizeSeries(src []float64) []float64 {
	out := make([]float64, 0, len(src))
	for _, v := range src {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func lastValid(series []float64) float64 {
	for i := len(series) - 1; i >= 0; i-- {
		if !math.IsNaN(series[i]) && !math.IsInf(series[i], 0) {
			return series[i]
		}
	}
	return 0
}
