// Package visual renders interactive chart pages for the HTTP API.
package visual

import (
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"
	"github.com/go-echarts/go-echarts/v2/types"
	talib "github.com/markcheno/go-talib"

	"signalcartel/internal/market"
)

const (
	colorBackground    = "#060c1b"
	colorTextPrimary   = "#eceff4"
	colorTextSecondary = "#9ca3af"
	colorBull          = "#34d399"
	colorBear          = "#f87171"
	colorEmaFast       = "#3b82f6"
	colorEmaSlow       = "#f472b6"
	colorEntry         = "#fbbf24"
	colorDIF           = "#22d3ee"
	colorDEA           = "#fb7185"
	colorEquity        = "#a78bfa"

	chartWidthPx   = 1400
	klineHeightPx  = 520
	volumeHeightPx = 220
	macdHeightPx   = 220
)

// Level is a horizontal price line, e.g. an active trigger's entry or stop.
type Level struct {
	Name  string
	Price float64
}

type InstrumentChart struct {
	Instrument string
	Candles    []market.Candle
	EMAFast    []float64
	EMASlow    []float64
	Regime     string
	Confidence float64
	Levels     []Level
}

// EquityPoint is a closed trade on the equity curve.
type EquityPoint struct {
	At     time.Time
	Return float64
	Label  string
}

// RenderInstrument writes a candle, volume and MACD page.
func RenderInstrument(w io.Writer, in InstrumentChart) error {
	if len(in.Candles) == 0 {
		return fmt.Errorf("no candles for %s", in.Instrument)
	}
	page := components.NewPage()
	page.PageTitle = in.Instrument
	page.SetLayout(components.PageFlexLayout)

	xAxis := buildXAxis(in.Candles)
	lo, hi := priceBounds(in.Candles, in.Levels)
	pad := (hi - lo) * 0.05
	if pad <= 0 {
		pad = math.Max(1, math.Abs(hi)*0.01)
	}

	subtitle := "regime: unknown"
	if in.Regime != "" {
		subtitle = fmt.Sprintf("regime: %s (%.0f%%)", in.Regime, in.Confidence*100)
	}
	kline := charts.NewKLine()
	kline.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(klineHeightPx)),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithTitleOpts(opts.Title{
			Title:         in.Instrument,
			Subtitle:      subtitle,
			Left:          "left",
			Top:           "10",
			TitleStyle:    &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
			SubtitleStyle: &opts.TextStyle{Color: colorTextSecondary},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "slider", XAxisIndex: []int{0}}),
		charts.WithXAxisOpts(opts.XAxis{
			Type:      "category",
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(false)},
		}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary},
			Min:       round(lo-pad, 4),
			Max:       round(hi+pad, 4),
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.2)}},
		}),
	)
	kline.SetSeriesOptions(
		charts.WithItemStyleOpts(opts.ItemStyle{
			Color:        colorBull,
			Color0:       colorBear,
			BorderColor:  colorBull,
			BorderColor0: colorBear,
		}),
	)
	kline.SetXAxis(xAxis)
	kline.AddSeries("Price", buildKlineSeries(in.Candles))

	overlay := charts.NewLine()
	overlay.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	overlay.SetXAxis(xAxis)
	overlay.AddSeries("EMA Fast", toLineData(in.EMAFast, len(in.Candles)), charts.WithLineStyleOpts(opts.LineStyle{Color: colorEmaFast, Width: 2}))
	overlay.AddSeries("EMA Slow", toLineData(in.EMASlow, len(in.Candles)), charts.WithLineStyleOpts(opts.LineStyle{Color: colorEmaSlow, Width: 2}))
	for _, lvl := range in.Levels {
		if lvl.Price <= 0 {
			continue
		}
		overlay.AddSeries(lvl.Name, flatLine(lvl.Price, len(in.Candles)),
			charts.WithLineStyleOpts(opts.LineStyle{Color: levelColor(lvl.Name), Width: 1, Type: "dashed"}))
	}
	kline.Overlap(overlay)

	page.AddCharts(kline, buildVolumeChart(xAxis, in.Candles), buildMACDChart(xAxis, in.Candles))
	return page.Render(w)
}

// RenderEquity writes the cumulative return curve of closed trades.
func RenderEquity(w io.Writer, title string, points []EquityPoint) error {
	page := components.NewPage()
	page.PageTitle = title
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(klineHeightPx)),
		charts.WithTitleOpts(opts.Title{
			Title:      title,
			Subtitle:   fmt.Sprintf("%d closed trades", len(points)),
			Left:       "left",
			TitleStyle: &opts.TextStyle{Color: colorTextPrimary, FontSize: 18},
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Color: colorTextSecondary}}),
		charts.WithYAxisOpts(opts.YAxis{
			Scale:     opts.Bool(true),
			AxisLabel: &opts.AxisLabel{Color: colorTextSecondary, Formatter: "{value}%"},
		}),
	)
	x := make([]string, len(points))
	data := make([]opts.LineData, len(points))
	for i, p := range points {
		x[i] = p.At.UTC().Format("01-02 15:04")
		data[i] = opts.LineData{Name: p.Label, Value: round(p.Return*100, 3)}
	}
	line.SetXAxis(x)
	line.AddSeries("Cumulative return", data,
		charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(true)}),
		charts.WithLineStyleOpts(opts.LineStyle{Color: colorEquity, Width: 2}))
	page.AddCharts(line)
	return page.Render(w)
}

func initOpts(height int) opts.Initialization {
	return opts.Initialization{
		Theme:           types.ThemeWesteros,
		Width:           fmt.Sprintf("%dpx", chartWidthPx),
		Height:          fmt.Sprintf("%dpx", height),
		BackgroundColor: colorBackground,
	}
}

func levelColor(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, "stop"):
		return colorBear
	case strings.HasPrefix(lower, "tp"), strings.HasPrefix(lower, "target"):
		return colorBull
	}
	return colorEntry
}

func buildXAxis(candles []market.Candle) []string {
	x := make([]string, len(candles))
	for i, c := range candles {
		x[i] = c.Time().Format("01-02 15:04")
	}
	return x
}

func buildKlineSeries(candles []market.Candle) []opts.KlineData {
	data := make([]opts.KlineData, 0, len(candles))
	for _, c := range candles {
		data = append(data, opts.KlineData{Value: [4]float64{c.Open, c.Close, c.Low, c.High}})
	}
	return data
}

func buildVolumeChart(xAxis []string, candles []market.Candle) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(volumeHeightPx)),
		charts.WithTitleOpts(opts.Title{Title: "Volume", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(false)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Show: opts.Bool(false)}}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	vols := make([]opts.BarData, len(candles))
	for i, c := range candles {
		color := colorBear
		if c.Close >= c.Open {
			color = colorBull
		}
		vols[i] = opts.BarData{Value: c.Volume, ItemStyle: &opts.ItemStyle{Color: color, Opacity: opts.Float(0.6)}}
	}
	bar.SetXAxis(xAxis)
	bar.AddSeries("Volume", vols)
	return bar
}

func buildMACDChart(xAxis []string, candles []market.Candle) *charts.Bar {
	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(macdHeightPx)),
		charts.WithTitleOpts(opts.Title{Title: "MACD", Left: "left", TitleStyle: &opts.TextStyle{Color: colorTextPrimary}}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), TextStyle: &opts.TextStyle{Color: colorTextSecondary}}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{AxisLabel: &opts.AxisLabel{Show: opts.Bool(false)}}),
		charts.WithYAxisOpts(opts.YAxis{
			AxisLabel: &opts.AxisLabel{Show: opts.Bool(true), Color: colorTextSecondary},
			SplitLine: &opts.SplitLine{Show: opts.Bool(true), LineStyle: &opts.LineStyle{Color: colorTextSecondary, Opacity: opts.Float(0.15)}},
		}),
	)
	dif, dea, hist := macdSeries(candles)
	histData := make([]opts.BarData, len(candles))
	offset := len(candles) - len(hist)
	for i := range histData {
		j := i - offset
		if j < 0 || math.IsNaN(hist[j]) {
			histData[i] = opts.BarData{Value: nil}
			continue
		}
		color := colorBear
		if hist[j] >= 0 {
			color = colorBull
		}
		histData[i] = opts.BarData{Value: round(hist[j], 4), ItemStyle: &opts.ItemStyle{Color: color}}
	}
	bar.SetXAxis(xAxis)
	bar.AddSeries("MACD Hist", histData)

	line := charts.NewLine()
	line.SetSeriesOptions(charts.WithLineChartOpts(opts.LineChart{ShowSymbol: opts.Bool(false)}))
	line.SetXAxis(xAxis)
	line.AddSeries("DIF", toLineData(dif, len(candles)), charts.WithLineStyleOpts(opts.LineStyle{Color: colorDIF, Width: 2}))
	line.AddSeries("DEA", toLineData(dea, len(candles)), charts.WithLineStyleOpts(opts.LineStyle{Color: colorDEA, Width: 2}))
	bar.Overlap(line)
	return bar
}

func macdSeries(candles []market.Candle) (dif, dea, hist []float64) {
	const slow = 26
	if len(candles) < slow {
		return nil, nil, nil
	}
	return talib.Macd(market.Candles(candles).Closes(), 12, slow, 9)
}

// toLineData right-aligns series into length points; missing values are gaps.
func toLineData(series []float64, length int) []opts.LineData {
	line := make([]opts.LineData, length)
	offset := max(length-len(series), 0)
	for i := 0; i < offset; i++ {
		line[i] = opts.LineData{Value: nil}
	}
	for i := 0; i < len(series) && offset+i < length; i++ {
		if v := series[i]; math.IsNaN(v) || v == 0 {
			line[offset+i] = opts.LineData{Value: nil}
		} else {
			line[offset+i] = opts.LineData{Value: round(v, 4)}
		}
	}
	return line
}

func flatLine(price float64, length int) []opts.LineData {
	out := make([]opts.LineData, length)
	for i := range out {
		out[i] = opts.LineData{Value: round(price, 4)}
	}
	return out
}

func round(val float64, decimals int) float64 {
	if decimals <= 0 {
		return math.Round(val)
	}
	scale := math.Pow10(decimals)
	return math.Round(val*scale) / scale
}

func priceBounds(candles []market.Candle, levels []Level) (lo, hi float64) {
	lo, hi = candles[0].Low, candles[0].High
	for _, c := range candles {
		lo = math.Min(lo, c.Low)
		hi = math.Max(hi, c.High)
	}
	for _, l := range levels {
		if l.Price > 0 {
			lo = math.Min(lo, l.Price)
			hi = math.Max(hi, l.Price)
		}
	}
	return lo, hi
}

// Accumulate turns per-trade returns into a cumulative curve ordered by
// close time.
func Accumulate(trades []EquityPoint) []EquityPoint {
	out := append([]EquityPoint(nil), trades...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	cum := 0.0
	for i := range out {
		cum += out[i].Return
		out[i].Return = cum
	}
	return out
}
