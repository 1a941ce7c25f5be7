package market

import (
	"math"
	"strings"
	"time"

	"signalcartel/internal/analysis/stats"
)

// Indicator series keys carried by IndicatorBundle.
const (
	IndicatorClose      = "close"
	IndicatorVolume     = "volume"
	IndicatorRSI        = "rsi"
	IndicatorEMAFast    = "ema_fast"
	IndicatorEMASlow    = "ema_slow"
	IndicatorSMA        = "sma"
	IndicatorMACD       = "macd"
	IndicatorMACDSignal = "macd_signal"
	IndicatorMACDHist   = "macd_hist"
	IndicatorADX        = "adx"
	IndicatorATR        = "atr"
	IndicatorBollUpper  = "boll_upper"
	IndicatorBollMiddle = "boll_middle"
	IndicatorBollLower  = "boll_lower"
	IndicatorBollWidth  = "boll_width"
	IndicatorOBV        = "obv"
	IndicatorROC        = "roc"
)

// IndicatorBundle holds indicator series aligned with the snapshot history.
// Warmup positions are NaN.
type IndicatorBundle struct {
	Series map[string][]float64 `json:"series,omitempty"`
}

// Len is the length of the aligned series.
func (b IndicatorBundle) Len() int {
	if s, ok := b.Series[IndicatorClose]; ok {
		return len(s)
	}
	n := 0
	for _, s := range b.Series {
		if len(s) > n {
			n = len(s)
		}
	}
	return n
}

// At returns the value of key at bar i when it is finite.
func (b IndicatorBundle) At(key string, i int) (float64, bool) {
	s := b.Series[strings.ToLower(key)]
	if i < 0 || i >= len(s) {
		return 0, false
	}
	v := s[i]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// Latest returns the last finite value of key.
func (b IndicatorBundle) Latest(key string) (float64, bool) {
	s := b.Series[strings.ToLower(key)]
	for i := len(s) - 1; i >= 0; i-- {
		if !math.IsNaN(s[i]) && !math.IsInf(s[i], 0) {
			return s[i], true
		}
	}
	return 0, false
}

// Value is Latest without the presence flag.
func (b IndicatorBundle) Value(key string) float64 {
	v, _ := b.Latest(key)
	return v
}

func (b IndicatorBundle) clone() IndicatorBundle {
	if len(b.Series) == 0 {
		return IndicatorBundle{}
	}
	out := IndicatorBundle{Series: make(map[string][]float64, len(b.Series))}
	for k, s := range b.Series {
		out.Series[k] = append([]float64(nil), s...)
	}
	return out
}

// OrderBook is a top-of-book summary.
type OrderBook struct {
	Bid      float64 `json:"bid"`
	Ask      float64 `json:"ask"`
	BidDepth float64 `json:"bid_depth"`
	AskDepth float64 `json:"ask_depth"`
}

func (o OrderBook) Mid() float64 {
	if o.Bid <= 0 || o.Ask <= 0 {
		return 0
	}
	return (o.Bid + o.Ask) / 2
}

// SpreadBps is the quoted spread in basis points of mid.
func (o OrderBook) SpreadBps() float64 {
	mid := o.Mid()
	if mid <= 0 || o.Ask < o.Bid {
		return 0
	}
	return (o.Ask - o.Bid) / mid * 10000
}

// Imbalance is (bid depth - ask depth) / total depth, in [-1, 1].
func (o OrderBook) Imbalance() float64 {
	total := o.BidDepth + o.AskDepth
	if total <= 0 {
		return 0
	}
	return (o.BidDepth - o.AskDepth) / total
}

// Snapshot is one instrument's market state for one tick. History is bounded,
// oldest first, and owned by the snapshot.
type Snapshot struct {
	Instrument string          `json:"instrument"`
	Timestamp  time.Time       `json:"timestamp"`
	Price      float64         `json:"price"`
	Volume     float64         `json:"volume"`
	Volatility float64         `json:"volatility"`
	ATR        float64         `json:"atr"`
	History    Candles         `json:"history,omitempty"`
	Indicators IndicatorBundle `json:"indicators"`
	Book       *OrderBook      `json:"book,omitempty"`
	Quality    float64         `json:"quality"`
}

// SnapshotInput collects what NewSnapshot needs.
type SnapshotInput struct {
	Instrument string
	History    []Candle
	Indicators IndicatorBundle
	Book       *OrderBook
	Quality    float64
	Limit      int
	Timestamp  time.Time
}

// NewSnapshot copies the inputs and derives price, volume, volatility and ATR.
func NewSnapshot(in SnapshotInput) Snapshot {
	hist := in.History
	if in.Limit > 0 && len(hist) > in.Limit {
		hist = hist[len(hist)-in.Limit:]
	}
	snap := Snapshot{
		Instrument: strings.ToUpper(strings.TrimSpace(in.Instrument)),
		History:    append(Candles(nil), hist...),
		Indicators: trimBundle(in.Indicators.clone(), len(hist)),
		Quality:    clamp01(in.Quality),
		Timestamp:  in.Timestamp,
	}
	if in.Book != nil {
		book := *in.Book
		snap.Book = &book
	}
	if n := len(snap.History); n > 0 {
		last := snap.History[n-1]
		snap.Price = last.Close
		snap.Volume = last.Volume
		if snap.Timestamp.IsZero() {
			snap.Timestamp = last.Time()
		}
	}
	snap.Volatility = RealizedVolatility(snap.History.Closes())
	if atr, ok := snap.Indicators.Latest(IndicatorATR); ok {
		snap.ATR = atr
	}
	return snap
}

// Closes returns the close prices of the history window.
func (s Snapshot) Closes() []float64 { return s.History.Closes() }

// Volumes returns the volumes of the history window.
func (s Snapshot) Volumes() []float64 { return s.History.Volumes() }

// Len is the history length.
func (s Snapshot) Len() int { return len(s.History) }

// ATRPercent is ATR relative to price.
func (s Snapshot) ATRPercent() float64 {
	if s.Price <= 0 {
		return 0
	}
	return s.ATR / s.Price
}

// RealizedVolatility is the sample standard deviation of simple returns.
func RealizedVolatility(closes []float64) float64 {
	if len(closes) < 3 {
		return 0
	}
	return stats.StdDev(stats.Returns(closes))
}

func trimBundle(b IndicatorBundle, n int) IndicatorBundle {
	for k, s := range b.Series {
		if len(s) > n {
			b.Series[k] = s[len(s)-n:]
		}
	}
	return b
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return 0
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
