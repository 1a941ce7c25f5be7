package feed

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"signalcartel/internal/market"
)

// Replay steps through recorded candles one bar at a time. Before the first
// Step nothing is visible; Fetch only ever returns bars already stepped.
type Replay struct {
	mu     sync.Mutex
	series map[string][]market.Candle
	cursor int
}

func NewReplay(series map[string][]market.Candle) *Replay {
	cp := make(map[string][]market.Candle, len(series))
	for k, v := range series {
		cp[strings.ToUpper(strings.TrimSpace(k))] = append([]market.Candle(nil), v...)
	}
	return &Replay{series: cp}
}

// LoadReplay reads a replay file. See ParseReplay for the format.
func LoadReplay(path string) (*Replay, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read replay %s: %w", path, err)
	}
	return ParseReplay(data)
}

// ParseReplay accepts a JSON object keyed by instrument. Each value is a list
// of bars, either kline arrays [openTime, open, high, low, close, volume,
// closeTime] (numbers or numeric strings) or objects with the same field
// names as market.Candle.
func ParseReplay(data []byte) (*Replay, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("replay payload is not valid json")
	}
	root := gjson.ParseBytes(data)
	if !root.IsObject() {
		return nil, fmt.Errorf("replay payload must be an object keyed by instrument")
	}
	series := make(map[string][]market.Candle)
	var parseErr error
	root.ForEach(func(key, value gjson.Result) bool {
		if !value.IsArray() {
			parseErr = fmt.Errorf("replay %s: bars must be an array", key.String())
			return false
		}
		bars := make([]market.Candle, 0, len(value.Array()))
		value.ForEach(func(_, bar gjson.Result) bool {
			bars = append(bars, parseBar(bar))
			return true
		})
		series[key.String()] = bars
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}
	return NewReplay(series), nil
}

func parseBar(bar gjson.Result) market.Candle {
	if bar.IsArray() {
		return market.Candle{
			OpenTime:  bar.Get("0").Int(),
			Open:      bar.Get("1").Float(),
			High:      bar.Get("2").Float(),
			Low:       bar.Get("3").Float(),
			Close:     bar.Get("4").Float(),
			Volume:    bar.Get("5").Float(),
			CloseTime: bar.Get("6").Int(),
			Trades:    bar.Get("8").Int(),

			TakerBuyVolume: bar.Get("9").Float(),
		}
	}
	return market.Candle{
		OpenTime:  bar.Get("open_time").Int(),
		CloseTime: bar.Get("close_time").Int(),
		Open:      bar.Get("open").Float(),
		High:      bar.Get("high").Float(),
		Low:       bar.Get("low").Float(),
		Close:     bar.Get("close").Float(),
		Volume:    bar.Get("volume").Float(),
		Trades:    bar.Get("trades").Int(),

		TakerBuyVolume: bar.Get("taker_buy_volume").Float(),
	}
}

// RandomWalk generates a seeded geometric random walk per instrument.
func RandomWalk(instruments []string, bars int, seed int64) *Replay {
	rng := rand.New(rand.NewSource(seed))
	series := make(map[string][]market.Candle, len(instruments))
	const step = int64(60_000)
	for i, id := range instruments {
		price := 100.0 * float64(i+1)
		drift := (rng.Float64() - 0.5) * 0.0004
		vol := 0.002 + rng.Float64()*0.006
		out := make([]market.Candle, bars)
		for b := 0; b < bars; b++ {
			open := price
			price *= math.Exp(drift + vol*rng.NormFloat64())
			hi := math.Max(open, price) * (1 + vol*rng.Float64()/2)
			lo := math.Min(open, price) * (1 - vol*rng.Float64()/2)
			volume := 500 + rng.Float64()*1000
			// buyers lead the bar's move
			buyShare := 0.5 + 0.4*math.Tanh((price/open-1)/vol)
			out[b] = market.Candle{
				OpenTime:  int64(b) * step,
				CloseTime: int64(b+1)*step - 1,
				Open:      open,
				High:      hi,
				Low:       lo,
				Close:     price,
				Volume:    volume,

				TakerBuyVolume: volume * buyShare,
			}
		}
		series[id] = out
	}
	return NewReplay(series)
}

// Instruments lists the replayed instruments, sorted.
func (r *Replay) Instruments() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.series))
	for k := range r.series {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Len is the longest series length.
func (r *Replay) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.series {
		n = max(n, len(s))
	}
	return n
}

// Cursor is the number of bars stepped so far.
func (r *Replay) Cursor() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cursor
}

// Skip advances the cursor by n bars without publishing them. Fetch still
// sees them, which makes Skip plus Warmup the usual way to preload history.
func (r *Replay) Skip(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = min(r.cursor+max(n, 0), r.maxLenLocked())
}

func (r *Replay) maxLenLocked() int {
	n := 0
	for _, s := range r.series {
		n = max(n, len(s))
	}
	return n
}

// Fetch returns up to limit bars ending at the cursor.
func (r *Replay) Fetch(ctx context.Context, instrument string, limit int) ([]market.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.series[strings.ToUpper(strings.TrimSpace(instrument))]
	if !ok {
		return nil, fmt.Errorf("replay has no instrument %s", instrument)
	}
	end := min(r.cursor, len(s))
	start := 0
	if limit > 0 && end-limit > 0 {
		start = end - limit
	}
	return append([]market.Candle(nil), s[start:end]...), nil
}

// Step publishes the next bar of every instrument into buf. It returns false
// once every series is exhausted.
func (r *Replay) Step(buf *market.HistoryBuffer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursor >= r.maxLenLocked() {
		return false
	}
	for id, s := range r.series {
		if r.cursor < len(s) {
			_ = buf.Put(id, s[r.cursor])
		}
	}
	r.cursor++
	return true
}

// Price returns the close at the cursor, for the paper venue's fills.
func (r *Replay) Price(instrument string) (float64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.series[strings.ToUpper(strings.TrimSpace(instrument))]
	if !ok || r.cursor == 0 {
		return 0, false
	}
	idx := min(r.cursor, len(s)) - 1
	return s[idx].Close, true
}
