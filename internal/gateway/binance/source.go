// Package binance fetches futures klines over REST for the live feed.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"signalcartel/internal/market"
	"signalcartel/internal/pkg/symbol"
	"signalcartel/internal/scheduler"
)

const (
	maxHistoryLimit = 1500
	// unclosedGrace is how long after the close time a bar is still treated
	// as in progress.
	unclosedGrace = 10 * time.Second
)

// Source implements feed.CandleSource on the futures kline endpoint.
type Source struct {
	cfg      Config
	client   *futures.Client
	interval time.Duration
	now      func() time.Time
}

func New(cfg Config) (*Source, error) {
	final := cfg.withDefaults()
	interval, ok := scheduler.ParseIntervalDuration(final.Interval)
	if !ok {
		return nil, fmt.Errorf("invalid kline interval %q", final.Interval)
	}
	client := futures.NewClient("", "")
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyURL != "" {
		proxyURL, err := url.Parse(final.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Source{cfg: final, client: client, interval: interval, now: time.Now}, nil
}

// Fetch returns up to limit closed bars for instrument, oldest first.
func (s *Source) Fetch(ctx context.Context, instrument string, limit int) ([]market.Candle, error) {
	if limit <= 0 {
		limit = 100
	}
	// one extra for the bar still forming
	limit = min(limit+1, maxHistoryLimit)
	pair := exchangeSymbol(instrument)
	if pair == "" {
		return nil, fmt.Errorf("instrument is required")
	}
	kls, err := s.client.NewKlinesService().Symbol(pair).Interval(s.cfg.Interval).Limit(limit).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s: %w", pair, err)
	}
	out := make([]market.Candle, 0, len(kls))
	for _, kl := range kls {
		if kl == nil {
			continue
		}
		out = append(out, market.Candle{
			OpenTime:  kl.OpenTime,
			CloseTime: kl.CloseTime,
			Open:      parseFloat(kl.Open),
			High:      parseFloat(kl.High),
			Low:       parseFloat(kl.Low),
			Close:     parseFloat(kl.Close),
			Volume:    parseFloat(kl.Volume),
			Trades:    kl.TradeNum,
		})
	}
	return dropUnclosed(out, s.interval, s.now().UTC(), unclosedGrace), nil
}

// exchangeSymbol turns "BTC/USDT" or "btcusdt" into "BTCUSDT".
func exchangeSymbol(instrument string) string {
	return symbol.Normalize(instrument)
}

// dropUnclosed removes the last bar when it has not closed yet.
func dropUnclosed(klines []market.Candle, interval time.Duration, now time.Time, grace time.Duration) []market.Candle {
	if len(klines) == 0 || interval <= 0 {
		return klines
	}
	last := klines[len(klines)-1]
	if last.OpenTime <= 0 {
		return klines
	}
	cutoff := last.OpenTime + interval.Milliseconds() + max(grace, 0).Milliseconds()
	if now.UnixMilli() < cutoff {
		return klines[:len(klines)-1]
	}
	return klines
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
