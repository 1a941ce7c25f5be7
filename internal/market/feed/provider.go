// Package feed builds market snapshots from buffered candle history.
package feed

import (
	"context"
	"fmt"
	"time"

	"signalcartel/internal/analysis/indicator"
	"signalcartel/internal/market"
	"signalcartel/internal/types"
)

// BookSource optionally supplies an order book summary per instrument.
type BookSource interface {
	Book(ctx context.Context, instrument string) (*market.OrderBook, error)
}

// HistoryProvider serves snapshots out of a HistoryBuffer, computing the
// indicator bundle on every call.
type HistoryProvider struct {
	History  *market.HistoryBuffer
	Window   int
	Settings indicator.Settings
	Books    BookSource
	// StaleAfter lowers quality when the newest candle is older than this.
	// Zero disables the check.
	StaleAfter time.Duration
	Now        func() time.Time
}

func NewHistoryProvider(buf *market.HistoryBuffer, window int) *HistoryProvider {
	return &HistoryProvider{
		History:  buf,
		Window:   window,
		Settings: indicator.DefaultSettings(),
		Now:      time.Now,
	}
}

func (p *HistoryProvider) Snapshot(ctx context.Context, instrument string) (market.Snapshot, error) {
	if p.History == nil {
		return market.Snapshot{}, fmt.Errorf("history buffer not configured")
	}
	if err := ctx.Err(); err != nil {
		return market.Snapshot{}, err
	}
	candles := p.History.Last(instrument, p.Window)
	if len(candles) == 0 {
		return market.Snapshot{}, types.Errorf(types.KindInsufficientData, instrument, "no candles buffered")
	}
	bundle, err := indicator.Compute(candles, p.Settings)
	if err != nil {
		return market.Snapshot{}, fmt.Errorf("indicators %s: %w", instrument, err)
	}
	var book *market.OrderBook
	if p.Books != nil {
		book, err = p.Books.Book(ctx, instrument)
		if err != nil {
			book = nil
		}
	}
	return market.NewSnapshot(market.SnapshotInput{
		Instrument: instrument,
		History:    candles,
		Indicators: bundle,
		Book:       book,
		Quality:    p.quality(candles),
		Limit:      p.Window,
	}), nil
}

func (p *HistoryProvider) quality(candles []market.Candle) float64 {
	q := 1.0
	if p.Window > 0 && len(candles) < p.Window {
		q = float64(len(candles)) / float64(p.Window)
	}
	if p.StaleAfter > 0 && p.Now != nil {
		last := candles[len(candles)-1].Time()
		if !last.IsZero() && p.Now().Sub(last) > p.StaleAfter {
			q *= 0.5
		}
	}
	return q
}
