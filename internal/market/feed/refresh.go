package feed

import (
	"context"

	"golang.org/x/sync/errgroup"

	"signalcartel/internal/logger"
	"signalcartel/internal/market"
)

// Refresher pulls the latest closed bars into the buffer before a cycle.
type Refresher struct {
	Source CandleSource
	Buffer *market.HistoryBuffer
	Bars   int
}

// Refresh fetches recent bars for every instrument concurrently. Bars older
// than what the buffer holds are skipped; a bar with the same open time
// replaces the stored one. Fetch failures are logged and leave the buffer
// as it was, so the cycle sees stale history rather than none.
func (r *Refresher) Refresh(ctx context.Context, instruments []string) int {
	if r.Source == nil || r.Buffer == nil {
		return 0
	}
	bars := r.Bars
	if bars <= 0 {
		bars = 5
	}
	updated := make([]int, len(instruments))
	var g errgroup.Group
	g.SetLimit(8)
	for i, id := range instruments {
		i, id := i, id
		g.Go(func() error {
			batch, err := r.Source.Fetch(ctx, id, bars)
			if err != nil {
				logger.Warnf("Feed: refresh %s failed: %v", id, err)
				return nil
			}
			fresh := newerThan(batch, r.Buffer.Last(id, 1))
			if len(fresh) == 0 {
				return nil
			}
			if err := r.Buffer.Put(id, fresh...); err != nil {
				logger.Warnf("Feed: store %s failed: %v", id, err)
				return nil
			}
			updated[i] = len(fresh)
			return nil
		})
	}
	_ = g.Wait()
	n := 0
	for _, u := range updated {
		if u > 0 {
			n++
		}
	}
	return n
}

func newerThan(batch, last []market.Candle) []market.Candle {
	if len(last) == 0 {
		return batch
	}
	cut := last[0].OpenTime
	for i, c := range batch {
		if c.OpenTime >= cut {
			return batch[i:]
		}
	}
	return nil
}
