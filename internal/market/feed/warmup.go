package feed

import (
	"context"
	"time"

	"signalcartel/internal/logger"
	"signalcartel/internal/market"
)

// CandleSource fetches recent history for warmup.
type CandleSource interface {
	Fetch(ctx context.Context, instrument string, limit int) ([]market.Candle, error)
}

// Warmer fills the history buffer at startup so the first cycles have enough
// bars for indicators and regime classification.
type Warmer struct {
	Source CandleSource
	Buffer *market.HistoryBuffer
}

// Warmup loads need bars per instrument. Failures are logged and skipped; the
// engine treats short history as insufficient data.
func (w *Warmer) Warmup(ctx context.Context, instruments []string, need int) int {
	if w.Source == nil || w.Buffer == nil {
		return 0
	}
	if need <= 0 {
		need = 200
	}
	loaded := 0
	for _, id := range instruments {
		select {
		case <-ctx.Done():
			return loaded
		default:
		}
		have := w.Buffer.Len(id)
		if have >= need {
			logger.Debugf("[warmup] %s ready (%d/%d)", id, have, need)
			loaded++
			continue
		}
		batch, err := w.Source.Fetch(ctx, id, need)
		if err != nil {
			logger.Warnf("[warmup] fetch %s failed: %v", id, err)
			continue
		}
		if len(batch) == 0 {
			logger.Warnf("[warmup] fetch %s returned no bars", id)
			continue
		}
		if err := w.Buffer.Put(id, batch...); err != nil {
			logger.Warnf("[warmup] store %s failed: %v", id, err)
			continue
		}
		first, last := batch[0], batch[len(batch)-1]
		logger.Debugf("[warmup] %s bars=%d first=%.4f@%s last=%.4f@%s", id, len(batch),
			first.Close, first.Time().Format(time.RFC3339), last.Close, last.Time().Format(time.RFC3339))
		loaded++
	}
	logger.Infof("[warmup] %d/%d instruments have history", loaded, len(instruments))
	return loaded
}
