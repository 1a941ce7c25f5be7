package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"signalcartel/internal/config"
	"signalcartel/internal/engine"
	"signalcartel/internal/gateway/notifier"
	"signalcartel/internal/logger"
	"signalcartel/internal/metrics"
	"signalcartel/internal/performance"
	"signalcartel/internal/scheduler"
	"signalcartel/internal/store/paramcache"
	apihttp "signalcartel/internal/transport/http/api"

	"golang.org/x/sync/errgroup"
)

// App owns the long-running pieces: the cycle scheduler, the alert
// dispatcher, the belief flusher and the optional HTTP API.
type App struct {
	src        *config.Source
	engine     *engine.Engine
	market     *MarketStack
	venue      *VenueStack
	dispatcher *notifier.Dispatcher
	tracker    *performance.Tracker
	beliefs    paramcache.Store
	records    performance.RecordAppender
	scheduler  *scheduler.Scheduler
	http       *apihttp.Server
	metrics    *metrics.Recorder
	closers    []io.Closer
	Summary    *StartupSummary
}

// NewApp builds the application without starting it.
func NewApp(src *config.Source) (*App, error) {
	if src == nil || src.Current() == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(src.Current().App.LogLevel)
	return buildAppWithWire(context.Background(), src)
}

func (a *App) Engine() *engine.Engine {
	if a == nil {
		return nil
	}
	return a.engine
}

// Cycle advances the candle feed and runs one evaluation cycle.
func (a *App) Cycle(ctx context.Context) (engine.CycleReport, error) {
	if a == nil || a.engine == nil {
		return engine.CycleReport{}, fmt.Errorf("app not initialized")
	}
	a.market.Advance(ctx, a.src.Current().InstrumentIDs())
	return a.engine.RunCycle(ctx)
}

// Run blocks until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.engine == nil {
		return fmt.Errorf("app not initialized")
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	defer a.shutdown()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		a.dispatcher.Run(ctx)
		return nil
	})
	group.Go(func() error {
		a.tracker.RunFlusher(ctx, a.beliefs, a.records)
		return nil
	})
	if a.venue.Kafka != nil {
		a.venue.Kafka.Start(ctx)
	}
	if a.http != nil {
		group.Go(func() error {
			if err := a.http.Start(ctx); err != nil {
				return fmt.Errorf("http server error: %w", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		err := a.scheduler.Run(ctx, func(ctx context.Context) error {
			rep, err := a.Cycle(ctx)
			if err != nil {
				return err
			}
			logger.Debugf("Engine: cycle %d done in %s, %d intents", rep.Cycle, rep.Duration, len(rep.Intents))
			return nil
		})
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}
		return err
	})
	return group.Wait()
}

// shutdown runs after the flusher has written its final batch.
func (a *App) shutdown() {
	if n := a.dispatcher.Dropped(); n > 0 {
		logger.Warnf("App: %d alerts dropped on a full queue", n)
	}
	closeAll(a.closers)
}
