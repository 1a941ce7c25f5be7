package venue

import (
	"context"
	"errors"
	"time"

	"signalcartel/internal/pkg/circuit"
	"signalcartel/internal/types"
)

// Guarded bounds every venue call with a timeout and pauses submissions
// after consecutive transport failures. Venue rejections are answers, not
// failures, and do not trip the breaker.
type Guarded struct {
	next    Venue
	breaker *circuit.Breaker
	timeout time.Duration
}

func NewGuarded(next Venue, breaker *circuit.Breaker, timeout time.Duration) *Guarded {
	return &Guarded{next: next, breaker: breaker, timeout: timeout}
}

func (g *Guarded) Submit(ctx context.Context, intent OrderIntent) (Result, error) {
	if !g.breaker.Allow() {
		return Result{}, types.NewError(types.KindVenueRejection, intent.Instrument, circuit.ErrOpen)
	}
	cctx, cancel := g.bound(ctx)
	defer cancel()
	res, err := g.next.Submit(cctx, intent)
	if err != nil {
		g.breaker.Failure()
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, types.Errorf(types.KindVenueRejection, intent.Instrument, "submit timed out after %s", g.timeout)
		}
		return Result{}, types.NewError(types.KindVenueRejection, intent.Instrument, err)
	}
	g.breaker.Success()
	return res, nil
}

func (g *Guarded) Cancel(ctx context.Context, orderID string) error {
	cctx, cancel := g.bound(ctx)
	defer cancel()
	return g.breaker.Do(func() error { return g.next.Cancel(cctx, orderID) })
}

func (g *Guarded) Events() <-chan Event { return g.next.Events() }

// Breaker exposes the guard state for metrics.
func (g *Guarded) Breaker() *circuit.Breaker { return g.breaker }

func (g *Guarded) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}
