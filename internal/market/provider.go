package market

import (
	"context"
	"fmt"
	"time"
)

// Provider supplies one snapshot per instrument per tick.
type Provider interface {
	Snapshot(ctx context.Context, instrument string) (Snapshot, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, instrument string) (Snapshot, error)

func (f ProviderFunc) Snapshot(ctx context.Context, instrument string) (Snapshot, error) {
	return f(ctx, instrument)
}

// TimeoutProvider bounds every call to Inner; exceeding Timeout is a failure.
type TimeoutProvider struct {
	Inner   Provider
	Timeout time.Duration
}

func (p TimeoutProvider) Snapshot(ctx context.Context, instrument string) (Snapshot, error) {
	if p.Inner == nil {
		return Snapshot{}, fmt.Errorf("market provider not configured")
	}
	if p.Timeout <= 0 {
		return p.Inner.Snapshot(ctx, instrument)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	type result struct {
		snap Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := p.Inner.Snapshot(callCtx, instrument)
		done <- result{snap: snap, err: err}
	}()
	select {
	case res := <-done:
		return res.snap, res.err
	case <-callCtx.Done():
		return Snapshot{}, fmt.Errorf("snapshot %s: %w", instrument, callCtx.Err())
	}
}
