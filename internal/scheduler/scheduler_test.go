package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextTimesAlignsToBoundary(t *testing.T) {
	s := New(time.Minute, 5*time.Second)
	now := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	wake, wait := s.nextTimes(now)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 1, 5, 0, time.UTC), wake)
	assert.Equal(t, 35*time.Second, wait)

	now = time.Date(2026, 3, 1, 10, 0, 2, 0, time.UTC)
	wake, _ = s.nextTimes(now)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 5, 0, time.UTC), wake)
}

func TestMissedBoundaries(t *testing.T) {
	s := New(time.Minute, 0)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.Zero(t, s.missed(base, base.Add(59*time.Second)))
	assert.Equal(t, 2, s.missed(base, base.Add(150*time.Second)))
	assert.Zero(t, s.missed(base, base.Add(-time.Second)))
}

func TestRunImmediatelyAndBusySkip(t *testing.T) {
	busy := errors.New("busy")
	var runs, skips atomic.Int32
	s := New(time.Hour, 0)
	s.RunImmediately = true
	s.Busy = busy
	s.OnSkip = func() { skips.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context) error {
			runs.Add(1)
			return busy
		})
	}()
	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.EqualValues(t, 1, skips.Load())
}

func TestRunRejectsBadInput(t *testing.T) {
	assert.Error(t, New(0, 0).Run(context.Background(), func(context.Context) error { return nil }))
	assert.Error(t, New(time.Second, 0).Run(context.Background(), nil))
}

func TestParseIntervalDuration(t *testing.T) {
	cases := map[string]time.Duration{"30s": 30 * time.Second, "15m": 15 * time.Minute, "4h": 4 * time.Hour, " 1D ": 24 * time.Hour, "1h30m": 90 * time.Minute, "2w": 14 * 24 * time.Hour}
	for in, want := range cases {
		got, ok := ParseIntervalDuration(in)
		require.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", "m", "0m", "-1h", "5x", "abc", "0d"} {
		_, ok := ParseIntervalDuration(bad)
		assert.False(t, ok, bad)
	}
}
