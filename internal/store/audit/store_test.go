package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalcartel/internal/performance"
	"signalcartel/internal/risk"
	"signalcartel/internal/trigger"
	"signalcartel/internal/types"
)

func openStore(t *testing.T) *GormStore {
	t.Helper()
	s, err := NewGormStore(filepath.Join(t.TempDir(), "nested", "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTriggerEventsAppendOnly(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	tr := trigger.Trigger{ID: "t-1", Instrument: "BTCUSDT", Family: "momentum", Direction: types.Long, Status: trigger.StatusCandidate}
	require.NoError(t, s.AppendTrigger(ctx, tr, "generated"))
	tr.Status = trigger.StatusActive
	tr.Size = 0.01
	require.NoError(t, s.AppendTrigger(ctx, tr, "activated"))
	tr.Status = trigger.StatusClosed
	require.NoError(t, s.AppendTrigger(ctx, tr, "closed"))

	events, err := s.TriggerEvents(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"generated", "activated", "closed"}, events)
}

func TestRecordsRoundTripAndRetry(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	recs := []performance.Record{
		{ID: "r1", TriggerID: "a", Family: "momentum", Instrument: "X", Direction: types.Long, Outcome: performance.Win, Return: 0.02, Holding: time.Hour, Params: map[string]float64{"momentum.rsi_period": 14}, ClosedAt: base},
		{ID: "r2", TriggerID: "b", Family: "momentum", Instrument: "Y", Direction: types.Short, Outcome: performance.Loss, Return: -0.01, ClosedAt: base.Add(time.Hour)},
	}
	require.NoError(t, s.AppendRecords(ctx, recs))
	// A retried flush carries the same ids.
	require.NoError(t, s.AppendRecords(ctx, recs))

	got, err := s.RecentRecords(ctx, base.Add(-time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "r1", got[0].ID)
	assert.Equal(t, time.Hour, got[0].Holding)
	assert.Equal(t, 14.0, got[0].Params["momentum.rsi_period"])
	assert.Equal(t, performance.Loss, got[1].Outcome)

	got, err = s.RecentRecords(ctx, base.Add(30*time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "r2", got[0].ID)
}

func TestLatestRiskState(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	_, ok, err := s.LatestRiskState(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	for v := int64(1); v <= 3; v++ {
		require.NoError(t, s.AppendRiskState(ctx, risk.State{Version: v, Equity: 1000 + float64(v), PeakEquity: 1010, UpdatedAt: time.Now()}))
	}
	st, ok, err := s.LatestRiskState(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.EqualValues(t, 3, st.Version)
	assert.Equal(t, 1003.0, st.Equity)
}

func TestEmptyPath(t *testing.T) {
	_, err := NewGormStore("  ")
	assert.Error(t, err)
}
