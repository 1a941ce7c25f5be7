package performance

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"signalcartel/internal/config"
	"signalcartel/internal/regime"
	"signalcartel/internal/trigger"
	"signalcartel/internal/types"
)

var base = time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)

func perfCfg() config.PerformanceConfig {
	return config.Default().Performance
}

func newTestTracker(cfg config.PerformanceConfig, now time.Time) *Tracker {
	tr := NewTracker(cfg)
	tr.now = func() time.Time { return now }
	return tr
}

func rec(family string, ret float64, at time.Time) Record {
	return Record{
		TriggerID: "t-" + at.Format("150405.000"),
		Family:    family,
		Return:    ret,
		Regime:    regime.TrendingBull,
		ParamKeys: []string{family + ".rsi_low"},
		Params:    map[string]float64{family + ".rsi_low": 30},
		ClosedAt:  at,
	}
}

func TestRecordCloseComputesMetrics(t *testing.T) {
	tr := newTestTracker(perfCfg(), base)
	returns := []float64{0.02, -0.01, 0.03, 0, -0.02}
	for i, r := range returns {
		_, err := tr.RecordClose(rec("mean_reversion", r, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	m, ok := tr.Metrics("mean_reversion")
	require.True(t, ok)
	assert.Equal(t, 5, m.Count)
	assert.Equal(t, 2, m.Wins)
	assert.Equal(t, 2, m.Losses)
	assert.InDelta(t, 0.4, m.WinRate, 1e-12)
	assert.InDelta(t, 0.025, m.AvgWin, 1e-12)
	assert.InDelta(t, 0.015, m.AvgLoss, 1e-12)
	assert.InDelta(t, 0.05/0.03, m.ProfitFactor, 1e-9)
	assert.Greater(t, m.MaxDrawdown, 0.0)

	byRegime, ok := tr.Metrics(RegimeKey("mean_reversion", regime.TrendingBull))
	require.True(t, ok)
	assert.Equal(t, 5, byRegime.Count)
}

func TestRecordsAreAppendOnlyCopies(t *testing.T) {
	tr := newTestTracker(perfCfg(), base)
	in := rec("momentum_breakout", 0.01, base)
	out, err := tr.RecordClose(in)
	require.NoError(t, err)
	assert.NotEmpty(t, out.ID)
	assert.Equal(t, Win, out.Outcome)

	in.Params["momentum_breakout.rsi_low"] = 99
	out.Params["momentum_breakout.rsi_low"] = 77
	stored := tr.Records()
	require.Len(t, stored, 1)
	assert.Equal(t, 30.0, stored[0].Params["momentum_breakout.rsi_low"])
}

func TestRecordCloseRejectsInvalid(t *testing.T) {
	tr := newTestTracker(perfCfg(), base)
	bad := []Record{
		{Family: "x", Return: 0.01},
		{TriggerID: "a", Return: 0.01},
		{TriggerID: "a", Family: "x", Return: math.NaN()},
		{TriggerID: "a", Family: "x", Return: -1.5},
	}
	for _, r := range bad {
		_, err := tr.RecordClose(r)
		require.Error(t, err)
		assert.True(t, types.IsKind(err, types.KindValidationFailure))
	}
	assert.Empty(t, tr.Records())
}

func TestTrackingPeriodWindowsMetrics(t *testing.T) {
	cfg := perfCfg()
	cfg.TrackingPeriodHours = 1
	tr := newTestTracker(cfg, base)
	_, err := tr.RecordClose(rec("pattern", -0.02, base))
	require.NoError(t, err)
	_, err = tr.RecordClose(rec("pattern", 0.02, base.Add(2*time.Hour)))
	require.NoError(t, err)
	m, _ := tr.Metrics("pattern")
	assert.Equal(t, 1, m.Count, "old loss falls out of the window")
	assert.Equal(t, 1.0, m.WinRate)
}

func TestBeliefUpdate(t *testing.T) {
	cfg := perfCfg()
	cfg.LearningRate = 0.5
	tr := newTestTracker(cfg, base)
	tr.Seed(map[string]Belief{"mr.rsi_low": {Mean: 30, Count: 1, Observed: 30}})

	r := Record{TriggerID: "a", Family: "mr", Return: 0.05, ParamKeys: []string{"mr.rsi_low"}, Params: map[string]float64{"mr.rsi_low": 40}, ClosedAt: base}
	_, err := tr.RecordClose(r)
	require.NoError(t, err)
	b, ok := tr.Snapshot().Belief("mr.rsi_low")
	require.True(t, ok)
	ev := math.Tanh(5)
	assert.InDelta(t, 30+ev*0.5*10, b.Mean, 1e-9, "win pulls toward the used value")
	assert.Equal(t, 2, b.Count)
	assert.Equal(t, 1, b.Wins)

	r.Return = -0.05
	r.ClosedAt = base.Add(time.Minute)
	_, err = tr.RecordClose(r)
	require.NoError(t, err)
	after, _ := tr.Snapshot().Belief("mr.rsi_low")
	assert.Less(t, after.Mean, b.Mean, "loss pushes away from the used value")

	r.Return = 0
	r.ClosedAt = base.Add(2 * time.Minute)
	_, err = tr.RecordClose(r)
	require.NoError(t, err)
	flat, _ := tr.Snapshot().Belief("mr.rsi_low")
	assert.Equal(t, after.Mean, flat.Mean, "breakeven carries no evidence")
	assert.Equal(t, 4, flat.Count)

	lo, hi := flat.Interval()
	assert.Less(t, lo, flat.Mean)
	assert.Greater(t, hi, flat.Mean)
}

func TestBeliefConfidence(t *testing.T) {
	b := Belief{Mean: 1, Count: 10, LastUpdated: base}
	assert.InDelta(t, 0.5, b.Confidence(base, time.Hour), 1e-12)
	assert.InDelta(t, 0.5*math.Exp(-1), b.Confidence(base.Add(time.Hour), time.Hour), 1e-12)
	assert.Zero(t, Belief{}.Confidence(base, time.Hour))
}

func TestBayesianUpdateMonotonicOnWins(t *testing.T) {
	properties := gopter.NewProperties(nil)
	properties.Property("all-win sequences move the posterior toward the used value", prop.ForAll(
		func(prior, used, lr float64, returns []float64) bool {
			b := Belief{Mean: prior, Count: 1}
			dist := math.Abs(used - b.Mean)
			side := math.Signbit(used - b.Mean)
			for i, r := range returns {
				ev := Evidence(Record{Outcome: Win, Return: r})
				b = b.update(used, ev, lr, base.Add(time.Duration(i)*time.Second))
				d := math.Abs(used - b.Mean)
				if d > dist+1e-12 {
					return false
				}
				if d > 1e-12 && math.Signbit(used-b.Mean) != side {
					return false
				}
				dist = d
			}
			return true
		},
		gen.Float64Range(0, 100),
		gen.Float64Range(0, 100),
		gen.Float64Range(0.01, 1),
		gen.SliceOf(gen.Float64Range(0.0002, 0.2)),
	))
	properties.TestingRun(t)
}

func TestSnapshotServesPriorsAndEdges(t *testing.T) {
	cfg := perfCfg()
	cfg.RegimeKeyed = true
	tr := newTestTracker(cfg, base)
	for i := 0; i < 6; i++ {
		ret := 0.02
		if i%3 == 2 {
			ret = -0.01
		}
		_, err := tr.RecordClose(rec("volume_profile", ret, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	snap := tr.Snapshot()

	var priors trigger.Priors = snap
	mean, conf, ok := priors.Prior("volume_profile.rsi_low")
	require.True(t, ok)
	assert.Equal(t, 30.0, mean)
	assert.InDelta(t, 6.0/16.0, conf, 1e-9)

	_, _, ok = snap.ForRegime(regime.TrendingBull).Prior("volume_profile.rsi_low")
	assert.True(t, ok)
	_, _, ok = snap.ForRegime(regime.SidewaysCalm).Prior("volume_profile.rsi_low")
	assert.True(t, ok, "falls back to the regime-agnostic belief")
	_, _, ok = snap.Prior("unknown.key")
	assert.False(t, ok)

	edge, ok := snap.Edge("volume_profile")
	require.True(t, ok)
	assert.Equal(t, 6, edge.Count)
	assert.InDelta(t, 4.0/6.0, edge.WinProbability, 1e-12)
	assert.InDelta(t, 0.02, edge.AvgWin, 1e-12)
	assert.InDelta(t, 0.01, edge.AvgLoss, 1e-12)

	// the snapshot does not see later records
	_, err := tr.RecordClose(rec("volume_profile", 0.02, base.Add(time.Hour)))
	require.NoError(t, err)
	edge, _ = snap.Edge("volume_profile")
	assert.Equal(t, 6, edge.Count)

	var nilSnap *BeliefSnapshot
	_, _, ok = nilSnap.Prior("x")
	assert.False(t, ok)
}

func TestDegradations(t *testing.T) {
	cfg := perfCfg()
	cfg.DegradationWindow = 20
	tr := newTestTracker(cfg, base.Add(2*time.Hour))
	at := base
	for i := 0; i < 40; i++ {
		win := i%5 != 0 // 80% early
		if i >= 20 {
			win = i%5 == 0 // 20% late
		}
		ret := 0.01
		if !win {
			ret = -0.03
		}
		_, err := tr.RecordClose(rec("support_resistance", ret, at))
		require.NoError(t, err)
		at = at.Add(time.Minute)
	}
	degs := tr.Degradations()
	kinds := map[string]Degradation{}
	for _, d := range degs {
		assert.Equal(t, "support_resistance", d.Family)
		kinds[d.Kind] = d
	}
	require.Contains(t, kinds, DegradedWinRate)
	assert.Equal(t, types.SeverityCritical, kinds[DegradedWinRate].Severity)
	assert.InDelta(t, 0.2, kinds[DegradedWinRate].Recent, 1e-12)
	assert.InDelta(t, 0.5, kinds[DegradedWinRate].Baseline, 1e-12)
	require.Contains(t, kinds, DegradedDrawdown)
	assert.Equal(t, types.SeverityCritical, kinds[DegradedDrawdown].Severity)

	wr, ok := tr.RecentWinRate()
	require.True(t, ok)
	assert.InDelta(t, 0.2, wr, 1e-12)
}

type MockSaver struct{ mock.Mock }

func (m *MockSaver) SaveBeliefs(ctx context.Context, beliefs map[string]Belief) error {
	return m.Called(ctx, beliefs).Error(0)
}

type MockAppender struct{ mock.Mock }

func (m *MockAppender) AppendRecords(ctx context.Context, records []Record) error {
	return m.Called(ctx, records).Error(0)
}

func TestFlushRequeuesOnFailure(t *testing.T) {
	tr := newTestTracker(perfCfg(), base)
	_, err := tr.RecordClose(rec("pattern", 0.01, base))
	require.NoError(t, err)

	saver := &MockSaver{}
	appender := &MockAppender{}
	appender.On("AppendRecords", mock.Anything, mock.Anything).Return(errors.New("disk full")).Once()
	saver.On("SaveBeliefs", mock.Anything, mock.Anything).Return(nil).Once()
	require.Error(t, tr.Flush(context.Background(), saver, appender))

	appender.On("AppendRecords", mock.Anything, mock.MatchedBy(func(rs []Record) bool { return len(rs) == 1 })).Return(nil).Once()
	require.NoError(t, tr.Flush(context.Background(), saver, appender))

	// nothing new: no calls
	require.NoError(t, tr.Flush(context.Background(), saver, appender))
	appender.AssertNumberOfCalls(t, "AppendRecords", 2)
	saver.AssertNumberOfCalls(t, "SaveBeliefs", 1)
}

func TestRecordFromTrigger(t *testing.T) {
	tg := trigger.Trigger{
		ID: "x", Instrument: "ETHUSDT", Family: "momentum_breakout", Direction: "short",
		EntryPrice: 100, ActivatedAt: base, Params: map[string]float64{"lookback": 20},
	}
	r := RecordFromTrigger(tg, Close{ExitPrice: 95, Slippage: 0.001, Regime: regime.TrendingBear, ClosedAt: base.Add(time.Hour)})
	assert.InDelta(t, 0.049, r.Return, 1e-9)
	assert.Equal(t, Win, r.Outcome)
	assert.Equal(t, time.Hour, r.Holding)
	assert.Equal(t, []string{"momentum_breakout.lookback"}, r.ParamKeys)
	assert.Equal(t, 20.0, r.Params["momentum_breakout.lookback"])
}
