package risk

import (
	"context"
	"fmt"
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
	"signalcartel/internal/market"
	"signalcartel/internal/trigger"
	"signalcartel/internal/types"
)

type MockEdges struct {
	mock.Mock
}

func (m *MockEdges) Edge(family string) (Edge, bool) {
	args := m.Called(family)
	return args.Get(0).(Edge), args.Bool(1)
}

func riskCfg() config.RiskConfig {
	return config.Default().Risk
}

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func mark(id string, price float64) market.Snapshot {
	return market.Snapshot{Instrument: id, Price: price, ATR: 2, Volatility: 0.02, Quality: 1, Timestamp: t0}
}

func candidate(id string) trigger.Trigger {
	return trigger.Trigger{
		ID:         id + "-1",
		Instrument: id,
		Direction:  types.Long,
		Family:     "mean_reversion",
		EntryPrice: 100,
		Confidence: 0.8,
		Expected:   trigger.ExpectedPerformance{WinProbability: 0.6, AvgWin: 0.03, AvgLoss: 0.015},
		Regime:     trigger.RegimeContext{Confidence: 0.8, Stability: 0.8},
		Status:     trigger.StatusCandidate,
	}
}

func activeAt(id string, size float64) trigger.Trigger {
	t := candidate(id)
	t.Status = trigger.StatusActive
	t.Size = size
	t.ActivatedAt = t0
	return t
}

func TestDrawdownActivatesBreakerAndBlocksOpens(t *testing.T) {
	cfg := riskCfg()
	cfg.CircuitBreakerThreshold = 0.10
	cfg.RecoveryThreshold = 0.05
	m := NewManager(100_000)

	rep := m.Update(Update{Equity: 95_000, Now: t0}, cfg)
	assert.Nil(t, rep.Transition)
	assert.InDelta(t, 0.05, rep.State.Drawdown, 1e-9)
	require.NoError(t, m.AllowOpen())

	rep = m.Update(Update{Equity: 89_000, Now: t0.Add(time.Minute)}, cfg)
	require.NotNil(t, rep.Transition)
	assert.True(t, rep.Transition.Activated)
	assert.True(t, rep.State.Breaker.Active)
	assert.Equal(t, 0.05, rep.State.Breaker.RecoveryThreshold)
	assert.True(t, types.IsKind(m.AllowOpen(), types.KindCircuitBreakerActive))

	out := m.Size(Batch{
		Candidates: []Candidate{
			{Trigger: candidate("AAA"), Snapshot: mark("AAA", 100)},
			{Trigger: candidate("BBB"), Snapshot: mark("BBB", 100)},
			{Trigger: candidate("HDG"), Snapshot: mark("HDG", 100), Hedge: true},
		},
		Now: t0,
	}, cfg)
	require.Len(t, out.Accepted, 1, "only the hedge passes the breaker")
	assert.True(t, out.Accepted[0].Hedge)
	require.Len(t, out.Rejected, 2)
	for _, err := range out.Rejected {
		assert.True(t, types.IsKind(err, types.KindCircuitBreakerActive))
	}

	// no transition is reported twice
	rep = m.Update(Update{Equity: 88_000, Now: t0.Add(2 * time.Minute)}, cfg)
	assert.Nil(t, rep.Transition)
}

func TestBreakerRecoversOnDrawdownNotTime(t *testing.T) {
	cfg := riskCfg()
	m := NewManager(100_000)
	m.Update(Update{Equity: 85_000, Now: t0}, cfg)
	require.True(t, m.State().Breaker.Active)

	rep := m.Update(Update{Equity: 94_000, Now: t0.Add(30 * 24 * time.Hour)}, cfg)
	assert.Nil(t, rep.Transition)
	assert.True(t, rep.State.Breaker.Active, "6% drawdown is still above recovery")

	rep = m.Update(Update{Equity: 96_000, Now: t0.Add(31 * 24 * time.Hour)}, cfg)
	require.NotNil(t, rep.Transition)
	assert.False(t, rep.Transition.Activated)
	assert.False(t, rep.State.Breaker.Active)
	assert.NoError(t, m.AllowOpen())
	assert.InDelta(t, 0.15, rep.State.MaxDrawdown, 1e-9)
}

func TestCorruptStateHaltsIssuance(t *testing.T) {
	cfg := riskCfg()
	m := NewManager(100_000)
	m.Update(Update{Equity: 101_000, Now: t0}, cfg)

	rep := m.Update(Update{Equity: math.NaN(), Now: t0.Add(time.Minute)}, cfg)
	require.Error(t, rep.Halt)
	assert.True(t, types.IsKind(rep.Halt, types.KindFatal))
	assert.True(t, rep.State.Halted)
	assert.Equal(t, 101_000.0, rep.State.Equity, "last sane equity kept")
	assert.True(t, types.IsKind(m.AllowOpen(), types.KindFatal))

	rep = m.Update(Update{Equity: math.Inf(1), Now: t0.Add(2 * time.Minute)}, cfg)
	assert.Nil(t, rep.Halt, "halt reported once")

	out := m.Size(Batch{Candidates: []Candidate{{Trigger: candidate("AAA"), Snapshot: mark("AAA", 100), Hedge: true}}}, cfg)
	assert.Empty(t, out.Accepted)
	require.Len(t, out.Rejected, 1)
	assert.True(t, types.IsKind(out.Rejected[0], types.KindFatal))

	// open positions are still managed
	managed, err := ManageActive(context.Background(), []trigger.Trigger{withLadder(t, activeAt("AAA", 0.05))},
		map[string]market.Snapshot{"AAA": mark("AAA", 90)}, cfg, t0)
	require.NoError(t, err)
	require.Len(t, managed[0].Exits, 1)
	assert.Equal(t, ExitStop, managed[0].Exits[0].Reason)

	m.Resume()
	assert.NoError(t, m.AllowOpen())
}

func TestRiskStateMetrics(t *testing.T) {
	cfg := riskCfg()
	m := NewManager(100_000)
	equity := 100_000.0
	for i := 0; i < 40; i++ {
		if i%4 == 3 {
			equity *= 0.99
		} else {
			equity *= 1.004
		}
		m.Update(Update{Equity: equity, Now: t0.Add(time.Duration(i) * time.Minute)}, cfg)
	}
	rep := m.Update(Update{
		Equity: equity,
		Active: []trigger.Trigger{activeAt("AAA", 0.06), activeAt("BBB", 0.03)},
		Now:    t0.Add(time.Hour),
	}, cfg)
	st := rep.State
	assert.Greater(t, st.PortfolioVolatility, 0.0)
	assert.Greater(t, st.VaR95, 0.0)
	assert.GreaterOrEqual(t, st.VaR99, st.VaR95)
	assert.GreaterOrEqual(t, st.ExpectedShortfall, st.VaR95)
	assert.InDelta(t, 0.09, st.OpenRisk, 1e-12)
	assert.InDelta(t, 0.09/cfg.MaxTotalRisk, st.Heat, 1e-12)
	assert.Equal(t, int64(41), st.Version)
}

func TestRiskWarnings(t *testing.T) {
	cfg := riskCfg()
	m := NewManager(100_000)
	rep := m.Update(Update{
		Equity:        82_000,
		Active:        []trigger.Trigger{activeAt("AAA", 0.05), activeAt("BBB", 0.01)},
		RecentWinRate: 0.3,
		HasWinRate:    true,
		Now:           t0,
	}, cfg)
	byType := map[string]Warning{}
	for _, w := range rep.Warnings {
		byType[w.Type] = w
	}
	require.Contains(t, byType, WarnWinRate)
	require.Contains(t, byType, WarnDrawdown)
	assert.Equal(t, types.SeverityCritical, byType[WarnDrawdown].Severity)
	require.Contains(t, byType, WarnConcentration)
	assert.Equal(t, "AAA", byType[WarnConcentration].Instrument)
}

func TestKellyAdjustment(t *testing.T) {
	cfg := riskCfg()
	cases := []struct {
		name string
		p    float64
		win  float64
		loss float64
		want float64
	}{
		{"capped edge keeps size", 0.6, 0.03, 0.015, 1},
		{"no edge zeroes size", 0.5, 0.02, 0.02, 0},
		{"partial edge", 0.55, 0.02, 0.02, 0.4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tr := candidate("AAA")
			tr.Expected = trigger.ExpectedPerformance{WinProbability: tc.p, AvgWin: tc.win, AvgLoss: tc.loss}
			adj := newSizer(cfg, nil, nil, nil).kelly(tr)
			assert.Equal(t, AdjKelly, adj.Name)
			assert.InDelta(t, tc.want, adj.Value, 1e-9)
		})
	}

	edges := &MockEdges{}
	edges.On("Edge", "mean_reversion").Return(Edge{WinProbability: 0.55, AvgWin: 0.02, AvgLoss: 0.02, Count: 12}, true)
	adj := newSizer(cfg, nil, edges, nil).kelly(candidate("AAA"))
	assert.InDelta(t, 0.4, adj.Value, 1e-9, "realized edge overrides expected")
	assert.Contains(t, adj.Rationale, "realized")
	edges.AssertExpectations(t)

	cfg.KellyEnabled = false
	assert.Equal(t, 1.0, newSizer(cfg, nil, nil, nil).kelly(candidate("AAA")).Value)
}

func TestSizingRecordsAdjustmentsAndExits(t *testing.T) {
	cfg := riskCfg()
	out := NewManager(100_000).Size(Batch{
		Candidates: []Candidate{{Trigger: candidate("AAA"), Snapshot: mark("AAA", 100)}},
		Now:        t0,
	}, cfg)
	require.Len(t, out.Accepted, 1)
	res := out.Accepted[0].Result
	names := make([]string, 0, len(res.Adjustments))
	for _, a := range res.Adjustments {
		names = append(names, a.Name)
	}
	assert.Equal(t, []string{"base", AdjKelly, AdjVolTarget, AdjConfidence, AdjCorrelation, AdjRegime, AdjLiquidity}, names)
	assert.Greater(t, res.Recommended, cfg.MaxSinglePosition)
	require.NotEmpty(t, res.Constraints)
	assert.Equal(t, ConstraintMaxSingle, res.Constraints[0].Type)
	assert.Equal(t, cfg.MaxSinglePosition, res.Final)

	sized := out.Accepted[0].Trigger
	assert.Equal(t, cfg.MaxSinglePosition, sized.Size)
	require.Len(t, sized.Exit.TakeProfits, 3)
	assert.Less(t, sized.Exit.StopLoss.Price, 100.0)
}

func TestPortfolioHeatShrinksSize(t *testing.T) {
	cfg := riskCfg()
	active := []trigger.Trigger{activeAt("A", 0.05), activeAt("B", 0.05), activeAt("C", 0.05), activeAt("D", 0.02)}
	out := NewManager(100_000).Size(Batch{
		Candidates: []Candidate{{Trigger: candidate("E"), Snapshot: mark("E", 100)}},
		Active:     active,
		Now:        t0,
	}, cfg)
	require.Len(t, out.Accepted, 1)
	res := out.Accepted[0].Result
	last := res.Constraints[len(res.Constraints)-1]
	assert.Equal(t, ConstraintPortfolioHeat, last.Type)
	room := cfg.MaxPortfolioHeat*cfg.MaxTotalRisk - 0.17
	assert.InDelta(t, room, res.Final, 1e-9)
}

func TestBelowMinimumIsDropped(t *testing.T) {
	cfg := riskCfg()
	cfg.MinPositionSize = 0.2
	out := NewManager(100_000).Size(Batch{
		Candidates: []Candidate{{Trigger: candidate("AAA"), Snapshot: mark("AAA", 100)}},
	}, cfg)
	assert.Empty(t, out.Accepted)
	require.Len(t, out.Results, 1)
	assert.True(t, out.Results[0].Dropped)
	require.Len(t, out.Rejected, 1)
	assert.True(t, types.IsKind(out.Rejected[0], types.KindConstraintRejection))
}

func TestSizingNeverExceedsLimits(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("final size within single and cluster limits", prop.ForAll(
		func(vols []float64, rho float64, groups int) bool {
			cfg := riskCfg()
			group := func(id string) int {
				var n int
				fmt.Sscanf(id, "I%d", &n)
				return n % groups
			}
			corr := func(a, b string) float64 {
				if a == b {
					return 1
				}
				if group(a) == group(b) {
					return rho
				}
				return 0
			}
			var cands []Candidate
			for i, v := range vols {
				id := fmt.Sprintf("I%d", i)
				snap := mark(id, 100)
				snap.Volatility = v
				cands = append(cands, Candidate{Trigger: candidate(id), Snapshot: snap})
			}
			out := NewManager(100_000).Size(Batch{Candidates: cands, Correlation: corr}, cfg)
			for _, s := range out.Accepted {
				if s.Trigger.Size > cfg.MaxSinglePosition+1e-12 {
					return false
				}
			}
			for _, center := range out.Accepted {
				var sum float64
				for _, s := range out.Accepted {
					sum += weight(corr, center.Trigger.Instrument, s.Trigger.Instrument) * s.Trigger.Size
				}
				if sum > cfg.MaxCorrelatedPosition+1e-9 {
					return false
				}
			}
			var total float64
			for _, s := range out.Accepted {
				total += s.Trigger.Size
			}
			return total <= cfg.MaxPortfolioHeat*cfg.MaxTotalRisk+1e-9
		},
		gen.SliceOfN(8, gen.Float64Range(0.002, 0.08)),
		gen.Float64Range(0, 1),
		gen.IntRange(1, 4),
	))
	properties.TestingRun(t)
}

func withLadder(t *testing.T, tr trigger.Trigger) trigger.Trigger {
	t.Helper()
	exit, err := trigger.BuildExit(tr.Direction, tr.EntryPrice, 2, trigger.ExitSpec{
		StopATR: 2, LadderATR: []float64{1.5, 3, 5}, Weights: []float64{0.5, 0.3, 0.2}, Trailing: true,
	})
	require.NoError(t, err)
	tr.Exit = exit
	return tr
}

func TestRecomputeExitForCandidates(t *testing.T) {
	cfg := riskCfg()
	tr := candidate("AAA")
	tr.Regime.Confidence = 1
	out, err := RecomputeExit(tr, mark("AAA", 100), cfg, t0)
	require.NoError(t, err)
	assert.InDelta(t, 96, out.Exit.StopLoss.Price, 1e-9)
	require.Len(t, out.Exit.TakeProfits, 3)
	assert.InDelta(t, 103, out.Exit.TakeProfits[0].Price, 1e-9)
	assert.InDelta(t, 106, out.Exit.TakeProfits[1].Price, 1e-9)
	assert.InDelta(t, 110, out.Exit.TakeProfits[2].Price, 1e-9)

	tr.Regime.Confidence = 0
	out, err = RecomputeExit(tr, mark("AAA", 100), cfg, t0)
	require.NoError(t, err)
	assert.InDelta(t, 94, out.Exit.StopLoss.Price, 1e-9, "uncertain regime widens the stop")

	_, err = RecomputeExit(tr, market.Snapshot{Instrument: "AAA"}, cfg, t0)
	assert.Error(t, err)
}

func TestStopDistanceDecay(t *testing.T) {
	cfg := riskCfg()
	period := time.Duration(cfg.StopTimeDecayMinutes) * time.Minute
	assert.InDelta(t, 4, StopDistance(2, 1, 0, cfg), 1e-9)
	assert.InDelta(t, 3.6, StopDistance(2, 1, period+time.Minute, cfg), 1e-9)
	assert.InDelta(t, 2, StopDistance(2, 1, 20*period, cfg), 1e-9, "decay floors at half")
}

func TestActiveStopOnlyRatchets(t *testing.T) {
	cfg := riskCfg()
	tr := withLadder(t, activeAt("AAA", 0.05))
	tr.Regime.Confidence = 1
	now := t0.Add(time.Duration(cfg.StopTimeDecayMinutes+1) * time.Minute)

	up, err := RecomputeExit(tr, mark("AAA", 110), cfg, now)
	require.NoError(t, err)
	assert.InDelta(t, 106.4, up.Exit.StopLoss.Price, 1e-9)

	back, err := RecomputeExit(up, mark("AAA", 104), cfg, now)
	require.NoError(t, err)
	assert.Equal(t, up.Exit.StopLoss.Price, back.Exit.StopLoss.Price)
}

func TestManageActiveExits(t *testing.T) {
	cfg := riskCfg()
	a := withLadder(t, activeAt("AAA", 0.05))
	a.Regime.Confidence = 1
	b := withLadder(t, activeAt("BBB", 0.05))
	c := withLadder(t, activeAt("CCC", 0.05))
	managed, err := ManageActive(context.Background(), []trigger.Trigger{a, b, c}, map[string]market.Snapshot{
		"AAA": mark("AAA", 104),
		"BBB": mark("BBB", 95),
	}, cfg, t0)
	require.NoError(t, err)
	require.Len(t, managed, 3)

	require.Len(t, managed[0].Exits, 1)
	assert.Equal(t, ExitTarget, managed[0].Exits[0].Reason)
	assert.Equal(t, 0.5, managed[0].Exits[0].Fraction)
	assert.False(t, managed[0].Exits[0].Final)
	assert.Len(t, managed[0].Trigger.Exit.TakeProfits, 2)
	assert.InDelta(t, 0.025, managed[0].Trigger.Size, 1e-12)
	assert.InDelta(t, 100, managed[0].Trigger.Exit.StopLoss.Price, 1e-9)

	require.Len(t, managed[1].Exits, 1)
	assert.Equal(t, ExitStop, managed[1].Exits[0].Reason)
	assert.True(t, managed[1].Exits[0].Final)

	assert.Empty(t, managed[2].Exits, "no mark, no change")
	assert.Equal(t, c.Exit, managed[2].Trigger.Exit)
}
