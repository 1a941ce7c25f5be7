package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalcartel/internal/config"
	"signalcartel/internal/coordinator"
	"signalcartel/internal/gateway/notifier"
	"signalcartel/internal/gateway/venue"
	"signalcartel/internal/market"
	"signalcartel/internal/market/feed"
	"signalcartel/internal/performance"
	"signalcartel/internal/regime"
	"signalcartel/internal/risk"
	"signalcartel/internal/templates"
	"signalcartel/internal/trigger"
	"signalcartel/internal/types"
)

type recordingSink struct {
	mu     sync.Mutex
	alerts []notifier.Alert
}

func (s *recordingSink) Notify(a notifier.Alert) {
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
}

func (s *recordingSink) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, a.Kind)
	}
	return out
}

// steadyStrategy proposes one long trigger per instrument with a strong
// recorded edge, so every cycle has something to coordinate and size.
type steadyStrategy struct{}

func (steadyStrategy) Name() string { return "steady" }
func (steadyStrategy) Compatible(regime.Label) bool { return true }

func (steadyStrategy) Generate(_ context.Context, in trigger.Input) ([]trigger.Trigger, error) {
	snap := in.Snapshot
	atr := snap.ATR
	if atr <= 0 {
		atr = snap.Price * 0.01
	}
	exit, err := trigger.BuildExit(types.Long, snap.Price, atr, in.Exit)
	if err != nil {
		return nil, err
	}
	return []trigger.Trigger{{
		ID:         uuid.NewString(),
		Instrument: snap.Instrument,
		Direction:  types.Long,
		Family:     "steady",
		Entry:      trigger.EntryLogic{Mode: "all", OrderType: "market"},
		EntryPrice: snap.Price,
		Exit:       exit,
		Risk:       trigger.RiskParams{MaxLoss: 0.02, RewardRatio: 2, ATR: atr, Volatility: snap.Volatility},
		Expected: trigger.ExpectedPerformance{
			WinProbability: 0.6, ExpectedReturn: 0.012, AvgWin: 0.03, AvgLoss: 0.015, SampleSize: 80, PValue: 0.01,
		},
		Confidence: 0.8,
		Regime:     trigger.RegimeContext{Label: in.Regime.Label, Confidence: in.Regime.Confidence, Stability: in.Regime.Stability},
		Status:     trigger.StatusCandidate,
		CreatedAt:  in.Now,
	}}, nil
}

type fixture struct {
	cfg    *config.Config
	engine *Engine
	paper  *venue.PaperVenue
	sink   *recordingSink
	hist   *feed.HistoryProvider
}

func newFixture(t *testing.T, ids []string, provider func(*feed.HistoryProvider) market.Provider) *fixture {
	t.Helper()
	cfg := config.Default()
	for i, id := range ids {
		cfg.Instruments = append(cfg.Instruments, config.InstrumentConfig{ID: id, Sector: fmt.Sprintf("s%d", i), Currency: "USD"})
	}

	replay := feed.RandomWalk(ids, 160, 7)
	buf := market.NewHistoryBuffer(200)
	for replay.Step(buf) {
	}
	hist := feed.NewHistoryProvider(buf, 160)
	var p market.Provider = hist
	if provider != nil {
		p = provider(hist)
	}

	// fixed fractional sizing keeps the steady candidate above the minimum
	cfg.Risk.SizingMethod = "fixed_fractional"
	cfg.Risk.BasePercent = 0.05
	cfg.Risk.VolTargetEnabled = false
	cfg.Generator.Strategies = append(cfg.Generator.Strategies, steadyStrategy{}.Name())

	tpls, err := templates.NewDefaultRegistry()
	require.NoError(t, err)
	strategies := trigger.NewDefaultRegistry(tpls)
	strategies.Register(steadyStrategy{})
	ens, err := regime.NewEnsembleFromConfig(cfg.Regime)
	require.NoError(t, err)

	f := &fixture{cfg: cfg, paper: venue.NewPaperVenue(64), sink: &recordingSink{}, hist: hist}
	f.engine = New(Deps{
		Config:      config.StaticSource(cfg),
		Provider:    p,
		Ensemble:    ens,
		Generator:   trigger.NewGenerator(strategies),
		Coordinator: coordinator.New(),
		Risk:        risk.NewManager(cfg.Risk.InitialEquity),
		Tracker:     performance.NewTracker(cfg.Performance),
		Venue:       f.paper,
		Sink:        f.sink,
	})
	return f
}

func assertOnePerInstrument(t *testing.T, e *Engine) {
	t.Helper()
	seen := make(map[string]bool)
	for _, tr := range e.Registry().Active() {
		assert.False(t, seen[tr.Instrument], "two active triggers on %s", tr.Instrument)
		seen[tr.Instrument] = true
		assert.Equal(t, trigger.StatusActive, tr.Status)
	}
}

func TestRunCycleIssuesAtMostOnePerInstrument(t *testing.T) {
	f := newFixture(t, []string{"AAA", "BBB", "CCC"}, nil)
	ctx := context.Background()

	rep, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.NotZero(t, rep.OpenIntents())
	assert.EqualValues(t, 1, rep.Cycle)
	assert.Len(t, rep.Instruments, 3)
	assert.Empty(t, rep.TimedOut)
	assertOnePerInstrument(t, f.engine)
	assert.Equal(t, f.engine.Registry().Len(), rep.Active)

	opened := make(map[string]int)
	for _, in := range rep.Intents {
		if in.Kind == venue.KindOpen {
			opened[in.Instrument]++
		}
	}
	for id, n := range opened {
		assert.Equal(t, 1, n, "instrument %s", id)
	}

	// a second cycle never stacks a new trigger on an active instrument
	before := make(map[string]string)
	for _, tr := range f.engine.Registry().Active() {
		before[tr.Instrument] = tr.ID
	}
	rep, err = f.engine.RunCycle(ctx)
	require.NoError(t, err)
	assertOnePerInstrument(t, f.engine)
	for _, in := range rep.Intents {
		if in.Kind != venue.KindOpen {
			continue
		}
		_, wasActive := before[in.Instrument]
		assert.False(t, wasActive, "opened %s while already active", in.Instrument)
	}
	assert.Equal(t, rep, f.engine.LastReport())
}

func TestBreakerBlocksNewOpens(t *testing.T) {
	f := newFixture(t, []string{"AAA"}, nil)
	// realized equity 15% under the peak
	f.engine.realized = f.cfg.Risk.InitialEquity * 0.85

	rep, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Risk.Breaker.Active)
	assert.Zero(t, rep.OpenIntents())
	assert.Zero(t, f.engine.Registry().Len())
	assert.Contains(t, f.sink.kinds(), notifier.AlertCircuitBreaker)
	assert.Contains(t, dropKinds(rep, "AAA"), types.KindCircuitBreakerActive)
}

func dropKinds(rep CycleReport, instrument string) []types.ErrorKind {
	var out []types.ErrorKind
	for _, d := range rep.Dropped {
		if d.Instrument == instrument {
			out = append(out, d.Kind)
		}
	}
	return out
}

func TestDrawdownCrossingThresholdStopsOpens(t *testing.T) {
	f := newFixture(t, []string{"AAA", "BBB"}, nil)
	ctx := context.Background()
	// BBB stays free for the second cycle
	f.paper.RejectWhen(func(in venue.OrderIntent) (string, bool) {
		return "not today", in.Instrument == "BBB"
	})

	f.engine.realized = f.cfg.Risk.InitialEquity * 0.95
	rep, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, rep.Risk.Drawdown, 1e-9)
	assert.False(t, rep.Risk.Breaker.Active)
	require.NotZero(t, rep.OpenIntents())
	require.Empty(t, activeID(f.engine, "BBB"))

	f.paper.RejectWhen(nil)
	f.engine.realized = f.cfg.Risk.InitialEquity * 0.89
	rep, err = f.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Greater(t, rep.Risk.Drawdown, f.cfg.Risk.CircuitBreakerThreshold)
	assert.True(t, rep.Risk.Breaker.Active)
	assert.Zero(t, rep.OpenIntents())
	assert.Contains(t, dropKinds(rep, "BBB"), types.KindCircuitBreakerActive)
	assert.Contains(t, f.sink.kinds(), notifier.AlertCircuitBreaker)
	assertOnePerInstrument(t, f.engine)
}

func activeID(e *Engine, instrument string) string {
	for _, tr := range e.Registry().Active() {
		if tr.Instrument == instrument {
			return tr.ID
		}
	}
	return ""
}

func TestRiskWarningsReachReportAndSink(t *testing.T) {
	f := newFixture(t, []string{"AAA"}, nil)
	f.cfg.Risk.DrawdownWarning = 0.05
	f.cfg.Risk.CircuitBreakerThreshold = 0.5
	f.engine.realized = f.cfg.Risk.InitialEquity * 0.9
	ctx := context.Background()

	riskAlerts := func() int {
		n := 0
		for _, k := range f.sink.kinds() {
			if k == notifier.AlertRiskWarning {
				n++
			}
		}
		return n
	}
	drawdownWarned := func(rep CycleReport) bool {
		for _, w := range rep.Warnings {
			if w.Kind == types.KindRiskWarning && strings.HasPrefix(w.Message, risk.WarnDrawdown) {
				return true
			}
		}
		return false
	}

	rep, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.False(t, rep.Risk.Breaker.Active)
	assert.True(t, drawdownWarned(rep))
	assert.Equal(t, 1, riskAlerts())

	// still warned in the report, not alerted again at the same severity
	rep, err = f.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.True(t, drawdownWarned(rep))
	assert.Equal(t, 1, riskAlerts())
}

func TestStageTimeoutReusesPreviousOutput(t *testing.T) {
	var mu sync.Mutex
	slow := false
	f := newFixture(t, []string{"AAA", "BBB"}, func(h *feed.HistoryProvider) market.Provider {
		return market.ProviderFunc(func(ctx context.Context, id string) (market.Snapshot, error) {
			mu.Lock()
			s := slow
			mu.Unlock()
			if s && id == "BBB" {
				// ignores ctx so the stage misses the cycle deadline
				time.Sleep(1500 * time.Millisecond)
			}
			return h.Snapshot(ctx, id)
		})
	})
	f.cfg.Engine.CycleTimeoutSeconds = 1
	ctx := context.Background()

	first, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	require.Len(t, first.Instruments, 2)

	mu.Lock()
	slow = true
	mu.Unlock()
	rep, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"BBB"}, rep.TimedOut)
	require.Len(t, rep.Instruments, 2)
	for _, in := range rep.Instruments {
		if in.Instrument == "BBB" {
			assert.True(t, in.Stale)
			assert.Equal(t, first.Instruments[1].Regime, in.Regime)
			assert.False(t, in.Changed)
		} else {
			assert.False(t, in.Stale)
		}
	}
	var timeouts int
	for _, w := range rep.Warnings {
		if w.Kind == types.KindCycleTimeout {
			timeouts++
		}
	}
	assert.Equal(t, 1, timeouts)
	assert.Contains(t, f.sink.kinds(), notifier.AlertCycle)
	assertOnePerInstrument(t, f.engine)
}

func TestFailedSnapshotDropsCandidates(t *testing.T) {
	var mu sync.Mutex
	fail := false
	f := newFixture(t, []string{"AAA"}, func(h *feed.HistoryProvider) market.Provider {
		return market.ProviderFunc(func(ctx context.Context, id string) (market.Snapshot, error) {
			mu.Lock()
			defer mu.Unlock()
			if fail {
				return market.Snapshot{}, fmt.Errorf("feed down")
			}
			return h.Snapshot(ctx, id)
		})
	})
	// nothing gets issued so the second cycle has a free instrument
	f.paper.RejectWhen(func(venue.OrderIntent) (string, bool) { return "closed", true })
	_, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)

	mu.Lock()
	fail = true
	mu.Unlock()
	rep, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Instruments, 1)
	assert.True(t, rep.Instruments[0].Stale)
	assert.Zero(t, rep.Instruments[0].Candidates)
	assert.Empty(t, rep.Intents)
	found := false
	for _, w := range rep.Warnings {
		if w.Kind == types.KindInsufficientData && w.Instrument == "AAA" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestVenueRejectionLeavesInstrumentFree(t *testing.T) {
	f := newFixture(t, []string{"AAA"}, nil)
	f.paper.RejectWhen(func(in venue.OrderIntent) (string, bool) {
		return "insufficient margin", in.Kind == venue.KindOpen
	})

	rep, err := f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Zero(t, f.engine.Registry().Len())
	assert.Empty(t, rep.Intents)

	var rejected int
	for _, d := range rep.Dropped {
		if d.Kind == types.KindVenueRejection {
			rejected++
			assert.Equal(t, "AAA", d.Instrument)
			assert.Contains(t, d.Reason, "insufficient margin")
		}
	}
	assert.NotZero(t, rejected)

	// the rejected instrument can be issued again
	f.paper.RejectWhen(nil)
	rep, err = f.engine.RunCycle(context.Background())
	require.NoError(t, err)
	assert.NotZero(t, rep.OpenIntents())
	assertOnePerInstrument(t, f.engine)
}

func TestConcurrentCycleRefused(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	f := newFixture(t, []string{"AAA"}, func(h *feed.HistoryProvider) market.Provider {
		return market.ProviderFunc(func(ctx context.Context, id string) (market.Snapshot, error) {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
			return h.Snapshot(ctx, id)
		})
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.engine.RunCycle(context.Background())
		done <- err
	}()
	<-entered
	_, err := f.engine.RunCycle(context.Background())
	assert.ErrorIs(t, err, ErrCycleRunning)
	close(release)
	require.NoError(t, <-done)
}

func TestForeignCloseIsBooked(t *testing.T) {
	f := newFixture(t, []string{"AAA"}, nil)
	ctx := context.Background()
	_, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)
	active := f.engine.Registry().Active()
	require.Len(t, active, 1)
	tr := active[0]

	// a venue-side stop out, not an order this engine placed
	f.paper.Emit(venue.Event{
		Kind: venue.EventClose, OrderID: "venue-stop", TriggerID: tr.ID, Instrument: tr.Instrument,
		Price: tr.Exit.StopLoss.Price, Fraction: 1, At: time.Now(),
	})
	rep, err := f.engine.RunCycle(ctx)
	require.NoError(t, err)

	var closed *performance.Record
	for i := range rep.Closed {
		if rep.Closed[i].TriggerID == tr.ID {
			closed = &rep.Closed[i]
		}
	}
	require.NotNil(t, closed)
	assert.Equal(t, performance.Loss, closed.Outcome)
	_, still := f.engine.Registry().Get(tr.ID)
	assert.False(t, still)
}

func TestRegistryBookAndClose(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	tr := trigger.Trigger{ID: "t1", Instrument: "AAA", Direction: types.Long, Size: 0.04, EntryPrice: 100}
	require.NoError(t, r.TryActivate(tr, "o1", 1000, now))

	err := r.TryActivate(trigger.Trigger{ID: "t2", Instrument: "AAA"}, "", 1000, now)
	require.Error(t, err)
	assert.True(t, types.IsKind(err, types.KindConstraintRejection))

	p, ok := r.Book("t1", 0.5, 0.02, 0)
	require.True(t, ok)
	assert.InDelta(t, 0.5, p.Taken, 1e-12)
	assert.InDelta(t, 0.01, p.Realized, 1e-12)

	// fraction beyond what remains is clamped
	p, ok = r.Book("t1", 0.8, -0.01, 0.001)
	require.True(t, ok)
	assert.InDelta(t, 1, p.Taken, 1e-12)
	assert.InDelta(t, 0.005, p.Realized, 1e-12)
	assert.InDelta(t, 0.0005, p.Slippage, 1e-12)

	closed, ok := r.Close("t1")
	require.True(t, ok)
	assert.Equal(t, trigger.StatusClosed, closed.Trigger.Status)
	assert.Equal(t, 0.04, closed.OriginalSize)
	assert.Zero(t, r.Len())

	_, ok = r.Close("t1")
	assert.False(t, ok)
	require.NoError(t, r.TryActivate(trigger.Trigger{ID: "t3", Instrument: "AAA"}, "", 1000, now))
}

func TestRegistryActivationProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	props := gopter.NewProperties(params)

	props.Property("never more than one active trigger per instrument", prop.ForAll(
		func(ops []int) bool {
			r := NewRegistry()
			ids := make(map[string]string)
			for i, op := range ops {
				inst := fmt.Sprintf("I%d", op%4)
				if op%3 == 0 {
					if id, ok := ids[inst]; ok {
						r.Close(id)
						delete(ids, inst)
					}
					continue
				}
				id := fmt.Sprintf("t%d", i)
				err := r.TryActivate(trigger.Trigger{ID: id, Instrument: inst}, "", 1, time.Time{})
				_, had := ids[inst]
				if had != (err != nil) {
					return false
				}
				if err == nil {
					ids[inst] = id
				}
			}
			seen := make(map[string]bool)
			for _, tr := range r.Active() {
				if seen[tr.Instrument] {
					return false
				}
				seen[tr.Instrument] = true
			}
			return r.Len() == len(ids)
		},
		gen.SliceOf(gen.IntRange(0, 100)),
	))

	props.Property("concurrent activations admit one winner", prop.ForAll(
		func(n int) bool {
			r := NewRegistry()
			var wg sync.WaitGroup
			var mu sync.Mutex
			wins := 0
			for i := 0; i < n; i++ {
				i := i
				wg.Add(1)
				go func() {
					defer wg.Done()
					if r.TryActivate(trigger.Trigger{ID: fmt.Sprintf("t%d", i), Instrument: "X"}, "", 1, time.Time{}) == nil {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			return wins == 1 && r.Len() == 1
		},
		gen.IntRange(1, 16),
	))

	props.TestingRun(t)
}
