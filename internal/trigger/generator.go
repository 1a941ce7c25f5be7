package trigger

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sort"
	"time"

	"github.com/google/uuid"

	"signalcartel/internal/config"
	"signalcartel/internal/logger"
	"signalcartel/internal/market"
	"signalcartel/internal/regime"
	"signalcartel/internal/types"
)

const (
	defaultStopPct       = 0.02
	defaultTargetPct     = 0.04
	defaultConfidence    = 0.3
	defaultRSIOverbought = 70
	defaultRSIOversold   = 30
	defaultSMABars       = 20
)

// DefaultExitSpec is the stock ladder: 1.5/3/5 ATR at 50/30/20%.
func DefaultExitSpec() ExitSpec {
	return ExitSpec{
		StopATR:   2,
		LadderATR: []float64{1.5, 3, 5},
		Weights:   []float64{0.5, 0.3, 0.2},
		Trailing:  true,
	}
}

// Request is one instrument's generation input for a cycle.
type Request struct {
	Snapshot market.Snapshot
	Regime   regime.Classification
	Features regime.Features
	Priors   Priors
	Config   config.GeneratorConfig
	Exit     ExitSpec
}

// Result lists ranked candidates. Default is set when history was too thin to
// optimize and the single conservative trigger was returned instead.
type Result struct {
	Instrument       string
	Triggers         []Trigger
	Default          bool
	OptimizationRuns int
	Dropped          int
	Warnings         []types.Warning
}

// Generator runs the enabled strategies against one snapshot.
type Generator struct {
	strategies *Registry
	now        func() time.Time
}

func NewGenerator(strategies *Registry) *Generator {
	return &Generator{strategies: strategies, now: time.Now}
}

// Generate proposes, optimizes, validates and ranks candidates for one
// instrument. An empty result is not an error.
func (g *Generator) Generate(ctx context.Context, req Request) (Result, error) {
	snap := req.Snapshot
	res := Result{Instrument: snap.Instrument}
	if snap.Len() == 0 || snap.Price <= 0 {
		return res, types.Errorf(types.KindInsufficientData, snap.Instrument, "snapshot has no price history")
	}
	cfg := req.Config
	frame := NewFrame(snap)
	if InformativeSamples(frame, cfg.ForwardBars) < cfg.MinSampleSize {
		t, err := DefaultTrigger(snap, req.Regime, g.now())
		if err != nil {
			return res, err
		}
		res.Triggers = []Trigger{t}
		res.Default = true
		return res, nil
	}

	strategies, err := g.strategies.Enabled(cfg.Strategies)
	if err != nil {
		return res, types.NewError(types.KindValidationFailure, snap.Instrument, err)
	}
	base, err := NewOptimizer(cfg.OptimizationMethod)
	if err != nil {
		return res, types.NewError(types.KindValidationFailure, snap.Instrument, err)
	}
	counter := &countingOptimizer{inner: base}
	exit := req.Exit
	if len(exit.LadderATR) == 0 {
		exit = DefaultExitSpec()
	}
	in := Input{
		Snapshot:  snap,
		Frame:     frame,
		Regime:    req.Regime,
		Features:  req.Features,
		Priors:    req.Priors,
		Config:    cfg,
		Exit:      exit,
		Optimizer: counter,
		Rand:      rand.New(rand.NewSource(cfg.Seed ^ instrumentSeed(snap.Instrument))),
		Now:       g.now(),
	}
	discarded := 0
	in.Discard = func(error) { discarded++ }
	var all []Trigger
	for _, s := range strategies {
		if !s.Compatible(req.Regime.Label) {
			continue
		}
		out, err := s.Generate(ctx, in)
		all = append(all, out...)
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			res.Warnings = append(res.Warnings, types.WarningFrom(
				types.NewError(types.KindCycleTimeout, snap.Instrument, fmt.Errorf("%s: %w", s.Name(), err)), types.KindCycleTimeout))
			break
		}
		if _, ok := types.KindOf(err); !ok {
			err = types.NewError(types.KindValidationFailure, snap.Instrument, fmt.Errorf("%s: %w", s.Name(), err))
		}
		res.Warnings = append(res.Warnings, types.WarningFrom(err, types.KindValidationFailure))
	}
	res.OptimizationRuns = counter.runs
	res.Triggers = Rank(all, cfg.TopN)
	// validation failures plus whatever fell below the top-n cut
	res.Dropped = discarded + len(all) - len(res.Triggers)
	if len(res.Triggers) > 0 {
		logger.Debugf("Generator: %s %d candidates (%d optimizations, regime %s)",
			snap.Instrument, len(res.Triggers), res.OptimizationRuns, req.Regime.Label)
	}
	return res, nil
}

// Rank orders by confidence × expected return and keeps the best n.
func Rank(ts []Trigger, n int) []Trigger {
	out := append([]Trigger(nil), ts...)
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := out[i].Score(), out[j].Score()
		if si != sj {
			return si > sj
		}
		return out[i].Family < out[j].Family
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// DefaultTrigger is the deterministic conservative trigger used when history
// cannot support optimization: one RSI condition, long above the moving
// average and short below it, a 2% stop and a single 4% target.
func DefaultTrigger(snap market.Snapshot, reg regime.Classification, now time.Time) (Trigger, error) {
	if snap.Price <= 0 {
		return Trigger{}, types.Errorf(types.KindInsufficientData, snap.Instrument, "no price for default trigger")
	}
	dir := types.Long
	cond := Condition{Indicator: market.IndicatorRSI, Comparator: "<", Threshold: defaultRSIOverbought}
	if snap.Price < movingAverage(snap) {
		dir = types.Short
		cond = Condition{Indicator: market.IndicatorRSI, Comparator: ">", Threshold: defaultRSIOversold}
	}
	stop := RelativePrice(dir, snap.Price, -defaultStopPct)
	target := RelativePrice(dir, snap.Price, defaultTargetPct)
	return Trigger{
		ID:         uuid.NewString(),
		Instrument: snap.Instrument,
		Direction:  dir,
		Family:     FamilyDefault,
		Conditions: []Condition{cond},
		Entry:      EntryLogic{Mode: "all", OrderType: "market"},
		EntryPrice: snap.Price,
		Exit: ExitStrategy{
			StopLoss:    StopLoss{Price: stop, Distance: snap.Price * defaultStopPct},
			TakeProfits: []TakeProfit{{Price: target, Fraction: 1}},
		},
		Risk: RiskParams{
			MaxLoss:     defaultStopPct,
			RewardRatio: defaultTargetPct / defaultStopPct,
			ATR:         snap.ATR,
			Volatility:  snap.Volatility,
		},
		Expected:   ExpectedPerformance{WinProbability: 0.5},
		Confidence: defaultConfidence,
		Regime: RegimeContext{
			Label:      reg.Label,
			Confidence: reg.Confidence,
			Stability:  reg.Stability,
		},
		Status:    StatusCandidate,
		Default:   true,
		CreatedAt: now,
	}, nil
}

// movingAverage prefers the bundle's SMA and falls back to the mean of the
// last closes.
func movingAverage(snap market.Snapshot) float64 {
	if v, ok := snap.Indicators.Latest(market.IndicatorSMA); ok {
		return v
	}
	closes := snap.Closes()
	if len(closes) > defaultSMABars {
		closes = closes[len(closes)-defaultSMABars:]
	}
	return meanSlice(closes)
}

func instrumentSeed(instrument string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(instrument))
	return int64(h.Sum64() >> 1)
}

// countingOptimizer counts optimization runs for the cycle report.
type countingOptimizer struct {
	inner Optimizer
	runs  int
}

func (c *countingOptimizer) Name() string { return c.inner.Name() }

func (c *countingOptimizer) Optimize(ctx context.Context, space Space, start map[string]float64, obj Objective, iterations int, rng *rand.Rand) (map[string]float64, float64) {
	c.runs++
	return c.inner.Optimize(ctx, space, start, obj, iterations, rng)
}
