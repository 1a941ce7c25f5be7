package trigger

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"signalcartel/internal/config"
	"signalcartel/internal/logger"
	"signalcartel/internal/market"
	"signalcartel/internal/regime"
	"signalcartel/internal/templates"
	"signalcartel/internal/types"
)

// Priors exposes learned parameter beliefs to optimization.
type Priors interface {
	// Prior returns the preferred value for a parameter key and the
	// confidence in it, in [0,1].
	Prior(key string) (mean, confidence float64, ok bool)
}

// Input is what a strategy sees for one instrument.
type Input struct {
	Snapshot  market.Snapshot
	Frame     *Frame
	Regime    regime.Classification
	Features  regime.Features
	Priors    Priors
	Config    config.GeneratorConfig
	Exit      ExitSpec
	Optimizer Optimizer
	Rand      *rand.Rand
	Now       time.Time
	// Discard is told about each candidate dropped by validation. May be nil.
	Discard func(err error)
}

func (in Input) discard(err error) {
	if in.Discard != nil {
		in.Discard(err)
	}
}

// Strategy proposes candidates for regimes it declares compatible. Returning
// no candidates is a normal outcome.
type Strategy interface {
	Name() string
	Compatible(label regime.Label) bool
	Generate(ctx context.Context, in Input) ([]Trigger, error)
}

// gate vetoes a direction before optimization runs.
type gate func(in Input, dir types.Direction) bool

// TemplateStrategy builds candidates from the named condition template.
type TemplateStrategy struct {
	name      string
	templates *templates.Registry
	gate      gate
}

func (s *TemplateStrategy) Name() string { return s.name }

func (s *TemplateStrategy) Compatible(label regime.Label) bool {
	tpl, ok := s.templates.Template(s.name)
	return ok && tpl.SupportsRegime(string(label))
}

func (s *TemplateStrategy) Generate(ctx context.Context, in Input) ([]Trigger, error) {
	tpl, ok := s.templates.Template(s.name)
	if !ok {
		return nil, nil
	}
	var out []Trigger
	for _, dir := range directionsFor(in.Regime.Label) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		specs := tpl.Long
		if dir == types.Short {
			specs = tpl.Short
		}
		if len(specs) == 0 || (s.gate != nil && !s.gate(in, dir)) {
			continue
		}
		t, err := s.candidate(ctx, in, tpl, specs, dir)
		if err != nil {
			logger.Debugf("Generator: %s %s %s dropped: %v", in.Snapshot.Instrument, s.name, dir, err)
			in.discard(err)
			continue
		}
		if t != nil {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (s *TemplateStrategy) candidate(ctx context.Context, in Input, tpl templates.Template, specs []templates.ConditionSpec, dir types.Direction) (*Trigger, error) {
	start := tpl.DefaultParams()
	if in.Priors != nil {
		for key, spec := range tpl.Params {
			if mean, conf, ok := in.Priors.Prior(ParamKey(s.name, key)); ok && conf > 0 {
				start[key] = spec.Clamp(start[key] + conf*(mean-start[key]))
			}
		}
	}
	start = AdaptThresholds(tpl, start, AdaptContext{
		Label:      in.Regime.Label,
		VolRatio:   in.Features.VolRatio,
		ATRPercent: in.Features.ATRPercent,
	})

	sign := dir.Sign()
	horizon := in.Config.ForwardBars
	obj := s.objective(in, tpl, specs, sign, horizon)
	params := start
	if in.Optimizer != nil {
		params, _ = in.Optimizer.Optimize(ctx, Space{Specs: tpl.Params}, start, obj, in.Config.OptimizerIterations, in.Rand)
	}
	params = tpl.Clamp(params)
	if err := tpl.Validate(params); err != nil {
		return nil, types.NewError(types.KindValidationFailure, in.Snapshot.Instrument, err)
	}

	conds := Resolve(s.name, specs, params)
	last := in.Frame.Len() - 1
	if !in.Frame.Match(conds, tpl.Logic, last) {
		return nil, nil
	}
	returns := OccurrenceReturns(in.Frame, conds, tpl.Logic, sign, horizon)
	perf, err := Validate(in.Snapshot.Instrument, returns, Significance{
		Horizon:       horizon,
		MinSampleSize: in.Config.MinSampleSize,
		MaxPValue:     in.Config.MaxPValue,
	})
	if err != nil {
		return nil, err
	}

	atr := in.Frame.ATR(last)
	stopATR := params["stop_atr"]
	if stopATR <= 0 {
		stopATR = 2
	}
	spec := in.Exit
	spec.StopATR = stopATR
	spec.Trailing = true
	exit, err := BuildExit(dir, in.Snapshot.Price, atr, spec)
	if err != nil {
		return nil, types.NewError(types.KindValidationFailure, in.Snapshot.Instrument, err)
	}
	name := ""
	if in.Optimizer != nil {
		name = in.Optimizer.Name()
	}
	t := &Trigger{
		ID:         uuid.NewString(),
		Instrument: in.Snapshot.Instrument,
		Direction:  dir,
		Family:     s.name,
		Conditions: conds,
		Entry:      EntryLogic{Mode: tpl.Logic, OrderType: tpl.OrderType},
		EntryPrice: in.Snapshot.Price,
		Exit:       exit,
		Risk:       riskParams(in.Snapshot, exit, atr),
		Expected:   perf,
		Params:     params,
		Confidence: candidateConfidence(perf, in.Config, in.Regime),
		Regime: RegimeContext{
			Label:      in.Regime.Label,
			Confidence: in.Regime.Confidence,
			Stability:  in.Regime.Stability,
		},
		Status:    StatusCandidate,
		Optimizer: name,
		CreatedAt: in.Now,
	}
	return t, nil
}

// objective rewards a t-like score of net forward returns over occurrences,
// shrinks it when occurrences are scarce and pulls toward learned priors.
func (s *TemplateStrategy) objective(in Input, tpl templates.Template, specs []templates.ConditionSpec, sign float64, horizon int) Objective {
	cost := 0.0
	if in.Snapshot.Book != nil {
		cost = 2 * in.Snapshot.Book.SpreadBps() / 1e4
	}
	cost += (1 - in.Snapshot.Quality) * 0.001
	minN := float64(max(in.Config.MinSampleSize, 1))
	return func(params map[string]float64) float64 {
		conds := Resolve(s.name, specs, params)
		returns := OccurrenceReturns(in.Frame, conds, tpl.Logic, sign, horizon)
		n := float64(len(returns))
		if n < 3 {
			return -1 - 1/(n+1)
		}
		var sum, sq float64
		for _, r := range returns {
			sum += r - cost
		}
		mean := sum / n
		for _, r := range returns {
			d := r - cost - mean
			sq += d * d
		}
		sd := math.Sqrt(sq / (n - 1))
		score := mean / (sd + 1e-9) * math.Sqrt(math.Min(n, 4*minN))
		if n < minN {
			score *= n / minN
		}
		if in.Priors != nil {
			for key, spec := range tpl.Params {
				mean, conf, ok := in.Priors.Prior(ParamKey(s.name, key))
				if !ok || spec.Max <= spec.Min {
					continue
				}
				d := (params[key] - mean) / (spec.Max - spec.Min)
				score -= 0.5 * conf * d * d
			}
		}
		return score
	}
}

func candidateConfidence(perf ExpectedPerformance, cfg config.GeneratorConfig, reg regime.Classification) float64 {
	pTerm := 0.0
	if cfg.MaxPValue > 0 {
		pTerm = math.Max(0, 1-perf.PValue/cfg.MaxPValue)
	}
	nTerm := math.Min(1, float64(perf.SampleSize)/float64(4*max(cfg.MinSampleSize, 1)))
	conf := 0.5*pTerm + 0.3*nTerm + 0.2*reg.Confidence
	return math.Max(0.05, math.Min(0.95, conf))
}

func riskParams(snap market.Snapshot, exit ExitStrategy, atr float64) RiskParams {
	rp := RiskParams{ATR: atr, Volatility: snap.Volatility}
	if snap.Price > 0 {
		rp.MaxLoss = exit.StopLoss.Distance / snap.Price
	}
	if exit.StopLoss.Distance > 0 {
		var reward float64
		for _, tp := range exit.TakeProfits {
			reward += math.Abs(tp.Price-snap.Price) * tp.Fraction
		}
		rp.RewardRatio = reward / exit.StopLoss.Distance
	}
	return rp
}

func directionsFor(label regime.Label) []types.Direction {
	switch label.Direction() {
	case 1:
		return []types.Direction{types.Long}
	case -1:
		return []types.Direction{types.Short}
	default:
		return []types.Direction{types.Long, types.Short}
	}
}

// Registry is the capability registry of strategies.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]Strategy
}

func NewRegistry() *Registry {
	return &Registry{strategies: make(map[string]Strategy)}
}

// Register adds or replaces a strategy by name.
func (r *Registry) Register(s Strategy) {
	if s == nil {
		return
	}
	r.mu.Lock()
	r.strategies[strings.ToLower(s.Name())] = s
	r.mu.Unlock()
}

// Enabled returns the named strategies in name order; unknown names error.
func (r *Registry) Enabled(names []string) ([]Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Strategy
	seen := make(map[string]bool)
	for _, name := range names {
		key := strings.ToLower(strings.TrimSpace(name))
		if key == "" || seen[key] {
			continue
		}
		s, ok := r.strategies[key]
		if !ok {
			return nil, fmt.Errorf("unknown strategy %q", name)
		}
		seen[key] = true
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// Names lists registered strategies.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.strategies))
	for k := range r.strategies {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Strategy family names.
const (
	FamilyMeanReversion     = "mean_reversion"
	FamilyMomentumBreakout  = "momentum_breakout"
	FamilyMultiTimeframe    = "multi_timeframe"
	FamilyVolumeProfile     = "volume_profile"
	FamilySupportResistance = "support_resistance"
	FamilyPattern           = "pattern"
	FamilyDefault           = "default"
)

// NewDefaultRegistry registers the six template-driven strategies.
func NewDefaultRegistry(tpls *templates.Registry) *Registry {
	r := NewRegistry()
	r.Register(NewMeanReversion(tpls))
	r.Register(NewMomentumBreakout(tpls))
	r.Register(NewMultiTimeframe(tpls))
	r.Register(NewVolumeProfile(tpls))
	r.Register(NewSupportResistance(tpls))
	r.Register(NewPatternStrategy(tpls))
	return r
}

// NewMeanReversion stays out of strongly trending tape.
func NewMeanReversion(tpls *templates.Registry) *TemplateStrategy {
	return &TemplateStrategy{name: FamilyMeanReversion, templates: tpls, gate: func(in Input, _ types.Direction) bool {
		return in.Features.ADX == 0 || in.Features.ADX < 30
	}}
}

// NewMomentumBreakout needs volatility not collapsing.
func NewMomentumBreakout(tpls *templates.Registry) *TemplateStrategy {
	return &TemplateStrategy{name: FamilyMomentumBreakout, templates: tpls, gate: func(in Input, _ types.Direction) bool {
		return in.Features.VolRatio >= 0.8
	}}
}

// NewMultiTimeframe only trades with the regime's direction.
func NewMultiTimeframe(tpls *templates.Registry) *TemplateStrategy {
	return &TemplateStrategy{name: FamilyMultiTimeframe, templates: tpls, gate: func(in Input, dir types.Direction) bool {
		return float64(in.Regime.Label.Direction()) == dir.Sign()
	}}
}

// NewVolumeProfile needs volume data.
func NewVolumeProfile(tpls *templates.Registry) *TemplateStrategy {
	return &TemplateStrategy{name: FamilyVolumeProfile, templates: tpls, gate: func(in Input, _ types.Direction) bool {
		return in.Features.RelVolume > 0
	}}
}

func NewSupportResistance(tpls *templates.Registry) *TemplateStrategy {
	return &TemplateStrategy{name: FamilySupportResistance, templates: tpls}
}

func NewPatternStrategy(tpls *templates.Registry) *TemplateStrategy {
	return &TemplateStrategy{name: FamilyPattern, templates: tpls}
}
