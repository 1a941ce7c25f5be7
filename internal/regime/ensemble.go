package regime

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"signalcartel/internal/config"
	"signalcartel/internal/logger"
	"signalcartel/internal/market"
	"signalcartel/internal/types"
)

// ChangeListener observes accepted regime changes.
type ChangeListener func(prev, next Classification)

// Result is the outcome of one ensemble call.
type Result struct {
	Classification   Classification
	Proposed         Label
	ChangeConfidence float64
	Changed          bool
	Warnings         []types.Warning
}

// Ensemble combines independent classifiers and holds the accepted regime per
// instrument. Calls for the same instrument serialize on that instrument's
// state; different instruments run independently.
type Ensemble struct {
	classifiers []Classifier
	now         func() time.Time

	mu        sync.Mutex
	states    map[string]*heldState
	listeners []ChangeListener
}

type heldState struct {
	mu          sync.Mutex
	held        Classification
	features    Features
	hasFeatures bool
}

func NewEnsemble(classifiers ...Classifier) *Ensemble {
	list := append([]Classifier(nil), classifiers...)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Name() < list[j].Name() })
	return &Ensemble{
		classifiers: list,
		now:         time.Now,
		states:      make(map[string]*heldState),
	}
}

// NewEnsembleFromConfig builds the configured classifier set.
func NewEnsembleFromConfig(cfg config.RegimeConfig) (*Ensemble, error) {
	cls, err := BuildClassifiers(cfg.Classifiers)
	if err != nil {
		return nil, err
	}
	return NewEnsemble(cls...), nil
}

// OnChange registers a listener for accepted changes.
func (e *Ensemble) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.listeners = append(e.listeners, fn)
	e.mu.Unlock()
}

func (e *Ensemble) state(instrument string) *heldState {
	key := strings.ToUpper(strings.TrimSpace(instrument))
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[key]
	if !ok {
		st = &heldState{}
		e.states[key] = st
	}
	return st
}

// Held returns the currently held classification.
func (e *Ensemble) Held(instrument string) (Classification, bool) {
	st := e.state(instrument)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.held.IsZero() {
		return Classification{}, false
	}
	return st.held.Clone(), true
}

// Snapshot copies every held classification.
func (e *Ensemble) Snapshot() map[string]Classification {
	e.mu.Lock()
	keys := make([]string, 0, len(e.states))
	for k := range e.states {
		keys = append(keys, k)
	}
	e.mu.Unlock()
	out := make(map[string]Classification, len(keys))
	for _, k := range keys {
		if c, ok := e.Held(k); ok {
			out[k] = c
		}
	}
	return out
}

// DefaultClassification is returned when the window is too short.
func DefaultClassification(instrument string, cfg config.RegimeConfig, now time.Time) Classification {
	return Classification{
		Instrument:       instrument,
		Label:            SidewaysCalm,
		Confidence:       cfg.DefaultConfidence,
		Stability:        0,
		ExpectedDuration: expectedDuration(SidewaysCalm, 0),
		Probabilities:    oneHot(SidewaysCalm, cfg.DefaultConfidence),
		Source:           "default",
		Timestamp:        now,
	}
}

// Classify extracts features, runs every classifier, votes and validates the
// proposal against the held regime.
func (e *Ensemble) Classify(ctx context.Context, snap market.Snapshot, cfg config.RegimeConfig) Result {
	now := e.now()
	if snap.Len() < cfg.MinWindow {
		return Result{
			Classification: DefaultClassification(snap.Instrument, cfg, now),
			Proposed:       SidewaysCalm,
		}
	}
	features := ExtractFeatures(snap)
	if features.Flat() {
		conf := math.Min(cfg.ConfidenceCap, math.Max(cfg.DefaultConfidence, 0.6))
		proposal := Classification{
			Instrument:    snap.Instrument,
			Label:         SidewaysCalm,
			Confidence:    conf,
			Probabilities: oneHot(SidewaysCalm, conf),
			Source:        "ensemble",
		}
		if ctx.Err() != nil {
			return e.expired(ctx, snap.Instrument, cfg, now, nil)
		}
		return e.Apply(snap.Instrument, proposal, features, cfg)
	}

	var (
		outputs  []Classification
		warnings []types.Warning
	)
	for _, cls := range e.classifiers {
		out, err := runClassifier(ctx, cls, features, snap)
		if err != nil {
			warn := types.WarningFrom(types.NewError(types.KindStaleClassifier, snap.Instrument,
				fmt.Errorf("%s: %w", cls.Name(), err)), types.KindStaleClassifier)
			warnings = append(warnings, warn)
			logger.Warnf("RegimeEnsemble: classifier %s failed for %s: %v", cls.Name(), snap.Instrument, err)
			continue
		}
		outputs = append(outputs, out)
	}
	if ctx.Err() != nil {
		return e.expired(ctx, snap.Instrument, cfg, now, warnings)
	}
	if len(outputs) == 0 {
		if held, ok := e.Held(snap.Instrument); ok {
			return Result{Classification: held, Proposed: held.Label, Warnings: warnings}
		}
		return Result{
			Classification: DefaultClassification(snap.Instrument, cfg, now),
			Proposed:       SidewaysCalm,
			Warnings:       warnings,
		}
	}
	proposal := Vote(outputs, cfg.ConfidenceCap)
	proposal.Instrument = snap.Instrument
	res := e.Apply(snap.Instrument, proposal, features, cfg)
	res.Warnings = append(warnings, res.Warnings...)
	return res
}

// expired answers a classification whose deadline has passed. The held
// regime is returned untouched; a late proposal must not replace it.
func (e *Ensemble) expired(ctx context.Context, instrument string, cfg config.RegimeConfig, now time.Time, warnings []types.Warning) Result {
	warnings = append(warnings, types.WarningFrom(types.NewError(types.KindCycleTimeout, instrument,
		fmt.Errorf("classification abandoned: %w", ctx.Err())), types.KindCycleTimeout))
	if held, ok := e.Held(instrument); ok {
		return Result{Classification: held, Proposed: held.Label, Warnings: warnings}
	}
	return Result{
		Classification: DefaultClassification(instrument, cfg, now),
		Proposed:       SidewaysCalm,
		Warnings:       warnings,
	}
}

func runClassifier(ctx context.Context, cls Classifier, f Features, snap market.Snapshot) (out Classification, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	out, err = cls.Classify(ctx, f, snap)
	if err == nil && !out.Label.Valid() {
		err = fmt.Errorf("invalid label %q", out.Label)
	}
	return out, err
}

// Vote combines classifier outputs by confidence-weighted voting. Ensemble
// confidence is the mean confidence times the agreeing fraction, capped.
func Vote(outputs []Classification, limit float64) Classification {
	if len(outputs) == 0 {
		return Classification{}
	}
	sums := make(map[Label]float64, len(AllLabels))
	var confTotal float64
	for _, o := range outputs {
		sums[o.Label] += o.Confidence
		confTotal += o.Confidence
	}
	winner, _ := argmax(sums)
	agreeing := 0
	importance := make(map[string]float64)
	for _, o := range outputs {
		if o.Label != winner {
			continue
		}
		agreeing++
		for k, v := range o.FeatureImportance {
			importance[k] += v
		}
	}
	for k := range importance {
		importance[k] /= float64(agreeing)
	}
	mean := confTotal / float64(len(outputs))
	conf := mean * float64(agreeing) / float64(len(outputs))
	if limit > 0 {
		conf = math.Min(conf, limit)
	}
	return Classification{
		Label:             winner,
		Confidence:        conf,
		Probabilities:     normalize(sums),
		FeatureImportance: importance,
		Source:            "ensemble",
	}
}

// ChangeConfidence scores a proposed change away from held.
func ChangeConfidence(held, proposed Classification, featureChange float64) float64 {
	cc := proposed.Confidence
	if held.Stability < 0.5 {
		cc += 0.1
	}
	cc -= 0.3 * Similarity(held.Label, proposed.Label)
	cc += math.Min(0.2, featureChange*0.2)
	return cc
}

// Apply validates a proposal against the held regime and records the outcome.
func (e *Ensemble) Apply(instrument string, proposal Classification, features Features, cfg config.RegimeConfig) Result {
	st := e.state(instrument)
	now := e.now()

	st.mu.Lock()
	magnitude := 0.0
	if st.hasFeatures {
		magnitude = ChangeMagnitude(st.features, features)
	}
	st.features = features
	st.hasFeatures = true

	res := Result{Proposed: proposal.Label}
	var prev Classification
	switch {
	case st.held.IsZero():
		next := proposal.Clone()
		next.Instrument = instrument
		next.Stability = 0
		next.Timestamp = now
		next.ExpectedDuration = expectedDuration(next.Label, 0)
		st.held = next
	case proposal.Label == st.held.Label:
		next := st.held.Clone()
		next.Stability = math.Min(1, next.Stability+cfg.StabilityStep)
		next.Confidence = proposal.Confidence
		if proposal.Probabilities != nil {
			next.Probabilities = proposal.Clone().Probabilities
		}
		if proposal.FeatureImportance != nil {
			next.FeatureImportance = proposal.Clone().FeatureImportance
		}
		next.Timestamp = now
		next.ExpectedDuration = expectedDuration(next.Label, next.Stability)
		st.held = next
	default:
		res.ChangeConfidence = ChangeConfidence(st.held, proposal, magnitude)
		if res.ChangeConfidence >= cfg.ChangeThreshold {
			prev = st.held
			next := proposal.Clone()
			next.Instrument = instrument
			next.Stability = 0
			next.Timestamp = now
			next.ExpectedDuration = expectedDuration(next.Label, 0)
			st.held = next
			res.Changed = true
		} else {
			next := st.held.Clone()
			next.Stability = math.Min(1, next.Stability+cfg.StabilityStep)
			next.Timestamp = now
			next.ExpectedDuration = expectedDuration(next.Label, next.Stability)
			st.held = next
		}
	}
	res.Classification = st.held.Clone()
	st.mu.Unlock()

	if res.Changed {
		logger.Infof("RegimeEnsemble: %s regime %s -> %s (change confidence %.2f)",
			instrument, prev.Label, res.Classification.Label, res.ChangeConfidence)
		e.notify(prev, res.Classification)
	}
	return res
}

func (e *Ensemble) notify(prev, next Classification) {
	e.mu.Lock()
	listeners := append([]ChangeListener(nil), e.listeners...)
	e.mu.Unlock()
	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Errorf("RegimeEnsemble: change listener panic: %v", r)
				}
			}()
			fn(prev.Clone(), next.Clone())
		}()
	}
}
