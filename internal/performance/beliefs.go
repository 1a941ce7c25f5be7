package performance

import (
	"math"
	"time"

	"signalcartel/internal/regime"
	"signalcartel/internal/risk"
	"signalcartel/internal/trigger"
)

const (
	// confidence reaches one half after this many observations
	confidenceHalfCount = 10
	// returns of this size count as full evidence
	evidenceScale = 0.01
	z95           = 1.96
)

// Belief is the learned distribution of one parameter value. Mean is the
// posterior; Observed and M2 are the running mean and squared deviations of
// the values actually traded.
type Belief struct {
	Key         string    `json:"key"`
	Mean        float64   `json:"mean"`
	Count       int       `json:"count"`
	Observed    float64   `json:"observed"`
	M2          float64   `json:"m2"`
	Wins        int       `json:"wins"`
	Losses      int       `json:"losses"`
	LastUpdated time.Time `json:"last_updated"`
}

// Variance of the observed parameter values.
func (b Belief) Variance() float64 {
	if b.Count < 2 {
		return 0
	}
	return b.M2 / float64(b.Count-1)
}

// Interval is the 95% interval mean ± 1.96·σ/√n.
func (b Belief) Interval() (lo, hi float64) {
	if b.Count == 0 {
		return b.Mean, b.Mean
	}
	half := z95 * math.Sqrt(b.Variance()) / math.Sqrt(float64(b.Count))
	return b.Mean - half, b.Mean + half
}

// Confidence grows with count and decays with the age of the last update
// relative to the tracking period.
func (b Belief) Confidence(now time.Time, period time.Duration) float64 {
	if b.Count == 0 {
		return 0
	}
	c := float64(b.Count) / float64(b.Count+confidenceHalfCount)
	if period > 0 && !b.LastUpdated.IsZero() && now.After(b.LastUpdated) {
		c *= math.Exp(-float64(now.Sub(b.LastUpdated)) / float64(period))
	}
	return c
}

// Evidence is +1 for a win, -1 for a loss and 0 for breakeven, scaled by the
// size of the return.
func Evidence(r Record) float64 {
	mag := math.Tanh(math.Abs(r.Return) / evidenceScale)
	switch r.Outcome {
	case Win:
		return mag
	case Loss:
		return -mag
	default:
		return 0
	}
}

// update moves the posterior toward the used value on wins and away from it
// on losses: posterior = prior + evidence·lr·(used − prior).
func (b Belief) update(used, evidence, lr float64, at time.Time) Belief {
	if b.Count == 0 {
		b.Mean = used
	} else {
		b.Mean += evidence * lr * (used - b.Mean)
	}
	b.Count++
	delta := used - b.Observed
	b.Observed += delta / float64(b.Count)
	b.M2 += delta * (used - b.Observed)
	b.LastUpdated = at
	switch {
	case evidence > 0:
		b.Wins++
	case evidence < 0:
		b.Losses++
	}
	return b
}

// BeliefSnapshot is an immutable view of beliefs and family edges, handed to
// the generator as optimization priors and to the risk manager as Kelly
// inputs.
type BeliefSnapshot struct {
	beliefs map[string]Belief
	edges   map[string]risk.Edge
	at      time.Time
	period  time.Duration
}

var (
	_ trigger.Priors  = (*BeliefSnapshot)(nil)
	_ risk.EdgeSource = (*BeliefSnapshot)(nil)
)

// Prior returns the posterior mean and its confidence for a parameter key.
func (s *BeliefSnapshot) Prior(key string) (float64, float64, bool) {
	if s == nil {
		return 0, 0, false
	}
	b, ok := s.beliefs[key]
	if !ok || b.Count == 0 {
		return 0, 0, false
	}
	return b.Mean, b.Confidence(s.at, s.period), true
}

// Edge returns the realized win profile of a family.
func (s *BeliefSnapshot) Edge(family string) (risk.Edge, bool) {
	if s == nil {
		return risk.Edge{}, false
	}
	e, ok := s.edges[family]
	return e, ok
}

// Belief returns one belief.
func (s *BeliefSnapshot) Belief(key string) (Belief, bool) {
	if s == nil {
		return Belief{}, false
	}
	b, ok := s.beliefs[key]
	return b, ok
}

// Len is the number of beliefs.
func (s *BeliefSnapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.beliefs)
}

// ForRegime prefers beliefs learned under label and falls back to the
// regime-agnostic ones.
func (s *BeliefSnapshot) ForRegime(label regime.Label) trigger.Priors {
	return regimePriors{snap: s, label: label}
}

type regimePriors struct {
	snap  *BeliefSnapshot
	label regime.Label
}

func (p regimePriors) Prior(key string) (float64, float64, bool) {
	if mean, conf, ok := p.snap.Prior(RegimeKey(key, p.label)); ok {
		return mean, conf, true
	}
	return p.snap.Prior(key)
}
