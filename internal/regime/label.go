package regime

import (
	"strings"
	"time"
)

// Label is one of the fixed market regimes.
type Label string

const (
	TrendingBull   Label = "trending_bull"
	TrendingBear   Label = "trending_bear"
	SidewaysCalm   Label = "sideways_calm"
	SidewaysChoppy Label = "sideways_choppy"
	VolatileUp     Label = "volatile_up"
	VolatileDown   Label = "volatile_down"
	BreakoutBull   Label = "breakout_bull"
	BreakoutBear   Label = "breakout_bear"
	ReversalBull   Label = "reversal_bull"
	ReversalBear   Label = "reversal_bear"
)

// AllLabels lists every label in a stable order.
var AllLabels = []Label{
	TrendingBull, TrendingBear,
	SidewaysCalm, SidewaysChoppy,
	VolatileUp, VolatileDown,
	BreakoutBull, BreakoutBear,
	ReversalBull, ReversalBear,
}

// ParseLabel accepts either underscore or dash separators.
func ParseLabel(s string) (Label, bool) {
	s = strings.ToLower(strings.TrimSpace(strings.ReplaceAll(s, "-", "_")))
	for _, l := range AllLabels {
		if string(l) == s {
			return l, true
		}
	}
	return "", false
}

func (l Label) Valid() bool {
	_, ok := ParseLabel(string(l))
	return ok
}

// Direction is +1 for bullish labels, -1 for bearish, 0 for sideways.
func (l Label) Direction() int {
	switch l {
	case TrendingBull, VolatileUp, BreakoutBull, ReversalBull:
		return 1
	case TrendingBear, VolatileDown, BreakoutBear, ReversalBear:
		return -1
	default:
		return 0
	}
}

func (l Label) IsTrending() bool { return l == TrendingBull || l == TrendingBear }
func (l Label) IsSideways() bool { return l == SidewaysCalm || l == SidewaysChoppy }
func (l Label) IsVolatile() bool { return l == VolatileUp || l == VolatileDown }
func (l Label) IsBreakout() bool { return l == BreakoutBull || l == BreakoutBear }
func (l Label) IsReversal() bool { return l == ReversalBull || l == ReversalBear }

// baseDuration is the typical persistence of a label before stability scaling.
func (l Label) baseDuration() time.Duration {
	switch {
	case l.IsTrending():
		return 4 * time.Hour
	case l.IsSideways():
		return 6 * time.Hour
	case l.IsVolatile():
		return time.Hour
	case l.IsBreakout():
		return 30 * time.Minute
	default:
		return 2 * time.Hour
	}
}

type labelPair struct{ a, b Label }

var similarityTable = map[labelPair]float64{
	{TrendingBull, BreakoutBull}:   0.7,
	{TrendingBear, BreakoutBear}:   0.7,
	{SidewaysCalm, SidewaysChoppy}: 0.6,
	{VolatileUp, BreakoutBull}:     0.5,
	{VolatileDown, BreakoutBear}:   0.5,
	{ReversalBull, TrendingBull}:   0.3,
	{ReversalBear, TrendingBear}:   0.3,
	{VolatileUp, VolatileDown}:     0.4,
	{SidewaysChoppy, VolatileUp}:   0.3,
	{SidewaysChoppy, VolatileDown}: 0.3,
}

// Similarity is a symmetric lookup in [0,1]; identical labels are 1 and
// unrelated labels 0.
func Similarity(a, b Label) float64 {
	if a == b {
		return 1
	}
	if v, ok := similarityTable[labelPair{a, b}]; ok {
		return v
	}
	if v, ok := similarityTable[labelPair{b, a}]; ok {
		return v
	}
	return 0
}
