package risk

import (
	"fmt"
	"math"

	"signalcartel/internal/config"
	"signalcartel/internal/market"
	"signalcartel/internal/trigger"
	"signalcartel/internal/types"
)

// Adjustment names.
const (
	AdjKelly       = "kelly"
	AdjVolTarget   = "vol_target"
	AdjConfidence  = "confidence"
	AdjCorrelation = "correlation_penalty"
	AdjRegime      = "regime"
	AdjLiquidity   = "liquidity"
)

// Constraint names, in application order.
const (
	ConstraintMaxSingle     = "max_single_position"
	ConstraintMaxCorrelated = "max_correlated_position"
	ConstraintPortfolioHeat = "portfolio_heat"
)

const (
	// positions correlated at least this much form a cluster
	clusterCorrelation = 0.5
	minVolatility      = 1e-4
	spreadFloorBps     = 100.0
)

type Adjustment struct {
	Name      string  `json:"name"`
	Value     float64 `json:"value"`
	Rationale string  `json:"rationale"`
}

type ConstraintHit struct {
	Type     string         `json:"type"`
	Original float64        `json:"original"`
	Adjusted float64        `json:"adjusted"`
	Severity types.Severity `json:"severity"`
}

// SizingResult explains one trigger's size. Sizes are fractions of equity.
type SizingResult struct {
	Instrument  string          `json:"instrument"`
	TriggerID   string          `json:"trigger_id"`
	Recommended float64         `json:"recommended"`
	Final       float64         `json:"final"`
	Adjustments []Adjustment    `json:"adjustments"`
	Constraints []ConstraintHit `json:"constraints"`
	Dropped     bool            `json:"dropped"`
}

// Edge is the realized win profile of a trigger family.
type Edge struct {
	WinProbability float64
	AvgWin         float64
	AvgLoss        float64
	Count          int
}

// EdgeSource supplies realized edges from closed trades.
type EdgeSource interface {
	Edge(family string) (Edge, bool)
}

// Correlation reads a pairwise coefficient; unknown pairs read as 0.
type Correlation func(a, b string) float64

// position is an already-committed size used by the cluster and heat checks.
type position struct {
	instrument string
	size       float64
}

// sizer sizes one batch in order; each accepted size joins the book seen by
// the next candidate.
type sizer struct {
	cfg   config.RiskConfig
	corr  Correlation
	edges EdgeSource
	book  []position
}

func newSizer(cfg config.RiskConfig, corr Correlation, edges EdgeSource, active []trigger.Trigger) *sizer {
	s := &sizer{cfg: cfg, corr: corr, edges: edges}
	if s.corr == nil {
		s.corr = func(a, b string) float64 {
			if a == b {
				return 1
			}
			return 0
		}
	}
	for _, t := range active {
		s.book = append(s.book, position{t.Instrument, t.Size})
	}
	return s
}

func (s *sizer) openRisk() float64 {
	var sum float64
	for _, p := range s.book {
		sum += p.size
	}
	return sum
}

// size computes base size, applies adjustments then constraints. others are
// the instruments selected alongside t this cycle.
func (s *sizer) size(t trigger.Trigger, snap market.Snapshot, others []string) SizingResult {
	res := SizingResult{Instrument: t.Instrument, TriggerID: t.ID}
	size := s.base(t, snap, &res)
	for _, adj := range s.adjustments(t, snap, others) {
		size *= adj.Value
		res.Adjustments = append(res.Adjustments, adj)
	}
	res.Recommended = size
	size = s.constrain(t.Instrument, size, &res)
	res.Final = size
	if size < s.cfg.MinPositionSize || size <= 0 {
		res.Dropped = true
		return res
	}
	s.book = append(s.book, position{t.Instrument, size})
	return res
}

func (s *sizer) base(t trigger.Trigger, snap market.Snapshot, res *SizingResult) float64 {
	if s.cfg.SizingMethod == "fixed_fractional" {
		v := s.cfg.BasePercent * t.Confidence
		res.Adjustments = append(res.Adjustments, Adjustment{
			Name: "base", Value: v,
			Rationale: fmt.Sprintf("fixed fractional %.2f%% x confidence %.2f", s.cfg.BasePercent*100, t.Confidence),
		})
		return v
	}
	vol := math.Max(instrumentVol(t, snap), minVolatility)
	v := math.Min(1, s.cfg.TargetRisk/vol)
	res.Adjustments = append(res.Adjustments, Adjustment{
		Name: "base", Value: v,
		Rationale: fmt.Sprintf("risk parity: target %.4f / volatility %.4f", s.cfg.TargetRisk, vol),
	})
	return v
}

func instrumentVol(t trigger.Trigger, snap market.Snapshot) float64 {
	if snap.Volatility > 0 {
		return snap.Volatility
	}
	return t.Risk.Volatility
}

func (s *sizer) adjustments(t trigger.Trigger, snap market.Snapshot, others []string) []Adjustment {
	out := make([]Adjustment, 0, 6)
	out = append(out, s.kelly(t))

	if s.cfg.VolTargetEnabled {
		vol := math.Max(instrumentVol(t, snap), minVolatility)
		f := clamp(s.cfg.TargetVolatility/vol, 0.25, 2)
		out = append(out, Adjustment{AdjVolTarget, f, fmt.Sprintf("target vol %.4f vs %.4f", s.cfg.TargetVolatility, vol)})
	} else {
		out = append(out, Adjustment{AdjVolTarget, 1, "disabled"})
	}

	conf := clamp(t.Confidence, 0, 1)
	out = append(out, Adjustment{AdjConfidence, 0.5 + 0.5*conf, fmt.Sprintf("confidence %.2f", conf)})

	if s.cfg.CorrelationPenaltyEnabled {
		mean := s.meanAbsCorrelation(t.Instrument, others)
		out = append(out, Adjustment{AdjCorrelation, 1 - 0.5*mean, fmt.Sprintf("mean |rho| %.2f to %d others", mean, len(others))})
	} else {
		out = append(out, Adjustment{AdjCorrelation, 1, "disabled"})
	}

	rs := clamp(t.Regime.Confidence*t.Regime.Stability, 0, 1)
	out = append(out, Adjustment{AdjRegime, 0.5 + 0.5*rs, fmt.Sprintf("regime %s confidence x stability %.2f", t.Regime.Label, rs)})

	quality := snap.Quality
	var spread float64
	if snap.Book != nil {
		spread = snap.Book.SpreadBps()
	}
	liq := clamp(0.5+0.5*quality-math.Min(0.5, spread/spreadFloorBps), 0.5, 1)
	out = append(out, Adjustment{AdjLiquidity, liq, fmt.Sprintf("quality %.2f spread %.1fbps", quality, spread)})
	return out
}

// kelly is the Kelly fraction capped at kelly_fraction_limit and expressed
// relative to that cap, so a full-cap edge keeps the size and no edge zeroes
// it.
func (s *sizer) kelly(t trigger.Trigger) Adjustment {
	if !s.cfg.KellyEnabled {
		return Adjustment{AdjKelly, 1, "disabled"}
	}
	p := t.Expected.WinProbability
	win, loss := t.Expected.AvgWin, t.Expected.AvgLoss
	source := "expected"
	if s.edges != nil {
		if e, ok := s.edges.Edge(t.Family); ok && e.Count > 0 {
			p, win, loss, source = e.WinProbability, e.AvgWin, e.AvgLoss, "realized"
		}
	}
	ratio := 0.0
	if win > 0 && loss > 0 {
		ratio = win / loss
	} else if t.Risk.RewardRatio > 0 {
		ratio = t.Risk.RewardRatio
	}
	if ratio <= 0 || p <= 0 {
		return Adjustment{AdjKelly, 0, fmt.Sprintf("no edge (%s p=%.2f b=%.2f)", source, p, ratio)}
	}
	k := p - (1-p)/ratio
	limit := s.cfg.KellyFractionLimit
	capped := clamp(k, 0, limit)
	return Adjustment{AdjKelly, capped / limit, fmt.Sprintf("%s p=%.2f b=%.2f kelly=%.3f cap=%.2f", source, p, ratio, k, limit)}
}

func (s *sizer) meanAbsCorrelation(id string, others []string) float64 {
	var sum float64
	n := 0
	for _, o := range others {
		if o == id {
			continue
		}
		sum += math.Abs(s.corr(id, o))
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// constrain applies the hard limits in order and records each binding one.
func (s *sizer) constrain(id string, size float64, res *SizingResult) float64 {
	hit := func(kind string, before, after float64) {
		sev := types.SeverityWarning
		if after <= 0 || after < s.cfg.MinPositionSize {
			sev = types.SeverityCritical
		}
		res.Constraints = append(res.Constraints, ConstraintHit{kind, before, after, sev})
	}

	if size > s.cfg.MaxSinglePosition {
		hit(ConstraintMaxSingle, size, s.cfg.MaxSinglePosition)
		size = s.cfg.MaxSinglePosition
	}

	if limit := s.clusterLimit(id); size > limit {
		after := math.Max(0, limit)
		hit(ConstraintMaxCorrelated, size, after)
		size = after
	}

	if s.cfg.MaxTotalRisk > 0 && s.cfg.MaxPortfolioHeat > 0 {
		heat := (s.openRisk() + size) / s.cfg.MaxTotalRisk
		if heat > s.cfg.MaxPortfolioHeat {
			f := math.Max(0, 1-(heat-s.cfg.MaxPortfolioHeat)/s.cfg.MaxPortfolioHeat)
			// never let the shrunk size still overshoot the heat cap
			room := math.Max(0, s.cfg.MaxPortfolioHeat*s.cfg.MaxTotalRisk-s.openRisk())
			after := math.Min(size*f, room)
			hit(ConstraintPortfolioHeat, size, after)
			size = after
		}
	}
	return size
}

// clusterLimit is the largest size for id that keeps every correlated
// cluster's weighted sum within max_correlated_position. A cluster is
// centered on any position and weights members by |rho| to the center.
func (s *sizer) clusterLimit(id string) float64 {
	capacity := s.cfg.MaxCorrelatedPosition
	limit := math.Inf(1)
	centers := append([]string{id}, instruments(s.book)...)
	seen := make(map[string]bool, len(centers))
	for _, center := range centers {
		if seen[center] {
			continue
		}
		seen[center] = true
		w := weight(s.corr, center, id)
		if w == 0 {
			continue
		}
		var committed float64
		for _, p := range s.book {
			committed += weight(s.corr, center, p.instrument) * p.size
		}
		limit = math.Min(limit, (capacity-committed)/w)
	}
	return limit
}

func weight(corr Correlation, a, b string) float64 {
	if a == b {
		return 1
	}
	r := math.Abs(corr(a, b))
	if r < clusterCorrelation {
		return 0
	}
	return r
}

func instruments(ps []position) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.instrument
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
