// Package coordinator turns per-instrument candidate sets into one
// portfolio-level selection under correlation, sector and position-count
// limits.
package coordinator

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"signalcartel/internal/analysis/stats"
	"signalcartel/internal/config"
	"signalcartel/internal/logger"
	"signalcartel/internal/market"
	"signalcartel/internal/regime"
	"signalcartel/internal/trigger"
)

// Posture is the portfolio-level coordination strategy for one cycle.
type Posture string

const (
	Diversification Posture = "diversification"
	Concentration   Posture = "concentration"
	Pairs           Posture = "pairs"
	Rotation        Posture = "rotation"
	Hedge           Posture = "hedge"
)

// Rejection reasons.
const (
	ReasonInstrumentTaken = "instrument_taken"
	ReasonMaxPositions    = "max_positions"
	ReasonCorrelation     = "correlation_limit"
	ReasonSectorLimit     = "sector_limit"
	ReasonActive          = "instrument_active"
)

// Instrument is one instrument's stage output for the cycle.
type Instrument struct {
	ID       string
	Sector   string
	Currency string
	Snapshot market.Snapshot
	Regime   regime.Classification
	Triggers []trigger.Trigger
}

// Request is the fan-in of every instrument plus the currently active
// triggers, which count against every limit.
type Request struct {
	Instruments []Instrument
	Active      []trigger.Trigger
}

type Rejection struct {
	Instrument string `json:"instrument"`
	Family     string `json:"family"`
	Reason     string `json:"reason"`
}

// Plan is the coordinated selection for one cycle.
type Plan struct {
	Posture           Posture
	Consistency       float64
	AvgAbsCorrelation float64
	Selected          []trigger.Trigger
	Complementary     []trigger.Trigger
	Rejected          []Rejection
	// Matrix covers instruments with candidates or active triggers and
	// drives the posture. Universe covers every instrument in the request;
	// sizing reads it because complementary legs may sit outside Matrix.
	Matrix   *CorrelationMatrix
	Universe *CorrelationMatrix
}

// Coefficient reads the universe matrix, falling back to Matrix.
func (p Plan) Coefficient(a, b string) float64 {
	if p.Universe != nil {
		return p.Universe.Coefficient(a, b)
	}
	if p.Matrix != nil {
		return p.Matrix.Coefficient(a, b)
	}
	return 0
}

// All returns primary then complementary triggers.
func (p Plan) All() []trigger.Trigger {
	out := make([]trigger.Trigger, 0, len(p.Selected)+len(p.Complementary))
	out = append(out, p.Selected...)
	return append(out, p.Complementary...)
}

// Coordinator owns the correlation matrix. Coordinate is called by a single
// cycle goroutine; Matrix may be read from anywhere.
type Coordinator struct {
	mu     sync.RWMutex
	matrix *CorrelationMatrix
	now    func() time.Time
}

func New() *Coordinator {
	return &Coordinator{now: time.Now}
}

// Matrix returns the last built matrix.
func (c *Coordinator) Matrix() *CorrelationMatrix {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.matrix
}

// Coordinate rebuilds the matrix, picks a posture, greedily selects
// primaries and adds whatever complementary triggers qualify.
func (c *Coordinator) Coordinate(ctx context.Context, req Request, cfg config.CoordinatorConfig) (Plan, error) {
	byID := make(map[string]Instrument, len(req.Instruments))
	for _, inst := range req.Instruments {
		byID[inst.ID] = inst
	}
	active := make(map[string]trigger.Trigger, len(req.Active))
	for _, t := range req.Active {
		active[t.Instrument] = t
	}

	universe := make(map[string][]float64, len(req.Instruments))
	returns := make(map[string][]float64)
	for _, inst := range req.Instruments {
		closes := inst.Snapshot.Closes()
		if len(closes) > cfg.CorrelationWindow+1 {
			closes = closes[len(closes)-cfg.CorrelationWindow-1:]
		}
		r := stats.AlignedReturns(closes)
		universe[inst.ID] = r
		if _, isActive := active[inst.ID]; len(inst.Triggers) > 0 || isActive {
			returns[inst.ID] = r
		}
	}
	matrix := BuildMatrix(cfg.CorrelationMethod, returns, cfg.CorrelationWindow, c.now())
	c.mu.Lock()
	c.matrix = matrix
	c.mu.Unlock()

	plan := Plan{
		Matrix:            matrix,
		Consistency:       Consistency(req.Instruments),
		AvgAbsCorrelation: matrix.AverageAbs(),
	}
	// limits and complementary legs may involve instruments without candidates
	full := BuildMatrix(cfg.CorrelationMethod, universe, cfg.CorrelationWindow, c.now())
	plan.Universe = full
	pairs, err := FindPairs(ctx, full, byID, cfg)
	if err != nil {
		return plan, err
	}
	rotation, err := FindRotation(ctx, req.Instruments, cfg)
	if err != nil {
		return plan, err
	}
	plan.Posture = ChoosePosture(plan.Consistency, plan.AvgAbsCorrelation, len(pairs) > 0, rotation != nil, cfg)

	sel := newSelection(full, cfg, byID)
	for _, t := range req.Active {
		sel.admit(t)
	}
	var candidates []trigger.Trigger
	for _, inst := range req.Instruments {
		for _, t := range inst.Triggers {
			if _, ok := active[t.Instrument]; ok {
				plan.Rejected = append(plan.Rejected, Rejection{t.Instrument, t.Family, ReasonActive})
				continue
			}
			candidates = append(candidates, t)
		}
	}
	selected, rejected := sel.greedy(candidates, plan.Posture)
	plan.Selected = selected
	plan.Rejected = append(plan.Rejected, rejected...)

	var comp []trigger.Trigger
	if cfg.PairsEnabled {
		for _, p := range pairs {
			legs := p.Triggers(byID, c.now())
			if sel.admitAll(legs, true) {
				comp = append(comp, legs...)
			}
		}
	}
	if cfg.RotationEnabled && rotation != nil {
		for _, leg := range rotation.Triggers(byID, c.now()) {
			if sel.admitAll([]trigger.Trigger{leg}, false) {
				comp = append(comp, leg)
			}
		}
	}
	if cfg.HedgeEnabled {
		for _, h := range CurrencyHedges(sel.taken, byID, cfg, c.now()) {
			if sel.admitAll([]trigger.Trigger{h}, false) {
				comp = append(comp, h)
			}
		}
	}
	plan.Complementary = comp

	logger.Infof("Coordinator: posture=%s consistency=%.2f avg|ρ|=%.2f selected=%d complementary=%d rejected=%d",
		plan.Posture, plan.Consistency, plan.AvgAbsCorrelation, len(plan.Selected), len(plan.Complementary), len(plan.Rejected))
	return plan, nil
}

// Consistency is the share of instruments whose regime direction matches the
// most common direction. Ties prefer neutral, then bullish.
func Consistency(instruments []Instrument) float64 {
	if len(instruments) == 0 {
		return 0
	}
	counts := make(map[int]int, 3)
	for _, inst := range instruments {
		counts[inst.Regime.Label.Direction()]++
	}
	best := 0
	for _, dir := range []int{0, 1, -1} {
		if counts[dir] > best {
			best = counts[dir]
		}
	}
	return float64(best) / float64(len(instruments))
}

// ChoosePosture is the fixed decision tree.
func ChoosePosture(consistency, avgAbsCorr float64, hasPairs, hasRotation bool, cfg config.CoordinatorConfig) Posture {
	switch {
	case consistency >= cfg.ConsistencyThreshold && avgAbsCorr < cfg.LowCorrelation:
		return Diversification
	case avgAbsCorr >= cfg.HighCorrelation:
		return Concentration
	case cfg.PairsEnabled && hasPairs:
		return Pairs
	case cfg.RotationEnabled && hasRotation:
		return Rotation
	default:
		return Hedge
	}
}

type selection struct {
	matrix  *CorrelationMatrix
	cfg     config.CoordinatorConfig
	sectors map[string]string
	taken   []trigger.Trigger
	ids     map[string]bool
	bySect  map[string]int
}

func newSelection(m *CorrelationMatrix, cfg config.CoordinatorConfig, byID map[string]Instrument) *selection {
	sectors := make(map[string]string, len(byID))
	for id, inst := range byID {
		sectors[id] = strings.ToLower(strings.TrimSpace(inst.Sector))
	}
	return &selection{matrix: m, cfg: cfg, sectors: sectors, ids: make(map[string]bool), bySect: make(map[string]int)}
}

func (s *selection) admit(t trigger.Trigger) {
	s.taken = append(s.taken, t)
	s.ids[t.Instrument] = true
	if sec := s.sectors[t.Instrument]; sec != "" {
		s.bySect[sec]++
	}
}

func (s *selection) instruments() []string {
	out := make([]string, 0, len(s.taken))
	for _, t := range s.taken {
		out = append(out, t.Instrument)
	}
	return out
}

// check returns the reason t cannot join, or "". extra counts triggers
// about to be admitted alongside t.
func (s *selection) check(t trigger.Trigger, extra int, spread bool) string {
	if s.ids[t.Instrument] {
		return ReasonInstrumentTaken
	}
	if len(s.taken)+extra >= s.cfg.MaxConcurrentPositions {
		return ReasonMaxPositions
	}
	if !spread {
		for _, other := range s.taken {
			if math.Abs(s.matrix.Coefficient(t.Instrument, other.Instrument)) > s.cfg.MaxCorrelation {
				return ReasonCorrelation
			}
		}
	}
	if sec := s.sectors[t.Instrument]; sec != "" {
		share := float64(s.bySect[sec]+1) / float64(s.cfg.MaxConcurrentPositions)
		if share > s.cfg.SectorLimit(sec)+1e-9 {
			return ReasonSectorLimit
		}
	}
	return ""
}

// admitAll admits every trigger or none. Spread legs offset each other and
// skip the correlation limit.
func (s *selection) admitAll(ts []trigger.Trigger, spread bool) bool {
	for i, t := range ts {
		if s.check(t, i, spread) != "" {
			return false
		}
		for _, u := range ts[:i] {
			if u.Instrument == t.Instrument {
				return false
			}
		}
	}
	for _, t := range ts {
		s.admit(t)
	}
	return true
}

func (s *selection) adjusted(t trigger.Trigger, posture Posture) float64 {
	base := t.Score()
	switch posture {
	case Diversification:
		return base * (1 - s.matrix.MeanAbsTo(t.Instrument, s.instruments()))
	case Concentration:
		return base * (1 + t.Expected.ExpectedReturn)
	case Hedge:
		if net := s.netDirection(); net != 0 && t.Direction.Sign() != net {
			return base * 1.25
		}
		return base
	default:
		return base
	}
}

func (s *selection) netDirection() float64 {
	var net float64
	for _, t := range s.taken {
		net += t.Direction.Sign()
	}
	switch {
	case net > 0:
		return 1
	case net < 0:
		return -1
	}
	return 0
}

// greedy repeatedly takes the best remaining candidate by adjusted score.
// Scores are recomputed after every pick since they depend on the selection.
func (s *selection) greedy(candidates []trigger.Trigger, posture Posture) ([]trigger.Trigger, []Rejection) {
	remaining := append([]trigger.Trigger(nil), candidates...)
	sort.SliceStable(remaining, func(i, j int) bool {
		if remaining[i].Instrument != remaining[j].Instrument {
			return remaining[i].Instrument < remaining[j].Instrument
		}
		return remaining[i].Family < remaining[j].Family
	})
	var selected []trigger.Trigger
	var rejected []Rejection
	for len(remaining) > 0 {
		best, bestV := -1, math.Inf(-1)
		for i, t := range remaining {
			if v := s.adjusted(t, posture); v > bestV {
				best, bestV = i, v
			}
		}
		t := remaining[best]
		remaining = append(remaining[:best], remaining[best+1:]...)
		if reason := s.check(t, 0, false); reason != "" {
			if reason != ReasonInstrumentTaken {
				logger.Debugf("Coordinator: reject %s %s: %s", t.Instrument, t.Family, reason)
			}
			rejected = append(rejected, Rejection{t.Instrument, t.Family, reason})
			continue
		}
		s.admit(t)
		selected = append(selected, t)
	}
	return selected, rejected
}
