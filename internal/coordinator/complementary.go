package coordinator

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"signalcartel/internal/analysis/indicator"
	"signalcartel/internal/config"
	"signalcartel/internal/market"
	"signalcartel/internal/trigger"
	"signalcartel/internal/types"
)

// Complementary trigger families.
const (
	FamilyPairs    = "pairs"
	FamilyRotation = "sector_rotation"
	FamilyHedge    = "currency_hedge"
)

const (
	pairBandBars     = 20
	momentumBars     = 20
	rsiPeriod        = 14
	macdFast         = 12
	macdSlow         = 26
	macdSignal       = 9
	rotationOverheat = 70
	rotationOversold = 30
)

// PairOpportunity is a highly correlated pair whose price ratio has
// stretched away from its mean.
type PairOpportunity struct {
	Rich        string
	Cheap       string
	ZScore      float64
	Correlation float64
}

// FindPairs scans pairs with |ρ| ≥ pairs_correlation for a ratio z-score at
// least pairs_zscore, using Bollinger bands on the ratio series.
func FindPairs(ctx context.Context, m *CorrelationMatrix, byID map[string]Instrument, cfg config.CoordinatorConfig) ([]PairOpportunity, error) {
	if !cfg.PairsEnabled || m == nil {
		return nil, nil
	}
	type candidate struct {
		a, b string
		rho  float64
	}
	var cands []candidate
	var rows [][]float64
	for _, p := range m.Pairs() {
		e, _ := m.Get(p[0], p[1])
		if math.Abs(e.Coefficient) < cfg.PairsCorrelation {
			continue
		}
		ratio := ratioSeries(byID[p[0]].Snapshot.Closes(), byID[p[1]].Snapshot.Closes())
		if len(ratio) < pairBandBars {
			continue
		}
		cands = append(cands, candidate{p[0], p[1], e.Coefficient})
		rows = append(rows, ratio)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	bands, err := indicator.BatchBollinger(ctx, rows, pairBandBars, 2)
	if err != nil {
		return nil, err
	}
	var out []PairOpportunity
	for i, c := range cands {
		last := len(rows[i]) - 1
		sd := (bands.Upper[i][last] - bands.Middle[i][last]) / 2
		if !(sd > 0) {
			continue
		}
		z := (rows[i][last] - bands.Middle[i][last]) / sd
		if math.Abs(z) < cfg.PairsZScore {
			continue
		}
		opp := PairOpportunity{Rich: c.a, Cheap: c.b, ZScore: z, Correlation: c.rho}
		if z < 0 {
			opp.Rich, opp.Cheap, opp.ZScore = c.b, c.a, -z
		}
		out = append(out, opp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ZScore > out[j].ZScore })
	return out, nil
}

func ratioSeries(a, b []float64) []float64 {
	n := min(len(a), len(b))
	a, b = a[len(a)-n:], b[len(b)-n:]
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if b[i] <= 0 {
			return nil
		}
		out = append(out, a[i]/b[i])
	}
	return out
}

// Triggers returns the two legs: short the rich leg, long the cheap one.
func (p PairOpportunity) Triggers(byID map[string]Instrument, now time.Time) []trigger.Trigger {
	conf := math.Min(0.9, 0.4+0.1*p.ZScore)
	cond := trigger.Condition{Indicator: "pair_zscore", Comparator: ">=", Threshold: p.ZScore, Reference: p.Rich + "/" + p.Cheap}
	var legs []trigger.Trigger
	for _, leg := range []struct {
		id  string
		dir types.Direction
	}{{p.Rich, types.Short}, {p.Cheap, types.Long}} {
		inst, ok := byID[leg.id]
		if !ok {
			return nil
		}
		t, ok := complementary(inst.Snapshot, leg.dir, FamilyPairs, conf, cond, now)
		if !ok {
			return nil
		}
		legs = append(legs, t)
	}
	return legs
}

// RotationOpportunity pairs the strongest and weakest sectors by trailing
// momentum.
type RotationOpportunity struct {
	LeaderSector  string
	LaggardSector string
	Spread        float64
	Long          string
	Short         string
}

// FindRotation ranks sectors by mean trailing return. When the spread
// between best and worst reaches rotation_spread it proposes a long in the
// leader's strongest name (MACD histogram positive, RSI not overbought) and
// a short in the laggard's weakest (histogram negative, RSI not oversold).
func FindRotation(ctx context.Context, instruments []Instrument, cfg config.CoordinatorConfig) (*RotationOpportunity, error) {
	if !cfg.RotationEnabled {
		return nil, nil
	}
	var ids []string
	var rows [][]float64
	for _, inst := range instruments {
		closes := inst.Snapshot.Closes()
		if strings.TrimSpace(inst.Sector) == "" || len(closes) <= momentumBars {
			continue
		}
		ids = append(ids, inst.ID)
		rows = append(rows, closes)
	}
	if len(rows) < 2 {
		return nil, nil
	}
	rsi, err := indicator.LatestRSI(ctx, rows, rsiPeriod)
	if err != nil {
		return nil, err
	}
	macd, err := indicator.BatchMACD(ctx, rows, macdFast, macdSlow, macdSignal)
	if err != nil {
		return nil, err
	}
	sectorOf := make(map[string]string, len(instruments))
	for _, inst := range instruments {
		sectorOf[inst.ID] = strings.ToLower(strings.TrimSpace(inst.Sector))
	}
	momentum := make(map[string]float64, len(ids))
	sums := make(map[string]float64)
	counts := make(map[string]int)
	for i, id := range ids {
		row := rows[i]
		last := len(row) - 1
		if row[last-momentumBars] <= 0 {
			continue
		}
		mom := row[last]/row[last-momentumBars] - 1
		momentum[id] = mom
		sums[sectorOf[id]] += mom
		counts[sectorOf[id]]++
	}
	if len(counts) < 2 {
		return nil, nil
	}
	sectors := make([]string, 0, len(counts))
	for s := range counts {
		sectors = append(sectors, s)
	}
	sort.Strings(sectors)
	mean := func(s string) float64 { return sums[s] / float64(counts[s]) }
	leader, laggard := sectors[0], sectors[0]
	for _, s := range sectors[1:] {
		if mean(s) > mean(leader) {
			leader = s
		}
		if mean(s) < mean(laggard) {
			laggard = s
		}
	}
	spread := mean(leader) - mean(laggard)
	if spread < cfg.RotationSpread {
		return nil, nil
	}
	opp := &RotationOpportunity{LeaderSector: leader, LaggardSector: laggard, Spread: spread}
	bestLong, bestShort := math.Inf(-1), math.Inf(1)
	for i, id := range ids {
		mom, ok := momentum[id]
		if !ok {
			continue
		}
		hist := lastFinite(macd.Hist[i])
		switch sectorOf[id] {
		case leader:
			if hist > 0 && rsi[i] < rotationOverheat && mom > bestLong {
				opp.Long, bestLong = id, mom
			}
		case laggard:
			if hist < 0 && rsi[i] > rotationOversold && mom < bestShort {
				opp.Short, bestShort = id, mom
			}
		}
	}
	if opp.Long == "" && opp.Short == "" {
		return nil, nil
	}
	return opp, nil
}

// Triggers returns whichever rotation legs qualified.
func (r *RotationOpportunity) Triggers(byID map[string]Instrument, now time.Time) []trigger.Trigger {
	conf := math.Min(0.85, 0.4+r.Spread*5)
	var out []trigger.Trigger
	if inst, ok := byID[r.Long]; ok {
		cond := trigger.Condition{Indicator: "sector_momentum_spread", Comparator: ">=", Threshold: r.Spread, Reference: r.LeaderSector}
		if t, ok := complementary(inst.Snapshot, types.Long, FamilyRotation, conf, cond, now); ok {
			out = append(out, t)
		}
	}
	if inst, ok := byID[r.Short]; ok {
		cond := trigger.Condition{Indicator: "sector_momentum_spread", Comparator: ">=", Threshold: r.Spread, Reference: r.LaggardSector}
		if t, ok := complementary(inst.Snapshot, types.Short, FamilyRotation, conf, cond, now); ok {
			out = append(out, t)
		}
	}
	return out
}

// CurrencyHedges offsets the net direction of positions grouped by quote
// currency with the configured hedge instrument for that currency.
func CurrencyHedges(positions []trigger.Trigger, byID map[string]Instrument, cfg config.CoordinatorConfig, now time.Time) []trigger.Trigger {
	net := make(map[string]float64)
	for _, t := range positions {
		ccy := strings.ToLower(strings.TrimSpace(byID[t.Instrument].Currency))
		if ccy == "" {
			continue
		}
		net[ccy] += t.Direction.Sign()
	}
	ccys := make([]string, 0, len(net))
	for c := range net {
		ccys = append(ccys, c)
	}
	sort.Strings(ccys)
	var out []trigger.Trigger
	for _, ccy := range ccys {
		exposure := net[ccy]
		hedgeID := strings.ToUpper(strings.TrimSpace(cfg.HedgeInstruments[ccy]))
		if exposure == 0 || hedgeID == "" {
			continue
		}
		inst, ok := byID[hedgeID]
		if !ok {
			continue
		}
		dir := types.Long
		if exposure > 0 {
			dir = types.Short
		}
		cond := trigger.Condition{Indicator: "net_exposure_" + ccy, Comparator: ">", Threshold: 0}
		if t, ok := complementary(inst.Snapshot, dir, FamilyHedge, 0.5, cond, now); ok {
			out = append(out, t)
		}
	}
	return out
}

func complementary(snap market.Snapshot, dir types.Direction, family string, conf float64, cond trigger.Condition, now time.Time) (trigger.Trigger, bool) {
	if snap.Price <= 0 {
		return trigger.Trigger{}, false
	}
	atr := snap.ATR
	if atr <= 0 {
		atr = snap.Price * math.Max(snap.Volatility, 0.001)
	}
	exit, err := trigger.BuildExit(dir, snap.Price, atr, trigger.DefaultExitSpec())
	if err != nil {
		return trigger.Trigger{}, false
	}
	return trigger.Trigger{
		ID:         uuid.NewString(),
		Instrument: snap.Instrument,
		Direction:  dir,
		Family:     family,
		Conditions: []trigger.Condition{cond},
		Entry:      trigger.EntryLogic{Mode: "all", OrderType: "market"},
		EntryPrice: snap.Price,
		Exit:       exit,
		Risk: trigger.RiskParams{
			MaxLoss:    exit.StopLoss.Distance / snap.Price,
			ATR:        atr,
			Volatility: snap.Volatility,
		},
		Expected:   trigger.ExpectedPerformance{WinProbability: 0.5},
		Confidence: conf,
		Status:     trigger.StatusCandidate,
		CreatedAt:  now,
	}, true
}

func lastFinite(s []float64) float64 {
	for i := len(s) - 1; i >= 0; i-- {
		if !math.IsNaN(s[i]) && !math.IsInf(s[i], 0) {
			return s[i]
		}
	}
	return 0
}
