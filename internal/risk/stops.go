package risk

import (
	"context"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"signalcartel/internal/config"
	"signalcartel/internal/market"
	"signalcartel/internal/trigger"
)

const (
	decayStep  = 0.1
	decayFloor = 0.5
)

// StopDistance is the trailing stop distance: ATR × multiple, widened when
// the regime reading is uncertain and tightened 10% per decay period held.
func StopDistance(atr, regimeConfidence float64, held time.Duration, cfg config.RiskConfig) float64 {
	if atr <= 0 {
		return 0
	}
	conf := clamp(regimeConfidence, 0, 1)
	decay := 1.0
	if period := time.Duration(cfg.StopTimeDecayMinutes) * time.Minute; period > 0 && held > 0 {
		steps := math.Floor(float64(held) / float64(period))
		decay = math.Max(decayFloor, 1-decayStep*steps)
	}
	return atr * cfg.StopATRMultiple * (1.5 - 0.5*conf) * decay
}

func effectiveATR(t trigger.Trigger, snap market.Snapshot) float64 {
	if snap.ATR > 0 {
		return snap.ATR
	}
	if t.Risk.ATR > 0 {
		return t.Risk.ATR
	}
	return snap.Price * math.Max(snap.Volatility, 0.001)
}

// RecomputeExit reprices the stop and take-profit ladder from the current
// snapshot. Candidates get a fresh exit from entry. Active triggers trail
// from the latest price and only accept a stop that tightens; their
// remaining ladder levels are repriced from entry.
func RecomputeExit(t trigger.Trigger, snap market.Snapshot, cfg config.RiskConfig, now time.Time) (trigger.Trigger, error) {
	atr := effectiveATR(t, snap)
	price := snap.Price
	if price <= 0 || atr <= 0 {
		return t, fmt.Errorf("no price or atr for %s", t.Instrument)
	}
	out := t.Clone()

	if t.Status != trigger.StatusActive {
		entry := t.EntryPrice
		if entry <= 0 {
			entry = price
		}
		dist := StopDistance(atr, t.Regime.Confidence, 0, cfg)
		exit, err := trigger.BuildExit(t.Direction, entry, atr, trigger.ExitSpec{
			StopATR:   dist / atr,
			LadderATR: cfg.TakeProfitATR,
			Weights:   cfg.TakeProfitWeights,
			Trailing:  true,
		})
		if err != nil {
			return t, err
		}
		out.EntryPrice = entry
		out.Exit = exit
		out.Risk.ATR = atr
		out.Risk.MaxLoss = exit.StopLoss.Distance / entry
		if exit.StopLoss.Distance > 0 && len(exit.TakeProfits) > 0 {
			out.Risk.RewardRatio = math.Abs(exit.TakeProfits[0].Price-entry) / exit.StopLoss.Distance
		}
		return out, nil
	}

	var held time.Duration
	if !t.ActivatedAt.IsZero() {
		held = now.Sub(t.ActivatedAt)
	}
	dist := StopDistance(atr, t.Regime.Confidence, held, cfg)
	if t.Exit.StopLoss.Trailing {
		if stop := trigger.StopPrice(t.Direction, price, dist); trigger.Tightens(t.Direction, stop, t.Exit.StopLoss.Price) {
			out.Exit.StopLoss.Price = stop
			out.Exit.StopLoss.Distance = dist
			out.Exit.StopLoss.ATRMult = dist / atr
		}
	}
	for i, tp := range out.Exit.TakeProfits {
		out.Exit.TakeProfits[i].Price = trigger.RelativePrice(t.Direction, t.EntryPrice, atr*tp.ATRMult/t.EntryPrice)
	}
	out.Risk.ATR = atr
	return out, nil
}

// ExitReason names why an exit fired.
type ExitReason string

const (
	ExitStop   ExitReason = "stop"
	ExitTarget ExitReason = "target"
)

// ExitSignal is a close instruction for all or part of an active trigger.
// Fraction is of the original size.
type ExitSignal struct {
	TriggerID  string
	Instrument string
	Reason     ExitReason
	Price      float64
	Fraction   float64
	Final      bool
}

// Managed is one active trigger after this tick's stop and target pass.
type Managed struct {
	Trigger trigger.Trigger
	Exits   []ExitSignal
}

// ManageActive trails stops and evaluates stops and targets for every active
// trigger in parallel. It runs whether or not issuance is halted. Triggers
// without a mark keep their exits unchanged.
func ManageActive(ctx context.Context, active []trigger.Trigger, marks map[string]market.Snapshot, cfg config.RiskConfig, now time.Time) ([]Managed, error) {
	out := make([]Managed, len(active))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range active {
		i, t := i, t
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			snap, ok := marks[t.Instrument]
			if !ok {
				out[i] = Managed{Trigger: t}
				return nil
			}
			out[i] = manageOne(t, snap, cfg, now)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func manageOne(t trigger.Trigger, snap market.Snapshot, cfg config.RiskConfig, now time.Time) Managed {
	price := snap.Price
	// evaluate against the stop in force before trailing it to this price
	if trigger.StopHit(t.Direction, price, t.Exit.StopLoss.Price) {
		return Managed{Trigger: t, Exits: []ExitSignal{{
			TriggerID: t.ID, Instrument: t.Instrument, Reason: ExitStop,
			Price: price, Fraction: remaining(t), Final: true,
		}}}
	}
	next, err := RecomputeExit(t, snap, cfg, now)
	if err != nil {
		next = t.Clone()
	}

	var exits []ExitSignal
	before := remaining(next)
	kept := next.Exit.TakeProfits[:0]
	for _, tp := range next.Exit.TakeProfits {
		if trigger.TargetHit(t.Direction, price, tp.Price) {
			exits = append(exits, ExitSignal{
				TriggerID: t.ID, Instrument: t.Instrument, Reason: ExitTarget,
				Price: price, Fraction: tp.Fraction,
			})
			continue
		}
		kept = append(kept, tp)
	}
	next.Exit.TakeProfits = kept
	if len(exits) > 0 {
		if len(kept) == 0 {
			exits[len(exits)-1].Final = true
		} else {
			next.Size *= remaining(next) / before
		}
	}
	return Managed{Trigger: next, Exits: exits}
}

// remaining is the ladder fraction not yet taken.
func remaining(t trigger.Trigger) float64 {
	var sum float64
	for _, tp := range t.Exit.TakeProfits {
		sum += tp.Fraction
	}
	if sum == 0 {
		return 1
	}
	return sum
}
