// Package performance records closed trades, keeps windowed metrics per
// trigger family and learns parameter beliefs from outcomes.
package performance

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"signalcartel/internal/regime"
	"signalcartel/internal/trigger"
	"signalcartel/internal/types"
)

// Outcome classifies a closed trade.
type Outcome string

const (
	Win       Outcome = "win"
	Loss      Outcome = "loss"
	Breakeven Outcome = "breakeven"
)

// breakevenBand is the absolute return treated as flat.
const breakevenBand = 1e-4

// Classify maps a realized return to an outcome.
func Classify(ret float64) Outcome {
	switch {
	case ret > breakevenBand:
		return Win
	case ret < -breakevenBand:
		return Loss
	default:
		return Breakeven
	}
}

// Record is one closed trade. Records are append-only and never edited.
type Record struct {
	ID         string             `json:"id"`
	TriggerID  string             `json:"trigger_id"`
	Family     string             `json:"family"`
	Instrument string             `json:"instrument"`
	Direction  types.Direction    `json:"direction"`
	Outcome    Outcome            `json:"outcome"`
	Return     float64            `json:"return"`
	Holding    time.Duration      `json:"holding"`
	Slippage   float64            `json:"slippage"`
	Regime     regime.Label       `json:"regime"`
	ParamKeys  []string           `json:"param_keys,omitempty"`
	Params     map[string]float64 `json:"params,omitempty"`
	ClosedAt   time.Time          `json:"closed_at"`
}

func (r Record) clone() Record {
	r.ParamKeys = append([]string(nil), r.ParamKeys...)
	if r.Params != nil {
		p := make(map[string]float64, len(r.Params))
		for k, v := range r.Params {
			p[k] = v
		}
		r.Params = p
	}
	return r
}

func (r Record) validate() error {
	if strings.TrimSpace(r.TriggerID) == "" {
		return fmt.Errorf("record without trigger id")
	}
	if strings.TrimSpace(r.Family) == "" {
		return fmt.Errorf("record %s without family", r.TriggerID)
	}
	if math.IsNaN(r.Return) || math.IsInf(r.Return, 0) {
		return fmt.Errorf("record %s has non-finite return", r.TriggerID)
	}
	if r.Return <= -1 {
		return fmt.Errorf("record %s return %.4f below -100%%", r.TriggerID, r.Return)
	}
	return nil
}

// Close describes how an active trigger ended.
type Close struct {
	ExitPrice float64
	Slippage  float64
	Regime    regime.Label
	ClosedAt  time.Time
}

// RecordFromTrigger builds the record for a closed trigger. The optimized
// parameter values are stored under their namespaced belief keys.
func RecordFromTrigger(t trigger.Trigger, c Close) Record {
	ret := trigger.ReturnOf(t.Direction, t.EntryPrice, c.ExitPrice) - math.Abs(c.Slippage)
	rec := Record{
		ID:         uuid.NewString(),
		TriggerID:  t.ID,
		Family:     t.Family,
		Instrument: t.Instrument,
		Direction:  t.Direction,
		Outcome:    Classify(ret),
		Return:     ret,
		Slippage:   c.Slippage,
		Regime:     c.Regime,
		ClosedAt:   c.ClosedAt,
	}
	if !t.ActivatedAt.IsZero() && c.ClosedAt.After(t.ActivatedAt) {
		rec.Holding = c.ClosedAt.Sub(t.ActivatedAt)
	}
	if len(t.Params) > 0 {
		rec.Params = make(map[string]float64, len(t.Params))
		for name, v := range t.Params {
			key := trigger.ParamKey(t.Family, name)
			rec.Params[key] = v
			rec.ParamKeys = append(rec.ParamKeys, key)
		}
		sort.Strings(rec.ParamKeys)
	}
	return rec
}
