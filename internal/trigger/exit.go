package trigger

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"signalcartel/internal/types"
)

var (
	decOne     = decimal.NewFromInt(1)
	decimalEps = decimal.NewFromFloat(1e-8)
)

const ratioTolerance = 1e-6

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

// ExitSpec sizes an exit from ATR multiples.
type ExitSpec struct {
	StopATR   float64
	LadderATR []float64
	Weights   []float64
	Trailing  bool
}

// BuildExit prices the stop and ladder away from entry. ATR must be positive.
func BuildExit(dir types.Direction, entry, atr float64, spec ExitSpec) (ExitStrategy, error) {
	if entry <= 0 || atr <= 0 {
		return ExitStrategy{}, fmt.Errorf("exit needs positive entry and atr (entry=%.6g atr=%.6g)", entry, atr)
	}
	if len(spec.LadderATR) != len(spec.Weights) || len(spec.Weights) == 0 {
		return ExitStrategy{}, fmt.Errorf("take-profit ladder and weights must be non-empty and the same length")
	}
	var sum float64
	for _, w := range spec.Weights {
		if w <= 0 || w > 1 {
			return ExitStrategy{}, fmt.Errorf("take-profit weight %.4f outside (0,1]", w)
		}
		sum += w
	}
	if math.Abs(sum-1) > ratioTolerance {
		return ExitStrategy{}, fmt.Errorf("take-profit weights sum to %.4f, need 1", sum)
	}
	entryDec := decFromFloat(entry)
	atrDec := decFromFloat(atr)
	stopDist := atrDec.Mul(decFromFloat(spec.StopATR))
	out := ExitStrategy{
		StopLoss: StopLoss{
			Price:    decToFloat(offsetPrice(dir, entryDec, stopDist.Neg())),
			Distance: decToFloat(stopDist),
			ATRMult:  spec.StopATR,
			Trailing: spec.Trailing,
		},
		TakeProfits: make([]TakeProfit, len(spec.LadderATR)),
	}
	for i, mult := range spec.LadderATR {
		dist := atrDec.Mul(decFromFloat(mult))
		out.TakeProfits[i] = TakeProfit{
			Price:    decToFloat(offsetPrice(dir, entryDec, dist)),
			ATRMult:  mult,
			Fraction: spec.Weights[i],
		}
	}
	return out, nil
}

// offsetPrice moves price in the trade's favor by delta (negative delta moves
// against it).
func offsetPrice(dir types.Direction, price, delta decimal.Decimal) decimal.Decimal {
	if dir == types.Short {
		return price.Sub(delta)
	}
	return price.Add(delta)
}

// StopPrice is the price distance away from anchor against the trade.
func StopPrice(dir types.Direction, anchor, distance float64) float64 {
	if anchor <= 0 || distance <= 0 {
		return 0
	}
	return decToFloat(offsetPrice(dir, decFromFloat(anchor), decFromFloat(distance).Neg()))
}

// RelativePrice applies a fractional move in the trade's favor.
func RelativePrice(dir types.Direction, entry, pct float64) float64 {
	if entry <= 0 {
		return 0
	}
	base := decFromFloat(entry)
	pctDec := decFromFloat(pct)
	factor := decOne.Add(pctDec)
	if dir == types.Short {
		factor = decOne.Sub(pctDec)
	}
	return decToFloat(base.Mul(factor))
}

// StopHit reports whether price has breached the stop.
func StopHit(dir types.Direction, price, stop float64) bool {
	if stop <= 0 || price <= 0 {
		return false
	}
	cmp := decFromFloat(price).Cmp(decFromFloat(stop))
	if dir == types.Short {
		return cmp >= 0
	}
	return cmp <= 0
}

// TargetHit reports whether price has reached a take-profit level.
func TargetHit(dir types.Direction, price, target float64) bool {
	if price <= 0 || target <= 0 {
		return false
	}
	cmp := decFromFloat(price).Cmp(decFromFloat(target))
	if dir == types.Short {
		return cmp <= 0
	}
	return cmp >= 0
}

// Tightens reports whether candidate moves the stop in the trade's favor.
func Tightens(dir types.Direction, candidate, current float64) bool {
	if candidate <= 0 {
		return false
	}
	if current <= 0 {
		return true
	}
	cand := decFromFloat(candidate)
	curr := decFromFloat(current)
	if dir == types.Short {
		return cand.Cmp(curr.Sub(decimalEps)) < 0
	}
	return cand.Cmp(curr.Add(decimalEps)) > 0
}

// ReturnOf is the direction-adjusted fractional return from entry to exit.
func ReturnOf(dir types.Direction, entry, exit float64) float64 {
	if entry <= 0 {
		return 0
	}
	move := decFromFloat(exit).Sub(decFromFloat(entry)).Div(decFromFloat(entry))
	return decToFloat(move) * dir.Sign()
}
