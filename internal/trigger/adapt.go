package trigger

import (
	"math"

	"signalcartel/internal/regime"
	"signalcartel/internal/templates"
)

// AdaptContext is the market state thresholds adapt to.
type AdaptContext struct {
	Label      regime.Label
	VolRatio   float64
	ATRPercent float64
}

const (
	maxVolWiden      = 10.0
	volWidenPerRatio = 10.0
	directionalShift = 5.0
	referenceATRPct  = 0.01
)

// AdaptThresholds shifts role-tagged parameters for the current regime and
// clamps the result into the template's bounds:
//   - oscillator levels widen apart under elevated volatility, by
//     min(10, (volRatio-1)·10) points;
//   - under a bullish regime both levels move up 5 points, under a bearish
//     regime both move down 5;
//   - breakout multipliers scale with ATR% relative to 1%, within [0.5, 2].
func AdaptThresholds(tpl templates.Template, params map[string]float64, ac AdaptContext) map[string]float64 {
	out := make(map[string]float64, len(params))
	for k, v := range params {
		out[k] = v
	}
	widen := math.Min(maxVolWiden, math.Max(0, ac.VolRatio-1)*volWidenPerRatio)
	shift := float64(ac.Label.Direction()) * directionalShift
	for key, spec := range tpl.Params {
		v, ok := out[key]
		if !ok {
			v = spec.Default
		}
		switch spec.Role {
		case templates.RoleOversold:
			v = v - widen + shift
		case templates.RoleOverbought:
			v = v + widen + shift
		case templates.RoleBreakout:
			if ac.ATRPercent > 0 {
				v *= math.Max(0.5, math.Min(2, ac.ATRPercent/referenceATRPct))
			}
		}
		out[key] = v
	}
	return tpl.Clamp(out)
}
