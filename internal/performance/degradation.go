package performance

import (
	"fmt"
	"sort"

	"signalcartel/internal/types"
)

// Degradation thresholds. Win-rate drops are relative to the family's full
// windowed history.
const (
	winRateDropWarning  = 0.30
	winRateDropCritical = 0.50
	drawdownWarning     = 0.20
	drawdownCritical    = 0.30
)

// Degradation kinds.
const (
	DegradedWinRate  = "win_rate_drop"
	DegradedDrawdown = "recent_drawdown"
)

// Degradation flags a family whose recent results fell behind its history.
type Degradation struct {
	Family   string         `json:"family"`
	Kind     string         `json:"kind"`
	Severity types.Severity `json:"severity"`
	Recent   float64        `json:"recent"`
	Baseline float64        `json:"baseline"`
	Message  string         `json:"message"`
}

// Degradations compares every family's last degradation_window records with
// its windowed history. Families with fewer records are skipped.
func (t *Tracker) Degradations() []Degradation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := t.cfg.DegradationWindow
	if n <= 0 {
		return nil
	}
	now := t.now()
	byFamily := make(map[string][]Record)
	for _, r := range t.windowed(now, func(Record) bool { return true }) {
		byFamily[r.Family] = append(byFamily[r.Family], r)
	}
	families := make([]string, 0, len(byFamily))
	for f := range byFamily {
		families = append(families, f)
	}
	sort.Strings(families)

	var out []Degradation
	for _, family := range families {
		recs := byFamily[family]
		if len(recs) < n {
			continue
		}
		full := Compute(family, recs)
		recent := Compute(family, recs[len(recs)-n:])
		if full.WinRate > 0 {
			drop := (full.WinRate - recent.WinRate) / full.WinRate
			if sev, ok := grade(drop, winRateDropWarning, winRateDropCritical); ok {
				out = append(out, Degradation{
					Family: family, Kind: DegradedWinRate, Severity: sev,
					Recent: recent.WinRate, Baseline: full.WinRate,
					Message: fmt.Sprintf("%s win rate %.1f%% vs %.1f%% (-%.0f%%)", family, recent.WinRate*100, full.WinRate*100, drop*100),
				})
			}
		}
		if sev, ok := grade(recent.MaxDrawdown, drawdownWarning, drawdownCritical); ok {
			out = append(out, Degradation{
				Family: family, Kind: DegradedDrawdown, Severity: sev,
				Recent: recent.MaxDrawdown, Baseline: full.MaxDrawdown,
				Message: fmt.Sprintf("%s drawdown %.1f%% over last %d trades", family, recent.MaxDrawdown*100, n),
			})
		}
	}
	return out
}

func grade(v, warn, crit float64) (types.Severity, bool) {
	switch {
	case v > crit:
		return types.SeverityCritical, true
	case v > warn:
		return types.SeverityWarning, true
	}
	return "", false
}
