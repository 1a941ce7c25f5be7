package risk

import (
	"fmt"
	"math"
	"sort"
	"time"

	"signalcartel/internal/analysis/stats"
	"signalcartel/internal/config"
	"signalcartel/internal/trigger"
	"signalcartel/internal/types"
)

const equityHistory = 500

// Breaker is the drawdown circuit breaker. It never reopens on time alone.
type Breaker struct {
	Active            bool      `json:"active"`
	Reason            string    `json:"reason,omitempty"`
	TriggeredAt       time.Time `json:"triggered_at,omitempty"`
	RecoveryThreshold float64   `json:"recovery_threshold"`
}

// State is the portfolio risk reading, replaced once per cycle.
type State struct {
	Version             int64     `json:"version"`
	UpdatedAt           time.Time `json:"updated_at"`
	Equity              float64   `json:"equity"`
	PeakEquity          float64   `json:"peak_equity"`
	PortfolioVolatility float64   `json:"portfolio_volatility"`
	VaR95               float64   `json:"var_95"`
	VaR99               float64   `json:"var_99"`
	ExpectedShortfall   float64   `json:"expected_shortfall"`
	Drawdown            float64   `json:"drawdown"`
	MaxDrawdown         float64   `json:"max_drawdown"`
	Heat                float64   `json:"heat"`
	OpenRisk            float64   `json:"open_risk"`
	Breaker             Breaker   `json:"breaker"`
	Halted              bool      `json:"halted"`
	HaltReason          string    `json:"halt_reason,omitempty"`
}

// Warning is a non-fatal risk observation.
type Warning struct {
	Type       string         `json:"type"`
	Severity   types.Severity `json:"severity"`
	Instrument string         `json:"instrument,omitempty"`
	Message    string         `json:"message"`
}

// Warning types.
const (
	WarnWinRate       = "degrading_win_rate"
	WarnDrawdown      = "excessive_drawdown"
	WarnConcentration = "high_concentration"
)

// BreakerTransition reports a breaker state change.
type BreakerTransition struct {
	Activated bool
	Drawdown  float64
	Reason    string
	At        time.Time
}

// Update is the per-cycle input to the state recompute.
type Update struct {
	Equity float64
	Active []trigger.Trigger
	// RecentWinRate is the tracker's recent win rate; HasWinRate is false
	// until enough closes exist.
	RecentWinRate float64
	HasWinRate    bool
	Now           time.Time
}

// Report is what one state update produced.
type Report struct {
	State      State
	Warnings   []Warning
	Transition *BreakerTransition
	// Halt is set on the update that first detected corruption.
	Halt error
}

func (m *Manager) recompute(prev State, in Update, cfg config.RiskConfig) (State, Report) {
	next := prev
	next.Version = prev.Version + 1
	next.UpdatedAt = in.Now
	rep := Report{}

	equity := in.Equity
	if equity > 0 && !math.IsInf(equity, 0) && prev.Equity > 0 {
		m.returns = append(m.returns, equity/prev.Equity-1)
		if len(m.returns) > equityHistory {
			m.returns = m.returns[len(m.returns)-equityHistory:]
		}
	}
	next.Equity = equity
	if equity > next.PeakEquity {
		next.PeakEquity = equity
	}
	if next.PeakEquity > 0 {
		next.Drawdown = math.Max(0, (next.PeakEquity-equity)/next.PeakEquity)
	}
	next.MaxDrawdown = math.Max(prev.MaxDrawdown, next.Drawdown)

	if len(m.returns) >= 2 {
		next.PortfolioVolatility = stats.StdDev(m.returns)
		next.VaR95 = math.Max(0, -stats.Quantile(0.05, m.returns))
		next.VaR99 = math.Max(0, -stats.Quantile(0.01, m.returns))
		next.ExpectedShortfall = expectedShortfall(m.returns, next.VaR95)
	}

	var open float64
	for _, t := range in.Active {
		open += t.Size
	}
	next.OpenRisk = open
	if cfg.MaxTotalRisk > 0 {
		next.Heat = open / cfg.MaxTotalRisk
	}

	if reason := corruption(next); reason != "" {
		if !prev.Halted {
			rep.Halt = types.Errorf(types.KindFatal, "", "risk state corrupted: %s", reason)
		}
		// keep the last sane readings so stops can still be managed
		halted := prev
		halted.Version = next.Version
		halted.UpdatedAt = next.UpdatedAt
		halted.Halted = true
		halted.HaltReason = reason
		rep.State = halted
		return halted, rep
	}

	switch {
	case !next.Breaker.Active && next.Drawdown > cfg.CircuitBreakerThreshold:
		next.Breaker = Breaker{
			Active:            true,
			Reason:            fmt.Sprintf("drawdown %.2f%% exceeds %.2f%%", next.Drawdown*100, cfg.CircuitBreakerThreshold*100),
			TriggeredAt:       in.Now,
			RecoveryThreshold: cfg.RecoveryThreshold,
		}
		rep.Transition = &BreakerTransition{Activated: true, Drawdown: next.Drawdown, Reason: next.Breaker.Reason, At: in.Now}
	case next.Breaker.Active && next.Drawdown < next.Breaker.RecoveryThreshold:
		rep.Transition = &BreakerTransition{
			Activated: false,
			Drawdown:  next.Drawdown,
			Reason:    fmt.Sprintf("drawdown %.2f%% below recovery %.2f%%", next.Drawdown*100, next.Breaker.RecoveryThreshold*100),
			At:        in.Now,
		}
		next.Breaker = Breaker{RecoveryThreshold: cfg.RecoveryThreshold}
	}

	rep.Warnings = warnings(next, in, cfg)
	rep.State = next
	return next, rep
}

func expectedShortfall(returns []float64, var95 float64) float64 {
	var sum float64
	n := 0
	for _, r := range returns {
		if -r >= var95 && r < 0 {
			sum += -r
			n++
		}
	}
	if n == 0 {
		return var95
	}
	return sum / float64(n)
}

// corruption names the first invalid field, or "".
func corruption(s State) string {
	fields := []struct {
		name string
		v    float64
	}{
		{"equity", s.Equity},
		{"peak_equity", s.PeakEquity},
		{"volatility", s.PortfolioVolatility},
		{"var_95", s.VaR95},
		{"var_99", s.VaR99},
		{"expected_shortfall", s.ExpectedShortfall},
		{"drawdown", s.Drawdown},
		{"heat", s.Heat},
	}
	for _, f := range fields {
		if math.IsNaN(f.v) || math.IsInf(f.v, 0) {
			return f.name + " is not finite"
		}
	}
	if s.Heat < 0 {
		return "negative heat"
	}
	if s.Equity <= 0 {
		return "non-positive equity"
	}
	return ""
}

func warnings(s State, in Update, cfg config.RiskConfig) []Warning {
	var out []Warning
	if in.HasWinRate && in.RecentWinRate < cfg.WinRateWarning {
		out = append(out, Warning{
			Type:     WarnWinRate,
			Severity: types.SeverityWarning,
			Message:  fmt.Sprintf("recent win rate %.1f%% below %.1f%%", in.RecentWinRate*100, cfg.WinRateWarning*100),
		})
	}
	if s.Drawdown > cfg.DrawdownWarning {
		sev := types.SeverityWarning
		if s.Breaker.Active {
			sev = types.SeverityCritical
		}
		out = append(out, Warning{
			Type:     WarnDrawdown,
			Severity: sev,
			Message:  fmt.Sprintf("drawdown %.2f%% above %.2f%%", s.Drawdown*100, cfg.DrawdownWarning*100),
		})
	}
	if s.OpenRisk > 0 && len(in.Active) > 1 {
		by := make(map[string]float64)
		for _, t := range in.Active {
			by[t.Instrument] += t.Size
		}
		insts := make([]string, 0, len(by))
		for inst := range by {
			insts = append(insts, inst)
		}
		sort.Strings(insts)
		for _, inst := range insts {
			if share := by[inst] / s.OpenRisk; share > cfg.ConcentrationWarning {
				out = append(out, Warning{
					Type:       WarnConcentration,
					Severity:   types.SeverityWarning,
					Instrument: inst,
					Message:    fmt.Sprintf("%s holds %.1f%% of open risk", inst, share*100),
				})
			}
		}
	}
	return out
}
