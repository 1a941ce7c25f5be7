package engine

import (
	"fmt"
	"strings"
	"time"

	"signalcartel/internal/coordinator"
	"signalcartel/internal/gateway/venue"
	"signalcartel/internal/performance"
	"signalcartel/internal/regime"
	"signalcartel/internal/risk"
	"signalcartel/internal/types"
)

// Drop is a candidate that did not become an intent.
type Drop struct {
	Instrument string          `json:"instrument"`
	Family     string          `json:"family,omitempty"`
	Kind       types.ErrorKind `json:"kind"`
	Reason     string          `json:"reason"`
}

// InstrumentReport is one instrument's stage result.
type InstrumentReport struct {
	Instrument string       `json:"instrument"`
	Regime     regime.Label `json:"regime"`
	Confidence float64      `json:"confidence"`
	Changed    bool         `json:"changed"`
	Candidates int          `json:"candidates"`
	Default    bool         `json:"default"`
	// Stale is set when the previous cycle's output was reused.
	Stale bool `json:"stale"`
}

// CycleReport summarizes one evaluation cycle.
type CycleReport struct {
	Cycle         int64                `json:"cycle"`
	ConfigVersion int64                `json:"config_version"`
	StartedAt     time.Time            `json:"started_at"`
	Duration      time.Duration        `json:"duration"`
	TimedOut      []string             `json:"timed_out,omitempty"`
	Instruments   []InstrumentReport   `json:"instruments"`
	Posture       coordinator.Posture  `json:"posture,omitempty"`
	Intents       []venue.OrderIntent  `json:"intents,omitempty"`
	Exits         []risk.ExitSignal    `json:"exits,omitempty"`
	Closed        []performance.Record `json:"closed,omitempty"`
	Dropped       []Drop               `json:"dropped,omitempty"`
	Warnings      []types.Warning      `json:"warnings,omitempty"`
	Risk          risk.State           `json:"risk"`
	Active        int                  `json:"active"`
}

// OpenIntents counts opening intents, hedges excluded.
func (r CycleReport) OpenIntents() int {
	n := 0
	for _, in := range r.Intents {
		if in.Kind == venue.KindOpen {
			n++
		}
	}
	return n
}

func (r *CycleReport) warn(w types.Warning) {
	r.Warnings = append(r.Warnings, w)
}

func (r *CycleReport) drop(instrument, family string, err error) {
	w := types.WarningFrom(err, types.KindConstraintRejection)
	r.Dropped = append(r.Dropped, Drop{Instrument: instrument, Family: family, Kind: w.Kind, Reason: w.Message})
}

// Summary renders the report for the log.
func (r CycleReport) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "cycle #%d (config v%d) %s posture=%s\n", r.Cycle, r.ConfigVersion, r.Duration.Truncate(time.Millisecond), r.Posture)
	for _, in := range r.Instruments {
		stale := ""
		if in.Stale {
			stale = " stale"
		}
		fmt.Fprintf(&b, "  %-12s %-16s conf=%.2f candidates=%d%s\n", in.Instrument, in.Regime, in.Confidence, in.Candidates, stale)
	}
	fmt.Fprintf(&b, "  intents=%d exits=%d closed=%d dropped=%d warnings=%d active=%d\n",
		len(r.Intents), len(r.Exits), len(r.Closed), len(r.Dropped), len(r.Warnings), r.Active)
	fmt.Fprintf(&b, "  equity=%.2f drawdown=%.2f%% heat=%.2f breaker=%t halted=%t",
		r.Risk.Equity, r.Risk.Drawdown*100, r.Risk.Heat, r.Risk.Breaker.Active, r.Risk.Halted)
	return b.String()
}
