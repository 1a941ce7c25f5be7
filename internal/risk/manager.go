// Package risk sizes coordinated triggers, bounds them with hard limits and
// keeps the portfolio risk state, including the drawdown circuit breaker.
package risk

import (
	"sync"
	"time"

	"signalcartel/internal/config"
	"signalcartel/internal/logger"
	"signalcartel/internal/market"
	"signalcartel/internal/trigger"
	"signalcartel/internal/types"
)

// Manager owns the risk state. Update is called by one goroutine per cycle;
// State and AllowOpen may be read concurrently.
type Manager struct {
	mu      sync.RWMutex
	state   State
	returns []float64
	now     func() time.Time
}

func NewManager(initialEquity float64) *Manager {
	return &Manager{
		state: State{Equity: initialEquity, PeakEquity: initialEquity},
		now:   time.Now,
	}
}

// State returns a copy of the current risk state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Update replaces the state from this cycle's equity and active triggers.
// Breaker transitions and the first halt are logged exactly once.
func (m *Manager) Update(in Update, cfg config.RiskConfig) Report {
	if in.Now.IsZero() {
		in.Now = m.now()
	}
	m.mu.Lock()
	next, rep := m.recompute(m.state, in, cfg)
	m.state = next
	m.mu.Unlock()

	if tr := rep.Transition; tr != nil {
		if tr.Activated {
			logger.Warnf("RiskManager: circuit breaker ACTIVE: %s", tr.Reason)
		} else {
			logger.Infof("RiskManager: circuit breaker cleared: %s", tr.Reason)
		}
	}
	if rep.Halt != nil {
		logger.Errorf("RiskManager: halting new issuance: %v", rep.Halt)
	}
	for _, w := range rep.Warnings {
		logger.Infof("RiskManager: warning %s (%s): %s", w.Type, w.Severity, w.Message)
	}
	return rep
}

// Restore installs a persisted state at startup. Corrupt readings are
// ignored and the fresh state is kept.
func (m *Manager) Restore(s State) bool {
	if bad := corruption(s); bad != "" || s.PeakEquity < s.Equity {
		logger.Warnf("RiskManager: ignoring persisted state v%d (%s, equity=%.2f peak=%.2f)", s.Version, bad, s.Equity, s.PeakEquity)
		return false
	}
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	logger.Infof("RiskManager: restored state v%d equity=%.2f drawdown=%.4f breaker=%t", s.Version, s.Equity, s.Drawdown, s.Breaker.Active)
	return true
}

// Resume clears a halt after the operator has inspected the state.
func (m *Manager) Resume() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Halted {
		logger.Warnf("RiskManager: resuming after halt (%s)", m.state.HaltReason)
	}
	m.state.Halted = false
	m.state.HaltReason = ""
}

// AllowOpen reports whether new opening intents may be issued.
func (m *Manager) AllowOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state.Halted {
		return types.Errorf(types.KindFatal, "", "issuance halted: %s", m.state.HaltReason)
	}
	if m.state.Breaker.Active {
		return types.Errorf(types.KindCircuitBreakerActive, "", "%s", m.state.Breaker.Reason)
	}
	return nil
}

// Candidate is one coordinated trigger plus the snapshot it was built from.
// Hedge candidates reduce exposure and pass the circuit breaker.
type Candidate struct {
	Trigger  trigger.Trigger
	Snapshot market.Snapshot
	Hedge    bool
}

// Batch is one cycle's sizing input. Candidates are sized in order.
type Batch struct {
	Candidates  []Candidate
	Active      []trigger.Trigger
	Correlation Correlation
	Edges       EdgeSource
	Now         time.Time
}

// Sized is an accepted candidate carrying its final size and exits.
type Sized struct {
	Trigger trigger.Trigger
	Result  SizingResult
	Hedge   bool
}

// Outcome is the sizing decision for a batch.
type Outcome struct {
	Accepted []Sized
	Results  []SizingResult
	// Rejected holds one CoreError per candidate that will not be issued.
	Rejected []error
}

// Size sizes every candidate. While the breaker is active only hedges are
// sized; while halted nothing is.
func (m *Manager) Size(b Batch, cfg config.RiskConfig) Outcome {
	if b.Now.IsZero() {
		b.Now = m.now()
	}
	st := m.State()
	var out Outcome

	others := make([]string, 0, len(b.Candidates))
	for _, c := range b.Candidates {
		others = append(others, c.Trigger.Instrument)
	}
	sz := newSizer(cfg, b.Correlation, b.Edges, b.Active)

	for _, c := range b.Candidates {
		t := c.Trigger
		if st.Halted {
			out.Rejected = append(out.Rejected, types.Errorf(types.KindFatal, t.Instrument, "issuance halted: %s", st.HaltReason))
			continue
		}
		if st.Breaker.Active && !c.Hedge {
			out.Rejected = append(out.Rejected, types.Errorf(types.KindCircuitBreakerActive, t.Instrument, "%s", st.Breaker.Reason))
			continue
		}
		res := sz.size(t, c.Snapshot, others)
		out.Results = append(out.Results, res)
		if res.Dropped {
			logger.Infof("RiskManager: drop %s %s: size %.5f below minimum %.5f", t.Instrument, t.Family, res.Final, cfg.MinPositionSize)
			out.Rejected = append(out.Rejected, types.Errorf(types.KindConstraintRejection, t.Instrument,
				"size %.5f below minimum %.5f", res.Final, cfg.MinPositionSize))
			continue
		}
		sized := t.Clone()
		sized.Size = res.Final
		if withExit, err := RecomputeExit(sized, c.Snapshot, cfg, b.Now); err == nil {
			sized = withExit
		} else {
			logger.Warnf("RiskManager: keep generator exits for %s: %v", t.Instrument, err)
		}
		out.Accepted = append(out.Accepted, Sized{Trigger: sized, Result: res, Hedge: c.Hedge})
	}
	return out
}
