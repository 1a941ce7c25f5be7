// Package engine runs the evaluation cycle: per-instrument classification
// and generation, the fan-in barrier, coordination, sizing and intent
// submission, plus management of active triggers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"signalcartel/internal/config"
	"signalcartel/internal/coordinator"
	"signalcartel/internal/gateway/notifier"
	"signalcartel/internal/gateway/venue"
	"signalcartel/internal/logger"
	"signalcartel/internal/market"
	"signalcartel/internal/performance"
	"signalcartel/internal/regime"
	"signalcartel/internal/risk"
	"signalcartel/internal/store/audit"
	"signalcartel/internal/trigger"
	"signalcartel/internal/types"
)

// ErrCycleRunning is returned when a cycle is requested while one runs.
var ErrCycleRunning = errors.New("cycle already running")

// ConfigSource hands out the configuration version for the next cycle.
type ConfigSource interface {
	Current() *config.Config
}

// Metrics receives cycle observations.
type Metrics interface {
	CycleCompleted(d time.Duration, timedOut bool)
	IntentIssued(kind string)
	CandidateDropped(kind types.ErrorKind)
	Warning(kind types.ErrorKind)
	ExitSignalled(reason string)
	ActiveTriggers(n int)
	RiskState(s risk.State)
}

type Deps struct {
	Config      ConfigSource
	Provider    market.Provider
	Ensemble    *regime.Ensemble
	Generator   *trigger.Generator
	Coordinator *coordinator.Coordinator
	Risk        *risk.Manager
	Tracker     *performance.Tracker
	Venue       venue.Venue
	Audit       audit.Store
	Sink        notifier.Sink
	Metrics     Metrics
}

// stageOutput is one instrument's per-cycle result. It is reused whole when
// the next cycle cannot finish the instrument in time.
type stageOutput struct {
	instrument string
	snapshot   market.Snapshot
	regime     regime.Result
	generated  trigger.Result
	warnings   []types.Warning
	failed     bool
	stale      bool
}

type Engine struct {
	Deps
	registry *Registry
	now      func() time.Time

	running sync.Mutex

	// cycle goroutine state
	cycle     int64
	realized  float64
	prev      map[string]stageOutput
	ownOrders map[string]venue.IntentKind
	degraded  map[string]types.Severity
	riskWarn  map[string]types.Severity

	mu   sync.RWMutex
	last CycleReport
}

func New(d Deps) *Engine {
	if d.Audit == nil {
		d.Audit = audit.Nop{}
	}
	if d.Sink == nil {
		d.Sink = notifier.Discard{}
	}
	if d.Metrics == nil {
		d.Metrics = nopMetrics{}
	}
	return &Engine{
		Deps:      d,
		registry:  NewRegistry(),
		now:       time.Now,
		realized:  d.Risk.State().Equity,
		prev:      make(map[string]stageOutput),
		ownOrders: make(map[string]venue.IntentKind),
		degraded:  make(map[string]types.Severity),
		riskWarn:  make(map[string]types.Severity),
	}
}

// Registry exposes the active-trigger registry.
func (e *Engine) Registry() *Registry { return e.registry }

// ActiveTriggers lists active triggers ordered by instrument.
func (e *Engine) ActiveTriggers() []trigger.Trigger { return e.registry.Active() }

// LastReport returns the most recent cycle report.
func (e *Engine) LastReport() CycleReport {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.last
}

// RunCycle executes one evaluation cycle. Concurrent calls are refused.
func (e *Engine) RunCycle(ctx context.Context) (CycleReport, error) {
	if !e.running.TryLock() {
		return CycleReport{}, ErrCycleRunning
	}
	defer e.running.Unlock()

	cfg := e.Config.Current()
	if cfg == nil {
		return CycleReport{}, fmt.Errorf("no configuration loaded")
	}
	start := e.now()
	e.cycle++
	rep := CycleReport{Cycle: e.cycle, ConfigVersion: cfg.Version, StartedAt: start}
	e.Tracker.SetConfig(cfg.Performance)

	e.drainEvents(ctx, &rep)

	outputs := e.runStages(ctx, cfg, &rep)
	marks := make(map[string]market.Snapshot, len(outputs))
	for _, out := range outputs {
		if !out.stale && out.snapshot.Price > 0 {
			marks[out.instrument] = out.snapshot
		}
	}

	e.manageActive(ctx, cfg, marks, outputs, &rep)
	e.updateRisk(ctx, cfg, marks, &rep)

	if plan, ok := e.coordinate(ctx, cfg, outputs, &rep); ok {
		e.issue(ctx, cfg, plan, outputs, &rep)
	}
	e.checkDegradation(&rep)

	rep.Duration = e.now().Sub(start)
	rep.Risk = e.Risk.State()
	rep.Active = e.registry.Len()
	e.observe(rep)

	e.mu.Lock()
	e.last = rep
	e.mu.Unlock()
	logger.InfoBlock(rep.Summary())
	return rep, nil
}

// runStages snapshots, classifies and generates for every instrument in
// parallel and waits for all of them or the cycle deadline.
func (e *Engine) runStages(ctx context.Context, cfg *config.Config, rep *CycleReport) []stageOutput {
	ids := cfg.InstrumentIDs()
	cctx, cancel := context.WithTimeout(ctx, cfg.Engine.CycleTimeout())
	defer cancel()

	priors := e.Tracker.Snapshot()
	results := make(chan stageOutput, len(ids))
	g, gctx := errgroup.WithContext(cctx)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			results <- e.stage(gctx, cfg, id, priors)
			return nil
		})
	}
	// stragglers finish in the background; their buffered results are dropped
	go func() { _ = g.Wait() }()

	got := make(map[string]stageOutput, len(ids))
collect:
	for len(got) < len(ids) {
		select {
		case out := <-results:
			got[out.instrument] = out
		case <-cctx.Done():
			break collect
		}
	}
	// results that landed together with the deadline
	for drained := false; !drained; {
		select {
		case out := <-results:
			got[out.instrument] = out
		default:
			drained = true
		}
	}

	outputs := make([]stageOutput, 0, len(ids))
	for _, id := range ids {
		out, ok := got[id]
		stale := false
		if !ok {
			rep.TimedOut = append(rep.TimedOut, id)
			rep.warn(types.WarningFrom(types.Errorf(types.KindCycleTimeout, id, "stage did not finish within %s", cfg.Engine.CycleTimeout()), types.KindCycleTimeout))
			prev, had := e.prev[id]
			if !had {
				continue
			}
			out, stale = prev, true
		} else if out.failed {
			for _, w := range out.warnings {
				rep.warn(w)
			}
			prev, had := e.prev[id]
			if !had {
				continue
			}
			// keep the previous classification but not its candidates
			out, stale = prev, true
			out.generated.Triggers = nil
		} else {
			for _, w := range out.warnings {
				rep.warn(w)
			}
			e.prev[id] = out
		}
		rep.Instruments = append(rep.Instruments, InstrumentReport{
			Instrument: id,
			Regime:     out.regime.Classification.Label,
			Confidence: out.regime.Classification.Confidence,
			Changed:    out.regime.Changed && !stale,
			Candidates: len(out.generated.Triggers),
			Default:    out.generated.Default,
			Stale:      stale,
		})
		out.stale = stale
		outputs = append(outputs, out)
	}
	if len(rep.TimedOut) > 0 {
		logger.Warnf("Engine: cycle #%d deadline hit, reused previous output for %v", rep.Cycle, rep.TimedOut)
	}
	return outputs
}

func (e *Engine) stage(ctx context.Context, cfg *config.Config, id string, priors *performance.BeliefSnapshot) (out stageOutput) {
	out.instrument = id
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Engine: stage panic for %s: %v", id, r)
			out = stageOutput{instrument: id, failed: true, warnings: []types.Warning{
				types.WarningFrom(types.Errorf(types.KindInsufficientData, id, "stage panic: %v", r), types.KindInsufficientData),
			}}
		}
	}()

	sctx, cancel := context.WithTimeout(ctx, cfg.Engine.ExternalTimeout())
	snap, err := e.Provider.Snapshot(sctx, id)
	cancel()
	if err != nil {
		out.failed = true
		kind := types.KindInsufficientData
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			kind = types.KindCycleTimeout
		}
		out.warnings = append(out.warnings, types.WarningFrom(types.NewError(kind, id, fmt.Errorf("snapshot: %w", err)), kind))
		return out
	}
	out.snapshot = snap

	res := e.Ensemble.Classify(ctx, snap, cfg.Regime)
	out.regime = res
	out.warnings = append(out.warnings, res.Warnings...)

	var features regime.Features
	if snap.Len() >= cfg.Regime.MinWindow {
		features = regime.ExtractFeatures(snap)
	}
	gen, err := e.Generator.Generate(ctx, trigger.Request{
		Snapshot: snap,
		Regime:   res.Classification,
		Features: features,
		Priors:   priors.ForRegime(res.Classification.Label),
		Config:   cfg.Generator,
		Exit:     exitSpec(cfg.Risk),
	})
	out.generated = gen
	out.warnings = append(out.warnings, gen.Warnings...)
	if err != nil {
		out.warnings = append(out.warnings, types.WarningFrom(err, types.KindInsufficientData))
	}
	return out
}

func exitSpec(cfg config.RiskConfig) trigger.ExitSpec {
	spec := trigger.DefaultExitSpec()
	if cfg.StopATRMultiple > 0 {
		spec.StopATR = cfg.StopATRMultiple
	}
	if len(cfg.TakeProfitATR) > 0 && len(cfg.TakeProfitATR) == len(cfg.TakeProfitWeights) {
		spec.LadderATR = append([]float64(nil), cfg.TakeProfitATR...)
		spec.Weights = append([]float64(nil), cfg.TakeProfitWeights...)
	}
	return spec
}

// manageActive trails stops, books hit targets and stops and closes
// finished triggers. It runs even while issuance is halted.
func (e *Engine) manageActive(ctx context.Context, cfg *config.Config, marks map[string]market.Snapshot, outputs []stageOutput, rep *CycleReport) {
	active := e.registry.Active()
	if len(active) == 0 {
		return
	}
	managed, err := risk.ManageActive(ctx, active, marks, cfg.Risk, e.now())
	if err != nil {
		rep.warn(types.WarningFrom(types.NewError(types.KindCycleTimeout, "", err), types.KindCycleTimeout))
		return
	}
	regimes := make(map[string]regime.Label, len(outputs))
	for _, out := range outputs {
		regimes[out.instrument] = out.regime.Classification.Label
	}
	for _, m := range managed {
		pos, ok := e.registry.Get(m.Trigger.ID)
		if !ok {
			continue
		}
		submitted := true
		for _, ex := range m.Exits {
			if !e.submitExit(ctx, cfg, pos, ex, rep) {
				submitted = false
				break
			}
		}
		if !submitted {
			// exits are re-evaluated next tick against the unchanged trigger
			continue
		}
		e.registry.Replace(m.Trigger)
		for _, ex := range m.Exits {
			rep.Exits = append(rep.Exits, ex)
			ret := trigger.ReturnOf(pos.Trigger.Direction, pos.Trigger.EntryPrice, ex.Price)
			fraction := ex.Fraction
			if ex.Final {
				fraction = 1
			}
			booked, ok := e.registry.Book(ex.TriggerID, fraction, ret, 0)
			if !ok {
				continue
			}
			e.realized += booked.EntryEquity * booked.OriginalSize * (booked.Taken - pos.Taken) * ret
			pos = booked
			if ex.Final || booked.Taken >= 1-1e-9 {
				e.closePosition(ctx, ex.TriggerID, ex.Price, regimes[ex.Instrument], rep)
				break
			}
		}
	}
}

func (e *Engine) submitExit(ctx context.Context, cfg *config.Config, pos Position, ex risk.ExitSignal, rep *CycleReport) bool {
	intent := venue.OrderIntent{
		ID:         uuid.NewString(),
		TriggerID:  ex.TriggerID,
		Instrument: ex.Instrument,
		Direction:  pos.Trigger.Direction.Opposite(),
		Kind:       venue.KindClose,
		Size:       pos.OriginalSize * ex.Fraction,
		EntryPrice: ex.Price,
		OrderType:  "market",
		Reason:     string(ex.Reason),
		CreatedAt:  e.now(),
	}
	res, err := e.submit(ctx, cfg, intent)
	if err != nil {
		rep.warn(types.WarningFrom(err, types.KindVenueRejection))
		return false
	}
	if !res.Accepted {
		rep.warn(types.WarningFrom(types.Errorf(types.KindVenueRejection, ex.Instrument, "close %s rejected: %s", ex.TriggerID, res.Reason), types.KindVenueRejection))
		return false
	}
	rep.Intents = append(rep.Intents, intent)
	return true
}

func (e *Engine) submit(ctx context.Context, cfg *config.Config, intent venue.OrderIntent) (venue.Result, error) {
	sctx, cancel := context.WithTimeout(ctx, cfg.Engine.ExternalTimeout())
	defer cancel()
	res, err := e.Venue.Submit(sctx, intent)
	if err != nil {
		if !types.IsKind(err, types.KindVenueRejection) {
			err = types.NewError(types.KindVenueRejection, intent.Instrument, err)
		}
		return res, err
	}
	if res.Accepted && res.OrderID != "" {
		e.ownOrders[res.OrderID] = intent.Kind
	}
	return res, nil
}

// closePosition removes a finished trigger and records the trade.
func (e *Engine) closePosition(ctx context.Context, triggerID string, exitPrice float64, label regime.Label, rep *CycleReport) {
	pos, ok := e.registry.Close(triggerID)
	if !ok {
		return
	}
	rec := performance.RecordFromTrigger(pos.Trigger, performance.Close{
		ExitPrice: exitPrice,
		Slippage:  pos.Slippage,
		Regime:    label,
		ClosedAt:  e.now(),
	})
	if pos.Taken > 0 {
		rec.Return = pos.Realized/pos.Taken - abs(pos.Slippage)
		rec.Outcome = performance.Classify(rec.Return)
	}
	stored, err := e.Tracker.RecordClose(rec)
	if err != nil {
		rep.warn(types.WarningFrom(err, types.KindValidationFailure))
		logger.Warnf("Engine: could not record close of %s: %v", triggerID, err)
	} else {
		rep.Closed = append(rep.Closed, stored)
	}
	if err := e.Audit.AppendTrigger(ctx, pos.Trigger, "closed"); err != nil {
		logger.Warnf("Engine: audit close %s: %v", triggerID, err)
	}
	logger.Infof("Engine: closed %s %s %s return=%.4f", pos.Trigger.Instrument, pos.Trigger.Family, rec.Outcome, rec.Return)
}

// equity marks open positions to market on top of realized equity.
func (e *Engine) equity(marks map[string]market.Snapshot) float64 {
	eq := e.realized
	for _, p := range e.registry.Positions() {
		snap, ok := marks[p.Trigger.Instrument]
		if !ok {
			continue
		}
		ret := trigger.ReturnOf(p.Trigger.Direction, p.Trigger.EntryPrice, snap.Price)
		eq += p.EntryEquity * p.OriginalSize * (1 - p.Taken) * ret
	}
	return eq
}

func (e *Engine) updateRisk(ctx context.Context, cfg *config.Config, marks map[string]market.Snapshot, rep *CycleReport) {
	winRate, hasWinRate := e.Tracker.RecentWinRate()
	report := e.Risk.Update(risk.Update{
		Equity:        e.equity(marks),
		Active:        e.registry.Active(),
		RecentWinRate: winRate,
		HasWinRate:    hasWinRate,
		Now:           e.now(),
	}, cfg.Risk)

	if tr := report.Transition; tr != nil {
		sev := types.SeverityInfo
		title := "circuit breaker cleared"
		if tr.Activated {
			sev, title = types.SeverityCritical, "circuit breaker active"
		}
		e.Sink.Notify(notifier.Alert{Kind: notifier.AlertCircuitBreaker, Severity: sev, Title: title, Lines: []string{tr.Reason}, At: tr.At})
	}
	if report.Halt != nil {
		rep.warn(types.WarningFrom(report.Halt, types.KindFatal))
		e.Sink.Notify(notifier.Alert{Kind: notifier.AlertHalt, Severity: types.SeverityCritical, Title: "new issuance halted", Lines: []string{report.Halt.Error()}})
	}
	e.riskWarnings(report.Warnings, rep)
	if err := e.Audit.AppendRiskState(ctx, report.State); err != nil {
		logger.Warnf("Engine: audit risk state v%d: %v", report.State.Version, err)
	}
}

func (e *Engine) coordinate(ctx context.Context, cfg *config.Config, outputs []stageOutput, rep *CycleReport) (coordinator.Plan, bool) {
	req := coordinator.Request{Active: e.registry.Active()}
	for _, out := range outputs {
		inst, _ := cfg.Instrument(out.instrument)
		req.Instruments = append(req.Instruments, coordinator.Instrument{
			ID:       out.instrument,
			Sector:   inst.Sector,
			Currency: inst.Currency,
			Snapshot: out.snapshot,
			Regime:   out.regime.Classification,
			Triggers: out.generated.Triggers,
		})
	}
	if len(req.Instruments) == 0 {
		return coordinator.Plan{}, false
	}
	plan, err := e.Coordinator.Coordinate(ctx, req, cfg.Coordinator)
	if err != nil {
		rep.warn(types.WarningFrom(types.NewError(types.KindCycleTimeout, "", fmt.Errorf("coordinate: %w", err)), types.KindCycleTimeout))
		return plan, false
	}
	rep.Posture = plan.Posture
	for _, rj := range plan.Rejected {
		rep.Dropped = append(rep.Dropped, Drop{Instrument: rj.Instrument, Family: rj.Family, Kind: types.KindConstraintRejection, Reason: rj.Reason})
	}
	return plan, true
}

// issue sizes the plan and submits accepted triggers. The registry slot is
// taken before submission so no instrument ever carries two.
func (e *Engine) issue(ctx context.Context, cfg *config.Config, plan coordinator.Plan, outputs []stageOutput, rep *CycleReport) {
	snaps := make(map[string]market.Snapshot, len(outputs))
	for _, out := range outputs {
		snaps[out.instrument] = out.snapshot
	}
	batch := risk.Batch{
		Active:      e.registry.Active(),
		Correlation: plan.Coefficient,
		Edges:       e.Tracker.Snapshot(),
		Now:         e.now(),
	}
	for _, t := range plan.Selected {
		batch.Candidates = append(batch.Candidates, risk.Candidate{Trigger: t, Snapshot: snaps[t.Instrument]})
	}
	for _, t := range plan.Complementary {
		batch.Candidates = append(batch.Candidates, risk.Candidate{
			Trigger: t, Snapshot: snaps[t.Instrument], Hedge: t.Family == coordinator.FamilyHedge,
		})
	}
	if len(batch.Candidates) == 0 {
		return
	}
	outcome := e.Risk.Size(batch, cfg.Risk)
	for _, err := range outcome.Rejected {
		inst := ""
		var ce *types.CoreError
		if errors.As(err, &ce) {
			inst = ce.Instrument
		}
		rep.drop(inst, "", err)
	}

	equity := e.realized
	for _, s := range outcome.Accepted {
		t := s.Trigger
		kind := venue.KindOpen
		if s.Hedge {
			kind = venue.KindHedge
		}
		if err := e.registry.TryActivate(t, "", equity, e.now()); err != nil {
			rep.drop(t.Instrument, t.Family, err)
			continue
		}
		intent := venue.OrderIntent{
			ID:          uuid.NewString(),
			TriggerID:   t.ID,
			Instrument:  t.Instrument,
			Direction:   t.Direction,
			Kind:        kind,
			Size:        t.Size,
			EntryPrice:  t.EntryPrice,
			OrderType:   t.Entry.OrderType,
			StopLoss:    t.Exit.StopLoss.Price,
			TakeProfits: append([]trigger.TakeProfit(nil), t.Exit.TakeProfits...),
			Reason:      fmt.Sprintf("%s %s conf=%.2f", t.Family, t.Regime.Label, t.Confidence),
			CreatedAt:   e.now(),
		}
		res, err := e.submit(ctx, cfg, intent)
		if err == nil && !res.Accepted {
			err = types.Errorf(types.KindVenueRejection, t.Instrument, "venue rejected %s: %s", t.ID, res.Reason)
		}
		if err != nil {
			e.registry.Close(t.ID)
			rejected := t.Clone()
			rejected.Status = trigger.StatusClosedRejected
			rep.drop(t.Instrument, t.Family, err)
			rep.warn(types.WarningFrom(err, types.KindVenueRejection))
			if aerr := e.Audit.AppendTrigger(ctx, rejected, "rejected"); aerr != nil {
				logger.Warnf("Engine: audit rejection %s: %v", t.ID, aerr)
			}
			continue
		}
		e.registry.SetOrder(t.ID, res.OrderID)
		rep.Intents = append(rep.Intents, intent)
		if pos, ok := e.registry.Get(t.ID); ok {
			if aerr := e.Audit.AppendTrigger(ctx, pos.Trigger, "activated"); aerr != nil {
				logger.Warnf("Engine: audit activation %s: %v", t.ID, aerr)
			}
		}
		logger.Infof("Engine: %s %s %s %s size=%.4f entry=%.4f stop=%.4f", kind, t.Instrument, t.Direction, t.Family, t.Size, t.EntryPrice, t.Exit.StopLoss.Price)
	}
}

// drainEvents applies venue events received since the last cycle. Events
// for orders this engine placed only confirm them; foreign closes (venue
// side stops, liquidations, manual exits) are booked.
func (e *Engine) drainEvents(ctx context.Context, rep *CycleReport) {
	ch := e.Venue.Events()
	if ch == nil {
		return
	}
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			e.applyEvent(ctx, ev, rep)
		default:
			return
		}
	}
}

func (e *Engine) applyEvent(ctx context.Context, ev venue.Event, rep *CycleReport) {
	kind, own := e.ownOrders[ev.OrderID]
	if own {
		delete(e.ownOrders, ev.OrderID)
	}
	pos, ok := e.registry.Get(ev.TriggerID)
	if !ok {
		return
	}
	switch ev.Kind {
	case venue.EventFill:
		if own && kind != venue.KindClose {
			e.registry.SetOrder(ev.TriggerID, ev.OrderID)
		}
		e.registry.AddSlippage(ev.TriggerID, abs(ev.Slippage))
	case venue.EventClose:
		if own {
			return
		}
		fraction := ev.Fraction
		if fraction <= 0 || fraction > 1-pos.Taken {
			fraction = 1 - pos.Taken
		}
		ret := trigger.ReturnOf(pos.Trigger.Direction, pos.Trigger.EntryPrice, ev.Price)
		booked, ok := e.registry.Book(ev.TriggerID, fraction, ret, ev.Slippage)
		if !ok {
			return
		}
		e.realized += booked.EntryEquity * booked.OriginalSize * (booked.Taken - pos.Taken) * ret
		logger.Infof("Engine: venue closed %.0f%% of %s at %.4f", fraction*100, ev.TriggerID, ev.Price)
		if booked.Taken >= 1-1e-9 {
			label := regime.Label("")
			if held, ok := e.Ensemble.Held(ev.Instrument); ok {
				label = held.Label
			}
			e.closePosition(ctx, ev.TriggerID, ev.Price, label, rep)
		}
	}
}

// riskWarnings reports every risk warning each cycle and alerts only when a
// warning appears or its severity changes.
func (e *Engine) riskWarnings(ws []risk.Warning, rep *CycleReport) {
	current := make(map[string]types.Severity, len(ws))
	for _, w := range ws {
		rep.warn(types.Warning{Kind: types.KindRiskWarning, Instrument: w.Instrument, Message: w.Type + ": " + w.Message})
		key := w.Type + "/" + w.Instrument
		current[key] = w.Severity
		if e.riskWarn[key] == w.Severity {
			continue
		}
		title := "risk warning: " + w.Type
		if w.Instrument != "" {
			title += " " + w.Instrument
		}
		e.Sink.Notify(notifier.Alert{
			Kind: notifier.AlertRiskWarning, Severity: w.Severity, Instrument: w.Instrument,
			Title: title, Lines: []string{w.Message}, At: e.now(),
		})
	}
	e.riskWarn = current
}

// checkDegradation alerts when a family's degradation grade changes.
func (e *Engine) checkDegradation(rep *CycleReport) {
	current := make(map[string]types.Severity)
	for _, d := range e.Tracker.Degradations() {
		key := d.Family + "/" + d.Kind
		current[key] = d.Severity
		if e.degraded[key] == d.Severity {
			continue
		}
		e.Sink.Notify(notifier.Alert{
			Kind: notifier.AlertDegradation, Severity: d.Severity,
			Title: fmt.Sprintf("%s performance degraded", d.Family), Lines: []string{d.Message},
		})
	}
	e.degraded = current
}

func (e *Engine) observe(rep CycleReport) {
	e.Metrics.CycleCompleted(rep.Duration, len(rep.TimedOut) > 0)
	for _, in := range rep.Intents {
		e.Metrics.IntentIssued(string(in.Kind))
	}
	for _, d := range rep.Dropped {
		e.Metrics.CandidateDropped(d.Kind)
	}
	kinds := make([]string, 0, len(rep.Warnings))
	for _, w := range rep.Warnings {
		e.Metrics.Warning(w.Kind)
		kinds = append(kinds, string(w.Kind))
	}
	for _, ex := range rep.Exits {
		e.Metrics.ExitSignalled(string(ex.Reason))
	}
	e.Metrics.ActiveTriggers(rep.Active)
	e.Metrics.RiskState(rep.Risk)
	if len(rep.TimedOut) > 0 {
		sort.Strings(kinds)
		e.Sink.Notify(notifier.Alert{
			Kind: notifier.AlertCycle, Severity: types.SeverityWarning,
			Title: fmt.Sprintf("cycle #%d hit its deadline", rep.Cycle),
			Lines: append([]string{fmt.Sprintf("stale instruments: %v", rep.TimedOut)}, kinds...),
		})
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

type nopMetrics struct{}

func (nopMetrics) CycleCompleted(time.Duration, bool) {}
func (nopMetrics) IntentIssued(string)                {}
func (nopMetrics) CandidateDropped(types.ErrorKind)   {}
func (nopMetrics) Warning(types.ErrorKind)            {}
func (nopMetrics) ExitSignalled(string)               {}
func (nopMetrics) ActiveTriggers(int)                 {}
func (nopMetrics) RiskState(risk.State)               {}
