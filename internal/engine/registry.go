package engine

import (
	"sort"
	"sync"
	"time"

	"signalcartel/internal/trigger"
	"signalcartel/internal/types"
)

// Position is an active trigger plus what is needed to book its exits.
type Position struct {
	Trigger trigger.Trigger
	OrderID string
	// OriginalSize is the size at activation; exit fractions refer to it.
	OriginalSize float64
	// EntryEquity is the realized equity when the position opened.
	EntryEquity float64
	// Taken is the fraction of the original size already closed.
	Taken float64
	// Realized is the size-weighted return booked so far.
	Realized float64
	Slippage float64
	OpenedAt time.Time
}

// Registry holds at most one active trigger per instrument.
type Registry struct {
	mu           sync.Mutex
	byInstrument map[string]*Position
	byTrigger    map[string]string
}

func NewRegistry() *Registry {
	return &Registry{
		byInstrument: make(map[string]*Position),
		byTrigger:    make(map[string]string),
	}
}

// TryActivate registers t unless its instrument already has an active
// trigger. The check and insert are atomic.
func (r *Registry) TryActivate(t trigger.Trigger, orderID string, equity float64, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byInstrument[t.Instrument]; ok {
		return types.Errorf(types.KindConstraintRejection, t.Instrument,
			"instrument already has active trigger %s", cur.Trigger.ID)
	}
	t = t.Clone()
	t.Status = trigger.StatusActive
	t.ActivatedAt = now
	r.byInstrument[t.Instrument] = &Position{
		Trigger:      t,
		OrderID:      orderID,
		OriginalSize: t.Size,
		EntryEquity:  equity,
		OpenedAt:     now,
	}
	r.byTrigger[t.ID] = t.Instrument
	return nil
}

// Replace swaps in a managed copy of an active trigger. Unknown ids are
// ignored.
func (r *Registry) Replace(t trigger.Trigger) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byInstrument[r.byTrigger[t.ID]]
	if !ok || p.Trigger.ID != t.ID {
		return false
	}
	p.Trigger = t.Clone()
	return true
}

// Book records a partial exit and returns the updated position.
func (r *Registry) Book(triggerID string, fraction, ret, slippage float64) (Position, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byInstrument[r.byTrigger[triggerID]]
	if !ok {
		return Position{}, false
	}
	fraction = clampFraction(fraction, 1-p.Taken)
	p.Taken += fraction
	p.Realized += fraction * ret
	p.Slippage += fraction * slippage
	return p.snapshot(), true
}

// Close removes the trigger and returns its final position.
func (r *Registry) Close(triggerID string) (Position, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.byTrigger[triggerID]
	if !ok {
		return Position{}, false
	}
	p := r.byInstrument[inst]
	delete(r.byInstrument, inst)
	delete(r.byTrigger, triggerID)
	out := p.snapshot()
	out.Trigger.Status = trigger.StatusClosed
	return out, true
}

// SetOrder records the venue order id once a fill confirms it.
func (r *Registry) SetOrder(triggerID, orderID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byInstrument[r.byTrigger[triggerID]]; ok && orderID != "" {
		p.OrderID = orderID
	}
}

// AddSlippage accumulates entry slippage reported by a fill.
func (r *Registry) AddSlippage(triggerID string, slip float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.byInstrument[r.byTrigger[triggerID]]; ok {
		p.Slippage += slip
	}
}

func (r *Registry) Get(triggerID string) (Position, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byInstrument[r.byTrigger[triggerID]]
	if !ok {
		return Position{}, false
	}
	return p.snapshot(), true
}

// Active lists active triggers ordered by instrument.
func (r *Registry) Active() []trigger.Trigger {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]trigger.Trigger, 0, len(r.byInstrument))
	for _, p := range r.byInstrument {
		out = append(out, p.Trigger.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Instrument < out[j].Instrument })
	return out
}

// Positions lists active positions ordered by instrument.
func (r *Registry) Positions() []Position {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Position, 0, len(r.byInstrument))
	for _, p := range r.byInstrument {
		out = append(out, p.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Trigger.Instrument < out[j].Trigger.Instrument })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byInstrument)
}

func (p *Position) snapshot() Position {
	out := *p
	out.Trigger = p.Trigger.Clone()
	return out
}

func clampFraction(f, room float64) float64 {
	if f > room {
		f = room
	}
	if f < 0 {
		f = 0
	}
	return f
}
