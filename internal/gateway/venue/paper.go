package venue

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"signalcartel/internal/logger"
)

// PaperVenue accepts every intent and fills it at the intent's entry price.
// It backs dry runs and tests.
type PaperVenue struct {
	mu       sync.Mutex
	intents  []OrderIntent
	canceled []string
	events   chan Event
	reject   func(OrderIntent) (string, bool)
}

func NewPaperVenue(buffer int) *PaperVenue {
	if buffer <= 0 {
		buffer = 64
	}
	return &PaperVenue{events: make(chan Event, buffer)}
}

// RejectWhen makes the venue refuse intents for which fn returns true.
func (p *PaperVenue) RejectWhen(fn func(OrderIntent) (reason string, reject bool)) {
	p.mu.Lock()
	p.reject = fn
	p.mu.Unlock()
}

func (p *PaperVenue) Submit(ctx context.Context, intent OrderIntent) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	p.mu.Lock()
	reject := p.reject
	p.mu.Unlock()
	if reject != nil {
		if reason, no := reject(intent); no {
			return Result{Accepted: false, Reason: reason}, nil
		}
	}
	p.mu.Lock()
	p.intents = append(p.intents, intent)
	p.mu.Unlock()

	res := Result{Accepted: true, OrderID: uuid.NewString()}
	ev := Event{
		Kind: EventFill, OrderID: res.OrderID, TriggerID: intent.TriggerID, Instrument: intent.Instrument,
		Price: intent.EntryPrice, Fraction: 1, At: intent.CreatedAt,
	}
	if intent.Kind == KindClose {
		ev.Kind = EventClose
	}
	p.Emit(ev)
	return res, nil
}

func (p *PaperVenue) Cancel(ctx context.Context, orderID string) error {
	p.mu.Lock()
	p.canceled = append(p.canceled, orderID)
	p.mu.Unlock()
	return ctx.Err()
}

func (p *PaperVenue) Events() <-chan Event { return p.events }

// Emit queues an event, dropping it when the buffer is full.
func (p *PaperVenue) Emit(ev Event) {
	select {
	case p.events <- ev:
	default:
		logger.Debugf("PaperVenue: event buffer full, dropping %s for %s", ev.Kind, ev.TriggerID)
	}
}

// Intents returns every accepted intent in submission order.
func (p *PaperVenue) Intents() []OrderIntent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]OrderIntent(nil), p.intents...)
}
