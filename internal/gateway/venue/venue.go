// Package venue is the execution venue port: order intents go out, fill and
// close events come back.
package venue

import (
	"context"
	"time"

	"signalcartel/internal/trigger"
	"signalcartel/internal/types"
)

// IntentKind separates risk-increasing opens from closes and hedges.
type IntentKind string

const (
	KindOpen  IntentKind = "open"
	KindClose IntentKind = "close"
	KindHedge IntentKind = "hedge"
)

// OrderIntent is what the core asks the venue to do.
type OrderIntent struct {
	ID          string               `json:"id"`
	TriggerID   string               `json:"trigger_id"`
	Instrument  string               `json:"instrument"`
	Direction   types.Direction      `json:"direction"`
	Kind        IntentKind           `json:"kind"`
	Size        float64              `json:"size"`
	EntryPrice  float64              `json:"entry_price"`
	OrderType   string               `json:"order_type"`
	StopLoss    float64              `json:"stop_loss"`
	TakeProfits []trigger.TakeProfit `json:"take_profits,omitempty"`
	Reason      string               `json:"reason,omitempty"`
	CreatedAt   time.Time            `json:"created_at"`
}

// Result is the venue's synchronous answer. A rejection is final for the
// tick.
type Result struct {
	Accepted bool   `json:"accepted"`
	OrderID  string `json:"order_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

type EventKind string

const (
	EventFill  EventKind = "fill"
	EventClose EventKind = "close"
)

// Event is an asynchronous fill or close report.
type Event struct {
	Kind       EventKind `json:"kind"`
	OrderID    string    `json:"order_id,omitempty"`
	TriggerID  string    `json:"trigger_id"`
	Instrument string    `json:"instrument"`
	Price      float64   `json:"price"`
	Fraction   float64   `json:"fraction"`
	Slippage   float64   `json:"slippage"`
	At         time.Time `json:"at"`
}

// Venue submits and cancels orders. Events delivers fills and closes until
// the venue is closed.
type Venue interface {
	Submit(ctx context.Context, intent OrderIntent) (Result, error)
	Cancel(ctx context.Context, orderID string) error
	Events() <-chan Event
}
