package notifier

import (
	"context"
	"time"

	"signalcartel/internal/types"
)

// TextNotifier is the minimal text channel (Telegram, chat webhooks).
type TextNotifier interface {
	SendText(ctx context.Context, text string) error
}

// Publisher receives alerts as structured records.
type Publisher interface {
	Publish(ctx context.Context, a Alert) error
}

// Sink accepts alerts without blocking the caller.
type Sink interface {
	Notify(a Alert)
}

// Alert kinds.
const (
	AlertRegimeChange   = "regime_change"
	AlertCircuitBreaker = "circuit_breaker"
	AlertHalt           = "halt"
	AlertDegradation    = "degradation"
	AlertVenue          = "venue"
	AlertCycle          = "cycle"
	AlertRiskWarning    = "risk_warning"
)

type Alert struct {
	Kind       string         `json:"kind"`
	Severity   types.Severity `json:"severity"`
	Instrument string         `json:"instrument,omitempty"`
	Title      string         `json:"title"`
	Lines      []string       `json:"lines,omitempty"`
	At         time.Time      `json:"at"`
}

// Discard drops every alert.
type Discard struct{}

func (Discard) Notify(Alert) {}
