package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies core failures. None of them is fatal to the process.
type ErrorKind string

const (
	KindInsufficientData     ErrorKind = "insufficient_data"
	KindValidationFailure    ErrorKind = "validation_failure"
	KindConstraintRejection  ErrorKind = "constraint_rejection"
	KindVenueRejection       ErrorKind = "venue_rejection"
	KindCircuitBreakerActive ErrorKind = "circuit_breaker_active"
	KindStaleClassifier      ErrorKind = "stale_classifier"
	KindCycleTimeout         ErrorKind = "cycle_timeout"
	// KindRiskWarning carries a risk-state warning (drawdown, win rate,
	// concentration) into the cycle report.
	KindRiskWarning ErrorKind = "risk_warning"
	// KindFatal halts new trigger issuance; open positions keep being managed.
	KindFatal ErrorKind = "fatal"
)

// CoreError carries a kind plus the instrument it concerns (may be empty).
type CoreError struct {
	Kind       ErrorKind
	Instrument string
	Err        error
}

func (e *CoreError) Error() string {
	if e == nil {
		return ""
	}
	prefix := string(e.Kind)
	if e.Instrument != "" {
		prefix += "[" + e.Instrument + "]"
	}
	if e.Err == nil {
		return prefix
	}
	return prefix + ": " + e.Err.Error()
}

func (e *CoreError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError wraps err with a kind.
func NewError(kind ErrorKind, instrument string, err error) *CoreError {
	return &CoreError{Kind: kind, Instrument: instrument, Err: err}
}

// Errorf builds a CoreError from a format string.
func Errorf(kind ErrorKind, instrument, format string, args ...any) *CoreError {
	return &CoreError{Kind: kind, Instrument: instrument, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first CoreError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var ce *CoreError
	if errors.As(err, &ce) && ce != nil {
		return ce.Kind, true
	}
	return "", false
}

// IsKind reports whether err's chain carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Warning is a non-fatal event recorded during a cycle.
type Warning struct {
	Kind       ErrorKind `json:"kind"`
	Instrument string    `json:"instrument,omitempty"`
	Message    string    `json:"message"`
}

// WarningFrom converts an error into a Warning, defaulting the kind.
func WarningFrom(err error, def ErrorKind) Warning {
	if err == nil {
		return Warning{Kind: def}
	}
	var ce *CoreError
	if errors.As(err, &ce) && ce != nil {
		return Warning{Kind: ce.Kind, Instrument: ce.Instrument, Message: err.Error()}
	}
	return Warning{Kind: def, Message: err.Error()}
}
