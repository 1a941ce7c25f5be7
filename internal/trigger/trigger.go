package trigger

import (
	"time"

	"signalcartel/internal/regime"
	"signalcartel/internal/types"
)

// Status is a trigger's lifecycle position.
type Status string

const (
	StatusCandidate      Status = "candidate"
	StatusActive         Status = "active"
	StatusClosed         Status = "closed"
	StatusClosedRejected Status = "closed_rejected"
	StatusDiscarded      Status = "discarded"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusClosedRejected || s == StatusDiscarded
}

// Condition is one resolved entry condition. When Reference is set the
// right-hand side is reference + Threshold·ATR, otherwise Threshold.
type Condition struct {
	Indicator  string  `json:"indicator"`
	Comparator string  `json:"comparator"`
	Threshold  float64 `json:"threshold"`
	Reference  string  `json:"reference,omitempty"`
	Timeframe  string  `json:"timeframe,omitempty"`
	Adaptive   bool    `json:"adaptive"`
	ParamKey   string  `json:"param_key,omitempty"`
}

// EntryLogic combines conditions.
type EntryLogic struct {
	Mode      string `json:"mode"` // all | any
	OrderType string `json:"order_type"`
}

type StopLoss struct {
	Price    float64 `json:"price"`
	Distance float64 `json:"distance"`
	ATRMult  float64 `json:"atr_mult"`
	Trailing bool    `json:"trailing"`
}

type TakeProfit struct {
	Price    float64 `json:"price"`
	ATRMult  float64 `json:"atr_mult"`
	Fraction float64 `json:"fraction"`
}

// ExitStrategy is a stop plus an ordered take-profit ladder whose fractions
// sum to 1.
type ExitStrategy struct {
	StopLoss    StopLoss     `json:"stop_loss"`
	TakeProfits []TakeProfit `json:"take_profits"`
}

func (e ExitStrategy) clone() ExitStrategy {
	e.TakeProfits = append([]TakeProfit(nil), e.TakeProfits...)
	return e
}

type RiskParams struct {
	MaxLoss     float64 `json:"max_loss"`
	RewardRatio float64 `json:"reward_ratio"`
	ATR         float64 `json:"atr"`
	Volatility  float64 `json:"volatility"`
}

type ExpectedPerformance struct {
	WinProbability   float64 `json:"win_probability"`
	ExpectedReturn   float64 `json:"expected_return"`
	AvgWin           float64 `json:"avg_win"`
	AvgLoss          float64 `json:"avg_loss"`
	DrawdownEstimate float64 `json:"drawdown_estimate"`
	SampleSize       int     `json:"sample_size"`
	PValue           float64 `json:"p_value"`
}

// RegimeContext freezes the regime reading a trigger was generated under.
type RegimeContext struct {
	Label      regime.Label `json:"label"`
	Confidence float64      `json:"confidence"`
	Stability  float64      `json:"stability"`
}

type Trigger struct {
	ID          string              `json:"id"`
	Instrument  string              `json:"instrument"`
	Direction   types.Direction     `json:"direction"`
	Family      string              `json:"family"`
	Conditions  []Condition         `json:"conditions"`
	Entry       EntryLogic          `json:"entry"`
	EntryPrice  float64             `json:"entry_price"`
	Exit        ExitStrategy        `json:"exit"`
	Risk        RiskParams          `json:"risk"`
	Expected    ExpectedPerformance `json:"expected"`
	Params      map[string]float64  `json:"params,omitempty"`
	Confidence  float64             `json:"confidence"`
	Regime      RegimeContext       `json:"regime"`
	Status      Status              `json:"status"`
	Size        float64             `json:"size"`
	Default     bool                `json:"default,omitempty"`
	Optimizer   string              `json:"optimizer,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	ActivatedAt time.Time           `json:"activated_at,omitempty"`
}

// Score is the ranking key.
func (t Trigger) Score() float64 {
	return t.Confidence * t.Expected.ExpectedReturn
}

// ParamKeys lists the belief keys referenced by adaptive conditions.
func (t Trigger) ParamKeys() []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range t.Conditions {
		if c.Adaptive && c.ParamKey != "" && !seen[c.ParamKey] {
			seen[c.ParamKey] = true
			out = append(out, c.ParamKey)
		}
	}
	return out
}

// Clone deep-copies slices and maps so stages can adjust size and stops.
func (t Trigger) Clone() Trigger {
	out := t
	out.Conditions = append([]Condition(nil), t.Conditions...)
	out.Exit = t.Exit.clone()
	if t.Params != nil {
		out.Params = make(map[string]float64, len(t.Params))
		for k, v := range t.Params {
			out.Params[k] = v
		}
	}
	return out
}

// ParamKey namespaces a template parameter under its family.
func ParamKey(family, param string) string {
	return family + "." + param
}
