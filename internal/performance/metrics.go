package performance

import (
	"math"
	"time"

	"signalcartel/internal/analysis/stats"
	"signalcartel/internal/regime"
)

// Metrics summarize the records under one key inside the tracking period.
type Metrics struct {
	Key          string        `json:"key"`
	Count        int           `json:"count"`
	Wins         int           `json:"wins"`
	Losses       int           `json:"losses"`
	WinRate      float64       `json:"win_rate"`
	AvgWin       float64       `json:"avg_win"`
	AvgLoss      float64       `json:"avg_loss"`
	ProfitFactor float64       `json:"profit_factor"`
	Sharpe       float64       `json:"sharpe"`
	Sortino      float64       `json:"sortino"`
	MaxDrawdown  float64       `json:"max_drawdown"`
	TotalReturn  float64       `json:"total_return"`
	AvgHolding   time.Duration `json:"avg_holding"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// profitFactorCap stands in for an undefined profit factor with no losses.
const profitFactorCap = 999

// RegimeKey names the family-per-regime metric bucket.
func RegimeKey(family string, label regime.Label) string {
	return family + "|" + string(label)
}

// Compute summarizes records in order. Per-trade Sharpe and Sortino are
// not annualized.
func Compute(key string, records []Record) Metrics {
	m := Metrics{Key: key, Count: len(records)}
	if len(records) == 0 {
		return m
	}
	returns := make([]float64, 0, len(records))
	var grossWin, grossLoss float64
	var holding time.Duration
	equity, peak := 1.0, 1.0
	for _, r := range records {
		returns = append(returns, r.Return)
		holding += r.Holding
		switch r.Outcome {
		case Win:
			m.Wins++
			grossWin += r.Return
		case Loss:
			m.Losses++
			grossLoss += -r.Return
		}
		equity *= 1 + r.Return
		if equity > peak {
			peak = equity
		}
		if dd := (peak - equity) / peak; dd > m.MaxDrawdown {
			m.MaxDrawdown = dd
		}
	}
	m.WinRate = float64(m.Wins) / float64(m.Count)
	if m.Wins > 0 {
		m.AvgWin = grossWin / float64(m.Wins)
	}
	if m.Losses > 0 {
		m.AvgLoss = grossLoss / float64(m.Losses)
	}
	switch {
	case grossLoss > 0:
		m.ProfitFactor = math.Min(profitFactorCap, grossWin/grossLoss)
	case grossWin > 0:
		m.ProfitFactor = profitFactorCap
	}
	mean := stats.Mean(returns)
	if sd := stats.StdDev(returns); sd > 0 {
		m.Sharpe = mean / sd
	}
	if dd := stats.DownsideDev(returns); dd > 0 {
		m.Sortino = mean / dd
	}
	m.TotalReturn = equity - 1
	m.AvgHolding = holding / time.Duration(m.Count)
	return m
}
