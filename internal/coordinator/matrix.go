package coordinator

import (
	"math"
	"sort"
	"time"

	"signalcartel/internal/analysis/stats"
)

// Entry is one pairwise correlation reading.
type Entry struct {
	Coefficient float64 `json:"coefficient"`
	PValue      float64 `json:"p_value"`
	SampleSize  int     `json:"sample_size"`
}

type pairKey struct{ a, b string }

func keyOf(a, b string) pairKey {
	if a > b {
		a, b = b, a
	}
	return pairKey{a, b}
}

// CorrelationMatrix is an immutable snapshot of pairwise return correlations.
type CorrelationMatrix struct {
	Method      string
	Window      int
	Instruments []string
	BuiltAt     time.Time
	entries     map[pairKey]Entry
}

// BuildMatrix correlates the trailing window of returns for every pair.
// Series are tail-aligned; pairs with fewer than three overlapping returns
// are left out.
func BuildMatrix(method string, returns map[string][]float64, window int, now time.Time) *CorrelationMatrix {
	m := &CorrelationMatrix{
		Method:  method,
		Window:  window,
		BuiltAt: now,
		entries: make(map[pairKey]Entry),
	}
	for id := range returns {
		m.Instruments = append(m.Instruments, id)
	}
	sort.Strings(m.Instruments)
	for i := 0; i < len(m.Instruments); i++ {
		for j := i + 1; j < len(m.Instruments); j++ {
			a, b := m.Instruments[i], m.Instruments[j]
			x, y := tailAlign(returns[a], returns[b], window)
			r, err := stats.Correlation(method, x, y)
			if err != nil {
				continue
			}
			m.entries[keyOf(a, b)] = Entry{
				Coefficient: r,
				PValue:      stats.CorrelationPValue(r, len(x)),
				SampleSize:  len(x),
			}
		}
	}
	return m
}

func tailAlign(x, y []float64, window int) ([]float64, []float64) {
	n := min(len(x), len(y))
	if window > 0 {
		n = min(n, window)
	}
	return x[len(x)-n:], y[len(y)-n:]
}

// Get returns the entry for a pair. An instrument correlates perfectly with
// itself.
func (m *CorrelationMatrix) Get(a, b string) (Entry, bool) {
	if m == nil {
		return Entry{}, false
	}
	if a == b {
		return Entry{Coefficient: 1}, true
	}
	e, ok := m.entries[keyOf(a, b)]
	return e, ok
}

// Coefficient is Get without the presence flag; unknown pairs read as 0.
func (m *CorrelationMatrix) Coefficient(a, b string) float64 {
	e, _ := m.Get(a, b)
	return e.Coefficient
}

// AverageAbs is the mean |ρ| over all known pairs.
func (m *CorrelationMatrix) AverageAbs() float64 {
	if m == nil || len(m.entries) == 0 {
		return 0
	}
	var sum float64
	for _, e := range m.entries {
		sum += math.Abs(e.Coefficient)
	}
	return sum / float64(len(m.entries))
}

// Pairs lists every known pair in name order.
func (m *CorrelationMatrix) Pairs() [][2]string {
	if m == nil {
		return nil
	}
	out := make([][2]string, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, [2]string{k.a, k.b})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i][0] != out[j][0] {
			return out[i][0] < out[j][0]
		}
		return out[i][1] < out[j][1]
	})
	return out
}

// MeanAbsTo is the mean |ρ| between id and others, skipping id itself.
func (m *CorrelationMatrix) MeanAbsTo(id string, others []string) float64 {
	var sum float64
	n := 0
	for _, o := range others {
		if o == id {
			continue
		}
		sum += math.Abs(m.Coefficient(id, o))
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
