package regime

import (
	"sort"
	"time"
)

// Classification is one regime reading. Values are superseded each tick and
// never mutated after being returned.
type Classification struct {
	Instrument        string             `json:"instrument"`
	Label             Label              `json:"label"`
	Confidence        float64            `json:"confidence"`
	Stability         float64            `json:"stability"`
	ExpectedDuration  time.Duration      `json:"expected_duration"`
	Probabilities     map[Label]float64  `json:"probabilities"`
	FeatureImportance map[string]float64 `json:"feature_importance,omitempty"`
	Source            string             `json:"source"`
	Timestamp         time.Time          `json:"timestamp"`
}

// Clone deep-copies the maps.
func (c Classification) Clone() Classification {
	out := c
	if c.Probabilities != nil {
		out.Probabilities = make(map[Label]float64, len(c.Probabilities))
		for k, v := range c.Probabilities {
			out.Probabilities[k] = v
		}
	}
	if c.FeatureImportance != nil {
		out.FeatureImportance = make(map[string]float64, len(c.FeatureImportance))
		for k, v := range c.FeatureImportance {
			out.FeatureImportance[k] = v
		}
	}
	return out
}

// IsZero reports whether no label has been assigned.
func (c Classification) IsZero() bool { return c.Label == "" }

// TopFeatures returns feature names ordered by importance.
func (c Classification) TopFeatures(n int) []string {
	keys := make([]string, 0, len(c.FeatureImportance))
	for k := range c.FeatureImportance {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if c.FeatureImportance[keys[i]] == c.FeatureImportance[keys[j]] {
			return keys[i] < keys[j]
		}
		return c.FeatureImportance[keys[i]] > c.FeatureImportance[keys[j]]
	})
	if n > 0 && len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

// expectedDuration scales the label's base duration by stability.
func expectedDuration(l Label, stability float64) time.Duration {
	return time.Duration(float64(l.baseDuration()) * (0.5 + clamp(stability, 0, 1)))
}

// oneHot spreads residual mass evenly over the other labels.
func oneHot(l Label, p float64) map[Label]float64 {
	out := make(map[Label]float64, len(AllLabels))
	rest := (1 - p) / float64(len(AllLabels)-1)
	for _, other := range AllLabels {
		out[other] = rest
	}
	out[l] = p
	return out
}

// normalize scales non-negative scores to sum to one over AllLabels.
func normalize(scores map[Label]float64) map[Label]float64 {
	out := make(map[Label]float64, len(AllLabels))
	var total float64
	for _, l := range AllLabels {
		if v := scores[l]; v > 0 {
			total += v
		}
	}
	for _, l := range AllLabels {
		if total <= 0 {
			out[l] = 1 / float64(len(AllLabels))
			continue
		}
		if v := scores[l]; v > 0 {
			out[l] = v / total
		} else {
			out[l] = 0
		}
	}
	return out
}

// argmax over AllLabels order; ties keep the earlier label.
func argmax(scores map[Label]float64) (Label, float64) {
	best := AllLabels[0]
	bestV := scores[best]
	for _, l := range AllLabels[1:] {
		if scores[l] > bestV {
			best, bestV = l, scores[l]
		}
	}
	return best, bestV
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
