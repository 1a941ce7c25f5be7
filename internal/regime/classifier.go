package regime

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"signalcartel/internal/market"
)

// Classifier produces an independent reading from extracted features and the
// raw snapshot. Implementations must be safe for concurrent use.
type Classifier interface {
	Name() string
	Classify(ctx context.Context, f Features, snap market.Snapshot) (Classification, error)
}

// Factory builds the named classifiers.
var factories = map[string]func() Classifier{
	"change_point":     func() Classifier { return NewChangePointClassifier() },
	"feature_weighted": func() Classifier { return NewFeatureWeightedClassifier() },
	"microstructure":   func() Classifier { return NewMicrostructureClassifier() },
}

// BuildClassifiers resolves names into classifiers, sorted by name so the
// result does not depend on configuration order.
func BuildClassifiers(names []string) ([]Classifier, error) {
	seen := make(map[string]bool, len(names))
	out := make([]Classifier, 0, len(names))
	for _, name := range names {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" || seen[name] {
			continue
		}
		fn, ok := factories[name]
		if !ok {
			return nil, fmt.Errorf("unknown regime classifier %q", name)
		}
		seen[name] = true
		out = append(out, fn())
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no regime classifiers configured")
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out, nil
}

// labelFromScores turns raw per-label scores into a classification.
func labelFromScores(source string, scores map[Label]float64, confFloor, confCeil float64) Classification {
	probs := normalize(scores)
	label, p := argmax(probs)
	conf := confFloor + (confCeil-confFloor)*clamp((p-0.1)/0.5, 0, 1)
	return Classification{
		Label:         label,
		Confidence:    conf,
		Probabilities: probs,
		Source:        source,
	}
}
